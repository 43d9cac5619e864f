// Package audit records the outcome of every guarded operation, keeping
// infrastructure failures distinguishable from business rejections.
package audit
