// Package circuitbreaker wraps sony/gobreaker for calls to collaborators that
// can go away, such as the bank transaction feed.
package circuitbreaker
