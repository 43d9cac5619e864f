// Package backoff computes bounded, jittered retry delays.
package backoff
