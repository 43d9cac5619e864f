// Package lock provides per-resource mutual exclusion with mandatory expiry.
//
// A Backend performs single acquisition attempts; Manager adds the bounded
// retry policy, key formatting, logging and metrics. MemoryBackend serves a
// single process, the redis package provides a Backend shared across
// processes.
package lock
