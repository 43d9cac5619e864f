// Package redis connects to Redis and provides the shared-store backends of
// debitguard: a redsync lock backend and an idempotency ledger store.
package redis
