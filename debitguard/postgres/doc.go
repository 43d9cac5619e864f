// Package postgres persists payment entries, reversals, batches, bank
// transactions, the idempotency ledger and the return file log in
// PostgreSQL. Writes and reads that feed a guarded decision go to the
// primary; listing queries may be served by a replica.
package postgres
