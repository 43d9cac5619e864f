// Package bolt stores the idempotency ledger and the return file log in an
// embedded BoltDB file, for single-node deployments without Redis or Postgres.
package bolt
