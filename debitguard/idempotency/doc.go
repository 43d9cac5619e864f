// Package idempotency records the results of completed operations under a
// deterministic key so a retried operation returns the first result instead
// of running again.
//
// Failed operations are never recorded. The ledger does not serialize
// concurrent first executions by itself; callers hold a lock.Manager lock on
// the resource around Execute.
package idempotency
