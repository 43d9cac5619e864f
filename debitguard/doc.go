// Package debitguard is the duplicate-prevention and reconciliation layer for
// recurring SEPA direct-debit collections.
//
// It sits between the batch submission process and the asynchronous bank
// responses (settlement confirmations and return files) and makes sure that
// no invoice is paid twice, no batch is settled by two bank transactions and
// no return file is applied twice.
//
// The root package carries the shared outcome taxonomy and the request-scoped
// tracking helpers. Components live in sub-packages:
//
//	idempotency  ledger of completed operations keyed by a deterministic digest
//	lock         per-resource mutual exclusion with mandatory expiry
//	reconcile    amount matching of bank transactions against open batches
//	settlement   batch state validation and settlement orchestration
//	returns      idempotent application of bank return files
//	guard        the payment creation path combining all of the above
package debitguard
