// Package guard decides whether a payment entry may be created for an
// invoice.
//
// CreatePayment serializes on the invoice lock, replays results already in
// the idempotency ledger, refuses allocations that would overpay the invoice
// and records the entry exactly once. Every call ends in one of three
// outcomes: success (possibly cached), rejected, or retryable. Faults of the
// underlying stores are returned as errors and never cached.
package guard
