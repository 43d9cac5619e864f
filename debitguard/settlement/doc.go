// Package settlement applies bank credits to collection batches.
//
// The Validator is the only path that changes a batch status and enforces
// that a batch is settled by a single bank transaction unless that
// settlement is reversed first. The Settler matches a bank transaction to
// batches and creates the payment entries through the payment guard. The Job
// runs the Settler over unmatched transactions on a schedule.
package settlement
