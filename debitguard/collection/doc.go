// Package collection defines the SEPA direct-debit domain: collection batches
// and their instructions, bank transactions, payment entries, reversals and
// the lifecycle rules that govern batch and invoice payment status.
//
// It also declares the store contracts the components depend on. Concrete
// implementations live in the memory and postgres packages.
package collection
