// Package bootstrap builds the debitguard components selected by a
// config.Config: stores, lock backend, ledger, audit sinks and the services
// on top of them.
package bootstrap
