package collection

import (
	"context"
	"time"
)

// InvoiceSource reads invoices. The layer never mutates invoices.
type InvoiceSource interface {
	Invoice(ctx context.Context, id string) (Invoice, error)
}

// BatchStore reads batches and applies batch status changes.
type BatchStore interface {
	Batch(ctx context.Context, id string) (Batch, error)
	// OpenBatches returns settleable batches collected between from and to.
	OpenBatches(ctx context.Context, from, to time.Time) ([]Batch, error)
	// UpdateBatchStatus moves batch id from -> to and fails with
	// ErrStaleBatchStatus if the stored status is no longer from.
	UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error
}

// PaymentStore persists payment entries, reversals and invoice payment status.
type PaymentStore interface {
	EntriesForInvoice(ctx context.Context, invoiceID string) ([]PaymentEntry, error)
	EntriesForBatch(ctx context.Context, batchID string) ([]PaymentEntry, error)
	EntriesForTransaction(ctx context.Context, transactionID string) ([]PaymentEntry, error)
	// EntryByEndToEndID returns the most recent entry for an instruction.
	EntryByEndToEndID(ctx context.Context, endToEndID string) (PaymentEntry, error)
	CreateEntry(ctx context.Context, entry PaymentEntry) error
	// CreateReversal stores r and flags its entry reversed atomically. It
	// returns false when the entry was already reversed.
	CreateReversal(ctx context.Context, r Reversal) (bool, error)
	InvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error)
	SetInvoiceStatus(ctx context.Context, invoiceID string, status InvoiceStatus) error
}

// BankTransactionStore holds bank transactions awaiting reconciliation.
type BankTransactionStore interface {
	SaveTransaction(ctx context.Context, tx BankTransaction) error
	Transaction(ctx context.Context, id string) (BankTransaction, error)
	// Unmatched returns up to limit transactions in UNMATCHED status.
	Unmatched(ctx context.Context, limit int) ([]BankTransaction, error)
	MarkTransaction(ctx context.Context, id string, status TransactionStatus, note string) error
}
