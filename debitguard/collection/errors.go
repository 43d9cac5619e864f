package collection

import "errors"

var (
	ErrBatchNotFound       = errors.New("collection batch not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrPaymentNotFound     = errors.New("payment entry not found")
	ErrTransactionNotFound = errors.New("bank transaction not found")
	ErrDuplicatePayment    = errors.New("payment entry already exists")

	ErrBatchStatusInvalid       = errors.New("invalid batch status")
	ErrBatchTransitionInvalid   = errors.New("invalid batch status transition")
	ErrStaleBatchStatus         = errors.New("batch status changed concurrently")
	ErrInvoiceStatusInvalid     = errors.New("invalid invoice payment status")
	ErrInvoiceTransitionInvalid = errors.New("invalid invoice payment status transition")

	ErrInvalidIBAN = errors.New("invalid IBAN")
)
