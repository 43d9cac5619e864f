package collection

import (
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/shopspring/decimal"
)

// Invoice is the read-only view of a receivable owned by the invoicing system.
type Invoice struct {
	ID       string          `json:"id"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
}

// InvoiceStatus tracks how much of an invoice has been collected.
type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "UNPAID"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceReversed      InvoiceStatus = "REVERSED"
)

// ParseInvoiceStatus validates a raw status string.
func ParseInvoiceStatus(raw string) (InvoiceStatus, error) {
	status := InvoiceStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvoiceStatusInvalid, raw)
	}

	return status, nil
}

func (status InvoiceStatus) IsValid() bool {
	switch status {
	case InvoiceUnpaid, InvoicePartiallyPaid, InvoicePaid, InvoiceReversed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether status -> next is allowed. The only way
// back from a collected state is through REVERSED.
func (status InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	switch status {
	case InvoiceUnpaid:
		return next == InvoicePartiallyPaid || next == InvoicePaid
	case InvoicePartiallyPaid:
		return next == InvoicePartiallyPaid || next == InvoicePaid || next == InvoiceReversed
	case InvoicePaid:
		return next == InvoiceReversed
	case InvoiceReversed:
		return next == InvoiceUnpaid || next == InvoicePartiallyPaid
	default:
		return false
	}
}

// ValidateInvoiceTransition checks status -> next.
func ValidateInvoiceTransition(from, to InvoiceStatus) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvoiceStatusInvalid, from, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvoiceTransitionInvalid, from, to)
	}

	return nil
}

// DeriveInvoiceStatus computes the forward status for an invoice of total
// that has collected paid so far.
func DeriveInvoiceStatus(total, paid decimal.Decimal, tol money.Tolerance) InvoiceStatus {
	switch {
	case !paid.IsPositive():
		return InvoiceUnpaid
	case tol.Equal(paid, total) || paid.GreaterThan(total):
		return InvoicePaid
	default:
		return InvoicePartiallyPaid
	}
}

// Outstanding returns the amount still due on inv given the live entries.
func (inv Invoice) Outstanding(entries []PaymentEntry) decimal.Decimal {
	return inv.Total.Sub(LiveTotal(entries))
}
