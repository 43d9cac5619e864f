package collection

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/money"
)

// ReopenInvoice moves an invoice through REVERSED to the status its remaining
// live entries support after one of its entries was reversed. An invoice that
// is still fully covered keeps its status.
func ReopenInvoice(ctx context.Context, invoices InvoiceSource, payments PaymentStore, invoiceID string, tol money.Tolerance) error {
	inv, err := invoices.Invoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice: %w", err)
	}

	current, err := payments.InvoiceStatus(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice status: %w", err)
	}

	entries, err := payments.EntriesForInvoice(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load invoice entries: %w", err)
	}

	derived := DeriveInvoiceStatus(inv.Total, LiveTotal(entries), tol)
	if derived == current || derived == InvoicePaid {
		return nil
	}

	if current.CanTransitionTo(InvoiceReversed) {
		if err := payments.SetInvoiceStatus(ctx, invoiceID, InvoiceReversed); err != nil {
			return fmt.Errorf("mark invoice reversed: %w", err)
		}

		current = InvoiceReversed
	}

	if err := ValidateInvoiceTransition(current, derived); err != nil {
		return err
	}

	return payments.SetInvoiceStatus(ctx, invoiceID, derived)
}
