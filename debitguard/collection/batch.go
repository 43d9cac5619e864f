package collection

import (
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/shopspring/decimal"
)

// Instruction is a single debit request inside a batch. Instructions are
// immutable once the batch has been submitted.
type Instruction struct {
	EndToEndID string          `json:"endToEndId"`
	InvoiceID  string          `json:"invoiceId"`
	MandateRef string          `json:"mandateRef"`
	DebtorName string          `json:"debtorName,omitempty"`
	DebtorIBAN string          `json:"debtorIban"`
	Amount     decimal.Decimal `json:"amount"`
}

// Batch is a group of debit instructions submitted to the bank together.
type Batch struct {
	ID             string          `json:"id"`
	CollectionDate time.Time       `json:"collectionDate"`
	Currency       string          `json:"currency"`
	Status         BatchStatus     `json:"status"`
	Instructions   []Instruction   `json:"instructions"`
	Total          decimal.Decimal `json:"total"`
}

// ComputeTotal sums the instruction amounts.
func (b Batch) ComputeTotal() decimal.Decimal {
	total := decimal.Zero
	for _, in := range b.Instructions {
		total = total.Add(in.Amount)
	}

	return total
}

// Instruction returns the instruction with endToEndID.
func (b Batch) Instruction(endToEndID string) (Instruction, bool) {
	for _, in := range b.Instructions {
		if in.EndToEndID == endToEndID {
			return in, true
		}
	}

	return Instruction{}, false
}

// Validate checks the batch content before submission: every instruction
// carries an invoice, a mandate, a valid IBAN and a positive amount; no
// invoice or end-to-end id appears twice; a debtor IBAN is bound to a single
// mandate; the stored total matches the instructions.
func (b Batch) Validate(tol money.Tolerance) error {
	var errs []error

	if b.ID == "" {
		errs = append(errs, errors.New("batch id is required"))
	}

	if len(b.Instructions) == 0 {
		errs = append(errs, errors.New("batch has no instructions"))
	}

	invoices := make(map[string]struct{}, len(b.Instructions))
	endToEnd := make(map[string]struct{}, len(b.Instructions))
	mandateByIBAN := make(map[string]string, len(b.Instructions))

	for i, in := range b.Instructions {
		prefix := fmt.Sprintf("instruction %d", i)

		if in.InvoiceID == "" {
			errs = append(errs, fmt.Errorf("%s: invoice id is required", prefix))
		} else if _, dup := invoices[in.InvoiceID]; dup {
			errs = append(errs, fmt.Errorf("%s: invoice %s appears twice", prefix, in.InvoiceID))
		}

		invoices[in.InvoiceID] = struct{}{}

		if in.EndToEndID != "" {
			if _, dup := endToEnd[in.EndToEndID]; dup {
				errs = append(errs, fmt.Errorf("%s: end-to-end id %s appears twice", prefix, in.EndToEndID))
			}

			endToEnd[in.EndToEndID] = struct{}{}
		}

		if in.MandateRef == "" {
			errs = append(errs, fmt.Errorf("%s: mandate reference is required", prefix))
		}

		if !in.Amount.IsPositive() {
			errs = append(errs, fmt.Errorf("%s: amount must be positive", prefix))
		}

		iban := NormalizeIBAN(in.DebtorIBAN)
		if err := ValidateIBAN(iban); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
			continue
		}

		if prev, ok := mandateByIBAN[iban]; ok && prev != in.MandateRef {
			errs = append(errs, fmt.Errorf("%s: IBAN used with mandates %s and %s", prefix, prev, in.MandateRef))
		}

		mandateByIBAN[iban] = in.MandateRef
	}

	if len(b.Instructions) > 0 && !tol.Equal(b.Total, b.ComputeTotal()) {
		errs = append(errs, fmt.Errorf("batch total %s does not match instructions %s", b.Total, b.ComputeTotal()))
	}

	return errors.Join(errs...)
}
