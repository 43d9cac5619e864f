package collection

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentEntry records money received against an invoice through a batch.
type PaymentEntry struct {
	ID            string          `json:"id"`
	InvoiceID     string          `json:"invoiceId"`
	BatchID       string          `json:"batchId"`
	TransactionID string          `json:"transactionId"`
	EndToEndID    string          `json:"endToEndId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedBy     string          `json:"createdBy"`
	CreatedAt     time.Time       `json:"createdAt"`
	Reversed      bool            `json:"reversed"`
}

// NewPaymentEntry builds a validated entry with a fresh id.
func NewPaymentEntry(invoiceID, batchID, transactionID, endToEndID string, amount decimal.Decimal, actor string, now time.Time) (PaymentEntry, error) {
	entry := PaymentEntry{
		ID:            uuid.NewString(),
		InvoiceID:     strings.TrimSpace(invoiceID),
		BatchID:       strings.TrimSpace(batchID),
		TransactionID: strings.TrimSpace(transactionID),
		EndToEndID:    strings.TrimSpace(endToEndID),
		Amount:        amount,
		CreatedBy:     actor,
		CreatedAt:     now.UTC(),
	}

	return entry, entry.Validate()
}

// Validate checks the fields every entry must carry.
func (e PaymentEntry) Validate() error {
	var errs []error

	if e.InvoiceID == "" {
		errs = append(errs, errors.New("invoice id is required"))
	}

	if e.BatchID == "" {
		errs = append(errs, errors.New("batch id is required"))
	}

	if e.TransactionID == "" {
		errs = append(errs, errors.New("transaction id is required"))
	}

	if !e.Amount.IsPositive() {
		errs = append(errs, errors.New("amount must be positive"))
	}

	return errors.Join(errs...)
}

// LiveTotal sums entries that have not been reversed.
func LiveTotal(entries []PaymentEntry) decimal.Decimal {
	total := decimal.Zero

	for _, e := range entries {
		if !e.Reversed {
			total = total.Add(e.Amount)
		}
	}

	return total
}

// TransactionIDs returns the distinct transaction ids of live entries, in
// first-seen order.
func TransactionIDs(entries []PaymentEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	var out []string

	for _, e := range entries {
		if e.Reversed {
			continue
		}

		if _, ok := seen[e.TransactionID]; ok {
			continue
		}

		seen[e.TransactionID] = struct{}{}
		out = append(out, e.TransactionID)
	}

	return out
}

// Reversal undoes a payment entry after the bank returned the debit.
type Reversal struct {
	ID             string          `json:"id"`
	PaymentEntryID string          `json:"paymentEntryId"`
	InvoiceID      string          `json:"invoiceId"`
	Amount         decimal.Decimal `json:"amount"`
	ReasonCode     string          `json:"reasonCode"`
	ReasonText     string          `json:"reasonText,omitempty"`
	FileHash       string          `json:"fileHash,omitempty"`
	CreatedBy      string          `json:"createdBy"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// NewReversal builds the reversal for entry.
func NewReversal(entry PaymentEntry, reasonCode, reasonText, fileHash, actor string, now time.Time) Reversal {
	return Reversal{
		ID:             uuid.NewString(),
		PaymentEntryID: entry.ID,
		InvoiceID:      entry.InvoiceID,
		Amount:         entry.Amount,
		ReasonCode:     reasonCode,
		ReasonText:     reasonText,
		FileHash:       fileHash,
		CreatedBy:      actor,
		CreatedAt:      now.UTC(),
	}
}
