package collection

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the reconciliation state of a bank transaction.
type TransactionStatus string

const (
	TransactionUnmatched    TransactionStatus = "UNMATCHED"
	TransactionMatched      TransactionStatus = "MATCHED"
	TransactionManualReview TransactionStatus = "MANUAL_REVIEW"
)

// BankTransaction is a credit line on the creditor's account statement.
type BankTransaction struct {
	ID              string            `json:"id"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	ValueDate       time.Time         `json:"valueDate"`
	CounterpartIBAN string            `json:"counterpartIban,omitempty"`
	BatchRef        string            `json:"batchRef,omitempty"`
	Description     string            `json:"description,omitempty"`
	Status          TransactionStatus `json:"status"`
	Note            string            `json:"note,omitempty"`
}
