package returns

import (
	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/shopspring/decimal"
)

// Format names a supported return file layout.
type Format string

const (
	FormatPain002 Format = "pain.002"
	FormatCSV     Format = "csv"
)

// TransactionStatus values used in pain.002 status reports.
const (
	StatusRejected = "RJCT"
	StatusAccepted = "ACCP"
	StatusPending  = "PDNG"
)

// Record is one transaction line of a return file.
type Record struct {
	Line       int             `json:"line"`
	EndToEndID string          `json:"endToEndId"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency,omitempty"`
	ReasonCode string          `json:"reasonCode"`
	ReasonText string          `json:"reasonText,omitempty"`
}

// IsReturn reports whether the record asks for the debit to be reversed.
func (r Record) IsReturn() bool {
	return r.Status == "" || r.Status == StatusRejected
}

// RecordFailure explains why a record was not applied.
type RecordFailure struct {
	Line       int                  `json:"line"`
	EndToEndID string               `json:"endToEndId,omitempty"`
	Code       debitguard.ErrorCode `json:"code"`
	Reason     string               `json:"reason"`
}

// reasonTexts describes the SEPA R-transaction reason codes banks send most.
var reasonTexts = map[string]string{
	"AC01": "incorrect account number",
	"AC04": "account closed",
	"AC06": "account blocked",
	"AC13": "debtor account is a consumer account",
	"AG01": "transaction forbidden on this account",
	"AG02": "invalid bank operation code",
	"AM04": "insufficient funds",
	"AM05": "duplicate collection",
	"BE05": "unrecognised creditor",
	"FF01": "invalid file format",
	"MD01": "no valid mandate",
	"MD02": "missing mandate data",
	"MD06": "refund requested by debtor",
	"MD07": "debtor deceased",
	"MS02": "refused by debtor",
	"MS03": "reason not specified",
	"RC01": "incorrect bank identifier",
	"RR01": "missing debtor account or identification",
	"RR02": "missing debtor name or address",
	"RR03": "missing creditor name or address",
	"RR04": "regulatory reason",
	"SL01": "specific service offered by debtor bank",
}

// ReasonText returns the description of a SEPA reason code, or "".
func ReasonText(code string) string {
	return reasonTexts[code]
}
