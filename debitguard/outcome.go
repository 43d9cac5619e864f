package debitguard

import "fmt"

// OutcomeKind classifies the result of a guarded operation.
type OutcomeKind string

const (
	// OutcomeSuccess means the operation completed, possibly from cache.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRejected means a business rule refused the operation. Retrying
	// with the same input will be refused again.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeRetryable means the resource was busy. The caller may retry.
	OutcomeRetryable OutcomeKind = "retryable"
)

// ErrorCode identifies a rejection or retry reason for callers and audit.
type ErrorCode string

const (
	CodeOverpayment          ErrorCode = "DG-1001"
	CodeInvalidAmount        ErrorCode = "DG-1002"
	CodeInvoiceNotFound      ErrorCode = "DG-1003"
	CodeBatchNotFound        ErrorCode = "DG-1004"
	CodeBatchSettledByOther  ErrorCode = "DG-1005"
	CodeBatchNotSettleable   ErrorCode = "DG-1006"
	CodeSettlementExceeds    ErrorCode = "DG-1007"
	CodeCurrencyMismatch     ErrorCode = "DG-1008"
	CodeInvalidRequest       ErrorCode = "DG-1009"
	CodeLockContention       ErrorCode = "DG-2001"
	CodeStaleState           ErrorCode = "DG-2002"
	CodeMalformedRecord      ErrorCode = "DG-3001"
	CodeUnknownPayment       ErrorCode = "DG-3002"
	CodeAlreadyReversed      ErrorCode = "DG-3003"
	CodeUnsupportedFormat    ErrorCode = "DG-3004"
	CodeNoMatch              ErrorCode = "DG-4001"
	CodeAmbiguousMatch       ErrorCode = "DG-4002"
	CodeInfrastructureFailed ErrorCode = "DG-9001"
)

// Outcome is the tagged result of a guarded operation. Infrastructure faults
// are never an Outcome; they are returned as errors.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Code   ErrorCode   `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Rejected returns a non-retryable refusal.
func Rejected(code ErrorCode, reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Code: code, Reason: reason}
}

// Retryable returns a refusal the caller may retry later.
func Retryable(code ErrorCode, reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Code: code, Reason: reason}
}

func (o Outcome) IsSuccess() bool   { return o.Kind == OutcomeSuccess }
func (o Outcome) IsRejected() bool  { return o.Kind == OutcomeRejected }
func (o Outcome) IsRetryable() bool { return o.Kind == OutcomeRetryable }

func (o Outcome) String() string {
	if o.Kind == OutcomeSuccess {
		return string(o.Kind)
	}

	return fmt.Sprintf("%s[%s]: %s", o.Kind, o.Code, o.Reason)
}
