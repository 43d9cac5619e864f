package collection

import "fmt"

// BatchStatus is the lifecycle state of a collection batch.
type BatchStatus string

const (
	BatchDraft              BatchStatus = "DRAFT"
	BatchGenerated          BatchStatus = "GENERATED"
	BatchSubmitted          BatchStatus = "SUBMITTED"
	BatchProcessed          BatchStatus = "PROCESSED"
	BatchFailed             BatchStatus = "FAILED"
	BatchPartiallyProcessed BatchStatus = "PARTIALLY_PROCESSED"
)

// ParseBatchStatus validates a raw status string.
func ParseBatchStatus(raw string) (BatchStatus, error) {
	status := BatchStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrBatchStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether status is part of the batch lifecycle.
func (status BatchStatus) IsValid() bool {
	switch status {
	case BatchDraft, BatchGenerated, BatchSubmitted, BatchProcessed, BatchFailed, BatchPartiallyProcessed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the forward transition status -> next is
// allowed. PARTIALLY_PROCESSED may repeat while further partial settlements
// arrive.
func (status BatchStatus) CanTransitionTo(next BatchStatus) bool {
	switch status {
	case BatchDraft:
		return next == BatchGenerated
	case BatchGenerated:
		return next == BatchSubmitted
	case BatchSubmitted:
		return next == BatchProcessed || next == BatchFailed || next == BatchPartiallyProcessed
	case BatchPartiallyProcessed:
		return next == BatchProcessed || next == BatchPartiallyProcessed
	default:
		return false
	}
}

// CanCorrectTo reports whether an operator correction may move status back
// to next. Only settled batches can be reopened, and only to SUBMITTED.
func (status BatchStatus) CanCorrectTo(next BatchStatus) bool {
	return next == BatchSubmitted && (status == BatchProcessed || status == BatchPartiallyProcessed)
}

// Settleable reports whether a bank transaction may settle a batch in status.
func (status BatchStatus) Settleable() bool {
	return status == BatchSubmitted || status == BatchPartiallyProcessed
}

// Settled reports whether some settlement has already been applied.
func (status BatchStatus) Settled() bool {
	return status == BatchProcessed || status == BatchPartiallyProcessed
}

// ValidateBatchTransition checks a transition. correction enables the
// backward path guarded by CanCorrectTo.
func ValidateBatchTransition(from, to BatchStatus, correction bool) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrBatchStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrBatchStatusInvalid, to)
	}

	if from.CanTransitionTo(to) || (correction && from.CanCorrectTo(to)) {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrBatchTransitionInvalid, from, to)
}

func (status BatchStatus) String() string {
	return string(status)
}
