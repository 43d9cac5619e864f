package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OperationTransitionBatch is the audit operation for a batch status change.
	OperationTransitionBatch = "transition_batch"
	// OperationReverseSettlement is the audit operation for an operator
	// correction that undoes one transaction's settlement of a batch.
	OperationReverseSettlement = "reverse_settlement"

	resourceBatch   = "batch"
	resourceInvoice = "invoice"

	correctionReasonCode = "CORR"
	correctionReasonText = "settlement reversed by operator"

	reasonSettledByOther = "batch already processed by different transaction"
)

// ErrNilDependency is returned by the constructors when a collaborator is
// missing.
var ErrNilDependency = errors.New("settlement dependency is nil")

// Check is the answer to whether a transaction may settle a batch.
type Check struct {
	Processable  bool                   `json:"processable"`
	Idempotent   bool                   `json:"idempotent,omitempty"`
	Code         debitguard.ErrorCode   `json:"code,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	Status       collection.BatchStatus `json:"status,omitempty"`
	Transactions []string               `json:"transactions,omitempty"`
	Settled      decimal.Decimal        `json:"settled"`
	Remaining    decimal.Decimal        `json:"remaining"`
}

// Outcome converts c into a guarded operation outcome.
func (c Check) Outcome() debitguard.Outcome {
	if c.Processable {
		return debitguard.Success()
	}

	return debitguard.Rejected(c.Code, c.Reason)
}

// SettlementCheck asks whether TransactionID may settle Amount of BatchID.
type SettlementCheck struct {
	BatchID       string          `json:"batchId"`
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
}

// Correction is the result of ReverseSettlement.
type Correction struct {
	BatchID       string                 `json:"batchId"`
	TransactionID string                 `json:"transactionId"`
	Outcome       debitguard.Outcome     `json:"outcome"`
	Reversals     []collection.Reversal  `json:"reversals,omitempty"`
	Status        collection.BatchStatus `json:"status,omitempty"`
}

// Validator decides whether a batch can be settled and owns batch status
// changes.
type Validator struct {
	settings
	locker   lock.Locker
	batches  collection.BatchStore
	payments collection.PaymentStore
	invoices collection.InvoiceSource
}

// NewValidator wires a Validator.
func NewValidator(locker lock.Locker, batches collection.BatchStore, payments collection.PaymentStore, invoices collection.InvoiceSource, opts ...Option) (*Validator, error) {
	if locker == nil || batches == nil || payments == nil || invoices == nil {
		return nil, ErrNilDependency
	}

	return &Validator{
		settings: newSettings(opts),
		locker:   locker,
		batches:  batches,
		payments: payments,
		invoices: invoices,
	}, nil
}

type batchView struct {
	batch   collection.Batch
	entries []collection.PaymentEntry
	total   decimal.Decimal
}

// own sums the live entries of transactionID.
func (b batchView) own(transactionID string) decimal.Decimal {
	sum := decimal.Zero

	for _, e := range b.entries {
		if !e.Reversed && e.TransactionID == transactionID {
			sum = sum.Add(e.Amount)
		}
	}

	return sum
}

func batchTotal(b collection.Batch) decimal.Decimal {
	if b.Total.IsZero() {
		return b.ComputeTotal()
	}

	return b.Total
}

// CheckBatchProcessable reports whether transactionID may settle batchID.
// A batch without live entries is processable while its status is
// settleable. A batch whose live entries all belong to transactionID is
// processable as an idempotent retry. Entries from any other transaction
// reject the check.
func (v *Validator) CheckBatchProcessable(ctx context.Context, batchID, transactionID string) (Check, error) {
	logger, tracer, _ := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.check_batch")
	defer span.End()

	check, _, err := v.inspect(ctx, batchID, transactionID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to check batch", err)
		logger.Log(ctx, log.LevelError, "failed to check batch", log.String("batch_id", batchID), log.Err(err))

		return Check{}, err
	}

	v.report(ctx, span, logger, batchID, transactionID, check)

	return check, nil
}

// CheckSettlement extends CheckBatchProcessable with the amount. A batch
// already partly settled by other transactions accepts a further
// transaction only while it is PARTIALLY_PROCESSED and the sum stays within
// the batch total.
func (v *Validator) CheckSettlement(ctx context.Context, in SettlementCheck) (Check, error) {
	logger, tracer, _ := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.check_settlement")
	defer span.End()

	if !in.Amount.IsPositive() {
		check := Check{Code: debitguard.CodeInvalidAmount, Reason: "settlement amount must be positive"}
		v.report(ctx, span, logger, in.BatchID, in.TransactionID, check)

		return check, nil
	}

	check, view, err := v.inspect(ctx, in.BatchID, in.TransactionID)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to check settlement", err)
		logger.Log(ctx, log.LevelError, "failed to check settlement", log.String("batch_id", in.BatchID), log.Err(err))

		return Check{}, err
	}

	others := check.Settled.Sub(view.own(strings.TrimSpace(in.TransactionID)))

	switch {
	case check.Idempotent:
		// A retry of the same transaction carries its whole share again.
		if v.tolerance.Exceeds(others.Add(in.Amount), view.total) {
			check.Processable = false
			check.Idempotent = false
			check.Code = debitguard.CodeSettlementExceeds
			check.Reason = fmt.Sprintf("settlement of %s exceeds batch total %s",
				in.Amount.StringFixed(2), view.total.StringFixed(2))
		}
	case check.Processable:
		if v.tolerance.Exceeds(in.Amount, view.total) {
			check.Processable = false
			check.Code = debitguard.CodeSettlementExceeds
			check.Reason = fmt.Sprintf("settlement of %s exceeds batch total %s",
				in.Amount.StringFixed(2), view.total.StringFixed(2))
		}
	case check.Code == debitguard.CodeBatchSettledByOther && check.Status == collection.BatchPartiallyProcessed:
		if v.tolerance.Exceeds(others.Add(in.Amount), view.total) {
			check.Code = debitguard.CodeSettlementExceeds
			check.Reason = fmt.Sprintf("settlement of %s on top of %s already settled exceeds batch total %s",
				in.Amount.StringFixed(2), others.StringFixed(2), view.total.StringFixed(2))
		} else {
			check.Processable = true
			check.Code = ""
			check.Reason = ""
		}
	}

	v.report(ctx, span, logger, in.BatchID, in.TransactionID, check)

	return check, nil
}

func (v *Validator) inspect(ctx context.Context, batchID, transactionID string) (Check, batchView, error) {
	batchID = strings.TrimSpace(batchID)
	transactionID = strings.TrimSpace(transactionID)

	if batchID == "" || transactionID == "" {
		return Check{Code: debitguard.CodeInvalidRequest, Reason: "batch id and transaction id are required"}, batchView{}, nil
	}

	batch, err := v.batches.Batch(ctx, batchID)
	if errors.Is(err, collection.ErrBatchNotFound) {
		return Check{Code: debitguard.CodeBatchNotFound, Reason: "batch not found"}, batchView{}, nil
	}

	if err != nil {
		return Check{}, batchView{}, fmt.Errorf("load batch: %w", err)
	}

	entries, err := v.payments.EntriesForBatch(ctx, batchID)
	if err != nil {
		return Check{}, batchView{}, fmt.Errorf("load batch entries: %w", err)
	}

	view := batchView{batch: batch, entries: entries, total: batchTotal(batch)}
	settled := collection.LiveTotal(entries)

	check := Check{
		Status:       batch.Status,
		Transactions: collection.TransactionIDs(entries),
		Settled:      settled,
		Remaining:    view.total.Sub(settled),
	}

	switch {
	case len(check.Transactions) == 0:
		if !batch.Status.Settleable() {
			check.Code = debitguard.CodeBatchNotSettleable
			check.Reason = fmt.Sprintf("batch in status %s cannot be settled", batch.Status)

			break
		}

		check.Processable = true
	case len(check.Transactions) == 1 && check.Transactions[0] == transactionID:
		check.Processable = true
		check.Idempotent = true
	default:
		check.Code = debitguard.CodeBatchSettledByOther
		check.Reason = reasonSettledByOther
	}

	return check, view, nil
}

func (v *Validator) report(ctx context.Context, span trace.Span, logger log.Logger, batchID, transactionID string, check Check) {
	span.SetAttributes(
		attribute.String("settlement.batch_id", batchID),
		attribute.Bool("settlement.processable", check.Processable),
	)

	if check.Processable {
		return
	}

	opentelemetry.HandleSpanBusinessOutcome(span, string(debitguard.OutcomeRejected), string(check.Code), check.Reason)
	logger.Log(ctx, log.LevelWarn, "batch not processable",
		log.String("batch_id", batchID),
		log.String("transaction_id", transactionID),
		log.String("code", string(check.Code)),
		log.String("reason", check.Reason))
}

// Transition moves batchID to status to. The caller holds the batch lock.
// Moving to the current status is a no-op; the write is a compare-and-set on
// the status that was read, so a concurrent change fails with
// collection.ErrStaleBatchStatus.
func (v *Validator) Transition(ctx context.Context, batchID string, to collection.BatchStatus) error {
	return v.transition(ctx, batchID, to, false)
}

func (v *Validator) transition(ctx context.Context, batchID string, to collection.BatchStatus, correction bool) error {
	logger, _, _ := debitguard.NewTrackingFromContext(ctx)

	batch, err := v.batches.Batch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	from := batch.Status
	if from == to {
		return nil
	}

	if err := collection.ValidateBatchTransition(from, to, correction); err != nil {
		return err
	}

	if err := v.batches.UpdateBatchStatus(ctx, batchID, from, to); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}

	logger.Log(ctx, log.LevelInfo, "batch status changed",
		log.String("batch_id", batchID),
		log.String("from", string(from)),
		log.String("to", string(to)),
		log.Bool("correction", correction))

	kind := audit.KindSuccess
	if correction {
		kind = audit.KindCorrection
	}

	e := audit.NewEvent(OperationTransitionBatch, kind, resourceBatch, batchID)
	e.Actor = v.actor
	e.Reason = string(from) + " -> " + string(to)
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, v.recorder, logger, e)

	return nil
}

// ReverseSettlement undoes transactionID's settlement of batchID: each live
// entry of that transaction is reversed, the invoices are reopened and, when
// no other settlement remains, the batch goes back to SUBMITTED so another
// transaction may settle it. Calling it again after a partial failure
// continues where the previous call stopped.
func (v *Validator) ReverseSettlement(ctx context.Context, batchID, transactionID, actor string) (Correction, error) {
	logger, tracer, _ := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.reverse")
	defer span.End()

	batchID = strings.TrimSpace(batchID)
	transactionID = strings.TrimSpace(transactionID)

	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = v.actor
	}

	res := Correction{BatchID: batchID, TransactionID: transactionID}
	logger = logger.With(log.String("batch_id", batchID), log.String("transaction_id", transactionID))

	if batchID == "" || transactionID == "" {
		res.Outcome = debitguard.Rejected(debitguard.CodeInvalidRequest, "batch id and transaction id are required")
		return v.corrected(ctx, span, logger, actor, res), nil
	}

	handle, acquired, err := v.locker.Acquire(ctx, resourceBatch, batchID)
	if err != nil {
		return v.correctionFailed(ctx, span, logger, res, "failed to lock batch", err)
	}

	if !acquired {
		res.Outcome = debitguard.Retryable(debitguard.CodeLockContention, "batch is being processed, retry later")
		return v.corrected(ctx, span, logger, actor, res), nil
	}

	defer lock.Release(ctx, handle)

	batch, err := v.batches.Batch(ctx, batchID)
	if errors.Is(err, collection.ErrBatchNotFound) {
		res.Outcome = debitguard.Rejected(debitguard.CodeBatchNotFound, "batch not found")
		return v.corrected(ctx, span, logger, actor, res), nil
	}

	if err != nil {
		return v.correctionFailed(ctx, span, logger, res, "failed to load batch", err)
	}

	entries, err := v.payments.EntriesForBatch(ctx, batchID)
	if err != nil {
		return v.correctionFailed(ctx, span, logger, res, "failed to load batch entries", err)
	}

	var own, others []collection.PaymentEntry

	for _, e := range entries {
		switch {
		case e.Reversed:
		case e.TransactionID == transactionID:
			own = append(own, e)
		default:
			others = append(others, e)
		}
	}

	correctable := len(others) == 0 && batch.Status.CanCorrectTo(collection.BatchSubmitted)
	if len(own) == 0 && !correctable {
		res.Status = batch.Status
		res.Outcome = debitguard.Rejected(debitguard.CodeUnknownPayment, "no live payment entries of the transaction on this batch")

		return v.corrected(ctx, span, logger, actor, res), nil
	}

	for _, entry := range own {
		reversal, busy, err := v.reverseEntry(ctx, logger, entry, actor)
		if err != nil {
			return v.correctionFailed(ctx, span, logger, res, "failed to reverse payment entry", err)
		}

		if busy {
			res.Status = batch.Status
			res.Outcome = debitguard.Retryable(debitguard.CodeLockContention, "invoice is being processed, retry the correction later")

			return v.corrected(ctx, span, logger, actor, res), nil
		}

		res.Reversals = append(res.Reversals, reversal)
	}

	res.Status = batch.Status

	if correctable {
		if err := v.transition(ctx, batchID, collection.BatchSubmitted, true); err != nil {
			return v.correctionFailed(ctx, span, logger, res, "failed to reopen batch", err)
		}

		res.Status = collection.BatchSubmitted
	} else {
		logger.Log(ctx, log.LevelWarn, "batch keeps its status, other settlements remain",
			log.String("status", string(batch.Status)), log.Int("remaining_entries", len(others)))
	}

	res.Outcome = debitguard.Success()

	return v.corrected(ctx, span, logger, actor, res), nil
}

func (v *Validator) reverseEntry(ctx context.Context, logger log.Logger, entry collection.PaymentEntry, actor string) (collection.Reversal, bool, error) {
	handle, acquired, err := v.locker.Acquire(ctx, resourceInvoice, entry.InvoiceID)
	if err != nil {
		return collection.Reversal{}, false, err
	}

	if !acquired {
		return collection.Reversal{}, true, nil
	}

	defer lock.Release(ctx, handle)

	reversal := collection.NewReversal(entry, correctionReasonCode, correctionReasonText, "", actor, v.now())

	if _, err := v.payments.CreateReversal(ctx, reversal); err != nil {
		return collection.Reversal{}, false, fmt.Errorf("create reversal: %w", err)
	}

	if err := collection.ReopenInvoice(ctx, v.invoices, v.payments, entry.InvoiceID, v.tolerance); err != nil {
		return collection.Reversal{}, false, err
	}

	logger.Log(ctx, log.LevelInfo, "settlement entry reversed",
		log.String("payment_entry_id", entry.ID),
		log.String("invoice_id", entry.InvoiceID),
		log.Amount("amount", entry.Amount))

	return reversal, false, nil
}

func (v *Validator) corrected(ctx context.Context, span trace.Span, logger log.Logger, actor string, res Correction) Correction {
	kind := audit.KindCorrection

	switch {
	case res.Outcome.IsRejected():
		kind = audit.KindRejected
	case res.Outcome.IsRetryable():
		kind = audit.KindRetryable
	}

	opentelemetry.HandleSpanBusinessOutcome(span, string(kind), string(res.Outcome.Code), res.Outcome.Reason)

	level := log.LevelInfo
	if kind != audit.KindCorrection {
		level = log.LevelWarn
	}

	logger.Log(ctx, level, "settlement reversal handled",
		log.String("outcome", string(kind)),
		log.Int("reversals", len(res.Reversals)),
		log.String("code", string(res.Outcome.Code)))

	e := audit.NewEvent(OperationReverseSettlement, kind, resourceBatch, res.BatchID)
	e.Actor = actor
	e.Code = string(res.Outcome.Code)
	e.Reason = res.Outcome.Reason
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, v.recorder, logger, e)

	return res
}

func (v *Validator) correctionFailed(ctx context.Context, span trace.Span, logger log.Logger, res Correction, msg string, err error) (Correction, error) {
	opentelemetry.HandleSpanError(span, msg, err)
	logger.Log(ctx, log.LevelError, msg, log.Err(err))

	e := audit.NewEvent(OperationReverseSettlement, audit.KindInfrastructureFailure, resourceBatch, res.BatchID)
	e.Actor = v.actor
	e.Code = string(debitguard.CodeInfrastructureFailed)
	e.Reason = err.Error()
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, v.recorder, logger, e)

	return res, fmt.Errorf("%s: %w", msg, err)
}
