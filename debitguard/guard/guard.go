package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OperationCreatePayment is the ledger operation and audit name.
	OperationCreatePayment = "create_payment"

	resourceInvoice = "invoice"
	systemActor     = "system"
)

// ErrNilDependency is returned by New when a collaborator is missing.
var ErrNilDependency = errors.New("payment guard dependency is nil")

// Request asks for a payment entry of Amount on InvoiceID, collected through
// BatchID and settled by TransactionID.
type Request struct {
	InvoiceID     string          `json:"invoiceId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	BatchID       string          `json:"batchId"`
	TransactionID string          `json:"transactionId"`
	EndToEndID    string          `json:"endToEndId,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}

func (r Request) normalized() Request {
	r.InvoiceID = strings.TrimSpace(r.InvoiceID)
	r.BatchID = strings.TrimSpace(r.BatchID)
	r.TransactionID = strings.TrimSpace(r.TransactionID)
	r.EndToEndID = strings.TrimSpace(r.EndToEndID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))

	r.Actor = strings.TrimSpace(r.Actor)
	if r.Actor == "" {
		r.Actor = systemActor
	}

	return r
}

func (r Request) validate() string {
	var missing []string

	if r.InvoiceID == "" {
		missing = append(missing, "invoiceId")
	}

	if r.BatchID == "" {
		missing = append(missing, "batchId")
	}

	if r.TransactionID == "" {
		missing = append(missing, "transactionId")
	}

	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}

	return ""
}

// Key is the idempotency key of r. The amount is fixed to two decimals so
// "25" and "25.00" collapse. The settling transaction is part of the key: a
// batch whose settlement was reversed may be settled again by another
// transaction, and that must not replay the reversed entry.
func (r Request) Key() idempotency.Key {
	r = r.normalized()

	return idempotency.NewKey(resourceInvoice, r.InvoiceID, OperationCreatePayment, r.Actor,
		r.Amount.StringFixed(2), r.BatchID, r.TransactionID)
}

// Result is the outcome of CreatePayment. Payment is set on success.
type Result struct {
	Outcome debitguard.Outcome       `json:"outcome"`
	Payment *collection.PaymentEntry `json:"payment,omitempty"`
	Cached  bool                     `json:"cached"`
}

// Guard creates payment entries.
type Guard struct {
	locker    lock.Locker
	ledger    *idempotency.Ledger
	invoices  collection.InvoiceSource
	payments  collection.PaymentStore
	recorder  audit.Recorder
	tolerance money.Tolerance
	now       func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithTolerance sets the overpayment tolerance.
func WithTolerance(t money.Tolerance) Option {
	return func(g *Guard) { g.tolerance = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New wires a Guard.
func New(locker lock.Locker, ledger *idempotency.Ledger, invoices collection.InvoiceSource, payments collection.PaymentStore, opts ...Option) (*Guard, error) {
	if locker == nil || ledger == nil || invoices == nil || payments == nil {
		return nil, ErrNilDependency
	}

	g := &Guard{
		locker:    locker,
		ledger:    ledger,
		invoices:  invoices,
		payments:  payments,
		tolerance: money.DefaultTolerance(money.EUR),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// CreatePayment records req.Amount against the invoice at most once.
//
// The invoice lock is taken with bounded retry; if it stays busy the result
// is retryable and nothing is read or written. Inside the lock a result
// already in the ledger is returned with Cached=true, then the allocation is
// checked against the invoice total and the entry is created through the
// ledger. The lock is released on every path.
func (g *Guard) CreatePayment(ctx context.Context, req Request) (Result, error) {
	logger, tracer, factory := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "guard.create_payment")
	defer span.End()

	req = req.normalized()
	logger = logger.With(log.String("invoice_id", req.InvoiceID), log.String("batch_id", req.BatchID))

	span.SetAttributes(
		attribute.String("guard.invoice_id", req.InvoiceID),
		attribute.String("guard.batch_id", req.BatchID),
	)

	if reason := req.validate(); reason != "" {
		return g.finish(ctx, span, logger, factory, req,
			Result{Outcome: debitguard.Rejected(debitguard.CodeInvalidRequest, reason)}), nil
	}

	if !req.Amount.IsPositive() {
		return g.finish(ctx, span, logger, factory, req,
			Result{Outcome: debitguard.Rejected(debitguard.CodeInvalidAmount, "amount must be positive")}), nil
	}

	handle, acquired, err := g.locker.Acquire(ctx, resourceInvoice, req.InvoiceID)
	if err != nil {
		return g.fail(ctx, span, logger, factory, req, "failed to lock invoice", err)
	}

	if !acquired {
		return g.finish(ctx, span, logger, factory, req, Result{
			Outcome: debitguard.Retryable(debitguard.CodeLockContention, "processing in progress, retry later"),
		}), nil
	}

	defer lock.Release(ctx, handle)

	res, err := g.create(ctx, logger, req)
	if err != nil {
		return g.fail(ctx, span, logger, factory, req, "failed to create payment", err)
	}

	return g.finish(ctx, span, logger, factory, req, res), nil
}

// create runs with the invoice lock held.
func (g *Guard) create(ctx context.Context, logger log.Logger, req Request) (Result, error) {
	key := req.Key()

	if rec, ok, err := g.ledger.Lookup(ctx, key); err != nil {
		return Result{}, err
	} else if ok {
		var entry collection.PaymentEntry
		if err := json.Unmarshal(rec.Result, &entry); err != nil {
			return Result{}, fmt.Errorf("decode ledger result: %w", err)
		}

		return Result{Outcome: debitguard.Success(), Payment: &entry, Cached: true}, nil
	}

	inv, err := g.invoices.Invoice(ctx, req.InvoiceID)
	if errors.Is(err, collection.ErrInvoiceNotFound) {
		return Result{Outcome: debitguard.Rejected(debitguard.CodeInvoiceNotFound, "invoice not found")}, nil
	}

	if err != nil {
		return Result{}, fmt.Errorf("load invoice: %w", err)
	}

	if req.Currency != "" && inv.Currency != "" && !strings.EqualFold(req.Currency, inv.Currency) {
		return Result{Outcome: debitguard.Rejected(debitguard.CodeCurrencyMismatch,
			fmt.Sprintf("payment currency %s does not match invoice currency %s", req.Currency, inv.Currency))}, nil
	}

	entries, err := g.payments.EntriesForInvoice(ctx, req.InvoiceID)
	if err != nil {
		return Result{}, fmt.Errorf("load payment entries: %w", err)
	}

	// The same instruction recorded under another actor's key.
	for _, e := range entries {
		if !e.Reversed && e.BatchID == req.BatchID && e.TransactionID == req.TransactionID &&
			e.EndToEndID == req.EndToEndID && e.Amount.Equal(req.Amount) {
			if _, _, err := g.ledger.Record(ctx, key, e); err != nil {
				return Result{}, err
			}

			existing := e

			return Result{Outcome: debitguard.Success(), Payment: &existing, Cached: true}, nil
		}
	}

	allocated := collection.LiveTotal(entries)
	if g.tolerance.Exceeds(allocated.Add(req.Amount), inv.Total) {
		return Result{Outcome: debitguard.Rejected(debitguard.CodeOverpayment, fmt.Sprintf(
			"would overpay invoice: %s allocated + %s requested exceeds total %s",
			allocated.StringFixed(2), req.Amount.StringFixed(2), inv.Total.StringFixed(2)))}, nil
	}

	entry, cached, err := idempotency.Execute(ctx, g.ledger, key, func(ctx context.Context) (collection.PaymentEntry, error) {
		return g.insert(ctx, req, entries)
	})
	if err != nil {
		return Result{}, err
	}

	if !cached && !entry.Reversed {
		g.advanceInvoice(ctx, logger, inv, allocated.Add(entry.Amount))
	}

	return Result{Outcome: debitguard.Success(), Payment: &entry, Cached: cached}, nil
}

func (g *Guard) insert(ctx context.Context, req Request, existing []collection.PaymentEntry) (collection.PaymentEntry, error) {
	entry, err := collection.NewPaymentEntry(req.InvoiceID, req.BatchID, req.TransactionID, req.EndToEndID,
		req.Amount, req.Actor, g.now())
	if err != nil {
		return collection.PaymentEntry{}, err
	}

	err = g.payments.CreateEntry(ctx, entry)
	if !errors.Is(err, collection.ErrDuplicatePayment) {
		return entry, err
	}

	// A reversed entry for the same instruction still holds the unique slot.
	for _, e := range existing {
		if e.BatchID == req.BatchID && e.TransactionID == req.TransactionID && e.EndToEndID == req.EndToEndID {
			return e, nil
		}
	}

	return collection.PaymentEntry{}, err
}

// advanceInvoice moves the invoice payment status forward. The entries are
// the source of truth, so a status that cannot move is logged, not failed.
func (g *Guard) advanceInvoice(ctx context.Context, logger log.Logger, inv collection.Invoice, paid decimal.Decimal) {
	current, err := g.payments.InvoiceStatus(ctx, inv.ID)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to read invoice status", log.Err(err))
		return
	}

	next := collection.DeriveInvoiceStatus(inv.Total, paid, g.tolerance)
	if next == current {
		return
	}

	if err := collection.ValidateInvoiceTransition(current, next); err != nil {
		logger.Log(ctx, log.LevelWarn, "invoice status not advanced", log.Err(err))
		return
	}

	if err := g.payments.SetInvoiceStatus(ctx, inv.ID, next); err != nil {
		logger.Log(ctx, log.LevelError, "failed to update invoice status", log.Err(err))
	}
}

func (g *Guard) fail(ctx context.Context, span trace.Span, logger log.Logger, factory *metrics.Factory, req Request, msg string, err error) (Result, error) {
	opentelemetry.HandleSpanError(span, msg, err)
	logger.Log(ctx, log.LevelError, msg, log.Err(err))

	factory.Count(ctx, metrics.MetricPayments, map[string]string{"outcome": string(audit.KindInfrastructureFailure)})
	g.emit(ctx, logger, req, audit.KindInfrastructureFailure, string(debitguard.CodeInfrastructureFailed), err.Error())

	return Result{}, fmt.Errorf("%s: %w", msg, err)
}

func (g *Guard) finish(ctx context.Context, span trace.Span, logger log.Logger, factory *metrics.Factory, req Request, res Result) Result {
	kind := audit.KindSuccess

	switch {
	case res.Outcome.IsRejected():
		kind = audit.KindRejected
	case res.Outcome.IsRetryable():
		kind = audit.KindRetryable
	case res.Cached:
		kind = audit.KindCached
	}

	opentelemetry.HandleSpanBusinessOutcome(span, string(kind), string(res.Outcome.Code), res.Outcome.Reason)
	factory.Count(ctx, metrics.MetricPayments, map[string]string{"outcome": string(kind)})

	fields := []log.Field{log.String("outcome", string(kind)), log.Amount("amount", req.Amount)}
	if res.Payment != nil {
		fields = append(fields, log.String("payment_entry_id", res.Payment.ID))
	}

	level := log.LevelInfo
	if kind == audit.KindRejected || kind == audit.KindRetryable {
		level = log.LevelWarn
		fields = append(fields, log.String("code", string(res.Outcome.Code)), log.String("reason", res.Outcome.Reason))
	}

	logger.Log(ctx, level, "create payment handled", fields...)
	g.emit(ctx, logger, req, kind, string(res.Outcome.Code), res.Outcome.Reason)

	return res
}

func (g *Guard) emit(ctx context.Context, logger log.Logger, req Request, kind audit.Kind, code, reason string) {
	e := audit.NewEvent(OperationCreatePayment, kind, resourceInvoice, req.InvoiceID)
	e.Actor = req.Actor
	e.Code = code
	e.Reason = reason
	e.RequestID = debitguard.RequestIDFromContext(ctx)

	audit.Emit(ctx, g.recorder, logger, e)
}
