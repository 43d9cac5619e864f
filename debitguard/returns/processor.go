package returns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OperationProcessReturnFile is the audit operation for a whole file.
	OperationProcessReturnFile = "process_return_file"
	// OperationReversePayment is the audit operation for one reversal.
	OperationReversePayment = "reverse_payment"

	resourceReturnFile = "return_file"
	resourceInvoice    = "invoice"
	resourcePayment    = "payment_entry"
)

// ErrNilDependency is returned by NewProcessor when a required collaborator
// is missing.
var ErrNilDependency = errors.New("return processor dependency is nil")

// Report describes what processing a file did.
type Report struct {
	FileHash         string                `json:"fileHash"`
	Format           Format                `json:"format,omitempty"`
	Applied          bool                  `json:"applied"`
	Duplicate        bool                  `json:"duplicate"`
	Records          int                   `json:"records"`
	ReversalsCreated int                   `json:"reversalsCreated"`
	Reversals        []collection.Reversal `json:"reversals,omitempty"`
	Skipped          []RecordFailure       `json:"skipped,omitempty"`
	Failures         []RecordFailure       `json:"failures,omitempty"`
	Outcome          debitguard.Outcome    `json:"outcome"`
}

// Processor applies return files.
type Processor struct {
	locker    lock.Locker
	files     FileLog
	payments  collection.PaymentStore
	invoices  collection.InvoiceSource
	recorder  audit.Recorder
	tolerance money.Tolerance
	actor     string
	now       func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithRecorder sets the audit recorder.
func WithRecorder(r audit.Recorder) ProcessorOption {
	return func(p *Processor) { p.recorder = r }
}

// WithTolerance sets the amount tolerance used to match returned amounts
// against payment entries.
func WithTolerance(t money.Tolerance) ProcessorOption {
	return func(p *Processor) { p.tolerance = t }
}

// WithActor sets the actor stamped on reversals.
func WithActor(actor string) ProcessorOption {
	return func(p *Processor) {
		if actor != "" {
			p.actor = actor
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor wires a Processor.
func NewProcessor(locker lock.Locker, files FileLog, payments collection.PaymentStore, invoices collection.InvoiceSource, opts ...ProcessorOption) (*Processor, error) {
	if locker == nil || files == nil || payments == nil || invoices == nil {
		return nil, ErrNilDependency
	}

	p := &Processor{
		locker:    locker,
		files:     files,
		payments:  payments,
		invoices:  invoices,
		tolerance: money.DefaultTolerance(money.EUR),
		actor:     "return-processor",
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Hash returns the content hash a file is deduplicated by.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Process applies content at most once. A file already in the log returns
// Applied=false with no side effects. Infrastructure failures are returned as
// errors and leave the file unlogged so it can be uploaded again; reversals
// made before the failure are not repeated because each payment entry can be
// reversed only once.
func (p *Processor) Process(ctx context.Context, content []byte) (Report, error) {
	logger, tracer, factory := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "returns.process")
	defer span.End()

	hash := Hash(content)
	report := Report{FileHash: hash}
	logger = logger.With(log.String("file_hash", hash[:12]))

	span.SetAttributes(attribute.String("returns.file_hash", hash))

	handle, acquired, err := p.locker.Acquire(ctx, resourceReturnFile, hash)
	if err != nil {
		return p.fail(ctx, span, logger, report, "failed to lock return file", err)
	}

	if !acquired {
		report.Outcome = debitguard.Retryable(debitguard.CodeLockContention, "return file is being processed, retry later")
		p.finish(ctx, logger, factory, report, audit.KindRetryable)

		return report, nil
	}

	defer lock.Release(ctx, handle)

	if existing, seen, err := p.files.Lookup(ctx, hash); err != nil {
		return p.fail(ctx, span, logger, report, "failed to read return file log", err)
	} else if seen {
		report.Duplicate = true
		report.Format = existing.Format
		report.Outcome = debitguard.Success()

		logger.Log(ctx, log.LevelInfo, "return file already processed",
			log.Any("processed_at", existing.ProcessedAt))
		p.finish(ctx, logger, factory, report, audit.KindCached)

		return report, nil
	}

	format, records, failures, err := Parse(content)
	if err != nil {
		report.Outcome = debitguard.Rejected(debitguard.CodeUnsupportedFormat, err.Error())
		opentelemetry.HandleSpanBusinessOutcome(span, string(report.Outcome.Kind), string(report.Outcome.Code), report.Outcome.Reason)
		p.finish(ctx, logger, factory, report, audit.KindRejected)

		return report, nil
	}

	report.Format = format
	report.Records = len(records) + len(failures)
	report.Failures = failures

	for _, rec := range records {
		if !rec.IsReturn() {
			report.Skipped = append(report.Skipped, RecordFailure{
				Line: rec.Line, EndToEndID: rec.EndToEndID, Reason: "status " + rec.Status + " is not a return",
			})

			continue
		}

		reversal, failure, busy, err := p.apply(ctx, logger, hash, rec)
		if err != nil {
			return p.fail(ctx, span, logger, report, "failed to apply return record", err)
		}

		if busy {
			report.Outcome = debitguard.Retryable(debitguard.CodeLockContention,
				"invoice is being processed, retry the file later")
			p.finish(ctx, logger, factory, report, audit.KindRetryable)

			return report, nil
		}

		switch {
		case reversal != nil:
			report.Reversals = append(report.Reversals, *reversal)
			report.ReversalsCreated++
		case failure.Code == debitguard.CodeAlreadyReversed:
			report.Skipped = append(report.Skipped, failure)
		default:
			report.Failures = append(report.Failures, failure)
		}
	}

	if _, err := p.files.Record(ctx, FileEntry{
		Hash:             hash,
		Format:           format,
		ProcessedAt:      p.now().UTC(),
		Records:          report.Records,
		ReversalsCreated: report.ReversalsCreated,
		Failures:         len(report.Failures),
	}); err != nil {
		return p.fail(ctx, span, logger, report, "failed to record return file", err)
	}

	report.Applied = true
	report.Outcome = debitguard.Success()

	if counter, err := factory.Counter(metrics.MetricReversals); err == nil {
		counter.Add(ctx, int64(report.ReversalsCreated))
	}
	p.finish(ctx, logger, factory, report, audit.KindSuccess)

	return report, nil
}

// apply reverses the payment entry behind rec. It reports busy=true when the
// invoice lock stayed held.
func (p *Processor) apply(ctx context.Context, logger log.Logger, hash string, rec Record) (*collection.Reversal, RecordFailure, bool, error) {
	failure := RecordFailure{Line: rec.Line, EndToEndID: rec.EndToEndID}

	entry, err := p.payments.EntryByEndToEndID(ctx, rec.EndToEndID)
	if errors.Is(err, collection.ErrPaymentNotFound) {
		failure.Code = debitguard.CodeUnknownPayment
		failure.Reason = "no payment entry for end-to-end id"

		return nil, failure, false, nil
	}

	if err != nil {
		return nil, failure, false, err
	}

	if !rec.Amount.IsZero() && !p.tolerance.Equal(rec.Amount, entry.Amount) {
		failure.Code = debitguard.CodeMalformedRecord
		failure.Reason = fmt.Sprintf("returned amount %s does not match payment entry amount %s",
			rec.Amount.StringFixed(2), entry.Amount.StringFixed(2))

		return nil, failure, false, nil
	}

	if entry.Reversed {
		failure.Code = debitguard.CodeAlreadyReversed
		failure.Reason = "payment entry already reversed"

		return nil, failure, false, nil
	}

	handle, acquired, err := p.locker.Acquire(ctx, resourceInvoice, entry.InvoiceID)
	if err != nil {
		return nil, failure, false, err
	}

	if !acquired {
		return nil, failure, true, nil
	}

	defer lock.Release(ctx, handle)

	text := rec.ReasonText
	if text == "" {
		text = ReasonText(rec.ReasonCode)
	}

	reversal := collection.NewReversal(entry, rec.ReasonCode, text, hash, p.actor, p.now())

	created, err := p.payments.CreateReversal(ctx, reversal)
	if err != nil {
		return nil, failure, false, err
	}

	if !created {
		failure.Code = debitguard.CodeAlreadyReversed
		failure.Reason = "payment entry already reversed"

		return nil, failure, false, nil
	}

	if err := collection.ReopenInvoice(ctx, p.invoices, p.payments, entry.InvoiceID, p.tolerance); err != nil {
		return nil, failure, false, err
	}

	logger.Log(ctx, log.LevelInfo, "payment entry reversed",
		log.String("payment_entry_id", entry.ID),
		log.String("invoice_id", entry.InvoiceID),
		log.String("reason_code", rec.ReasonCode),
		log.Amount("amount", entry.Amount))

	e := audit.NewEvent(OperationReversePayment, audit.KindCorrection, resourcePayment, entry.ID)
	e.Actor = p.actor
	e.Code = rec.ReasonCode
	e.Reason = text
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, p.recorder, logger, e)

	return &reversal, failure, false, nil
}

func (p *Processor) fail(ctx context.Context, span trace.Span, logger log.Logger, report Report, msg string, err error) (Report, error) {
	opentelemetry.HandleSpanError(span, msg, err)
	logger.Log(ctx, log.LevelError, msg, log.Err(err))

	e := audit.NewEvent(OperationProcessReturnFile, audit.KindInfrastructureFailure, resourceReturnFile, report.FileHash)
	e.Actor = p.actor
	e.Code = string(debitguard.CodeInfrastructureFailed)
	e.Reason = err.Error()
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, p.recorder, logger, e)

	return report, fmt.Errorf("%s: %w", msg, err)
}

func (p *Processor) finish(ctx context.Context, logger log.Logger, factory *metrics.Factory, report Report, kind audit.Kind) {
	factory.Count(ctx, metrics.MetricReturnFiles, map[string]string{
		"applied": strconv.FormatBool(report.Applied),
		"outcome": string(kind),
	})

	logger.Log(ctx, log.LevelInfo, "return file handled",
		log.String("outcome", string(kind)),
		log.Bool("applied", report.Applied),
		log.Int("records", report.Records),
		log.Int("reversals_created", report.ReversalsCreated),
		log.Int("failures", len(report.Failures)))

	e := audit.NewEvent(OperationProcessReturnFile, kind, resourceReturnFile, report.FileHash)
	e.Actor = p.actor
	e.Code = string(report.Outcome.Code)
	e.Reason = report.Outcome.Reason
	e.RequestID = debitguard.RequestIDFromContext(ctx)
	audit.Emit(ctx, p.recorder, logger, e)
}
