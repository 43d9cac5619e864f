package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/circuitbreaker"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/LerianStudio/lib-debitguard/debitguard/reconcile"
)

const (
	// DefaultInterval is the pause between reconciliation runs.
	DefaultInterval = 5 * time.Minute
	// DefaultBatchSize caps the transactions pulled per run.
	DefaultBatchSize = 100

	// BreakerName names the breaker around the bank transaction source.
	BreakerName = "bank-transactions"
)

// JobReport counts what one run did.
type JobReport struct {
	Fetched      int `json:"fetched"`
	Settled      int `json:"settled"`
	ManualReview int `json:"manualReview"`
	Retryable    int `json:"retryable"`
	Failed       int `json:"failed"`
}

// Job settles unmatched bank transactions on a schedule.
type Job struct {
	settler      *Settler
	transactions collection.BankTransactionStore
	breaker      *circuitbreaker.Breaker
	interval     time.Duration
	batchSize    int
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithInterval sets the pause between runs.
func WithInterval(d time.Duration) JobOption {
	return func(j *Job) {
		if d > 0 {
			j.interval = d
		}
	}
}

// WithBatchSize caps the transactions pulled per run.
func WithBatchSize(n int) JobOption {
	return func(j *Job) {
		if n > 0 {
			j.batchSize = n
		}
	}
}

// WithBreaker sets the circuit breaker around the transaction source.
func WithBreaker(b *circuitbreaker.Breaker) JobOption {
	return func(j *Job) {
		if b != nil {
			j.breaker = b
		}
	}
}

// NewJob wires a Job.
func NewJob(settler *Settler, transactions collection.BankTransactionStore, opts ...JobOption) (*Job, error) {
	if settler == nil || transactions == nil {
		return nil, ErrNilDependency
	}

	j := &Job{
		settler:      settler,
		transactions: transactions,
		interval:     DefaultInterval,
		batchSize:    DefaultBatchSize,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}

	if j.breaker == nil {
		j.breaker = circuitbreaker.NewManager(nil).GetOrCreate(BreakerName, circuitbreaker.DefaultConfig())
	}

	return j, nil
}

// RunOnce settles up to the batch size of unmatched transactions, oldest
// value date first. A transaction that fails is counted and the run moves on;
// only a failure to read the source, or cancellation, ends the run early.
func (j *Job) RunOnce(ctx context.Context) (JobReport, error) {
	logger, tracer, _ := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.job.run_once")
	defer span.End()

	var report JobReport

	txs, err := circuitbreaker.Execute(ctx, j.breaker, func(ctx context.Context) ([]collection.BankTransaction, error) {
		return j.transactions.Unmatched(ctx, j.batchSize)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to load unmatched transactions", err)
		logger.Log(ctx, log.LevelError, "failed to load unmatched transactions", log.Err(err))

		return report, fmt.Errorf("load unmatched transactions: %w", err)
	}

	report.Fetched = len(txs)

	for _, tx := range reconcile.OrderTransactions(txs) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := j.settler.Settle(ctx, tx)

		switch {
		case err != nil:
			report.Failed++
		case res.Outcome.IsSuccess():
			report.Settled++
		case res.Outcome.IsRetryable():
			report.Retryable++
		default:
			report.ManualReview++
		}
	}

	logger.Log(ctx, log.LevelInfo, "reconciliation run finished",
		log.Int("fetched", report.Fetched),
		log.Int("settled", report.Settled),
		log.Int("manual_review", report.ManualReview),
		log.Int("retryable", report.Retryable),
		log.Int("failed", report.Failed))

	return report, nil
}

// Run calls RunOnce immediately and then every interval until ctx is done.
// Errors are logged; a panic in one run is recovered and logged.
func (j *Job) Run(ctx context.Context) error {
	logger, _, _ := debitguard.NewTrackingFromContext(ctx)

	logger.Log(ctx, log.LevelInfo, "reconciliation job started", log.Duration("interval", j.interval))
	defer logger.Log(context.WithoutCancel(ctx), log.LevelInfo, "reconciliation job stopped")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx, logger)
		}
	}
}

func (j *Job) tick(ctx context.Context, logger log.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log(ctx, log.LevelError, "reconciliation run panicked", log.Any("panic", r))
		}
	}()

	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		logger.Log(ctx, log.LevelWarn, "reconciliation run failed", log.Err(err))
	}
}
