package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/guard"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/LerianStudio/lib-debitguard/debitguard/reconcile"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OperationSettleTransaction is the audit operation for one bank
	// transaction.
	OperationSettleTransaction = "settle_transaction"

	resourceTransaction = "bank_transaction"
)

// InstructionFailure is an instruction the guard refused to allocate.
type InstructionFailure struct {
	EndToEndID string               `json:"endToEndId"`
	InvoiceID  string               `json:"invoiceId"`
	Code       debitguard.ErrorCode `json:"code"`
	Reason     string               `json:"reason"`
}

// BatchSettlement is what a transaction did to one batch.
type BatchSettlement struct {
	BatchID    string                    `json:"batchId"`
	Status     collection.BatchStatus    `json:"status"`
	Amount     decimal.Decimal           `json:"amount"`
	Idempotent bool                      `json:"idempotent,omitempty"`
	Payments   []collection.PaymentEntry `json:"payments,omitempty"`
	Skipped    []InstructionFailure      `json:"skipped,omitempty"`
}

// SettlementResult is the outcome of Settle.
type SettlementResult struct {
	TransactionID string                       `json:"transactionId"`
	Match         *reconcile.Match             `json:"match,omitempty"`
	Batches       []BatchSettlement            `json:"batches,omitempty"`
	Outcome       debitguard.Outcome           `json:"outcome"`
	Status        collection.TransactionStatus `json:"status,omitempty"`
}

type plan struct {
	batch        collection.Batch
	instructions []collection.Instruction
	target       collection.BatchStatus
}

func (p plan) amount() decimal.Decimal {
	sum := decimal.Zero
	for _, in := range p.instructions {
		sum = sum.Add(in.Amount)
	}

	return sum
}

// Settler applies bank transactions to batches.
type Settler struct {
	settings
	validator    *Validator
	guard        *guard.Guard
	reconciler   *reconcile.Reconciler
	transactions collection.BankTransactionStore
}

// NewSettler wires a Settler. Batch reads, batch status changes and locks go
// through validator; payment entries are created through g.
func NewSettler(validator *Validator, g *guard.Guard, r *reconcile.Reconciler, transactions collection.BankTransactionStore, opts ...Option) (*Settler, error) {
	if validator == nil || g == nil || r == nil || transactions == nil {
		return nil, ErrNilDependency
	}

	return &Settler{
		settings:     newSettings(opts),
		validator:    validator,
		guard:        g,
		reconciler:   r,
		transactions: transactions,
	}, nil
}

// Settle matches tx to batches and settles them.
//
// A batch reference in the transaction narrows the candidates to that batch,
// and a credit below its outstanding amount is split into collected and
// missing instructions. Without a reference the open batches around the
// value date are searched for a single batch or a combination. No match or
// an ambiguous one puts the transaction in MANUAL_REVIEW. Every planned batch
// is checked before any entry is written; each batch is then settled under
// its lock with one guarded payment per instruction. Retryable outcomes
// leave the transaction UNMATCHED.
func (s *Settler) Settle(ctx context.Context, tx collection.BankTransaction) (SettlementResult, error) {
	logger, tracer, factory := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "settlement.settle")
	defer span.End()

	tx.ID = strings.TrimSpace(tx.ID)
	res := SettlementResult{TransactionID: tx.ID}
	logger = logger.With(log.String("transaction_id", tx.ID))

	span.SetAttributes(attribute.String("settlement.transaction_id", tx.ID))

	if tx.ID == "" {
		res.Outcome = debitguard.Rejected(debitguard.CodeInvalidRequest, "transaction id is required")
		return s.finish(ctx, span, logger, factory, res), nil
	}

	if !tx.Amount.IsPositive() {
		res.Outcome = debitguard.Rejected(debitguard.CodeInvalidAmount, "transaction amount must be positive")
		return s.finish(ctx, span, logger, factory, res), nil
	}

	handle, acquired, err := s.validator.locker.Acquire(ctx, resourceTransaction, tx.ID)
	if err != nil {
		return s.fail(ctx, span, logger, res, "failed to lock bank transaction", err)
	}

	if !acquired {
		res.Outcome = debitguard.Retryable(debitguard.CodeLockContention, "transaction is being settled, retry later")
		return s.finish(ctx, span, logger, factory, res), nil
	}

	defer lock.Release(ctx, handle)

	stored, err := s.register(ctx, tx)
	if err != nil {
		return s.fail(ctx, span, logger, res, "failed to load bank transaction", err)
	}

	if stored.Status == collection.TransactionMatched {
		res.Batches, err = s.settled(ctx, tx.ID)
		if err != nil {
			return s.fail(ctx, span, logger, res, "failed to load settled entries", err)
		}

		res.Status = collection.TransactionMatched
		res.Outcome = debitguard.Success()

		logger.Log(ctx, log.LevelInfo, "bank transaction already settled")

		return s.finish(ctx, span, logger, factory, res), nil
	}

	plans, match, outcome, err := s.plan(ctx, logger, tx)
	if err != nil {
		return s.fail(ctx, span, logger, res, "failed to match bank transaction", err)
	}

	res.Match = match

	if outcome.IsSuccess() {
		outcome, err = s.precheck(ctx, tx, plans)
		if err != nil {
			return s.fail(ctx, span, logger, res, "failed to check batches", err)
		}
	}

	if !outcome.IsSuccess() {
		return s.reject(ctx, span, logger, factory, res, outcome)
	}

	for _, p := range plans {
		bs, outcome, err := s.apply(ctx, logger, tx, p)
		if err != nil {
			return s.fail(ctx, span, logger, res, "failed to settle batch", err)
		}

		res.Batches = append(res.Batches, bs)

		if !outcome.IsSuccess() {
			return s.reject(ctx, span, logger, factory, res, outcome)
		}
	}

	ids := make([]string, len(res.Batches))
	for i, bs := range res.Batches {
		ids[i] = bs.BatchID
	}

	if err := s.transactions.MarkTransaction(ctx, tx.ID, collection.TransactionMatched, "settled "+strings.Join(ids, ", ")); err != nil {
		return s.fail(ctx, span, logger, res, "failed to mark bank transaction matched", err)
	}

	res.Status = collection.TransactionMatched
	res.Outcome = debitguard.Success()

	return s.finish(ctx, span, logger, factory, res), nil
}

// register stores tx when it is not known yet and returns the stored copy.
func (s *Settler) register(ctx context.Context, tx collection.BankTransaction) (collection.BankTransaction, error) {
	stored, err := s.transactions.Transaction(ctx, tx.ID)
	if err == nil {
		return stored, nil
	}

	if !errors.Is(err, collection.ErrTransactionNotFound) {
		return collection.BankTransaction{}, err
	}

	tx.Status = collection.TransactionUnmatched
	if err := s.transactions.SaveTransaction(ctx, tx); err != nil {
		return collection.BankTransaction{}, err
	}

	return tx, nil
}

// settled rebuilds the per-batch view of a transaction that was already
// applied.
func (s *Settler) settled(ctx context.Context, transactionID string) ([]BatchSettlement, error) {
	entries, err := s.validator.payments.EntriesForTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	byBatch := make(map[string]*BatchSettlement)

	var order []string

	for _, e := range entries {
		if e.Reversed {
			continue
		}

		bs, ok := byBatch[e.BatchID]
		if !ok {
			batch, err := s.validator.batches.Batch(ctx, e.BatchID)
			if err != nil {
				return nil, err
			}

			bs = &BatchSettlement{BatchID: e.BatchID, Status: batch.Status, Amount: decimal.Zero, Idempotent: true}
			byBatch[e.BatchID] = bs
			order = append(order, e.BatchID)
		}

		bs.Amount = bs.Amount.Add(e.Amount)
		bs.Payments = append(bs.Payments, e)
	}

	sort.Strings(order)

	out := make([]BatchSettlement, 0, len(order))
	for _, id := range order {
		out = append(out, *byBatch[id])
	}

	return out, nil
}

func reference(tx collection.BankTransaction) (string, bool) {
	if ref := strings.TrimSpace(tx.BatchRef); ref != "" {
		return ref, true
	}

	return reconcile.ParseBatchReference(tx.Description)
}

func (s *Settler) plan(ctx context.Context, logger log.Logger, tx collection.BankTransaction) ([]plan, *reconcile.Match, debitguard.Outcome, error) {
	if ref, ok := reference(tx); ok {
		batch, err := s.validator.batches.Batch(ctx, ref)
		if err == nil {
			return s.planReferenced(ctx, tx, batch)
		}

		if !errors.Is(err, collection.ErrBatchNotFound) {
			return nil, nil, debitguard.Outcome{}, err
		}

		logger.Log(ctx, log.LevelInfo, "referenced batch not found, searching open batches",
			log.String("batch_ref", ref))
	}

	batches, err := s.validator.batches.OpenBatches(ctx, tx.ValueDate.Add(-s.window), tx.ValueDate.Add(s.window))
	if err != nil {
		return nil, nil, debitguard.Outcome{}, fmt.Errorf("load open batches: %w", err)
	}

	byID := make(map[string]plan, len(batches))
	candidates := make([]reconcile.Candidate, 0, len(batches))

	for _, b := range batches {
		if tx.Currency != "" && b.Currency != "" && !strings.EqualFold(tx.Currency, b.Currency) {
			continue
		}

		open, outstanding, err := s.open(ctx, b, tx.ID)
		if err != nil {
			return nil, nil, debitguard.Outcome{}, err
		}

		if !outstanding.IsPositive() {
			continue
		}

		byID[b.ID] = plan{batch: b, instructions: open, target: collection.BatchProcessed}
		candidates = append(candidates, reconcile.Candidate{ID: b.ID, Total: outstanding})
	}

	m, err := s.reconciler.Match(ctx, tx.Amount, candidates)
	if err != nil {
		return nil, nil, debitguard.Outcome{}, err
	}

	switch m.Kind {
	case reconcile.KindNone:
		return nil, &m, debitguard.Rejected(debitguard.CodeNoMatch, m.Reason()), nil
	case reconcile.KindAmbiguous:
		return nil, &m, debitguard.Rejected(debitguard.CodeAmbiguousMatch, m.Reason()), nil
	}

	plans := make([]plan, 0, len(m.Candidates))
	for _, c := range m.Candidates {
		plans = append(plans, byID[c.ID])
	}

	return plans, &m, debitguard.Success(), nil
}

func (s *Settler) planReferenced(ctx context.Context, tx collection.BankTransaction, batch collection.Batch) ([]plan, *reconcile.Match, debitguard.Outcome, error) {
	check, err := s.validator.CheckSettlement(ctx, SettlementCheck{BatchID: batch.ID, TransactionID: tx.ID, Amount: tx.Amount})
	if err != nil {
		return nil, nil, debitguard.Outcome{}, err
	}

	if !check.Processable {
		return nil, nil, check.Outcome(), nil
	}

	open, outstanding, err := s.open(ctx, batch, tx.ID)
	if err != nil {
		return nil, nil, debitguard.Outcome{}, err
	}

	m := reconcile.Match{
		Kind:       reconcile.KindSingle,
		Candidates: []reconcile.Candidate{{ID: batch.ID, Total: outstanding}},
		Total:      outstanding,
		Difference: tx.Amount.Sub(outstanding),
	}

	switch {
	case s.tolerance.Equal(tx.Amount, outstanding):
		return []plan{{batch: batch, instructions: open, target: collection.BatchProcessed}}, &m, debitguard.Success(), nil
	case tx.Amount.GreaterThan(outstanding):
		return nil, &m, debitguard.Rejected(debitguard.CodeSettlementExceeds, fmt.Sprintf(
			"credit %s exceeds outstanding batch amount %s", tx.Amount.StringFixed(2), outstanding.StringFixed(2))), nil
	}

	items, err := s.reconciler.MatchItems(ctx, tx.Amount, open)
	if err != nil {
		return nil, nil, debitguard.Outcome{}, err
	}

	if !items.Match.Matched() {
		code := debitguard.CodeNoMatch
		if items.Match.Kind == reconcile.KindAmbiguous {
			code = debitguard.CodeAmbiguousMatch
		}

		return nil, &items.Match, debitguard.Rejected(code,
			"partial credit does not identify the returned instructions: "+items.Match.Reason()), nil
	}

	m.Kind = reconcile.KindCombination
	m.Alternatives = items.Match.Alternatives
	m.Explored = items.Match.Explored

	return []plan{{batch: batch, instructions: items.Collected, target: collection.BatchPartiallyProcessed}}, &m, debitguard.Success(), nil
}

// open returns the instructions of b not yet collected by another
// transaction and their sum.
func (s *Settler) open(ctx context.Context, b collection.Batch, transactionID string) ([]collection.Instruction, decimal.Decimal, error) {
	entries, err := s.validator.payments.EntriesForBatch(ctx, b.ID)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("load batch entries: %w", err)
	}

	collected := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if !e.Reversed && e.TransactionID != transactionID {
			collected[e.EndToEndID] = struct{}{}
		}
	}

	var open []collection.Instruction

	sum := decimal.Zero

	for _, in := range b.Instructions {
		if _, ok := collected[in.EndToEndID]; ok {
			continue
		}

		open = append(open, in)
		sum = sum.Add(in.Amount)
	}

	return open, sum, nil
}

func (s *Settler) precheck(ctx context.Context, tx collection.BankTransaction, plans []plan) (debitguard.Outcome, error) {
	for _, p := range plans {
		check, err := s.validator.CheckSettlement(ctx, SettlementCheck{BatchID: p.batch.ID, TransactionID: tx.ID, Amount: p.amount()})
		if err != nil {
			return debitguard.Outcome{}, err
		}

		if !check.Processable {
			return check.Outcome(), nil
		}
	}

	return debitguard.Success(), nil
}

// apply settles one batch under its lock.
func (s *Settler) apply(ctx context.Context, logger log.Logger, tx collection.BankTransaction, p plan) (BatchSettlement, debitguard.Outcome, error) {
	bs := BatchSettlement{BatchID: p.batch.ID, Status: p.batch.Status, Amount: p.amount()}

	handle, acquired, err := s.validator.locker.Acquire(ctx, resourceBatch, p.batch.ID)
	if err != nil {
		return bs, debitguard.Outcome{}, err
	}

	if !acquired {
		return bs, debitguard.Retryable(debitguard.CodeLockContention, "batch is being settled, retry later"), nil
	}

	defer lock.Release(ctx, handle)

	check, err := s.validator.CheckSettlement(ctx, SettlementCheck{BatchID: p.batch.ID, TransactionID: tx.ID, Amount: bs.Amount})
	if err != nil {
		return bs, debitguard.Outcome{}, err
	}

	if !check.Processable {
		return bs, check.Outcome(), nil
	}

	bs.Idempotent = check.Idempotent

	for _, in := range p.instructions {
		r, err := s.guard.CreatePayment(ctx, guard.Request{
			InvoiceID:     in.InvoiceID,
			Amount:        in.Amount,
			Currency:      p.batch.Currency,
			BatchID:       p.batch.ID,
			TransactionID: tx.ID,
			EndToEndID:    in.EndToEndID,
			Actor:         s.actor,
		})
		if err != nil {
			return bs, debitguard.Outcome{}, err
		}

		switch {
		case r.Outcome.IsRetryable():
			return bs, r.Outcome, nil
		case r.Outcome.IsRejected():
			bs.Skipped = append(bs.Skipped, InstructionFailure{
				EndToEndID: in.EndToEndID,
				InvoiceID:  in.InvoiceID,
				Code:       r.Outcome.Code,
				Reason:     r.Outcome.Reason,
			})
		default:
			bs.Payments = append(bs.Payments, *r.Payment)
		}
	}

	if len(bs.Payments) == 0 {
		return bs, debitguard.Rejected(bs.Skipped[0].Code,
			"no instruction of batch "+p.batch.ID+" could be allocated: "+bs.Skipped[0].Reason), nil
	}

	target := p.target
	if len(bs.Skipped) > 0 {
		target = collection.BatchPartiallyProcessed
	}

	err = s.validator.Transition(ctx, p.batch.ID, target)

	switch {
	case errors.Is(err, collection.ErrStaleBatchStatus):
		return bs, debitguard.Retryable(debitguard.CodeStaleState, "batch status changed concurrently, retry later"), nil
	case errors.Is(err, collection.ErrBatchTransitionInvalid):
		logger.Log(ctx, log.LevelWarn, "batch status not changed", log.String("batch_id", p.batch.ID), log.Err(err))
	case err != nil:
		return bs, debitguard.Outcome{}, err
	default:
		bs.Status = target
	}

	return bs, debitguard.Success(), nil
}

func (s *Settler) reject(ctx context.Context, span trace.Span, logger log.Logger, factory *metrics.Factory, res SettlementResult, outcome debitguard.Outcome) (SettlementResult, error) {
	res.Outcome = outcome

	if outcome.IsRejected() {
		if err := s.transactions.MarkTransaction(ctx, res.TransactionID, collection.TransactionManualReview, outcome.Reason); err != nil {
			return s.fail(ctx, span, logger, res, "failed to mark bank transaction for review", err)
		}

		res.Status = collection.TransactionManualReview
	}

	return s.finish(ctx, span, logger, factory, res), nil
}

func (s *Settler) fail(ctx context.Context, span trace.Span, logger log.Logger, res SettlementResult, msg string, err error) (SettlementResult, error) {
	opentelemetry.HandleSpanError(span, msg, err)
	logger.Log(ctx, log.LevelError, msg, log.Err(err))

	s.emit(ctx, logger, res.TransactionID, audit.KindInfrastructureFailure, string(debitguard.CodeInfrastructureFailed), err.Error())

	return res, fmt.Errorf("%s: %w", msg, err)
}

func (s *Settler) finish(ctx context.Context, span trace.Span, logger log.Logger, factory *metrics.Factory, res SettlementResult) SettlementResult {
	kind := audit.KindSuccess

	switch {
	case res.Outcome.IsRejected():
		kind = audit.KindRejected
	case res.Outcome.IsRetryable():
		kind = audit.KindRetryable
	}

	matchKind := string(reconcile.KindNone)
	if res.Match != nil {
		matchKind = string(res.Match.Kind)
	}

	opentelemetry.HandleSpanBusinessOutcome(span, string(kind), string(res.Outcome.Code), res.Outcome.Reason)
	factory.Count(ctx, metrics.MetricSettlements, map[string]string{"kind": matchKind, "outcome": string(kind)})

	level := log.LevelInfo
	if kind != audit.KindSuccess {
		level = log.LevelWarn
	}

	logger.Log(ctx, level, "bank transaction handled",
		log.String("outcome", string(kind)),
		log.String("match", matchKind),
		log.Int("batches", len(res.Batches)),
		log.String("code", string(res.Outcome.Code)),
		log.String("reason", res.Outcome.Reason))

	s.emit(ctx, logger, res.TransactionID, kind, string(res.Outcome.Code), res.Outcome.Reason)

	return res
}

func (s *Settler) emit(ctx context.Context, logger log.Logger, transactionID string, kind audit.Kind, code, reason string) {
	e := audit.NewEvent(OperationSettleTransaction, kind, resourceTransaction, transactionID)
	e.Actor = s.actor
	e.Code = code
	e.Reason = reason
	e.RequestID = debitguard.RequestIDFromContext(ctx)

	audit.Emit(ctx, s.recorder, logger, e)
}
