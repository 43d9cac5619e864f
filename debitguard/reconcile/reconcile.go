package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Kind is the shape of a match.
type Kind string

const (
	KindSingle      Kind = "single"
	KindCombination Kind = "combination"
	KindAmbiguous   Kind = "ambiguous"
	KindNone        Kind = "none"
)

const (
	DefaultMaxDepth      = 5
	DefaultMaxCandidates = 40
	DefaultSearchBudget  = 2 * time.Second

	// maxAlternatives caps how many competing sets an ambiguous match lists.
	maxAlternatives = 10
	// clockEvery is how many search nodes run between deadline checks.
	clockEvery = 1024
)

var (
	// ErrInvalidOptions is returned for non-positive bounds.
	ErrInvalidOptions = errors.New("reconcile options must have positive bounds")
	// ErrNonPositiveAmount is returned when the bank amount is not positive.
	ErrNonPositiveAmount = errors.New("bank amount must be positive")
)

// Candidate is something an amount can be matched against: a batch total or
// a single instruction amount.
type Candidate struct {
	ID    string          `json:"id"`
	Total decimal.Decimal `json:"total"`
}

// Match is the result of matching one amount.
type Match struct {
	Kind         Kind            `json:"kind"`
	Candidates   []Candidate     `json:"candidates,omitempty"`
	Total        decimal.Decimal `json:"total"`
	Difference   decimal.Decimal `json:"difference"`
	Alternatives [][]Candidate   `json:"alternatives,omitempty"`
	Truncated    bool            `json:"truncated"`
	Explored     int             `json:"explored"`
}

// Matched reports whether m names exactly one candidate set.
func (m Match) Matched() bool {
	return m.Kind == KindSingle || m.Kind == KindCombination
}

// IDs returns the ids of the matched candidates.
func (m Match) IDs() []string {
	ids := make([]string, len(m.Candidates))
	for i, c := range m.Candidates {
		ids[i] = c.ID
	}

	return ids
}

// Reason explains a non-matching result for an operator.
func (m Match) Reason() string {
	switch m.Kind {
	case KindAmbiguous:
		sets := make([]string, 0, len(m.Alternatives))
		for _, alt := range m.Alternatives {
			ids := make([]string, len(alt))
			for i, c := range alt {
				ids[i] = c.ID
			}

			sets = append(sets, "["+strings.Join(ids, ",")+"]")
		}

		if len(sets) < 2 && m.Truncated {
			return "candidate set " + strings.Join(sets, " ") + " matched but the search bounds hid other candidates"
		}

		return "amount matches several candidate sets: " + strings.Join(sets, " ")
	case KindNone:
		if m.Truncated {
			return "no candidate set matched within the search bounds"
		}

		return "no candidate or combination matches the amount"
	default:
		return ""
	}
}

// Options bounds the search.
type Options struct {
	Tolerance     money.Tolerance
	MaxDepth      int
	MaxCandidates int
	SearchBudget  time.Duration
}

// DefaultOptions returns the EUR tolerance with depth 5, 40 candidates and a
// 2 second budget.
func DefaultOptions() Options {
	return Options{
		Tolerance:     money.DefaultTolerance(money.EUR),
		MaxDepth:      DefaultMaxDepth,
		MaxCandidates: DefaultMaxCandidates,
		SearchBudget:  DefaultSearchBudget,
	}
}

// Reconciler runs matches with fixed options.
type Reconciler struct {
	opts Options
	now  func() time.Time
}

// New validates opts and returns a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.MaxDepth < 1 || opts.MaxCandidates < 1 || opts.SearchBudget <= 0 {
		return nil, fmt.Errorf("%w: depth=%d candidates=%d budget=%s",
			ErrInvalidOptions, opts.MaxDepth, opts.MaxCandidates, opts.SearchBudget)
	}

	return &Reconciler{opts: opts, now: time.Now}, nil
}

// Tolerance returns the configured tolerance.
func (r *Reconciler) Tolerance() money.Tolerance {
	return r.opts.Tolerance
}

// Match finds the candidate, or smallest set of candidates, whose total is
// within tolerance of amount. Among sets of the same size the one closest to
// amount wins; a tie is ambiguous.
func (r *Reconciler) Match(ctx context.Context, amount decimal.Decimal, candidates []Candidate) (Match, error) {
	logger, tracer, factory := debitguard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "reconcile.match")
	defer span.End()

	span.SetAttributes(attribute.Int("reconcile.candidates", len(candidates)))

	if !amount.IsPositive() {
		return Match{}, fmt.Errorf("%w: %s", ErrNonPositiveAmount, amount.String())
	}

	started := r.now()

	m, err := r.search(ctx, amount, candidates)

	factory.Observe(ctx, metrics.MetricReconcileSearch, r.now().Sub(started).Seconds(),
		map[string]string{"kind": string(m.Kind)})

	if err != nil {
		opentelemetry.HandleSpanError(span, "reconcile search aborted", err)
		return Match{}, err
	}

	span.SetAttributes(attribute.String("reconcile.kind", string(m.Kind)), attribute.Bool("reconcile.truncated", m.Truncated))

	if m.Truncated {
		logger.Log(ctx, log.LevelWarn, "reconcile search hit its bounds",
			log.Amount("amount", amount), log.Int("candidates", len(candidates)), log.Int("explored", m.Explored))
	}

	return m, nil
}

func (r *Reconciler) search(ctx context.Context, amount decimal.Decimal, candidates []Candidate) (Match, error) {
	tol := r.opts.Tolerance
	limit := amount.Add(tol.Value())

	// Larger totals first so the running sum crosses the limit early.
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Total.IsPositive() && !c.Total.GreaterThan(limit) {
			pool = append(pool, c)
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if !pool[i].Total.Equal(pool[j].Total) {
			return pool[i].Total.GreaterThan(pool[j].Total)
		}

		return pool[i].ID < pool[j].ID
	})

	m := Match{Kind: KindNone}

	if len(pool) > r.opts.MaxCandidates {
		pool = pool[:r.opts.MaxCandidates]
		m.Truncated = true
	}

	s := &searcher{
		ctx:      ctx,
		pool:     pool,
		target:   amount,
		tol:      tol,
		deadline: r.now().Add(r.opts.SearchBudget),
		now:      r.now,
	}

	for depth := 1; depth <= r.opts.MaxDepth && depth <= len(pool); depth++ {
		s.depth = depth
		s.dfs(0, nil, decimal.Zero)

		m.Explored = s.explored

		if s.err != nil {
			return m, s.err
		}

		if s.expired {
			m.Truncated = true
		}

		if len(s.found) > 0 {
			return s.result(m, depth), nil
		}

		if s.expired {
			break
		}
	}

	if len(pool) > r.opts.MaxDepth {
		// Larger sets were never tried.
		m.Truncated = m.Truncated || s.canExceedDepth(r.opts.MaxDepth)
	}

	return m, nil
}

type searcher struct {
	ctx      context.Context
	pool     []Candidate
	target   decimal.Decimal
	tol      money.Tolerance
	depth    int
	deadline time.Time
	now      func() time.Time

	found    [][]int
	explored int
	expired  bool
	err      error
}

func (s *searcher) stop() bool {
	if s.err != nil || s.expired {
		return true
	}

	s.explored++
	if s.explored%clockEvery != 0 {
		return false
	}

	if err := s.ctx.Err(); err != nil {
		s.err = err
		return true
	}

	if s.now().After(s.deadline) {
		s.expired = true
		return true
	}

	return false
}

// dfs enumerates index sets of exactly s.depth members starting at start.
func (s *searcher) dfs(start int, chosen []int, sum decimal.Decimal) {
	if s.stop() {
		return
	}

	if len(chosen) == s.depth {
		if s.tol.Equal(sum, s.target) {
			s.found = append(s.found, append([]int(nil), chosen...))
		}

		return
	}

	need := s.depth - len(chosen)
	limit := s.target.Add(s.tol.Value())
	floor := s.target.Sub(s.tol.Value())

	for i := start; i <= len(s.pool)-need; i++ {
		next := sum.Add(s.pool[i].Total)
		if next.GreaterThan(limit) {
			continue
		}

		// The pool is sorted descending, so the next need members are the
		// largest still reachable from i.
		best := next
		for j := i + 1; j < i+need; j++ {
			best = best.Add(s.pool[j].Total)
		}

		if best.LessThan(floor) {
			return
		}

		s.dfs(i+1, append(chosen, i), next)

		if s.err != nil || s.expired {
			return
		}
	}
}

// canExceedDepth reports whether a set larger than depth could still reach
// the target, i.e. the depth bound may have hidden a match.
func (s *searcher) canExceedDepth(depth int) bool {
	sum := decimal.Zero
	for i := len(s.pool) - 1; i >= 0 && len(s.pool)-i <= depth+1; i-- {
		sum = sum.Add(s.pool[i].Total)
	}

	return !sum.GreaterThan(s.target.Add(s.tol.Value()))
}

func (s *searcher) result(m Match, depth int) Match {
	sets := make([][]Candidate, len(s.found))
	diffs := make([]decimal.Decimal, len(s.found))

	for i, idx := range s.found {
		set := make([]Candidate, len(idx))
		total := decimal.Zero

		for j, k := range idx {
			set[j] = s.pool[k]
			total = total.Add(s.pool[k].Total)
		}

		sets[i] = set
		diffs[i] = money.Difference(total, s.target)
	}

	best := 0
	tie := false

	for i := 1; i < len(sets); i++ {
		switch diffs[i].Cmp(diffs[best]) {
		case -1:
			best, tie = i, false
		case 0:
			tie = true
		}
	}

	// A search cut short at this depth, or run over a capped pool, may have
	// missed an equally good set.
	if tie || m.Truncated {
		m.Kind = KindAmbiguous
		for i, set := range sets {
			if i == maxAlternatives {
				break
			}

			m.Alternatives = append(m.Alternatives, set)
		}

		if len(m.Alternatives) == 1 {
			m.Candidates = m.Alternatives[0]
		}

		return m
	}

	m.Kind = KindCombination
	if depth == 1 {
		m.Kind = KindSingle
	}

	m.Candidates = sets[best]
	m.Total = money.Sum(totals(sets[best])...)
	m.Difference = s.target.Sub(m.Total)

	return m
}

func totals(set []Candidate) []decimal.Decimal {
	out := make([]decimal.Decimal, len(set))
	for i, c := range set {
		out[i] = c.Total
	}

	return out
}
