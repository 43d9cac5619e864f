//go:build unit

package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cands(totals ...string) []Candidate {
	out := make([]Candidate, len(totals))
	for i, t := range totals {
		out[i] = Candidate{ID: fmt.Sprintf("B%d", i+1), Total: d(t)}
	}

	return out
}

func newReconciler(t *testing.T, mutate ...func(*Options)) *Reconciler {
	t.Helper()

	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}

	r, err := New(opts)
	require.NoError(t, err)

	return r
}

// ---------------------------------------------------------------------------
// Match
// ---------------------------------------------------------------------------

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		amount     string
		candidates []Candidate
		kind       Kind
		ids        []string
	}{
		{name: "exact single", amount: "25.00", candidates: cands("10.00", "25.00"), kind: KindSingle, ids: []string{"B2"}},
		{name: "single within tolerance", amount: "25.02", candidates: cands("25.00", "40.00"), kind: KindSingle, ids: []string{"B1"}},
		{name: "outside tolerance", amount: "25.03", candidates: cands("25.00"), kind: KindNone},
		{name: "closest single wins", amount: "25.00", candidates: cands("25.01", "25.00"), kind: KindSingle, ids: []string{"B2"}},
		{name: "identical singles are ambiguous", amount: "25.00", candidates: cands("25.00", "25.00"), kind: KindAmbiguous},
		{name: "two batches netted", amount: "50.00", candidates: cands("25.00", "25.00"), kind: KindCombination, ids: []string{"B1", "B2"}},
		{name: "three of five", amount: "60.00", candidates: cands("5.00", "10.00", "20.00", "30.00", "100.00"), kind: KindCombination, ids: []string{"B4", "B3", "B2"}},
		{name: "fewest members preferred", amount: "30.00", candidates: cands("10.00", "20.00", "30.00"), kind: KindSingle, ids: []string{"B3"}},
		{name: "competing pairs are ambiguous", amount: "30.00", candidates: cands("10.00", "20.00", "15.00", "15.00"), kind: KindAmbiguous},
		{name: "nothing adds up", amount: "7.00", candidates: cands("5.00", "10.00"), kind: KindNone},
		{name: "no candidates", amount: "7.00", candidates: nil, kind: KindNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := newReconciler(t).Match(context.Background(), d(tt.amount), tt.candidates)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, m.Kind)

			if tt.ids != nil {
				assert.Equal(t, tt.ids, m.IDs())
				assert.True(t, m.Matched())
			}

			if tt.kind == KindAmbiguous {
				assert.GreaterOrEqual(t, len(m.Alternatives), 2)
				assert.NotEmpty(t, m.Reason())
			}
		})
	}
}

func TestMatchDifferenceIsSigned(t *testing.T) {
	t.Parallel()

	m, err := newReconciler(t).Match(context.Background(), d("49.99"), cands("25.00", "25.00"))
	require.NoError(t, err)
	require.Equal(t, KindCombination, m.Kind)
	assert.True(t, d("50.00").Equal(m.Total))
	assert.True(t, d("-0.01").Equal(m.Difference))
}

func TestMatchRespectsDepth(t *testing.T) {
	t.Parallel()

	r := newReconciler(t, func(o *Options) { o.MaxDepth = 2 })

	m, err := r.Match(context.Background(), d("30.00"), cands("10.00", "10.00", "10.00"))
	require.NoError(t, err)
	assert.Equal(t, KindNone, m.Kind)
	assert.True(t, m.Truncated, "a three member set was possible but not searched")
}

func TestMatchCapsCandidates(t *testing.T) {
	t.Parallel()

	r := newReconciler(t, func(o *Options) { o.MaxCandidates = 2 })

	// Uncapped this is ambiguous (4+1, 3+2); only 4 and 3 survive the cap.
	m, err := r.Match(context.Background(), d("5.00"), cands("4.00", "3.00", "2.00", "1.00"))
	require.NoError(t, err)
	assert.True(t, m.Truncated)
	assert.Equal(t, KindNone, m.Kind)
}

func TestMatchCappedPoolIsNeverUnique(t *testing.T) {
	t.Parallel()

	r := newReconciler(t, func(o *Options) { o.MaxCandidates = 2 })

	// B3 drops out of the pool; uncapped, 3+2 matches twice.
	m, err := r.Match(context.Background(), d("5.00"), cands("3.00", "2.00", "2.00"))
	require.NoError(t, err)
	assert.True(t, m.Truncated)
	assert.Equal(t, KindAmbiguous, m.Kind)
	assert.False(t, m.Matched())
	assert.Equal(t, []string{"B1", "B2"}, m.IDs())
	assert.Contains(t, m.Reason(), "search bounds")

	full, err := newReconciler(t).Match(context.Background(), d("5.00"), cands("3.00", "2.00", "2.00"))
	require.NoError(t, err)
	assert.Equal(t, KindAmbiguous, full.Kind)
	assert.Len(t, full.Alternatives, 2)
}

func TestMatchCappedSingleIsNeverUnique(t *testing.T) {
	t.Parallel()

	r := newReconciler(t, func(o *Options) { o.MaxCandidates = 1 })

	m, err := r.Match(context.Background(), d("25.00"), cands("25.00", "25.00"))
	require.NoError(t, err)
	assert.Equal(t, KindAmbiguous, m.Kind)
	assert.False(t, m.Matched())
}

func TestMatchHonoursBudget(t *testing.T) {
	t.Parallel()

	// 40 equal candidates and an unreachable target force a full search.
	totals := make([]string, 40)
	for i := range totals {
		totals[i] = "1.00"
	}

	r := newReconciler(t, func(o *Options) { o.SearchBudget = time.Millisecond })

	r.now = func() func() time.Time {
		start := time.Now()
		calls := 0

		return func() time.Time {
			calls++
			return start.Add(time.Duration(calls) * time.Millisecond)
		}
	}()

	m, err := r.Match(context.Background(), d("4.50"), cands(totals...))
	require.NoError(t, err)
	assert.Equal(t, KindNone, m.Kind)
	assert.True(t, m.Truncated)
}

func TestMatchCancelled(t *testing.T) {
	t.Parallel()

	totals := make([]string, 40)
	for i := range totals {
		totals[i] = "1.00"
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReconciler(t).Match(ctx, d("4.50"), cands(totals...))
	require.ErrorIs(t, err, context.Canceled)
}

func TestMatchRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	_, err := newReconciler(t).Match(context.Background(), d("0"), cands("1.00"))
	require.ErrorIs(t, err, ErrNonPositiveAmount)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Tolerance: money.DefaultTolerance(money.EUR)})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

// ---------------------------------------------------------------------------
// Items, ordering and references
// ---------------------------------------------------------------------------

func instructions(amounts ...string) []collection.Instruction {
	out := make([]collection.Instruction, len(amounts))
	for i, a := range amounts {
		out[i] = collection.Instruction{EndToEndID: fmt.Sprintf("E%d", i+1), InvoiceID: fmt.Sprintf("INV%d", i+1), Amount: d(a)}
	}

	return out
}

func TestMatchItems(t *testing.T) {
	t.Parallel()

	r := newReconciler(t)
	ctx := context.Background()

	t.Run("full amount collects everything", func(t *testing.T) {
		t.Parallel()

		m, err := r.MatchItems(ctx, d("60.00"), instructions("10.00", "20.00", "30.00"))
		require.NoError(t, err)
		assert.Equal(t, KindSingle, m.Kind)
		assert.Len(t, m.Collected, 3)
		assert.Empty(t, m.Missing)
	})

	t.Run("one debit returned", func(t *testing.T) {
		t.Parallel()

		m, err := r.MatchItems(ctx, d("40.00"), instructions("10.00", "20.00", "30.00"))
		require.NoError(t, err)
		assert.Equal(t, KindCombination, m.Kind)
		require.Len(t, m.Missing, 1)
		assert.Equal(t, "E2", m.Missing[0].EndToEndID)
		assert.Len(t, m.Collected, 2)
	})

	t.Run("indistinguishable debits", func(t *testing.T) {
		t.Parallel()

		m, err := r.MatchItems(ctx, d("20.00"), instructions("10.00", "10.00", "10.00"))
		require.NoError(t, err)
		assert.Equal(t, KindAmbiguous, m.Kind)
		assert.Empty(t, m.Collected)
	})

	t.Run("more than the batch", func(t *testing.T) {
		t.Parallel()

		m, err := r.MatchItems(ctx, d("70.00"), instructions("10.00", "20.00"))
		require.NoError(t, err)
		assert.Equal(t, KindNone, m.Kind)
	})
}

func TestOrderTransactions(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	txs := []collection.BankTransaction{
		{ID: "T3", ValueDate: day.AddDate(0, 0, 2)},
		{ID: "T1", ValueDate: day},
		{ID: "T2", ValueDate: day},
	}

	ordered := OrderTransactions(txs)

	ids := make([]string, len(ordered))
	for i, tx := range ordered {
		ids[i] = tx.ID
	}

	assert.Equal(t, []string{"T1", "T2", "T3"}, ids)
	assert.Equal(t, "T3", txs[0].ID, "input is not reordered")
}

func TestParseBatchReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		description string
		want        string
		ok          bool
	}{
		{"SEPA DD BATCH-B1 INCASSO", "B1", true},
		{"sepa batch_2026-03-01- contributie", "2026-03-01", true},
		{"Batches of March", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			t.Parallel()

			got, ok := ParseBatchReference(tt.description)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidatesFromBatches(t *testing.T) {
	t.Parallel()

	got := Candidates([]collection.Batch{
		{ID: "B1", Total: d("25.00")},
		{ID: "B2", Instructions: instructions("10.00", "5.00")},
	})

	require.Len(t, got, 2)
	assert.True(t, d("15.00").Equal(got[1].Total))
}
