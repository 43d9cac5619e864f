package reconcile

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/shopspring/decimal"
)

// ItemMatch splits a batch into collected and missing instructions after a
// partial settlement.
type ItemMatch struct {
	Kind      Kind                     `json:"kind"`
	Collected []collection.Instruction `json:"collected,omitempty"`
	Missing   []collection.Instruction `json:"missing,omitempty"`
	Match     Match                    `json:"match"`
}

// MatchItems works out which instructions of a batch were collected when the
// bank credited received instead of the batch total. Returned debits are
// usually few, so the search runs over the shortfall: the instructions whose
// amounts add up to total - received are the missing ones.
func (r *Reconciler) MatchItems(ctx context.Context, received decimal.Decimal, instructions []collection.Instruction) (ItemMatch, error) {
	total := decimal.Zero
	for _, in := range instructions {
		total = total.Add(in.Amount)
	}

	if r.opts.Tolerance.Equal(received, total) {
		return ItemMatch{
			Kind:      KindSingle,
			Collected: append([]collection.Instruction(nil), instructions...),
			Match:     Match{Kind: KindSingle, Total: total, Difference: received.Sub(total)},
		}, nil
	}

	if received.GreaterThan(total) {
		return ItemMatch{Kind: KindNone, Match: Match{Kind: KindNone}}, nil
	}

	candidates := make([]Candidate, len(instructions))
	for i, in := range instructions {
		candidates[i] = Candidate{ID: in.EndToEndID, Total: in.Amount}
	}

	m, err := r.Match(ctx, total.Sub(received), candidates)
	if err != nil {
		return ItemMatch{}, err
	}

	out := ItemMatch{Kind: m.Kind, Match: m}
	if !m.Matched() {
		return out, nil
	}

	missing := make(map[string]struct{}, len(m.Candidates))
	for _, c := range m.Candidates {
		missing[c.ID] = struct{}{}
	}

	for _, in := range instructions {
		if _, ok := missing[in.EndToEndID]; ok {
			out.Missing = append(out.Missing, in)
		} else {
			out.Collected = append(out.Collected, in)
		}
	}

	out.Kind = KindCombination

	return out, nil
}

// OrderTransactions returns txs sorted by value date, oldest first, keeping
// the input order for equal dates.
func OrderTransactions(txs []collection.BankTransaction) []collection.BankTransaction {
	out := append([]collection.BankTransaction(nil), txs...)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ValueDate.Before(out[j].ValueDate)
	})

	return out
}

var batchRefPattern = regexp.MustCompile(`(?i)\bBATCH[-_]([A-Z0-9][A-Z0-9-]*)`)

// ParseBatchReference extracts the batch id from a bank description such as
// "SEPA DD BATCH-2026-03-B1 INCASSO".
func ParseBatchReference(description string) (string, bool) {
	m := batchRefPattern.FindStringSubmatch(description)
	if m == nil {
		return "", false
	}

	return strings.ToUpper(strings.TrimRight(m[1], "-")), true
}

// Candidates converts batches into match candidates.
func Candidates(batches []collection.Batch) []Candidate {
	out := make([]Candidate, len(batches))
	for i, b := range batches {
		total := b.Total
		if total.IsZero() {
			total = b.ComputeTotal()
		}

		out[i] = Candidate{ID: b.ID, Total: total}
	}

	return out
}
