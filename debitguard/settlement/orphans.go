package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
)

// Orphan is a live payment entry that nothing on the bank side explains.
type Orphan struct {
	Entry  collection.PaymentEntry `json:"entry"`
	Reason string                  `json:"reason"`
}

// DetectOrphanedPayments checks the live entries of the given batches and
// reports those whose bank transaction is unknown or whose batch was never
// marked settled.
func DetectOrphanedPayments(ctx context.Context, batchIDs []string, batches collection.BatchStore, payments collection.PaymentStore, transactions collection.BankTransactionStore) ([]Orphan, error) {
	var out []Orphan

	known := make(map[string]bool)

	for _, id := range batchIDs {
		batch, err := batches.Batch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load batch %s: %w", id, err)
		}

		entries, err := payments.EntriesForBatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load entries of batch %s: %w", id, err)
		}

		for _, e := range entries {
			if e.Reversed {
				continue
			}

			exists, ok := known[e.TransactionID]
			if !ok {
				_, err := transactions.Transaction(ctx, e.TransactionID)

				switch {
				case err == nil:
					exists = true
				case errors.Is(err, collection.ErrTransactionNotFound):
				default:
					return nil, fmt.Errorf("load transaction %s: %w", e.TransactionID, err)
				}

				known[e.TransactionID] = exists
			}

			switch {
			case !exists:
				out = append(out, Orphan{Entry: e, Reason: "bank transaction not found"})
			case !batch.Status.Settled():
				out = append(out, Orphan{Entry: e, Reason: "batch " + id + " in status " + string(batch.Status) + " is not settled"})
			}
		}
	}

	return out, nil
}
