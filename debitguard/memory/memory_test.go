//go:build unit

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(t *testing.T, invoice, batch, tx, e2e, amount string) collection.PaymentEntry {
	t.Helper()

	e, err := collection.NewPaymentEntry(invoice, batch, tx, e2e, decimal.RequireFromString(amount), "tester", time.Now())
	require.NoError(t, err)

	return e
}

func TestCreateEntryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	require.NoError(t, s.CreateEntry(ctx, entry(t, "INV1", "B1", "T1", "E1", "25.00")))

	err := s.CreateEntry(ctx, entry(t, "INV1", "B1", "T1", "E1", "25.00"))
	require.ErrorIs(t, err, collection.ErrDuplicatePayment)

	require.NoError(t, s.CreateEntry(ctx, entry(t, "INV1", "B2", "T2", "E2", "5.00")))

	entries, err := s.EntriesForInvoice(ctx, "INV1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCreateReversalOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	e := entry(t, "INV1", "B1", "T1", "E1", "25.00")
	require.NoError(t, s.CreateEntry(ctx, e))

	r := collection.NewReversal(e, "AM04", "insufficient funds", "hash", "tester", time.Now())

	created, err := s.CreateReversal(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateReversal(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.EntryByEndToEndID(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, got.Reversed)
	assert.Len(t, s.Reversals(), 1)

	_, err = s.CreateReversal(ctx, collection.Reversal{PaymentEntryID: "missing"})
	require.ErrorIs(t, err, collection.ErrPaymentNotFound)
}

func TestUpdateBatchStatusDetectsStaleState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	s.PutBatch(collection.Batch{ID: "B1", Status: collection.BatchSubmitted})

	require.NoError(t, s.UpdateBatchStatus(ctx, "B1", collection.BatchSubmitted, collection.BatchProcessed))

	err := s.UpdateBatchStatus(ctx, "B1", collection.BatchSubmitted, collection.BatchProcessed)
	require.ErrorIs(t, err, collection.ErrStaleBatchStatus)

	err = s.UpdateBatchStatus(ctx, "nope", collection.BatchSubmitted, collection.BatchProcessed)
	require.ErrorIs(t, err, collection.ErrBatchNotFound)
}

func TestOpenBatchesFiltersByStatusAndDate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	s.PutBatch(collection.Batch{ID: "B1", Status: collection.BatchSubmitted, CollectionDate: day})
	s.PutBatch(collection.Batch{ID: "B2", Status: collection.BatchProcessed, CollectionDate: day})
	s.PutBatch(collection.Batch{ID: "B3", Status: collection.BatchSubmitted, CollectionDate: day.AddDate(0, 0, 30)})

	open, err := s.OpenBatches(ctx, day.AddDate(0, 0, -3), day.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B1", open[0].ID)
}

func TestUnmatchedOrdersByValueDate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTransaction(ctx, collection.BankTransaction{ID: "T2", ValueDate: day.AddDate(0, 0, 1)}))
	require.NoError(t, s.SaveTransaction(ctx, collection.BankTransaction{ID: "T1", ValueDate: day}))
	require.NoError(t, s.SaveTransaction(ctx, collection.BankTransaction{ID: "T3", ValueDate: day, Status: collection.TransactionMatched}))

	txs, err := s.Unmatched(ctx, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "T1", txs[0].ID)
	assert.Equal(t, "T2", txs[1].ID)

	require.NoError(t, s.MarkTransaction(ctx, "T1", collection.TransactionManualReview, "ambiguous"))

	tx, err := s.Transaction(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, collection.TransactionManualReview, tx.Status)
	assert.Equal(t, "ambiguous", tx.Note)
}

func TestInvoiceStatusDefaultsToUnpaid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	status, err := s.InvoiceStatus(ctx, "INV1")
	require.NoError(t, err)
	assert.Equal(t, collection.InvoiceUnpaid, status)

	require.NoError(t, s.SetInvoiceStatus(ctx, "INV1", collection.InvoicePaid))
	require.ErrorIs(t, s.SetInvoiceStatus(ctx, "INV1", "BOGUS"), collection.ErrInvoiceStatusInvalid)

	_, err = s.Invoice(ctx, "INV1")
	require.ErrorIs(t, err, collection.ErrInvoiceNotFound)
}
