//go:build unit

package returns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/backoff"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *memory.Store
	files     *MemoryFileLog
	backend   *lock.MemoryBackend
	recorder  *audit.MemoryRecorder
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:    memory.New(),
		files:    NewMemoryFileLog(),
		backend:  lock.NewMemoryBackend(),
		recorder: &audit.MemoryRecorder{},
	}

	locker, err := lock.NewManager(f.backend, lock.Options{
		TTL:   time.Minute,
		Retry: backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 2},
	})
	require.NoError(t, err)

	f.processor, err = NewProcessor(locker, f.files, f.store, f.store, WithRecorder(f.recorder))
	require.NoError(t, err)

	return f
}

// paid creates an invoice of total fully collected by one entry per amount.
func (f *fixture) paid(t *testing.T, invoiceID, total string, entries map[string]string) {
	t.Helper()

	ctx := context.Background()
	f.store.PutInvoice(collection.Invoice{ID: invoiceID, Total: decimal.RequireFromString(total), Currency: "EUR"})

	for e2e, amount := range entries {
		e, err := collection.NewPaymentEntry(invoiceID, "B1", "T1", e2e, decimal.RequireFromString(amount), "tester", time.Now())
		require.NoError(t, err)
		require.NoError(t, f.store.CreateEntry(ctx, e))
	}

	require.NoError(t, f.store.SetInvoiceStatus(ctx, invoiceID, collection.InvoicePaid))
}

const threeReturns = "end_to_end_id,amount,reason_code,reason_text\n" +
	"E2E-1,25.00,AM04,\n" +
	"E2E-2,25.00,MD06,refund\n" +
	"E2E-3,25.00,AC04,\n"

// ---------------------------------------------------------------------------
// Exactly-once application
// ---------------------------------------------------------------------------

func TestProcessAppliesFileOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "25.00", map[string]string{"E2E-1": "25.00"})
	f.paid(t, "INV2", "25.00", map[string]string{"E2E-2": "25.00"})
	f.paid(t, "INV3", "25.00", map[string]string{"E2E-3": "25.00"})

	first, err := f.processor.Process(ctx, []byte(threeReturns))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 3, first.ReversalsCreated)
	assert.Equal(t, 3, first.Records)
	assert.Empty(t, first.Failures)
	assert.True(t, first.Outcome.IsSuccess())

	second, err := f.processor.Process(ctx, []byte(threeReturns))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 0, second.ReversalsCreated)
	assert.Equal(t, first.FileHash, second.FileHash)

	assert.Len(t, f.store.Reversals(), 3)
	assert.Equal(t, 1, f.recorder.Count(OperationProcessReturnFile, audit.KindSuccess))
	assert.Equal(t, 1, f.recorder.Count(OperationProcessReturnFile, audit.KindCached))
	assert.Equal(t, 3, f.recorder.Count(OperationReversePayment, audit.KindCorrection))

	for _, id := range []string{"INV1", "INV2", "INV3"} {
		status, err := f.store.InvoiceStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, collection.InvoiceUnpaid, status, id)
	}
}

func TestProcessIsolatesBadRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "25.00", map[string]string{"E2E-1": "25.00"})
	f.paid(t, "INV2", "25.00", map[string]string{"E2E-2": "25.00"})

	content := "end_to_end_id,amount,reason_code,reason_text\n" +
		"E2E-1,25.00,AM04,\n" +
		"E2E-UNKNOWN,10.00,AM04,\n" +
		"E2E-2,99.00,AM04,\n" +
		"E2E-3,not-a-number,AM04,\n"

	report, err := f.processor.Process(ctx, []byte(content))
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, report.ReversalsCreated)
	assert.Equal(t, 4, report.Records)
	require.Len(t, report.Failures, 3)

	codes := map[string]debitguard.ErrorCode{}
	for _, failure := range report.Failures {
		codes[failure.EndToEndID] = failure.Code
	}

	assert.Equal(t, debitguard.CodeMalformedRecord, codes["E2E-3"])
	assert.Equal(t, debitguard.CodeUnknownPayment, codes["E2E-UNKNOWN"])
	assert.Equal(t, debitguard.CodeMalformedRecord, codes["E2E-2"])

	entry, err := f.store.EntryByEndToEndID(ctx, "E2E-2")
	require.NoError(t, err)
	assert.False(t, entry.Reversed)
}

func TestProcessSkipsAlreadyReversedEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "25.00", map[string]string{"E2E-1": "25.00"})

	_, err := f.processor.Process(ctx, []byte("end_to_end_id,reason_code\nE2E-1,AM04\n"))
	require.NoError(t, err)

	// Same return, different bytes: a new file but no second reversal.
	report, err := f.processor.Process(ctx, []byte("end_to_end_id,reason_code\r\nE2E-1,AM04\r\n"))
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 0, report.ReversalsCreated)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, debitguard.CodeAlreadyReversed, report.Skipped[0].Code)
	assert.Len(t, f.store.Reversals(), 1)
}

func TestProcessPartialReversalReopensInvoice(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "50.00", map[string]string{"E2E-1": "25.00", "E2E-2": "25.00"})

	report, err := f.processor.Process(ctx, []byte("end_to_end_id,amount,reason_code\nE2E-2,25.00,MS02\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReversalsCreated)

	status, err := f.store.InvoiceStatus(ctx, "INV1")
	require.NoError(t, err)
	assert.Equal(t, collection.InvoicePartiallyPaid, status)

	require.Len(t, report.Reversals, 1)
	assert.Equal(t, "refused by debtor", report.Reversals[0].ReasonText)
	assert.Equal(t, report.FileHash, report.Reversals[0].FileHash)
}

func TestProcessPain002(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "25.00", map[string]string{"E2E-1": "25.00"})
	f.paid(t, "INV2", "30.00", map[string]string{"E2E-2": "30.00"})

	report, err := f.processor.Process(ctx, []byte(painReport))
	require.NoError(t, err)
	assert.Equal(t, FormatPain002, report.Format)
	assert.Equal(t, 2, report.ReversalsCreated)
	assert.Len(t, report.Skipped, 1, "ACCP record")
	assert.Len(t, report.Failures, 1, "record without end-to-end id")
}

// ---------------------------------------------------------------------------
// Contention and failures
// ---------------------------------------------------------------------------

func TestProcessRetryableWhileInvoiceLocked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.paid(t, "INV1", "25.00", map[string]string{"E2E-1": "25.00"})

	key, err := lock.Key("invoice", "INV1")
	require.NoError(t, err)

	held, ok, err := f.backend.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	content := []byte("end_to_end_id,reason_code\nE2E-1,AM04\n")

	report, err := f.processor.Process(ctx, content)
	require.NoError(t, err)
	assert.True(t, report.Outcome.IsRetryable())
	assert.False(t, report.Applied)

	_, logged, err := f.files.Lookup(ctx, report.FileHash)
	require.NoError(t, err)
	assert.False(t, logged)

	require.NoError(t, held.Release(ctx))

	report, err = f.processor.Process(ctx, content)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 1, report.ReversalsCreated)
}

func TestProcessRejectsUnreadableFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	report, err := f.processor.Process(context.Background(), []byte("<Document>"))
	require.NoError(t, err)
	assert.True(t, report.Outcome.IsRejected())
	assert.Equal(t, debitguard.CodeUnsupportedFormat, report.Outcome.Code)
	assert.False(t, report.Applied)
}

type brokenFileLog struct{ err error }

func (b brokenFileLog) Lookup(context.Context, string) (FileEntry, bool, error) {
	return FileEntry{}, false, b.err
}

func (b brokenFileLog) Record(context.Context, FileEntry) (bool, error) { return false, b.err }

func TestProcessReportsInfrastructureFailures(t *testing.T) {
	t.Parallel()

	store := memory.New()
	recorder := &audit.MemoryRecorder{}

	locker, err := lock.NewManager(lock.NewMemoryBackend(), lock.DefaultOptions())
	require.NoError(t, err)

	boom := errors.New("disk unavailable")

	p, err := NewProcessor(locker, brokenFileLog{err: boom}, store, store, WithRecorder(recorder))
	require.NoError(t, err)

	_, err = p.Process(context.Background(), []byte(threeReturns))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, recorder.Count(OperationProcessReturnFile, audit.KindInfrastructureFailure))
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewProcessor(nil, NewMemoryFileLog(), memory.New(), memory.New())
	require.ErrorIs(t, err, ErrNilDependency)
}
