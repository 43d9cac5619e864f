package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
)

// Store implements every collection store interface behind one mutex.
type Store struct {
	mu           sync.RWMutex
	invoices     map[string]collection.Invoice
	statuses     map[string]collection.InvoiceStatus
	batches      map[string]collection.Batch
	entries      []collection.PaymentEntry
	reversals    []collection.Reversal
	transactions map[string]collection.BankTransaction
}

var (
	_ collection.InvoiceSource        = (*Store)(nil)
	_ collection.BatchStore           = (*Store)(nil)
	_ collection.PaymentStore         = (*Store)(nil)
	_ collection.BankTransactionStore = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		invoices:     make(map[string]collection.Invoice),
		statuses:     make(map[string]collection.InvoiceStatus),
		batches:      make(map[string]collection.Batch),
		transactions: make(map[string]collection.BankTransaction),
	}
}

// PutInvoice adds or replaces an invoice.
func (s *Store) PutInvoice(inv collection.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoices[inv.ID] = inv
}

// PutBatch adds or replaces a batch. A zero Total is computed from the
// instructions.
func (s *Store) PutBatch(b collection.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Total.IsZero() {
		b.Total = b.ComputeTotal()
	}

	s.batches[b.ID] = b
}

func (s *Store) Invoice(_ context.Context, id string) (collection.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[id]
	if !ok {
		return collection.Invoice{}, fmt.Errorf("%w: %s", collection.ErrInvoiceNotFound, id)
	}

	return inv, nil
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

func (s *Store) Batch(_ context.Context, id string) (collection.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return collection.Batch{}, fmt.Errorf("%w: %s", collection.ErrBatchNotFound, id)
	}

	return b, nil
}

func (s *Store) OpenBatches(_ context.Context, from, to time.Time) ([]collection.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []collection.Batch

	for _, b := range s.batches {
		if !b.Status.Settleable() {
			continue
		}

		if b.CollectionDate.Before(from) || b.CollectionDate.After(to) {
			continue
		}

		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (s *Store) UpdateBatchStatus(_ context.Context, id string, from, to collection.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("%w: %s", collection.ErrBatchNotFound, id)
	}

	if b.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", collection.ErrStaleBatchStatus, id, b.Status, from)
	}

	b.Status = to
	s.batches[id] = b

	return nil
}

// ---------------------------------------------------------------------------
// Payment entries and reversals
// ---------------------------------------------------------------------------

func (s *Store) filterEntries(match func(collection.PaymentEntry) bool) []collection.PaymentEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []collection.PaymentEntry

	for _, e := range s.entries {
		if match(e) {
			out = append(out, e)
		}
	}

	return out
}

func (s *Store) EntriesForInvoice(_ context.Context, invoiceID string) ([]collection.PaymentEntry, error) {
	return s.filterEntries(func(e collection.PaymentEntry) bool { return e.InvoiceID == invoiceID }), nil
}

func (s *Store) EntriesForBatch(_ context.Context, batchID string) ([]collection.PaymentEntry, error) {
	return s.filterEntries(func(e collection.PaymentEntry) bool { return e.BatchID == batchID }), nil
}

func (s *Store) EntriesForTransaction(_ context.Context, transactionID string) ([]collection.PaymentEntry, error) {
	return s.filterEntries(func(e collection.PaymentEntry) bool { return e.TransactionID == transactionID }), nil
}

func (s *Store) EntryByEndToEndID(_ context.Context, endToEndID string) (collection.PaymentEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if endToEndID != "" && s.entries[i].EndToEndID == endToEndID {
			return s.entries[i], nil
		}
	}

	return collection.PaymentEntry{}, fmt.Errorf("%w: end-to-end id %s", collection.ErrPaymentNotFound, endToEndID)
}

// CreateEntry enforces the same uniqueness as the SQL schema: one entry per
// (invoice, batch, transaction, end-to-end id).
func (s *Store) CreateEntry(_ context.Context, entry collection.PaymentEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.InvoiceID == entry.InvoiceID && e.BatchID == entry.BatchID &&
			e.TransactionID == entry.TransactionID && e.EndToEndID == entry.EndToEndID {
			return fmt.Errorf("%w: invoice %s batch %s", collection.ErrDuplicatePayment, entry.InvoiceID, entry.BatchID)
		}
	}

	s.entries = append(s.entries, entry)

	return nil
}

func (s *Store) CreateReversal(_ context.Context, r collection.Reversal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].ID != r.PaymentEntryID {
			continue
		}

		if s.entries[i].Reversed {
			return false, nil
		}

		s.entries[i].Reversed = true
		s.reversals = append(s.reversals, r)

		return true, nil
	}

	return false, fmt.Errorf("%w: %s", collection.ErrPaymentNotFound, r.PaymentEntryID)
}

// Reversals returns every stored reversal.
func (s *Store) Reversals() []collection.Reversal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]collection.Reversal(nil), s.reversals...)
}

// Entries returns every stored payment entry.
func (s *Store) Entries() []collection.PaymentEntry {
	return s.filterEntries(func(collection.PaymentEntry) bool { return true })
}

// InvoiceStatus returns UNPAID for invoices that never received a payment.
func (s *Store) InvoiceStatus(_ context.Context, invoiceID string) (collection.InvoiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status, ok := s.statuses[invoiceID]; ok {
		return status, nil
	}

	return collection.InvoiceUnpaid, nil
}

func (s *Store) SetInvoiceStatus(_ context.Context, invoiceID string, status collection.InvoiceStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", collection.ErrInvoiceStatusInvalid, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[invoiceID] = status

	return nil
}

// ---------------------------------------------------------------------------
// Bank transactions
// ---------------------------------------------------------------------------

func (s *Store) SaveTransaction(_ context.Context, tx collection.BankTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.Status == "" {
		tx.Status = collection.TransactionUnmatched
	}

	s.transactions[tx.ID] = tx

	return nil
}

func (s *Store) Transaction(_ context.Context, id string) (collection.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return collection.BankTransaction{}, fmt.Errorf("%w: %s", collection.ErrTransactionNotFound, id)
	}

	return tx, nil
}

func (s *Store) Unmatched(_ context.Context, limit int) ([]collection.BankTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []collection.BankTransaction

	for _, tx := range s.transactions {
		if tx.Status == collection.TransactionUnmatched {
			out = append(out, tx)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValueDate.Equal(out[j].ValueDate) {
			return out[i].ValueDate.Before(out[j].ValueDate)
		}

		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *Store) MarkTransaction(_ context.Context, id string, status collection.TransactionStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("%w: %s", collection.ErrTransactionNotFound, id)
	}

	tx.Status = status
	tx.Note = note
	s.transactions[id] = tx

	return nil
}
