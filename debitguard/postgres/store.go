package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/bxcodec/dbresolver/v2"
)

// Store implements the collection store interfaces on PostgreSQL.
type Store struct {
	primary *sql.DB
	reader  dbresolver.DB
}

var (
	_ collection.InvoiceSource        = (*Store)(nil)
	_ collection.BatchStore           = (*Store)(nil)
	_ collection.PaymentStore         = (*Store)(nil)
	_ collection.BankTransactionStore = (*Store)(nil)
)

// NewStore returns a Store on a connected client.
func NewStore(c *Client) (*Store, error) {
	primary, err := c.Primary()
	if err != nil {
		return nil, err
	}

	reader, err := c.Resolver()
	if err != nil {
		return nil, err
	}

	return &Store{primary: primary, reader: reader}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

// SaveInvoice inserts or replaces an invoice.
func (s *Store) SaveInvoice(ctx context.Context, inv collection.Invoice) error {
	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO invoices (id, total, currency) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET total = EXCLUDED.total, currency = EXCLUDED.currency`,
		inv.ID, inv.Total, currency(inv.Currency))
	if err != nil {
		return fmt.Errorf("save invoice %s: %w", inv.ID, err)
	}

	return nil
}

func (s *Store) Invoice(ctx context.Context, id string) (collection.Invoice, error) {
	var inv collection.Invoice

	err := s.primary.QueryRowContext(ctx,
		`SELECT id, total, currency FROM invoices WHERE id = $1`, id).
		Scan(&inv.ID, &inv.Total, &inv.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return collection.Invoice{}, fmt.Errorf("%w: %s", collection.ErrInvoiceNotFound, id)
	}

	if err != nil {
		return collection.Invoice{}, fmt.Errorf("load invoice %s: %w", id, err)
	}

	return inv, nil
}

// ---------------------------------------------------------------------------
// Batches
// ---------------------------------------------------------------------------

// SaveBatch inserts a batch with its instructions, replacing a batch with the
// same id. A zero Total is computed from the instructions.
func (s *Store) SaveBatch(ctx context.Context, b collection.Batch) error {
	if b.Total.IsZero() {
		b.Total = b.ComputeTotal()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, collection_date, currency, status, total) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET collection_date = EXCLUDED.collection_date,
				currency = EXCLUDED.currency, status = EXCLUDED.status, total = EXCLUDED.total, updated_at = now()`,
			b.ID, b.CollectionDate.UTC(), currency(b.Currency), string(b.Status), b.Total); err != nil {
			return fmt.Errorf("save batch %s: %w", b.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM batch_instructions WHERE batch_id = $1`, b.ID); err != nil {
			return fmt.Errorf("clear instructions of %s: %w", b.ID, err)
		}

		for i, in := range b.Instructions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO batch_instructions (batch_id, position, end_to_end_id, invoice_id, mandate_ref, debtor_name, debtor_iban, amount)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				b.ID, i, in.EndToEndID, in.InvoiceID, in.MandateRef, in.DebtorName, in.DebtorIBAN, in.Amount); err != nil {
				return fmt.Errorf("save instruction %s of %s: %w", in.EndToEndID, b.ID, err)
			}
		}

		return nil
	})
}

func (s *Store) Batch(ctx context.Context, id string) (collection.Batch, error) {
	return s.batch(ctx, s.primary, id)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) batch(ctx context.Context, q queryer, id string) (collection.Batch, error) {
	var (
		b      collection.Batch
		status string
	)

	err := q.QueryRowContext(ctx,
		`SELECT id, collection_date, currency, status, total FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.CollectionDate, &b.Currency, &status, &b.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return collection.Batch{}, fmt.Errorf("%w: %s", collection.ErrBatchNotFound, id)
	}

	if err != nil {
		return collection.Batch{}, fmt.Errorf("load batch %s: %w", id, err)
	}

	b.Status = collection.BatchStatus(status)
	b.CollectionDate = b.CollectionDate.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT end_to_end_id, invoice_id, mandate_ref, debtor_name, debtor_iban, amount
		FROM batch_instructions WHERE batch_id = $1 ORDER BY position`, id)
	if err != nil {
		return collection.Batch{}, fmt.Errorf("load instructions of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var in collection.Instruction
		if err := rows.Scan(&in.EndToEndID, &in.InvoiceID, &in.MandateRef, &in.DebtorName, &in.DebtorIBAN, &in.Amount); err != nil {
			return collection.Batch{}, fmt.Errorf("scan instruction of %s: %w", id, err)
		}

		b.Instructions = append(b.Instructions, in)
	}

	return b, rows.Err()
}

// OpenBatches reads from a replica. Settlement re-checks each batch on the
// primary under its lock before writing.
func (s *Store) OpenBatches(ctx context.Context, from, to time.Time) ([]collection.Batch, error) {
	rows, err := s.reader.QueryContext(ctx, `
		SELECT id FROM batches
		WHERE status IN ($1, $2) AND collection_date BETWEEN $3 AND $4
		ORDER BY id`,
		string(collection.BatchSubmitted), string(collection.BatchPartiallyProcessed), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list open batches: %w", err)
	}

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan open batch: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]collection.Batch, 0, len(ids))

	for _, id := range ids {
		b, err := s.batch(ctx, s.reader, id)
		if err != nil {
			return nil, err
		}

		out = append(out, b)
	}

	return out, nil
}

func (s *Store) UpdateBatchStatus(ctx context.Context, id string, from, to collection.BatchStatus) error {
	res, err := s.primary.ExecContext(ctx,
		`UPDATE batches SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}

	if n == 1 {
		return nil
	}

	current, err := s.Batch(ctx, id)
	if err != nil {
		return err
	}

	return fmt.Errorf("%w: %s is %s, expected %s", collection.ErrStaleBatchStatus, id, current.Status, from)
}

// ---------------------------------------------------------------------------
// Payment entries and reversals
// ---------------------------------------------------------------------------

const entryColumns = `id, invoice_id, batch_id, transaction_id, end_to_end_id, amount, created_by, created_at, reversed`

func scanEntry(row rowScanner) (collection.PaymentEntry, error) {
	var e collection.PaymentEntry

	err := row.Scan(&e.ID, &e.InvoiceID, &e.BatchID, &e.TransactionID, &e.EndToEndID,
		&e.Amount, &e.CreatedBy, &e.CreatedAt, &e.Reversed)
	e.CreatedAt = e.CreatedAt.UTC()

	return e, err
}

func (s *Store) entries(ctx context.Context, where string, arg any) ([]collection.PaymentEntry, error) {
	rows, err := s.primary.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM payment_entries WHERE `+where+` = $1 ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, fmt.Errorf("list payment entries: %w", err)
	}
	defer rows.Close()

	var out []collection.PaymentEntry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment entry: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *Store) EntriesForInvoice(ctx context.Context, invoiceID string) ([]collection.PaymentEntry, error) {
	return s.entries(ctx, "invoice_id", invoiceID)
}

func (s *Store) EntriesForBatch(ctx context.Context, batchID string) ([]collection.PaymentEntry, error) {
	return s.entries(ctx, "batch_id", batchID)
}

func (s *Store) EntriesForTransaction(ctx context.Context, transactionID string) ([]collection.PaymentEntry, error) {
	return s.entries(ctx, "transaction_id", transactionID)
}

func (s *Store) EntryByEndToEndID(ctx context.Context, endToEndID string) (collection.PaymentEntry, error) {
	if endToEndID == "" {
		return collection.PaymentEntry{}, fmt.Errorf("%w: empty end-to-end id", collection.ErrPaymentNotFound)
	}

	e, err := scanEntry(s.primary.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM payment_entries WHERE end_to_end_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		endToEndID))
	if errors.Is(err, sql.ErrNoRows) {
		return collection.PaymentEntry{}, fmt.Errorf("%w: end-to-end id %s", collection.ErrPaymentNotFound, endToEndID)
	}

	if err != nil {
		return collection.PaymentEntry{}, fmt.Errorf("load entry for %s: %w", endToEndID, err)
	}

	return e, nil
}

// CreateEntry relies on the unique (invoice, batch, transaction, end-to-end
// id) constraint; a conflicting insert reports ErrDuplicatePayment.
func (s *Store) CreateEntry(ctx context.Context, entry collection.PaymentEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	res, err := s.primary.ExecContext(ctx, `
		INSERT INTO payment_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
		ON CONFLICT ON CONSTRAINT payment_entries_instruction_key DO NOTHING`,
		entry.ID, entry.InvoiceID, entry.BatchID, entry.TransactionID, entry.EndToEndID,
		entry.Amount, entry.CreatedBy, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create payment entry: %w", err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("create payment entry: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: invoice %s batch %s", collection.ErrDuplicatePayment, entry.InvoiceID, entry.BatchID)
	}

	return nil
}

// CreateReversal flags the entry and inserts the reversal in one
// transaction. The conditional update makes a concurrent second reversal a
// no-op.
func (s *Store) CreateReversal(ctx context.Context, r collection.Reversal) (bool, error) {
	created := false

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE payment_entries SET reversed = true WHERE id = $1 AND NOT reversed`, r.PaymentEntryID)
		if err != nil {
			return fmt.Errorf("flag entry %s: %w", r.PaymentEntryID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM payment_entries WHERE id = $1)`, r.PaymentEntryID).Scan(&exists); err != nil {
				return err
			}

			if !exists {
				return fmt.Errorf("%w: %s", collection.ErrPaymentNotFound, r.PaymentEntryID)
			}

			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reversals (id, payment_entry_id, invoice_id, amount, reason_code, reason_text, file_hash, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.PaymentEntryID, r.InvoiceID, r.Amount, r.ReasonCode, r.ReasonText, r.FileHash, r.CreatedBy, r.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert reversal for %s: %w", r.PaymentEntryID, err)
		}

		created = true

		return nil
	})

	return created, err
}

func (s *Store) InvoiceStatus(ctx context.Context, invoiceID string) (collection.InvoiceStatus, error) {
	var status string

	err := s.primary.QueryRowContext(ctx,
		`SELECT status FROM invoice_payment_status WHERE invoice_id = $1`, invoiceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return collection.InvoiceUnpaid, nil
	}

	if err != nil {
		return "", fmt.Errorf("load invoice status %s: %w", invoiceID, err)
	}

	return collection.ParseInvoiceStatus(status)
}

func (s *Store) SetInvoiceStatus(ctx context.Context, invoiceID string, status collection.InvoiceStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", collection.ErrInvoiceStatusInvalid, status)
	}

	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO invoice_payment_status (invoice_id, status) VALUES ($1, $2)
		ON CONFLICT (invoice_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		invoiceID, string(status))
	if err != nil {
		return fmt.Errorf("set invoice status %s: %w", invoiceID, err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Bank transactions
// ---------------------------------------------------------------------------

const transactionColumns = `id, amount, currency, value_date, counterpart_iban, batch_ref, description, status, note`

func scanTransaction(row rowScanner) (collection.BankTransaction, error) {
	var (
		tx     collection.BankTransaction
		status string
	)

	err := row.Scan(&tx.ID, &tx.Amount, &tx.Currency, &tx.ValueDate, &tx.CounterpartIBAN,
		&tx.BatchRef, &tx.Description, &status, &tx.Note)
	tx.Status = collection.TransactionStatus(status)
	tx.ValueDate = tx.ValueDate.UTC()

	return tx, err
}

func (s *Store) SaveTransaction(ctx context.Context, tx collection.BankTransaction) error {
	if tx.Status == "" {
		tx.Status = collection.TransactionUnmatched
	}

	_, err := s.primary.ExecContext(ctx, `
		INSERT INTO bank_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET amount = EXCLUDED.amount, currency = EXCLUDED.currency,
			value_date = EXCLUDED.value_date, counterpart_iban = EXCLUDED.counterpart_iban,
			batch_ref = EXCLUDED.batch_ref, description = EXCLUDED.description,
			status = EXCLUDED.status, note = EXCLUDED.note`,
		tx.ID, tx.Amount, currency(tx.Currency), tx.ValueDate.UTC(), tx.CounterpartIBAN,
		tx.BatchRef, tx.Description, string(tx.Status), tx.Note)
	if err != nil {
		return fmt.Errorf("save bank transaction %s: %w", tx.ID, err)
	}

	return nil
}

func (s *Store) Transaction(ctx context.Context, id string) (collection.BankTransaction, error) {
	tx, err := scanTransaction(s.primary.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM bank_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return collection.BankTransaction{}, fmt.Errorf("%w: %s", collection.ErrTransactionNotFound, id)
	}

	if err != nil {
		return collection.BankTransaction{}, fmt.Errorf("load bank transaction %s: %w", id, err)
	}

	return tx, nil
}

// Unmatched reads from a replica. Settle reloads the transaction on the
// primary under its lock.
func (s *Store) Unmatched(ctx context.Context, limit int) ([]collection.BankTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM bank_transactions WHERE status = $1 ORDER BY value_date, id`
	args := []any{string(collection.TransactionUnmatched)}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unmatched transactions: %w", err)
	}
	defer rows.Close()

	var out []collection.BankTransaction

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bank transaction: %w", err)
		}

		out = append(out, tx)
	}

	return out, rows.Err()
}

func (s *Store) MarkTransaction(ctx context.Context, id string, status collection.TransactionStatus, note string) error {
	res, err := s.primary.ExecContext(ctx,
		`UPDATE bank_transactions SET status = $2, note = $3 WHERE id = $1`, id, string(status), note)
	if err != nil {
		return fmt.Errorf("mark bank transaction %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", collection.ErrTransactionNotFound, id)
	}

	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}

		return err
	}

	return tx.Commit()
}

func currency(c string) string {
	if c == "" {
		return "EUR"
	}

	return c
}
