package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// TransactionRepo provides access to the transactions audit table.
// Transactions record what was charged and how the charge resolved;
// they are never the source of truth for ownership. Status updates are
// guarded WHERE clauses so a terminal state is only ever written once.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a TransactionRepo bound to the database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// Create inserts a pending transaction for a freshly issued charge.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	const q = `INSERT INTO transactions (invoice_id, amount, status, pixel_count, pixels_json, url, message, expires_at)
	           VALUES (?, ?, 'pending', ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, q,
		t.InvoiceID, t.Amount, t.PixelCount, t.PixelsJSON, t.URL, t.Message,
		t.ExpiresAt.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	t.Status = model.StatusPending
	return nil
}

// GetByInvoiceID loads the transaction for a charge. Returns
// ErrTransactionNotFound when this instance never recorded the charge.
func (r *TransactionRepo) GetByInvoiceID(ctx context.Context, invoiceID string) (*model.Transaction, error) {
	const q = `SELECT id, invoice_id, amount, status, pixel_count, pixels_json, url, message, expires_at, created_at, completed_at
	           FROM transactions WHERE invoice_id = ?`
	var t model.Transaction
	var url, message sql.NullString
	var completedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, q, invoiceID).Scan(
		&t.ID, &t.InvoiceID, &t.Amount, &t.Status, &t.PixelCount, &t.PixelsJSON,
		&url, &message, &t.ExpiresAt, &t.CreatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if url.Valid {
		u := url.String
		t.URL = &u
	}
	if message.Valid {
		m := message.String
		t.Message = &m
	}
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		t.CompletedAt = &c
	}
	return &t, nil
}

// MarkCompleted moves a transaction to completed. Allowed from pending
// and from expired: the latter is the re-grant path, where a payment
// landed after the local sweep but the cells could still be granted.
// Returns whether the row actually changed.
func (r *TransactionRepo) MarkCompleted(ctx context.Context, invoiceID string) (bool, error) {
	const q = `UPDATE transactions SET status = 'completed', completed_at = UTC_TIMESTAMP()
	           WHERE invoice_id = ? AND status IN ('pending', 'expired')`
	return r.exec(ctx, q, invoiceID)
}

// MarkExpired moves a pending transaction to expired.
func (r *TransactionRepo) MarkExpired(ctx context.Context, invoiceID string) (bool, error) {
	const q = `UPDATE transactions SET status = 'expired' WHERE invoice_id = ? AND status = 'pending'`
	return r.exec(ctx, q, invoiceID)
}

// MarkFailed flags the paid-after-expiry conflict: the charge settled
// but its cells were re-claimed in the interim and could not be
// granted. Such transactions need a refund or manual resolution.
func (r *TransactionRepo) MarkFailed(ctx context.Context, invoiceID string) (bool, error) {
	const q = `UPDATE transactions SET status = 'failed' WHERE invoice_id = ? AND status IN ('pending', 'expired')`
	return r.exec(ctx, q, invoiceID)
}

// MarkManyExpired expires the audit rows for a batch of swept charges.
func (r *TransactionRepo) MarkManyExpired(ctx context.Context, invoiceIDs []string) error {
	for _, id := range invoiceIDs {
		if _, err := r.MarkExpired(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// CompletedStats returns the number of completed transactions and the
// total amount collected across them, in satoshis.
func (r *TransactionRepo) CompletedStats(ctx context.Context) (count int64, total int64, err error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM transactions WHERE status = 'completed'`
	err = r.db.QueryRowContext(ctx, q).Scan(&count, &total)
	return count, total, err
}

// List returns transactions ordered newest first, for the admin view.
func (r *TransactionRepo) List(ctx context.Context, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT id, invoice_id, amount, status, pixel_count, pixels_json, url, message, expires_at, created_at, completed_at
	           FROM transactions ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Transaction, 0, limit)
	for rows.Next() {
		var t model.Transaction
		var url, message sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.InvoiceID, &t.Amount, &t.Status, &t.PixelCount, &t.PixelsJSON,
			&url, &message, &t.ExpiresAt, &t.CreatedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		if url.Valid {
			u := url.String
			t.URL = &u
		}
		if message.Valid {
			m := message.String
			t.Message = &m
		}
		if completedAt.Valid {
			c := completedAt.Time.UTC()
			t.CompletedAt = &c
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransactionRepo) exec(ctx context.Context, q string, args ...interface{}) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
