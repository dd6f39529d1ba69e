package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// PixelRepo is the grid store: the only component that mutates pixel
// rows. Every exported method is a complete atomic operation (one
// transaction or one statement), so callers never hold locks across
// the database boundary. All timestamps are UTC.
type PixelRepo struct {
	db *sql.DB
}

// NewPixelRepo returns a PixelRepo bound to the provided database.
func NewPixelRepo(db *sql.DB) *PixelRepo { return &PixelRepo{db: db} }

// claimAttempts bounds retries when a claim loses the uniqueness race
// against a concurrently committed claim. One retry is enough: the
// second pass sees the winner's rows and reports them precisely.
const claimAttempts = 2

// TryClaim atomically inserts reservation rows for every selection iff
// none of the coordinates is currently owned or covered by a live
// reservation. It is all-or-nothing: on any overlap nothing is
// inserted and the exact unavailable coordinates are returned so the
// caller can deselect precisely those cells. Expired reservations on
// the requested coordinates are removed inside the same transaction,
// so a stale hold never blocks a new buyer.
func (r *PixelRepo) TryClaim(ctx context.Context, pixels []model.PixelSelection, claimRef string, expiresAt time.Time) ([]model.Coord, error) {
	if len(pixels) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		unavailable, err := r.tryClaimOnce(ctx, pixels, claimRef, expiresAt)
		if err == nil {
			return unavailable, nil
		}
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 {
			// Lost the race to a claim that committed between our
			// availability check and insert; retry to name the cells.
			lastErr = ErrClaimContention
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (r *PixelRepo) tryClaimOnce(ctx context.Context, pixels []model.PixelSelection, claimRef string, expiresAt time.Time) ([]model.Coord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	pairs, args := coordTuples(pixels)

	// Drop expired, unowned reservations covering the requested cells
	// before checking availability. The charge-level sweep marks the
	// matching audit rows; here only the blocking rows matter.
	delQ := `DELETE FROM pixels
	         WHERE owner_id IS NULL AND reserved_until IS NOT NULL AND reserved_until <= UTC_TIMESTAMP()
	           AND (x, y) IN (` + pairs + `)`
	if _, err := tx.ExecContext(ctx, delQ, args...); err != nil {
		return nil, err
	}

	// Lock whatever survives on those coordinates. Any row left is
	// either owned or reserved by a live charge.
	selQ := `SELECT x, y FROM pixels WHERE (x, y) IN (` + pairs + `) FOR UPDATE`
	rows, err := tx.QueryContext(ctx, selQ, args...)
	if err != nil {
		return nil, err
	}
	var unavailable []model.Coord
	for rows.Next() {
		var c model.Coord
		if scanErr := rows.Scan(&c.X, &c.Y); scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		unavailable = append(unavailable, c)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if len(unavailable) > 0 {
		// Whole claim fails; rollback leaves the store untouched.
		return unavailable, nil
	}

	insQ := `INSERT INTO pixels (x, y, color, invoice_id, reserved_until) VALUES `
	insArgs := make([]interface{}, 0, len(pixels)*5)
	for i, p := range pixels {
		if i > 0 {
			insQ += ","
		}
		insQ += "(?, ?, ?, ?, ?)"
		insArgs = append(insArgs, p.X, p.Y, p.Color, claimRef, expiresAt.UTC().Format("2006-01-02 15:04:05"))
	}
	if _, err := tx.ExecContext(ctx, insQ, insArgs...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return nil, nil
}

// CheckAvailability returns the subset of the requested coordinates
// that is currently owned or under a live reservation. Read-only, no
// locks; used to name the blocking cells after a claim lost the
// uniqueness race.
func (r *PixelRepo) CheckAvailability(ctx context.Context, pixels []model.PixelSelection) ([]model.Coord, error) {
	if len(pixels) == 0 {
		return nil, nil
	}
	pairs, args := coordTuples(pixels)
	q := `SELECT x, y FROM pixels
	      WHERE (x, y) IN (` + pairs + `)
	        AND (owner_id IS NOT NULL OR reserved_until > UTC_TIMESTAMP())`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blocked []model.Coord
	for rows.Next() {
		var c model.Coord
		if err := rows.Scan(&c.X, &c.Y); err != nil {
			return nil, err
		}
		blocked = append(blocked, c)
	}
	return blocked, rows.Err()
}

// ConfirmClaim rebinds a provisional claim to the charge issued for it
// and stamps the provider's own invoice expiry on the rows. The
// reservation deadline always comes from the provider so the ledger
// can never believe a charge is alive after the provider expired it.
func (r *PixelRepo) ConfirmClaim(ctx context.Context, claimRef, chargeID string, expiresAt time.Time) error {
	const q = `UPDATE pixels SET invoice_id = ?, reserved_until = ?
	           WHERE invoice_id = ? AND owner_id IS NULL`
	_, err := r.db.ExecContext(ctx, q, chargeID, expiresAt.UTC().Format("2006-01-02 15:04:05"), claimRef)
	return err
}

// Finalize converts every reserved cell of the charge into an owned
// one: owner set, optional url/message applied, purchase date stamped.
// It returns the number of cells granted. Calling it again for the
// same charge affects zero rows, which is how at-least-once webhook
// delivery stays safe. Owned cells are never rewritten.
func (r *PixelRepo) Finalize(ctx context.Context, chargeID, ownerID string, url, message *string) (int64, error) {
	const q = `UPDATE pixels
	           SET owner_id = ?, url = COALESCE(?, url), message = COALESCE(?, message),
	               purchase_date = UTC_TIMESTAMP(), reserved_until = NULL
	           WHERE invoice_id = ? AND owner_id IS NULL`
	res, err := r.db.ExecContext(ctx, q, ownerID, url, message, chargeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OwnedByInvoice reports how many cells are owned under the charge and
// the owner they were granted to. Distinguishes "our own earlier grant"
// from "someone else took the cells" when a paid signal is redelivered.
func (r *PixelRepo) OwnedByInvoice(ctx context.Context, chargeID string) (int64, string, error) {
	var n int64
	var owner sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(owner_id) FROM pixels WHERE invoice_id = ? AND owner_id IS NOT NULL`,
		chargeID,
	).Scan(&n, &owner)
	if err != nil {
		return 0, "", err
	}
	return n, owner.String, nil
}

// Release frees every unowned cell tied to the charge. Releasing an
// already-released or already-finalized charge deletes nothing and is
// not an error.
func (r *PixelRepo) Release(ctx context.Context, chargeID string) (int64, error) {
	const q = `DELETE FROM pixels WHERE invoice_id = ? AND owner_id IS NULL`
	res, err := r.db.ExecContext(ctx, q, chargeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SweepExpired removes all reservations whose deadline has passed and
// returns the distinct invoice ids that were affected so their audit
// records can be marked expired. Owned cells are untouched regardless
// of any leftover timestamps.
func (r *PixelRepo) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ts := now.UTC().Format("2006-01-02 15:04:05")
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT invoice_id FROM pixels
		 WHERE owner_id IS NULL AND reserved_until IS NOT NULL AND reserved_until <= ? AND invoice_id IS NOT NULL`,
		ts,
	)
	if err != nil {
		return nil, err
	}
	var invoiceIDs []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		invoiceIDs = append(invoiceIDs, id)
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}
	if len(invoiceIDs) == 0 {
		return nil, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pixels
		 WHERE owner_id IS NULL AND reserved_until IS NOT NULL AND reserved_until <= ?`,
		ts,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return invoiceIDs, nil
}

// GetRange returns every visible cell intersecting the rectangle:
// owned cells with their metadata plus live reservations (color only,
// no owner). Oversized rectangles are shrunk by clampRange and the
// effective rectangle is reported back.
func (r *PixelRepo) GetRange(ctx context.Context, req model.Rect) (*model.RangeResult, error) {
	rect, truncated := clampRange(req)
	const q = `SELECT x, y, color, owner_id, url, message, purchase_date
	           FROM pixels
	           WHERE x >= ? AND x <= ? AND y >= ? AND y <= ?
	             AND (owner_id IS NOT NULL OR reserved_until > UTC_TIMESTAMP())`
	rows, err := r.db.QueryContext(ctx, q, rect.X0, rect.X1, rect.Y0, rect.Y1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &model.RangeResult{Pixels: make(map[string]model.PixelView)}
	for rows.Next() {
		var c model.Coord
		var view model.PixelView
		var owner, url, message sql.NullString
		var purchased sql.NullTime
		if err := rows.Scan(&c.X, &c.Y, &view.Color, &owner, &url, &message, &purchased); err != nil {
			return nil, err
		}
		if owner.Valid {
			o := owner.String
			view.Owner = &o
			if url.Valid {
				u := url.String
				view.URL = &u
			}
			if message.Valid {
				m := message.String
				view.Message = &m
			}
			if purchased.Valid {
				t := purchased.Time.UTC()
				view.PurchaseDate = &t
			}
		}
		result.Pixels[c.Key()] = view
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if truncated {
		result.Truncated = true
		result.ActualRequest = &rect
	}
	return result, nil
}

// OwnedCount returns the number of sold cells.
func (r *PixelRepo) OwnedCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pixels WHERE owner_id IS NOT NULL`).Scan(&n)
	return n, err
}

// ReservedCount returns the number of cells under a live reservation.
func (r *PixelRepo) ReservedCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pixels WHERE owner_id IS NULL AND reserved_until > UTC_TIMESTAMP()`,
	).Scan(&n)
	return n, err
}

// LastPurchase returns the most recent purchase timestamp, or nil when
// nothing has been sold yet.
func (r *PixelRepo) LastPurchase(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := r.db.QueryRowContext(ctx, `SELECT MAX(purchase_date) FROM pixels`).Scan(&t)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	utc := t.Time.UTC()
	return &utc, nil
}

// coordTuples builds the "(?, ?),(?, ?),..." fragment and argument
// list for a coordinate-set predicate.
func coordTuples(pixels []model.PixelSelection) (string, []interface{}) {
	var b strings.Builder
	args := make([]interface{}, 0, len(pixels)*2)
	for i, p := range pixels {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?)")
		args = append(args, p.X, p.Y)
	}
	return b.String(), args
}
