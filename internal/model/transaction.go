package model

import "time"

// Transaction statuses.  A transaction starts as pending and reaches
// exactly one terminal state.  StatusFailed marks the paid-after-expiry
// conflict where the cells could not be granted and the charge needs a
// refund or manual resolution.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
	StatusFailed    = "failed"
)

// Transaction is the audit record for a single charge.  It is
// bookkeeping only: ownership truth lives in the pixels table.  The
// claimed selection is retained (PixelsJSON) so a payment that arrives
// after the reservation was swept can be re-granted or flagged.
type Transaction struct {
	ID          uint64     `json:"id"`
	InvoiceID   string     `json:"invoice_id"`
	Amount      int64      `json:"amount"`
	Status      string     `json:"status"`
	PixelCount  int        `json:"pixel_count"`
	PixelsJSON  string     `json:"-"`
	URL         *string    `json:"url,omitempty"`
	Message     *string    `json:"message,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the transaction has reached a final state.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusExpired || t.Status == StatusFailed
}
