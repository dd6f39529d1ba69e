// Package queue defines message payloads exchanged over the message broker.
package queue

// Queue names. Both are durable.
const (
	PurchaseQueueName = "pixels.purchased"
	ConflictQueueName = "payments.conflict"
)

// PurchaseCompletedEvent is published when a payment settles and its
// cells are granted. It carries enough for downstream consumers to
// log, notify or feed analytics without querying the primary database.
type PurchaseCompletedEvent struct {
	InvoiceID   string `json:"invoice_id"`
	OwnerID     string `json:"owner_id"`
	PixelCount  int    `json:"pixel_count"`
	AmountSats  int64  `json:"amount_sats"`
	Regranted   bool   `json:"regranted,omitempty"`
	CompletedAt string `json:"completed_at"`
}

// PaymentConflictEvent is published when a settled payment could not
// be honored: the local expiry sweep had already released the cells
// and some were claimed by someone else before the paid notification
// arrived. These need a refund or manual resolution, so they go to a
// dedicated queue instead of being silently dropped.
type PaymentConflictEvent struct {
	InvoiceID         string   `json:"invoice_id"`
	PixelCount        int      `json:"pixel_count"`
	AmountSats        int64    `json:"amount_sats"`
	UnavailablePixels []string `json:"unavailable_pixels"`
	DetectedAt        string   `json:"detected_at"`
}
