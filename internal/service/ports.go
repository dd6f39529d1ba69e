package service

import (
	"context"
	"time"

	"github.com/iliyamo/pixel-grid/internal/model"
	"github.com/iliyamo/pixel-grid/internal/opennode"
	"github.com/iliyamo/pixel-grid/internal/queue"
)

// GridStore is the single source of truth for cells and reservations.
// Every method is atomic; the coordinator composes them but never
// mutates storage directly. Implemented by repository.PixelRepo.
type GridStore interface {
	TryClaim(ctx context.Context, pixels []model.PixelSelection, claimRef string, expiresAt time.Time) (unavailable []model.Coord, err error)
	CheckAvailability(ctx context.Context, pixels []model.PixelSelection) ([]model.Coord, error)
	ConfirmClaim(ctx context.Context, claimRef, chargeID string, expiresAt time.Time) error
	Finalize(ctx context.Context, chargeID, ownerID string, url, message *string) (int64, error)
	OwnedByInvoice(ctx context.Context, chargeID string) (count int64, ownerID string, err error)
	Release(ctx context.Context, chargeID string) (int64, error)
	SweepExpired(ctx context.Context, now time.Time) ([]string, error)
	GetRange(ctx context.Context, req model.Rect) (*model.RangeResult, error)
	OwnedCount(ctx context.Context) (int64, error)
	ReservedCount(ctx context.Context) (int64, error)
	LastPurchase(ctx context.Context) (*time.Time, error)
}

// ChargeIssuer wraps the payment provider. Implemented by
// opennode.Client.
type ChargeIssuer interface {
	Create(ctx context.Context, amountSats int64, description, orderID, callbackURL string, ttl time.Duration) (*opennode.Charge, error)
	FetchStatus(ctx context.Context, chargeID string) (string, error)
	VerifySignature(chargeID, hashedOrder string) bool
	CheckoutURL(chargeID string) string
}

// TransactionLog is the audit trail for charges. Implemented by
// repository.TransactionRepo.
type TransactionLog interface {
	Create(ctx context.Context, t *model.Transaction) error
	GetByInvoiceID(ctx context.Context, invoiceID string) (*model.Transaction, error)
	MarkCompleted(ctx context.Context, invoiceID string) (bool, error)
	MarkExpired(ctx context.Context, invoiceID string) (bool, error)
	MarkFailed(ctx context.Context, invoiceID string) (bool, error)
	MarkManyExpired(ctx context.Context, invoiceIDs []string) error
	CompletedStats(ctx context.Context) (count int64, total int64, err error)
}

// EventPublisher emits domain events to the message broker. Publish
// failures are logged, never fatal to the request. Implemented by
// queue.Publisher.
type EventPublisher interface {
	PublishPurchaseCompleted(ctx context.Context, ev queue.PurchaseCompletedEvent) error
	PublishPaymentConflict(ctx context.Context, ev queue.PaymentConflictEvent) error
}
