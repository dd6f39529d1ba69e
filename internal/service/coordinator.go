package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/pixel-grid/internal/model"
	"github.com/iliyamo/pixel-grid/internal/queue"
	"github.com/iliyamo/pixel-grid/internal/repository"
)

// Charge statuses as reported to clients by the status endpoint.
const (
	ChargeStatusUnknown    = "unknown"
	ChargeStatusUnpaid     = "unpaid"
	ChargeStatusProcessing = "processing"
	ChargeStatusPaid       = "paid"
	ChargeStatusExpired    = "expired"
	ChargeStatusFailed     = "failed"
)

// PaymentEventKind is the decoded-once classification of a payment
// status signal. Anything unrecognized is Other and is acknowledged
// without touching state; the listener never guesses at fields.
type PaymentEventKind int

const (
	PaymentEventOther PaymentEventKind = iota
	PaymentEventPaid
	PaymentEventExpired
)

// ClassifyStatus maps a provider status string onto an event kind.
// Only a settled payment grants ownership; "processing" is
// acknowledged but not finalized.
func ClassifyStatus(status string) PaymentEventKind {
	switch status {
	case "paid", "confirmed":
		return PaymentEventPaid
	case "expired":
		return PaymentEventExpired
	default:
		return PaymentEventOther
	}
}

// provisionalClaimTTL bounds how long cells stay claimed between the
// availability check and the charge being issued. The provider's own
// invoice expiry replaces it as soon as the charge exists.
const provisionalClaimTTL = 2 * time.Minute

// Options configures a Coordinator.
type Options struct {
	ChargeTTL         time.Duration // invoice lifetime requested from the provider
	MaxPixelsPerOrder int           // hard cap on cells per purchase
	CallbackURL       string        // webhook URL handed to the provider (optional)
}

// Coordinator drives the reservation state machine:
//
//	validate -> claim -> charge -> pending -> {paid | expired | failed}
//
// Claims and ownership live in the grid store; the coordinator only
// sequences the store's atomic operations, so any number of instances
// can run concurrently against the same database.
type Coordinator struct {
	store  GridStore
	issuer ChargeIssuer
	txlog  TransactionLog
	events EventPublisher
	opts   Options
	now    func() time.Time
}

// NewCoordinator wires a Coordinator. events may be nil when no broker
// is configured; publishing then degrades to log lines.
func NewCoordinator(store GridStore, issuer ChargeIssuer, txlog TransactionLog, events EventPublisher, opts Options) *Coordinator {
	if store == nil || issuer == nil || txlog == nil {
		panic("nil dependency passed to NewCoordinator")
	}
	if opts.ChargeTTL <= 0 {
		opts.ChargeTTL = 10 * time.Minute
	}
	if opts.MaxPixelsPerOrder <= 0 {
		opts.MaxPixelsPerOrder = 10000
	}
	return &Coordinator{
		store:  store,
		issuer: issuer,
		txlog:  txlog,
		events: events,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SelectRequest is a validated-to-be purchase attempt. URL and Message
// apply to the whole selection and are stamped on the cells when the
// payment settles.
type SelectRequest struct {
	Pixels  []model.PixelSelection
	URL     *string
	Message *string
}

// SelectResult is returned to the buyer: everything needed to pay the
// invoice and poll its status.
type SelectResult struct {
	ChargeID          string    `json:"chargeId"`
	LightningInvoice  string    `json:"lightningInvoice,omitempty"`
	HostedCheckoutURL string    `json:"hostedCheckoutUrl"`
	AmountSats        int64     `json:"amount"`
	PixelCount        int       `json:"pixelCount"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Select runs the forward flow: validate the selection, claim the
// cells atomically, issue a charge for one satoshi per cell, and
// record the pending transaction. On a conflict the exact unavailable
// coordinates are returned. A failed charge-issuer call releases the
// claim and surfaces ErrUpstream; nothing stays reserved for a charge
// that was never created.
func (co *Coordinator) Select(ctx context.Context, req SelectRequest) (*SelectResult, error) {
	if err := validateSelection(req.Pixels, co.opts.MaxPixelsPerOrder); err != nil {
		return nil, err
	}

	// Claim under a provisional reference first so the charge is only
	// ever created for cells we actually hold.
	claimRef := "claim-" + uuid.NewString()
	unavailable, err := co.store.TryClaim(ctx, req.Pixels, claimRef, co.now().Add(provisionalClaimTTL))
	if errors.Is(err, repository.ErrClaimContention) {
		// The retry budget ran out before the winner's rows could be
		// read. Name the blocked cells from a fresh availability read
		// so the client only deselects what is actually taken.
		blocked, readErr := co.store.CheckAvailability(ctx, req.Pixels)
		if readErr != nil || len(blocked) == 0 {
			// The winner released again before the read landed; the
			// full selection is the only honest answer left.
			blocked = coords(req.Pixels)
		}
		return nil, &ConflictError{Unavailable: blocked}
	}
	if err != nil {
		return nil, fmt.Errorf("claim pixels: %w", err)
	}
	if len(unavailable) > 0 {
		return nil, &ConflictError{Unavailable: unavailable}
	}

	amount := int64(len(req.Pixels)) // pricing rule: 1 satoshi per cell
	description := fmt.Sprintf("Purchase of %d pixel(s) on the pixel grid", len(req.Pixels))
	charge, err := co.issuer.Create(ctx, amount, description, claimRef, co.opts.CallbackURL, co.opts.ChargeTTL)
	if err != nil {
		if _, relErr := co.store.Release(ctx, claimRef); relErr != nil {
			log.Printf("coordinator: release after failed charge creation: %v", relErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	// The reservation now lives exactly as long as the provider's
	// invoice; the deadline is never invented locally.
	expiresAt := charge.Expiry()
	if err := co.store.ConfirmClaim(ctx, claimRef, charge.ID, expiresAt); err != nil {
		_, _ = co.store.Release(ctx, claimRef)
		_, _ = co.store.Release(ctx, charge.ID)
		return nil, fmt.Errorf("confirm claim: %w", err)
	}

	pixelsJSON, err := json.Marshal(req.Pixels)
	if err != nil {
		_, _ = co.store.Release(ctx, charge.ID)
		return nil, fmt.Errorf("encode selection: %w", err)
	}
	tr := &model.Transaction{
		InvoiceID:  charge.ID,
		Amount:     amount,
		PixelCount: len(req.Pixels),
		PixelsJSON: string(pixelsJSON),
		URL:        req.URL,
		Message:    req.Message,
		ExpiresAt:  expiresAt,
	}
	if err := co.txlog.Create(ctx, tr); err != nil {
		// Without the audit row the reconciliation paths cannot
		// identify this charge, so fail the purchase outright.
		_, _ = co.store.Release(ctx, charge.ID)
		return nil, fmt.Errorf("record transaction: %w", err)
	}

	res := &SelectResult{
		ChargeID:          charge.ID,
		HostedCheckoutURL: charge.HostedCheckoutURL,
		AmountSats:        amount,
		PixelCount:        len(req.Pixels),
		ExpiresAt:         expiresAt,
	}
	if res.HostedCheckoutURL == "" {
		res.HostedCheckoutURL = co.issuer.CheckoutURL(charge.ID)
	}
	if charge.LightningInvoice != nil {
		res.LightningInvoice = charge.LightningInvoice.PayReq
	}
	return res, nil
}

// HandlePaymentEvent drives the reverse flow from both the webhook and
// the polling path; the two may race each other and redeliver freely.
// It returns the charge's resulting status. Unknown charges and
// already-resolved charges are no-ops, never errors.
func (co *Coordinator) HandlePaymentEvent(ctx context.Context, chargeID string, kind PaymentEventKind) (string, error) {
	tr, err := co.txlog.GetByInvoiceID(ctx, chargeID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return ChargeStatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}

	switch kind {
	case PaymentEventPaid:
		return co.applyPaid(ctx, tr)
	case PaymentEventExpired:
		return co.applyExpired(ctx, tr)
	default:
		return localStatus(tr), nil
	}
}

// applyPaid finalizes a settled charge. The provider's payment event
// is authoritative, but ownership already granted to someone else is
// not overwritten: when the reservation was swept and the cells cannot
// be re-claimed, the charge is marked failed and escalated instead.
func (co *Coordinator) applyPaid(ctx context.Context, tr *model.Transaction) (string, error) {
	switch tr.Status {
	case model.StatusCompleted:
		return ChargeStatusPaid, nil
	case model.StatusFailed:
		return ChargeStatusFailed, nil
	}

	ownerID := uuid.NewString()
	granted, err := co.store.Finalize(ctx, tr.InvoiceID, ownerID, tr.URL, tr.Message)
	if err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	if granted > 0 {
		if _, err := co.txlog.MarkCompleted(ctx, tr.InvoiceID); err != nil {
			return "", fmt.Errorf("mark completed: %w", err)
		}
		co.publishPurchase(ctx, tr, ownerID, false)
		return ChargeStatusPaid, nil
	}

	// Zero rows finalized: either a concurrent duplicate delivery beat
	// us to it, or the expiry sweep released the reservation before
	// the paid signal arrived. Re-read to tell the two apart.
	if fresh, err := co.txlog.GetByInvoiceID(ctx, tr.InvoiceID); err == nil && fresh.Status == model.StatusCompleted {
		return ChargeStatusPaid, nil
	}

	// The cells may already be owned under this very charge: a
	// duplicate delivery can land in the gap between another delivery's
	// finalize and its completion mark, or a crash can separate the two
	// calls. That is a grant, not a conflict; repair the audit row and
	// stop before the re-claim below mistakes our own cells for someone
	// else's.
	owned, prevOwner, err := co.store.OwnedByInvoice(ctx, tr.InvoiceID)
	if err != nil {
		return "", fmt.Errorf("check finalized cells: %w", err)
	}
	if owned > 0 {
		changed, err := co.txlog.MarkCompleted(ctx, tr.InvoiceID)
		if err != nil {
			return "", fmt.Errorf("mark completed: %w", err)
		}
		if changed {
			co.publishPurchase(ctx, tr, prevOwner, false)
		}
		return ChargeStatusPaid, nil
	}

	// Swept before payment. Try to re-grant the recorded selection; if
	// any cell has since been taken, surface the race instead of
	// overwriting it.
	var pixels []model.PixelSelection
	if err := json.Unmarshal([]byte(tr.PixelsJSON), &pixels); err != nil || len(pixels) == 0 {
		log.Printf("coordinator: charge %s paid after release but selection is unreadable: %v", tr.InvoiceID, err)
		_, _ = co.txlog.MarkFailed(ctx, tr.InvoiceID)
		co.publishConflict(ctx, tr, nil)
		return ChargeStatusFailed, nil
	}
	unavailable, err := co.store.TryClaim(ctx, pixels, tr.InvoiceID, co.now().Add(provisionalClaimTTL))
	if err == nil && len(unavailable) == 0 {
		if _, err := co.store.Finalize(ctx, tr.InvoiceID, ownerID, tr.URL, tr.Message); err != nil {
			return "", fmt.Errorf("finalize re-grant: %w", err)
		}
		if _, err := co.txlog.MarkCompleted(ctx, tr.InvoiceID); err != nil {
			return "", fmt.Errorf("mark completed: %w", err)
		}
		log.Printf("coordinator: charge %s paid after expiry, re-granted %d pixel(s)", tr.InvoiceID, len(pixels))
		co.publishPurchase(ctx, tr, ownerID, true)
		return ChargeStatusPaid, nil
	}
	if err != nil && !errors.Is(err, repository.ErrClaimContention) {
		return "", fmt.Errorf("re-claim: %w", err)
	}
	log.Printf("coordinator: conflict on charge %s: paid after expiry, %d pixel(s) no longer available", tr.InvoiceID, len(unavailable))
	if _, err := co.txlog.MarkFailed(ctx, tr.InvoiceID); err != nil {
		return "", fmt.Errorf("mark failed: %w", err)
	}
	co.publishConflict(ctx, tr, unavailable)
	return ChargeStatusFailed, nil
}

// applyExpired releases a charge's cells. Once a charge completed,
// expiry signals are no-ops: ownership is never erased.
func (co *Coordinator) applyExpired(ctx context.Context, tr *model.Transaction) (string, error) {
	if tr.Status == model.StatusCompleted {
		return ChargeStatusPaid, nil
	}
	if tr.Status == model.StatusFailed {
		return ChargeStatusFailed, nil
	}
	if _, err := co.store.Release(ctx, tr.InvoiceID); err != nil {
		return "", fmt.Errorf("release: %w", err)
	}
	if _, err := co.txlog.MarkExpired(ctx, tr.InvoiceID); err != nil {
		return "", fmt.Errorf("mark expired: %w", err)
	}
	return ChargeStatusExpired, nil
}

// Status serves the polling path. Terminal local state answers
// directly; otherwise the reservation is expired eagerly when its
// deadline passed, and the provider is consulted for fresh state. A
// transient upstream failure surfaces as ErrUpstream so the client
// keeps polling instead of treating it as final.
func (co *Coordinator) Status(ctx context.Context, chargeID string) (string, error) {
	tr, err := co.txlog.GetByInvoiceID(ctx, chargeID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return ChargeStatusUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}
	if tr.Terminal() {
		return localStatus(tr), nil
	}

	status, err := co.issuer.FetchStatus(ctx, chargeID)
	if err != nil {
		if co.now().After(tr.ExpiresAt) {
			// Past the provider's own deadline and the provider is
			// unreachable: release locally. A late paid webhook still
			// lands in the conflict path, never lost.
			return co.applyExpired(ctx, tr)
		}
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	switch ClassifyStatus(status) {
	case PaymentEventPaid:
		return co.applyPaid(ctx, tr)
	case PaymentEventExpired:
		return co.applyExpired(ctx, tr)
	}
	if status == "processing" {
		return ChargeStatusProcessing, nil
	}
	return ChargeStatusUnpaid, nil
}

// Cancel is the best-effort release for an abandoned flow. It
// succeeds regardless of prior state and never un-finalizes a
// completed purchase; the expiry sweep is the backstop when this call
// is lost.
func (co *Coordinator) Cancel(ctx context.Context, chargeID string) error {
	tr, err := co.txlog.GetByInvoiceID(ctx, chargeID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if tr.Terminal() {
		return nil
	}
	_, err = co.applyExpired(ctx, tr)
	return err
}

// SweepExpired releases every reservation past its deadline and marks
// the matching audit rows. It runs on a timer and is also triggered
// lazily by claim and status checks, so the timer is a backstop, not a
// correctness requirement.
func (co *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	invoiceIDs, err := co.store.SweepExpired(ctx, co.now())
	if err != nil {
		return 0, err
	}
	if len(invoiceIDs) == 0 {
		return 0, nil
	}
	if err := co.txlog.MarkManyExpired(ctx, invoiceIDs); err != nil {
		return len(invoiceIDs), err
	}
	return len(invoiceIDs), nil
}

// VerifyCompleted reports whether a charge actually settled. Used by
// the success-redirect guard: a redirect without a completed charge is
// rejected rather than trusted.
func (co *Coordinator) VerifyCompleted(ctx context.Context, chargeID string) (bool, error) {
	tr, err := co.txlog.GetByInvoiceID(ctx, chargeID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tr.Status == model.StatusCompleted, nil
}

func (co *Coordinator) publishPurchase(ctx context.Context, tr *model.Transaction, ownerID string, regranted bool) {
	if co.events == nil {
		return
	}
	ev := queue.PurchaseCompletedEvent{
		InvoiceID:   tr.InvoiceID,
		OwnerID:     ownerID,
		PixelCount:  tr.PixelCount,
		AmountSats:  tr.Amount,
		Regranted:   regranted,
		CompletedAt: co.now().Format(time.RFC3339),
	}
	if err := co.events.PublishPurchaseCompleted(ctx, ev); err != nil {
		log.Printf("coordinator: publish purchase event for %s: %v", tr.InvoiceID, err)
	}
}

func (co *Coordinator) publishConflict(ctx context.Context, tr *model.Transaction, unavailable []model.Coord) {
	if co.events == nil {
		return
	}
	keys := make([]string, 0, len(unavailable))
	for _, c := range unavailable {
		keys = append(keys, c.Key())
	}
	ev := queue.PaymentConflictEvent{
		InvoiceID:         tr.InvoiceID,
		PixelCount:        tr.PixelCount,
		AmountSats:        tr.Amount,
		UnavailablePixels: keys,
		DetectedAt:        co.now().Format(time.RFC3339),
	}
	if err := co.events.PublishPaymentConflict(ctx, ev); err != nil {
		log.Printf("coordinator: publish conflict event for %s: %v", tr.InvoiceID, err)
	}
}

func localStatus(tr *model.Transaction) string {
	switch tr.Status {
	case model.StatusCompleted:
		return ChargeStatusPaid
	case model.StatusExpired:
		return ChargeStatusExpired
	case model.StatusFailed:
		return ChargeStatusFailed
	default:
		return ChargeStatusUnpaid
	}
}

func coords(pixels []model.PixelSelection) []model.Coord {
	out := make([]model.Coord, 0, len(pixels))
	for _, p := range pixels {
		out = append(out, p.Coord())
	}
	return out
}
