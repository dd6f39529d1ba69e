package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/pixel-grid/internal/model"
	"github.com/iliyamo/pixel-grid/internal/opennode"
	"github.com/iliyamo/pixel-grid/internal/queue"
	"github.com/iliyamo/pixel-grid/internal/repository"
)

// memCell mirrors one row of the pixels table.
type memCell struct {
	color         string
	ownerID       string
	invoiceID     string
	reservedUntil time.Time
	url, message  *string
	purchasedAt   time.Time
}

// memStore is an in-memory GridStore with the same atomicity and
// guard conditions as the MySQL repository: claims are all-or-nothing,
// finalize and release only touch unowned rows, expired unowned rows
// are swept lazily on claim.
type memStore struct {
	mu       sync.Mutex
	cells    map[model.Coord]*memCell
	now      func() time.Time
	claimErr error // returned by the next TryClaim, then cleared
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{cells: make(map[model.Coord]*memCell), now: now}
}

func (s *memStore) failNextClaim(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimErr = err
}

func (s *memStore) TryClaim(_ context.Context, pixels []model.PixelSelection, claimRef string, expiresAt time.Time) ([]model.Coord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		err := s.claimErr
		s.claimErr = nil
		return nil, err
	}
	now := s.now()
	var unavailable []model.Coord
	for _, p := range pixels {
		c := p.Coord()
		cell, ok := s.cells[c]
		if !ok {
			continue
		}
		if cell.ownerID == "" && now.After(cell.reservedUntil) {
			delete(s.cells, c) // lazy sweep of the requested coords
			continue
		}
		unavailable = append(unavailable, c)
	}
	if len(unavailable) > 0 {
		return unavailable, nil
	}
	for _, p := range pixels {
		s.cells[p.Coord()] = &memCell{color: p.Color, invoiceID: claimRef, reservedUntil: expiresAt}
	}
	return nil, nil
}

func (s *memStore) CheckAvailability(_ context.Context, pixels []model.PixelSelection) ([]model.Coord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var blocked []model.Coord
	for _, p := range pixels {
		c := p.Coord()
		if cell, ok := s.cells[c]; ok && (cell.ownerID != "" || cell.reservedUntil.After(now)) {
			blocked = append(blocked, c)
		}
	}
	return blocked, nil
}

func (s *memStore) OwnedByInvoice(_ context.Context, chargeID string) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	var owner string
	for _, cell := range s.cells {
		if cell.invoiceID == chargeID && cell.ownerID != "" {
			n++
			owner = cell.ownerID
		}
	}
	return n, owner, nil
}

func (s *memStore) ConfirmClaim(_ context.Context, claimRef, chargeID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cell := range s.cells {
		if cell.invoiceID == claimRef && cell.ownerID == "" {
			cell.invoiceID = chargeID
			cell.reservedUntil = expiresAt
		}
	}
	return nil
}

func (s *memStore) Finalize(_ context.Context, chargeID, ownerID string, url, message *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, cell := range s.cells {
		if cell.invoiceID == chargeID && cell.ownerID == "" {
			cell.ownerID = ownerID
			cell.url = url
			cell.message = message
			cell.purchasedAt = s.now()
			cell.reservedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *memStore) Release(_ context.Context, chargeID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for c, cell := range s.cells {
		if cell.invoiceID == chargeID && cell.ownerID == "" {
			delete(s.cells, c)
			n++
		}
	}
	return n, nil
}

func (s *memStore) SweepExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for c, cell := range s.cells {
		if cell.ownerID == "" && now.After(cell.reservedUntil) {
			if !seen[cell.invoiceID] {
				seen[cell.invoiceID] = true
				ids = append(ids, cell.invoiceID)
			}
			delete(s.cells, c)
		}
	}
	return ids, nil
}

func (s *memStore) GetRange(_ context.Context, req model.Rect) (*model.RangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &model.RangeResult{Pixels: make(map[string]model.PixelView)}
	for c, cell := range s.cells {
		if c.X < req.X0 || c.X > req.X1 || c.Y < req.Y0 || c.Y > req.Y1 {
			continue
		}
		v := model.PixelView{Color: cell.color}
		if cell.ownerID != "" {
			owner := cell.ownerID
			v.Owner = &owner
			v.URL = cell.url
			v.Message = cell.message
		}
		out.Pixels[c.Key()] = v
	}
	return out, nil
}

func (s *memStore) OwnedCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, cell := range s.cells {
		if cell.ownerID != "" {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReservedCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for _, cell := range s.cells {
		if cell.ownerID == "" && cell.reservedUntil.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) LastPurchase(_ context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, cell := range s.cells {
		if cell.ownerID != "" && (last == nil || cell.purchasedAt.After(*last)) {
			t := cell.purchasedAt
			last = &t
		}
	}
	return last, nil
}

func (s *memStore) cell(c model.Coord) *memCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cells[c]
}

// fakeIssuer issues sequential charge IDs and lets tests script the
// provider's behavior.
type fakeIssuer struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int
	createErr error
	status    string
	statusErr error
}

func (f *fakeIssuer) Create(_ context.Context, amountSats int64, description, orderID, callbackURL string, ttl time.Duration) (*opennode.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	expiry := f.now().Add(ttl).Unix()
	return &opennode.Charge{
		ID:                fmt.Sprintf("chg-%03d", f.seq),
		Description:       description,
		Amount:            amountSats,
		Status:            opennode.StatusUnpaid,
		OrderID:           orderID,
		HostedCheckoutURL: fmt.Sprintf("https://checkout.test/chg-%03d", f.seq),
		LightningInvoice:  &opennode.LightningInvoice{ExpiresAt: expiry, PayReq: "lnbc1testpayreq"},
		ExpiresAt:         expiry,
	}, nil
}

func (f *fakeIssuer) FetchStatus(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return f.status, nil
}

func (f *fakeIssuer) VerifySignature(_, _ string) bool   { return true }
func (f *fakeIssuer) CheckoutURL(chargeID string) string { return "https://checkout.test/" + chargeID }

// memTxlog applies the same status transition guards as the MySQL
// transaction repository.
type memTxlog struct {
	mu        sync.Mutex
	seq       uint64
	byInvoice map[string]*model.Transaction
}

func newMemTxlog() *memTxlog {
	return &memTxlog{byInvoice: make(map[string]*model.Transaction)}
}

func (l *memTxlog) Create(_ context.Context, t *model.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	t.ID = l.seq
	t.Status = model.StatusPending
	t.CreatedAt = time.Now().UTC()
	cp := *t
	l.byInvoice[t.InvoiceID] = &cp
	return nil
}

func (l *memTxlog) GetByInvoiceID(_ context.Context, invoiceID string) (*model.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byInvoice[invoiceID]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *memTxlog) transition(invoiceID, to string, from ...string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byInvoice[invoiceID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			if to == model.StatusCompleted {
				now := time.Now().UTC()
				t.CompletedAt = &now
			}
			return true, nil
		}
	}
	return false, nil
}

func (l *memTxlog) MarkCompleted(_ context.Context, invoiceID string) (bool, error) {
	return l.transition(invoiceID, model.StatusCompleted, model.StatusPending, model.StatusExpired)
}

func (l *memTxlog) MarkExpired(_ context.Context, invoiceID string) (bool, error) {
	return l.transition(invoiceID, model.StatusExpired, model.StatusPending)
}

func (l *memTxlog) MarkFailed(_ context.Context, invoiceID string) (bool, error) {
	return l.transition(invoiceID, model.StatusFailed, model.StatusPending, model.StatusExpired)
}

func (l *memTxlog) MarkManyExpired(ctx context.Context, invoiceIDs []string) error {
	for _, id := range invoiceIDs {
		if _, err := l.MarkExpired(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (l *memTxlog) CompletedStats(_ context.Context) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count, total int64
	for _, t := range l.byInvoice {
		if t.Status == model.StatusCompleted {
			count++
			total += t.Amount
		}
	}
	return count, total, nil
}

// recordingEvents captures published events for assertions.
type recordingEvents struct {
	mu        sync.Mutex
	purchases []queue.PurchaseCompletedEvent
	conflicts []queue.PaymentConflictEvent
}

func (r *recordingEvents) PublishPurchaseCompleted(_ context.Context, ev queue.PurchaseCompletedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purchases = append(r.purchases, ev)
	return nil
}

func (r *recordingEvents) PublishPaymentConflict(_ context.Context, ev queue.PaymentConflictEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, ev)
	return nil
}

// fixture bundles a coordinator with its fakes and a controllable clock.
type fixture struct {
	co     *Coordinator
	store  *memStore
	issuer *fakeIssuer
	txlog  *memTxlog
	events *recordingEvents
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	store := newMemStore(now)
	issuer := &fakeIssuer{now: now, status: "unpaid"}
	txlog := newMemTxlog()
	events := &recordingEvents{}
	co := NewCoordinator(store, issuer, txlog, events, Options{
		ChargeTTL:         10 * time.Minute,
		MaxPixelsPerOrder: 1000,
	})
	co.now = now
	return &fixture{co: co, store: store, issuer: issuer, txlog: txlog, events: events, clock: clock}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func selection(coords ...[2]int) []model.PixelSelection {
	out := make([]model.PixelSelection, 0, len(coords))
	for _, c := range coords {
		out = append(out, model.PixelSelection{X: c[0], Y: c[1], Color: "#FF8800"})
	}
	return out
}

func TestSelectCreatesChargeAndPendingTransaction(t *testing.T) {
	f := newFixture(t)
	url := "https://example.com"
	msg := "hello grid"

	res, err := f.co.Select(context.Background(), SelectRequest{
		Pixels:  selection([2]int{10, 20}, [2]int{11, 20}, [2]int{12, 20}),
		URL:     &url,
		Message: &msg,
	})
	require.NoError(t, err)
	assert.Equal(t, "chg-001", res.ChargeID)
	assert.Equal(t, int64(3), res.AmountSats, "pricing is one satoshi per pixel")
	assert.Equal(t, 3, res.PixelCount)
	assert.Equal(t, "lnbc1testpayreq", res.LightningInvoice)
	assert.Equal(t, "https://checkout.test/chg-001", res.HostedCheckoutURL)
	assert.Equal(t, f.clock.Add(10*time.Minute).Unix(), res.ExpiresAt.Unix())

	// Cells are reserved under the charge id, not owned.
	cell := f.store.cell(model.Coord{X: 10, Y: 20})
	require.NotNil(t, cell)
	assert.Equal(t, "chg-001", cell.invoiceID)
	assert.Empty(t, cell.ownerID)

	tr, err := f.txlog.GetByInvoiceID(context.Background(), "chg-001")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, tr.Status)
	assert.Equal(t, 3, tr.PixelCount)
	assert.NotEmpty(t, tr.PixelsJSON)
}

func TestSelectValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name   string
		pixels []model.PixelSelection
	}{
		{"empty selection", nil},
		{"x below grid", []model.PixelSelection{{X: -1, Y: 5, Color: "#FFFFFF"}}},
		{"x beyond grid", []model.PixelSelection{{X: 10000, Y: 5, Color: "#FFFFFF"}}},
		{"y beyond grid", []model.PixelSelection{{X: 5, Y: 10000, Color: "#FFFFFF"}}},
		{"shorthand color", []model.PixelSelection{{X: 5, Y: 5, Color: "#FFF"}}},
		{"non-hex color", []model.PixelSelection{{X: 5, Y: 5, Color: "#ZZZZZZ"}}},
		{"missing hash", []model.PixelSelection{{X: 5, Y: 5, Color: "FFFFFF"}}},
		{"duplicate coordinate", []model.PixelSelection{
			{X: 5, Y: 5, Color: "#FFFFFF"},
			{X: 5, Y: 5, Color: "#000000"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.co.Select(context.Background(), SelectRequest{Pixels: tc.pixels})
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}

	// Grid corners are valid.
	_, err := f.co.Select(context.Background(), SelectRequest{
		Pixels: []model.PixelSelection{
			{X: 0, Y: 0, Color: "#000000"},
			{X: 9999, Y: 9999, Color: "#FfFfFf"},
		},
	})
	require.NoError(t, err)
}

func TestSelectRejectsOversizedSelection(t *testing.T) {
	f := newFixture(t)
	pixels := make([]model.PixelSelection, 1001)
	for i := range pixels {
		pixels[i] = model.PixelSelection{X: i % 1000, Y: i / 1000, Color: "#123456"}
	}
	_, err := f.co.Select(context.Background(), SelectRequest{Pixels: pixels})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "limit")
}

func TestSelectConflictIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{50, 50})})
	require.NoError(t, err)

	// Overlap on (50,50); (51,50) and (52,50) are free.
	_, err = f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{50, 50}, [2]int{51, 50}, [2]int{52, 50})})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Unavailable, 1, "only the blocked coordinate is reported")
	assert.Equal(t, model.Coord{X: 50, Y: 50}, ce.Unavailable[0])

	// Nothing from the failed attempt may stay reserved.
	assert.Nil(t, f.store.cell(model.Coord{X: 51, Y: 50}))
	assert.Nil(t, f.store.cell(model.Coord{X: 52, Y: 50}))
}

func TestSelectReleasesClaimWhenChargeCreationFails(t *testing.T) {
	f := newFixture(t)
	f.issuer.createErr = errors.New("provider down")

	_, err := f.co.Select(context.Background(), SelectRequest{Pixels: selection([2]int{1, 1})})
	require.ErrorIs(t, err, ErrUpstream)
	assert.Nil(t, f.store.cell(model.Coord{X: 1, Y: 1}), "failed charge must not leave a reservation behind")
}

func TestConcurrentSelectsSingleWinner(t *testing.T) {
	f := newFixture(t)
	const attempts = 8

	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.co.Select(context.Background(), SelectRequest{Pixels: selection([2]int{7, 7})})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var ce *ConflictError
		require.ErrorAs(t, err, &ce)
	}
	assert.Equal(t, 1, wins, "exactly one claim may win a contested cell")
}

func TestPaidFinalizesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := "https://example.com"

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{3, 4}), URL: &url})
	require.NoError(t, err)

	status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status)

	cell := f.store.cell(model.Coord{X: 3, Y: 4})
	require.NotNil(t, cell)
	assert.NotEmpty(t, cell.ownerID)
	require.NotNil(t, cell.url)
	assert.Equal(t, url, *cell.url)

	tr, err := f.txlog.GetByInvoiceID(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tr.Status)
	require.Len(t, f.events.purchases, 1)
	assert.False(t, f.events.purchases[0].Regranted)

	// The purchase is visible to readers with its metadata.
	rr, err := f.store.GetRange(ctx, model.Rect{X0: 0, X1: 10, Y0: 0, Y1: 10})
	require.NoError(t, err)
	view, ok := rr.Pixels["3,4"]
	require.True(t, ok)
	assert.Equal(t, "#FF8800", view.Color)
	require.NotNil(t, view.Owner)
	require.NotNil(t, view.URL)
	assert.Equal(t, url, *view.URL)
}

func TestPaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{8, 8})})
	require.NoError(t, err)

	_, err = f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	owner := f.store.cell(model.Coord{X: 8, Y: 8}).ownerID

	// Webhook redelivery and the polling path racing it.
	for i := 0; i < 3; i++ {
		status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
		require.NoError(t, err)
		assert.Equal(t, ChargeStatusPaid, status)
	}
	assert.Equal(t, owner, f.store.cell(model.Coord{X: 8, Y: 8}).ownerID, "owner must not change on redelivery")
	assert.Len(t, f.events.purchases, 1, "exactly one purchase event per settled charge")
}

func TestPaidRedeliveredBetweenFinalizeAndCompletionMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{5, 5})})
	require.NoError(t, err)

	// A first paid delivery finalized the cells but its completion mark
	// never landed (crash between the two calls, or a duplicate racing
	// the gap). The audit row still says pending.
	granted, err := f.store.Finalize(ctx, res.ChargeID, "owner-first", nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), granted)

	status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status, "cells owned under the same charge are a grant, not a conflict")

	assert.Equal(t, "owner-first", f.store.cell(model.Coord{X: 5, Y: 5}).ownerID, "the original grant is kept")

	tr, err := f.txlog.GetByInvoiceID(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tr.Status, "the audit row is repaired")
	assert.Empty(t, f.events.conflicts, "a granted purchase must never raise a refund conflict")
	require.Len(t, f.events.purchases, 1)
	assert.Equal(t, "owner-first", f.events.purchases[0].OwnerID)
}

func TestContentionFallbackNamesBlockedCellsExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{50, 50})})
	require.NoError(t, err)

	// The claim loses the uniqueness race on every retry; the conflict
	// answer must still name only the cell that is actually taken.
	f.store.failNextClaim(repository.ErrClaimContention)
	_, err = f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{50, 50}, [2]int{51, 50}, [2]int{52, 50})})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Unavailable, 1)
	assert.Equal(t, model.Coord{X: 50, Y: 50}, ce.Unavailable[0])
}

func TestExpiredReleasesCells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{30, 30}, [2]int{31, 30})})
	require.NoError(t, err)

	status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventExpired)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusExpired, status)
	assert.Nil(t, f.store.cell(model.Coord{X: 30, Y: 30}))
	assert.Nil(t, f.store.cell(model.Coord{X: 31, Y: 30}))

	// Redelivery stays expired.
	status, err = f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventExpired)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusExpired, status)
}

func TestExpiredAfterPaidIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{40, 40})})
	require.NoError(t, err)
	_, err = f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)

	status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventExpired)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status, "ownership is never erased by a late expiry signal")
	assert.NotEmpty(t, f.store.cell(model.Coord{X: 40, Y: 40}).ownerID)
}

func TestUnknownChargeIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	status, err := f.co.HandlePaymentEvent(context.Background(), "chg-nope", PaymentEventPaid)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusUnknown, status)
}

func TestSweepReleasesOverdueReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{60, 60})})
	require.NoError(t, err)

	// Not yet due.
	n, err := f.co.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(11 * time.Minute)
	n, err = f.co.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, f.store.cell(model.Coord{X: 60, Y: 60}))

	tr, err := f.txlog.GetByInvoiceID(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, tr.Status)
}

func TestPaidAfterSweepRegrantsWhenCellsStillFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{70, 70}, [2]int{71, 70})})
	require.NoError(t, err)
	f.advance(11 * time.Minute)
	_, err = f.co.SweepExpired(ctx)
	require.NoError(t, err)

	// Payment lands after the reservation was released, cells untouched.
	status, err := f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status)

	cell := f.store.cell(model.Coord{X: 70, Y: 70})
	require.NotNil(t, cell)
	assert.NotEmpty(t, cell.ownerID)

	tr, err := f.txlog.GetByInvoiceID(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, tr.Status)
	require.Len(t, f.events.purchases, 1)
	assert.True(t, f.events.purchases[0].Regranted)
}

func TestPaidAfterSweepConflictsWhenCellsRetaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{80, 80}, [2]int{81, 80})})
	require.NoError(t, err)
	f.advance(11 * time.Minute)
	_, err = f.co.SweepExpired(ctx)
	require.NoError(t, err)

	// A second buyer takes one of the released cells and settles.
	second, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{80, 80})})
	require.NoError(t, err)
	_, err = f.co.HandlePaymentEvent(ctx, second.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	secondOwner := f.store.cell(model.Coord{X: 80, Y: 80}).ownerID

	// The first charge's payment now arrives. It must not steal the cell.
	status, err := f.co.HandlePaymentEvent(ctx, first.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusFailed, status)
	assert.Equal(t, secondOwner, f.store.cell(model.Coord{X: 80, Y: 80}).ownerID)

	tr, err := f.txlog.GetByInvoiceID(ctx, first.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, tr.Status)
	require.Len(t, f.events.conflicts, 1)
	assert.Equal(t, first.ChargeID, f.events.conflicts[0].InvoiceID)
	assert.Contains(t, f.events.conflicts[0].UnavailablePixels, "80,80")
}

func TestStatusPollingSettlesPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{90, 90})})
	require.NoError(t, err)

	f.issuer.status = "unpaid"
	status, err := f.co.Status(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusUnpaid, status)

	f.issuer.status = "processing"
	status, err = f.co.Status(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusProcessing, status)
	assert.Empty(t, f.store.cell(model.Coord{X: 90, Y: 90}).ownerID, "processing must not grant ownership")

	// Polling alone settles the purchase; no webhook involved.
	f.issuer.status = "paid"
	status, err = f.co.Status(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status)
	assert.NotEmpty(t, f.store.cell(model.Coord{X: 90, Y: 90}).ownerID)

	// Terminal state answers locally, without another provider call.
	f.issuer.statusErr = errors.New("provider down")
	status, err = f.co.Status(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusPaid, status)
}

func TestStatusUnknownCharge(t *testing.T) {
	f := newFixture(t)
	status, err := f.co.Status(context.Background(), "chg-nope")
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusUnknown, status)
}

func TestStatusUpstreamFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{95, 95})})
	require.NoError(t, err)
	f.issuer.statusErr = errors.New("timeout")

	// Before the invoice deadline the failure is retryable.
	_, err = f.co.Status(ctx, res.ChargeID)
	require.ErrorIs(t, err, ErrUpstream)
	assert.NotNil(t, f.store.cell(model.Coord{X: 95, Y: 95}), "reservation survives a transient provider outage")

	// Past the deadline with the provider unreachable, release locally.
	f.advance(11 * time.Minute)
	status, err := f.co.Status(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, ChargeStatusExpired, status)
	assert.Nil(t, f.store.cell(model.Coord{X: 95, Y: 95}))
}

func TestCancelReleasesPendingCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{15, 15})})
	require.NoError(t, err)
	require.NoError(t, f.co.Cancel(ctx, res.ChargeID))
	assert.Nil(t, f.store.cell(model.Coord{X: 15, Y: 15}))

	tr, err := f.txlog.GetByInvoiceID(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, tr.Status)

	// Cancel never errors for unknown or settled charges.
	require.NoError(t, f.co.Cancel(ctx, "chg-nope"))

	paid, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{16, 16})})
	require.NoError(t, err)
	_, err = f.co.HandlePaymentEvent(ctx, paid.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	require.NoError(t, f.co.Cancel(ctx, paid.ChargeID))
	assert.NotEmpty(t, f.store.cell(model.Coord{X: 16, Y: 16}).ownerID, "cancel must not un-finalize a completed purchase")
}

func TestVerifyCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.co.Select(ctx, SelectRequest{Pixels: selection([2]int{25, 25})})
	require.NoError(t, err)

	ok, err := f.co.VerifyCompleted(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.False(t, ok, "a pending charge is not verified")

	_, err = f.co.HandlePaymentEvent(ctx, res.ChargeID, PaymentEventPaid)
	require.NoError(t, err)
	ok, err = f.co.VerifyCompleted(ctx, res.ChargeID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.co.VerifyCompleted(ctx, "chg-nope")
	require.NoError(t, err)
	assert.False(t, ok, "redirect parameters are never trusted")
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, PaymentEventPaid, ClassifyStatus("paid"))
	assert.Equal(t, PaymentEventPaid, ClassifyStatus("confirmed"))
	assert.Equal(t, PaymentEventExpired, ClassifyStatus("expired"))
	assert.Equal(t, PaymentEventOther, ClassifyStatus("processing"))
	assert.Equal(t, PaymentEventOther, ClassifyStatus("underpaid"))
	assert.Equal(t, PaymentEventOther, ClassifyStatus(""))
}
