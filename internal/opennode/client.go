// Package opennode wraps the OpenNode charges API: creating invoices,
// fetching their status and verifying webhook signatures. The provider
// is treated as a black box; everything the rest of the system needs
// is expressed through the Charge type.
package opennode

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Charge statuses as normalized for the rest of the system.
const (
	StatusUnpaid     = "unpaid"
	StatusProcessing = "processing"
	StatusPaid       = "paid"
	StatusExpired    = "expired"
)

// Client talks to the OpenNode API. The API key doubles as the HMAC
// secret for webhook signatures, so it must never be logged.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// The provider is occasionally slow to issue lightning
		// invoices; 25s matches its own documented worst case.
		http: &http.Client{Timeout: 25 * time.Second},
	}
}

// LightningInvoice is the payable lightning request attached to a charge.
type LightningInvoice struct {
	ExpiresAt int64  `json:"expires_at"`
	PayReq    string `json:"payreq"`
}

// Charge mirrors the subset of the provider's charge object this
// system consumes.
type Charge struct {
	ID                string            `json:"id"`
	Description       string            `json:"description"`
	Amount            int64             `json:"amount"`
	Status            string            `json:"status"`
	OrderID           string            `json:"order_id"`
	HostedCheckoutURL string            `json:"hosted_checkout_url"`
	LightningInvoice  *LightningInvoice `json:"lightning_invoice"`
	CreatedAt         int64             `json:"created_at"`
	ExpiresAt         int64             `json:"expires_at"`
}

// Expiry returns the invoice deadline as a time. The lightning
// invoice's own expiry is authoritative when present; the charge-level
// field is the fallback.
func (c *Charge) Expiry() time.Time {
	if c.LightningInvoice != nil && c.LightningInvoice.ExpiresAt > 0 {
		return time.Unix(c.LightningInvoice.ExpiresAt, 0).UTC()
	}
	return time.Unix(c.ExpiresAt, 0).UTC()
}

type chargeEnvelope struct {
	Data Charge `json:"data"`
}

type createChargeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	TTL         int    `json:"ttl,omitempty"`
}

// Create issues a new charge for the given amount in satoshis. The
// orderID correlates the charge with the local claim; ttl is the
// invoice lifetime. Any transport failure or non-2xx answer comes back
// as an error for the caller to surface as retryable.
func (c *Client) Create(ctx context.Context, amountSats int64, description, orderID, callbackURL string, ttl time.Duration) (*Charge, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("opennode: amount must be a positive satoshi count, got %d", amountSats)
	}
	body, err := json.Marshal(createChargeRequest{
		Amount:      amountSats,
		Description: description,
		Currency:    "BTC",
		OrderID:     orderID,
		CallbackURL: callbackURL,
		TTL:         int(ttl.Minutes()),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	env, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// FetchStatus returns the provider's current status for a charge,
// normalized to one of the Status constants.
func (c *Client) FetchStatus(ctx context.Context, chargeID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/charge/"+chargeID, nil)
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	env, err := c.do(req)
	if err != nil {
		return "", err
	}
	switch env.Data.Status {
	case "paid", "confirmed":
		return StatusPaid, nil
	case "processing":
		return StatusProcessing, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusUnpaid, nil
	}
}

// VerifySignature checks a webhook's hashed_order field: the provider
// signs the charge id with HMAC-SHA256 under the API key. Comparison
// is constant-time.
func (c *Client) VerifySignature(chargeID, hashedOrder string) bool {
	if chargeID == "" || hashedOrder == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.apiKey))
	mac.Write([]byte(chargeID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(hashedOrder))
}

// CheckoutURL returns the hosted checkout page for a charge.
func (c *Client) CheckoutURL(chargeID string) string {
	return "https://checkout.opennode.com/" + chargeID
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pixel-grid/1.0")
}

func (c *Client) do(req *http.Request) (*chargeEnvelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opennode: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("opennode: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("opennode: API error (%d): %s", resp.StatusCode, truncate(raw, 256))
	}
	var env chargeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("opennode: decode response: %w", err)
	}
	return &env, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
