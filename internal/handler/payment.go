package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid/internal/service"
)

// PaymentHandler exposes the payment side: status polling, the
// provider webhook, cancellation and the success-redirect guard.
type PaymentHandler struct {
	coord  *service.Coordinator
	issuer service.ChargeIssuer
}

// NewPaymentHandler wires a PaymentHandler.
func NewPaymentHandler(coord *service.Coordinator, issuer service.ChargeIssuer) *PaymentHandler {
	return &PaymentHandler{coord: coord, issuer: issuer}
}

// Status handles GET /v1/payments/status: the client polling loop.
// Reconciliation runs inline, so polling alone settles a purchase even
// when the webhook never arrives.
func (h *PaymentHandler) Status(c echo.Context) error {
	chargeID := c.QueryParam("chargeId")
	if chargeID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chargeId is required"})
	}
	status, err := h.coord.Status(c.Request().Context(), chargeID)
	if err != nil {
		if errors.Is(err, service.ErrUpstream) {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "payment provider unavailable, please retry"})
		}
		c.Logger().Errorf("payment status for %s failed: %v", chargeID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not check payment status"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": status})
}

// Cancel handles POST /v1/payments/cancel: the buyer abandoned the
// flow. Always acknowledged; the expiry sweep covers any cancel that
// is lost or raced.
func (h *PaymentHandler) Cancel(c echo.Context) error {
	chargeID := c.QueryParam("chargeId")
	if chargeID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chargeId is required"})
	}
	if err := h.coord.Cancel(c.Request().Context(), chargeID); err != nil {
		c.Logger().Warnf("payment cancel for %s failed: %v", chargeID, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

type webhookPayload struct {
	ID          string `json:"id" form:"id"`
	Status      string `json:"status" form:"status"`
	HashedOrder string `json:"hashed_order" form:"hashed_order"`
}

// Webhook handles POST /v1/webhooks/payment: the provider's push
// channel. The HMAC signature is verified before any state is touched;
// a payload that fails verification is rejected and logged. Verified
// events are acknowledged with 200 even when they are no-ops, so the
// provider stops redelivering.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	var payload webhookPayload
	if err := c.Bind(&payload); err != nil || payload.ID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid webhook payload"})
	}
	if !h.issuer.VerifySignature(payload.ID, payload.HashedOrder) {
		c.Logger().Warnf("webhook signature rejected for charge %s", payload.ID)
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid signature"})
	}

	status, err := h.coord.HandlePaymentEvent(c.Request().Context(), payload.ID, service.ClassifyStatus(payload.Status))
	if err != nil {
		c.Logger().Errorf("webhook for charge %s failed: %v", payload.ID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not process payment event"})
	}
	return c.JSON(http.StatusOK, echo.Map{"received": true, "status": status})
}

// Verify handles GET /v1/payments/verify: the success-redirect guard.
// Redirect parameters are never trusted; only a charge the store knows
// settled gets a positive answer.
func (h *PaymentHandler) Verify(c echo.Context) error {
	chargeID := c.QueryParam("chargeId")
	if chargeID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "chargeId is required"})
	}
	ok, err := h.coord.VerifyCompleted(c.Request().Context(), chargeID)
	if err != nil {
		c.Logger().Errorf("payment verify for %s failed: %v", chargeID, err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not verify payment"})
	}
	return c.JSON(http.StatusOK, echo.Map{"verified": ok})
}
