package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid/internal/service"
)

// StatsHandler serves the storefront's read-only aggregates.
type StatsHandler struct {
	stats *service.StatsService
	price *service.PriceService
}

// NewStatsHandler wires a StatsHandler.
func NewStatsHandler(stats *service.StatsService, price *service.PriceService) *StatsHandler {
	return &StatsHandler{stats: stats, price: price}
}

// Get handles GET /v1/statistics.
func (h *StatsHandler) Get(c echo.Context) error {
	stats, err := h.stats.Get(c.Request().Context(), false)
	if err != nil {
		c.Logger().Errorf("statistics read failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not load statistics"})
	}
	return c.JSON(http.StatusOK, stats)
}

// BitcoinPrice handles GET /v1/bitcoin-price: the BTC/USD quote used to
// display an approximate fiat price next to the satoshi amount.
func (h *StatsHandler) BitcoinPrice(c echo.Context) error {
	res, err := h.price.Get(c.Request().Context())
	if err != nil {
		if errors.Is(err, service.ErrUpstream) {
			return c.JSON(http.StatusBadGateway, echo.Map{"error": "price source unavailable"})
		}
		c.Logger().Errorf("bitcoin price lookup failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not load price"})
	}
	return c.JSON(http.StatusOK, res)
}
