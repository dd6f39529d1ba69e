package handler

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid/internal/config"
	"github.com/iliyamo/pixel-grid/internal/database"
	"github.com/iliyamo/pixel-grid/internal/repository"
	"github.com/iliyamo/pixel-grid/internal/service"
	"github.com/iliyamo/pixel-grid/internal/utils"
)

// AdminHandler covers the operator surface: login, schema bootstrap,
// the transaction ledger and cache refresh. There is a single operator
// credential, not a user system.
type AdminHandler struct {
	cfg   *config.Config
	db    *sql.DB
	stats *service.StatsService
	txs   *repository.TransactionRepo
}

// NewAdminHandler wires an AdminHandler.
func NewAdminHandler(cfg *config.Config, db *sql.DB, stats *service.StatsService, txs *repository.TransactionRepo) *AdminHandler {
	return &AdminHandler{cfg: cfg, db: db, stats: stats, txs: txs}
}

type loginPayload struct {
	Password string `json:"password"`
}

// Login handles POST /v1/auth/login: exchange the operator password for
// a short-lived admin token.
func (h *AdminHandler) Login(c echo.Context) error {
	var payload loginPayload
	if err := c.Bind(&payload); err != nil || payload.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password is required"})
	}
	if h.cfg.AdminPassHash == "" || !utils.VerifyPassword(h.cfg.AdminPassHash, payload.Password) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	ttl := time.Duration(h.cfg.AccessTTLMin) * time.Minute
	token, err := utils.NewAccessToken(h.cfg.JWTSecret, "ADMIN", ttl)
	if err != nil {
		c.Logger().Errorf("token issue failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not issue token"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"access_token": token,
		"expires_in":   int(ttl.Seconds()),
	})
}

// InitDB handles POST /v1/admin/init-db: create the schema if missing.
// Idempotent, safe to call on every deploy.
func (h *AdminHandler) InitDB(c echo.Context) error {
	if err := database.CreateTables(c.Request().Context(), h.db); err != nil {
		c.Logger().Errorf("init-db failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not initialize database"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// ResetDB handles POST /v1/admin/reset-db: drop and recreate the
// schema. Destroys all grid and transaction data.
func (h *AdminHandler) ResetDB(c echo.Context) error {
	if err := database.ResetTables(c.Request().Context(), h.db); err != nil {
		c.Logger().Errorf("reset-db failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not reset database"})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// Transactions handles GET /v1/admin/transactions: the charge ledger,
// newest first. Supports limit and offset query parameters.
func (h *AdminHandler) Transactions(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	txs, err := h.txs.List(c.Request().Context(), limit, offset)
	if err != nil {
		c.Logger().Errorf("transaction list failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not load transactions"})
	}
	return c.JSON(http.StatusOK, echo.Map{"transactions": txs, "count": len(txs)})
}

// RefreshStats handles POST /v1/admin/statistics/refresh: recompute the
// statistics aggregate, bypassing and repopulating the cache.
func (h *AdminHandler) RefreshStats(c echo.Context) error {
	stats, err := h.stats.Get(c.Request().Context(), true)
	if err != nil {
		c.Logger().Errorf("statistics refresh failed: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not refresh statistics"})
	}
	return c.JSON(http.StatusOK, stats)
}
