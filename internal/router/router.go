package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/pixel-grid/internal/config"
	"github.com/iliyamo/pixel-grid/internal/handler"
	"github.com/iliyamo/pixel-grid/internal/middleware"
)

// Deps carries everything route registration needs. Keeping it in one
// struct lets main wire the app in a single call.
type Deps struct {
	Pixels   *handler.PixelHandler
	Payments *handler.PaymentHandler
	Stats    *handler.StatsHandler
	Admin    *handler.AdminHandler

	JWTSecret string
	Cache     config.CacheConfig
	RateLimit config.RateLimitConfig
	Redis     *redis.Client
}

// Register wires all routes on the provided Echo instance.
//
// Public reads sit behind the Redis response cache; every /v1 route is
// rate limited; the webhook is exempt from both so the provider's
// deliveries are never throttled or served stale.
func Register(e *echo.Echo, d Deps) {
	e.GET("/healthz", handler.Health)

	limit := middleware.NewTokenBucket(d.RateLimit, d.Redis)
	cached := middleware.NewRedisCache(d.Cache, d.Redis)

	v1 := e.Group("/v1", limit)

	// Grid reads: cached, anonymous.
	v1.GET("/pixels", d.Pixels.GetRange, cached)
	v1.GET("/pixels/count", d.Pixels.Count, cached)
	v1.GET("/statistics", d.Stats.Get, cached)
	v1.GET("/bitcoin-price", d.Stats.BitcoinPrice)

	// Purchase flow: anonymous by design, buyers never register.
	v1.POST("/pixels/select", d.Pixels.Select)
	v1.GET("/payments/status", d.Payments.Status)
	v1.POST("/payments/cancel", d.Payments.Cancel)
	v1.GET("/payments/verify", d.Payments.Verify)

	// Provider push channel, authenticated by HMAC signature instead of
	// a token. Registered outside the rate-limited group.
	e.POST("/v1/webhooks/payment", d.Payments.Webhook)

	// Operator surface.
	v1.POST("/auth/login", d.Admin.Login)
	admin := v1.Group("/admin", middleware.JWTAuth(d.JWTSecret), middleware.RequireRole("ADMIN"))
	admin.POST("/init-db", d.Admin.InitDB)
	admin.POST("/reset-db", d.Admin.ResetDB)
	admin.GET("/transactions", d.Admin.Transactions)
	admin.POST("/statistics/refresh", d.Admin.RefreshStats)
}
