package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/pixel-grid/internal/config"
	"github.com/iliyamo/pixel-grid/internal/database"
	"github.com/iliyamo/pixel-grid/internal/handler"
	"github.com/iliyamo/pixel-grid/internal/opennode"
	"github.com/iliyamo/pixel-grid/internal/queue"
	"github.com/iliyamo/pixel-grid/internal/repository"
	"github.com/iliyamo/pixel-grid/internal/router"
	"github.com/iliyamo/pixel-grid/internal/service"
)

// sweepInterval is how often expired reservations are released by the
// background ticker. Lazy sweeps on the request path make this a
// backstop, so the interval is not latency sensitive.
const sweepInterval = 60 * time.Second

func main() {
	_ = godotenv.Load() // .env is optional; real deployments set env vars directly
	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()
	if err := database.CreateTables(context.Background(), db); err != nil {
		log.Fatalf("schema bootstrap failed: %v", err)
	}

	rdb := config.NewRedisClient() // nil when Redis is absent; caching degrades gracefully

	pixels := repository.NewPixelRepo(db)
	transactions := repository.NewTransactionRepo(db)
	charges := opennode.NewClient(cfg.OpenNodeAPIURL, cfg.OpenNodeAPIKey)
	events := queue.NewPublisher()

	coord := service.NewCoordinator(pixels, charges, transactions, events, service.Options{
		ChargeTTL:         time.Duration(cfg.ChargeTTLMin) * time.Minute,
		MaxPixelsPerOrder: cfg.MaxPixelsPerOrder,
		CallbackURL:       cfg.WebhookURL,
	})
	stats := service.NewStatsService(pixels, transactions, rdb)
	price := service.NewPriceService(rdb)

	// Release overdue reservations even when nobody is polling them.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			n, err := coord.SweepExpired(context.Background())
			if err != nil {
				log.Printf("expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("expiry sweep released %d reservation(s)", n)
			}
		}
	}()

	// Drain purchase and conflict events into the audit log.
	go queue.StartPurchaseConsumer()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	router.Register(e, router.Deps{
		Pixels:    handler.NewPixelHandler(coord, pixels, stats),
		Payments:  handler.NewPaymentHandler(coord, charges),
		Stats:     handler.NewStatsHandler(stats, price),
		Admin:     handler.NewAdminHandler(&cfg, db, stats, transactions),
		JWTSecret: cfg.JWTSecret,
		Cache:     config.LoadCacheConfig(),
		RateLimit: config.LoadRateLimitConfig(),
		Redis:     rdb,
	})

	addr := ":" + cfg.Port
	log.Printf("pixel-grid listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
