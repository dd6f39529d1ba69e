package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	priceCacheKey = "btc:price"
	priceStaleKey = "btc:price:stale"
	priceCacheTTL = 5 * time.Minute
	coingeckoURL  = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
)

// PriceResult is the BTC/USD quote served to clients. Cached is true
// when the value came from Redis instead of a fresh upstream call.
type PriceResult struct {
	Price       float64   `json:"price"`
	Cached      bool      `json:"cached"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// PriceService looks up the BTC/USD price from CoinGecko and caches it
// for five minutes. When the upstream call fails, the last known value
// is served (kept under a second, non-expiring key) so the storefront
// keeps displaying an approximate fiat price.
type PriceService struct {
	rdb  *redis.Client
	http *http.Client
	url  string
}

// NewPriceService wires a PriceService. rdb may be nil, which disables
// caching and the stale fallback.
func NewPriceService(rdb *redis.Client) *PriceService {
	return &PriceService{
		rdb:  rdb,
		http: &http.Client{Timeout: 10 * time.Second},
		url:  coingeckoURL,
	}
}

type cachedPrice struct {
	Price     float64   `json:"price"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Get returns the current quote, preferring the fresh cache, then the
// upstream API, then the stale fallback.
func (s *PriceService) Get(ctx context.Context) (*PriceResult, error) {
	if p, ok := s.fromCache(ctx, priceCacheKey); ok {
		return &PriceResult{Price: p.Price, Cached: true, LastUpdated: p.FetchedAt}, nil
	}

	price, err := s.fetch(ctx)
	if err != nil {
		if p, ok := s.fromCache(ctx, priceStaleKey); ok {
			return &PriceResult{Price: p.Price, Cached: true, LastUpdated: p.FetchedAt}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	now := time.Now().UTC()
	if s.rdb != nil {
		if raw, err := json.Marshal(cachedPrice{Price: price, FetchedAt: now}); err == nil {
			_ = s.rdb.Set(ctx, priceCacheKey, raw, priceCacheTTL).Err()
			_ = s.rdb.Set(ctx, priceStaleKey, raw, 0).Err()
		}
	}
	return &PriceResult{Price: price, Cached: false, LastUpdated: now}, nil
}

func (s *PriceService) fromCache(ctx context.Context, key string) (*cachedPrice, bool) {
	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var p cachedPrice
	if json.Unmarshal(raw, &p) != nil {
		return nil, false
	}
	return &p, true
}

func (s *PriceService) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price lookup returned %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	var payload struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, err
	}
	if payload.Bitcoin.USD <= 0 {
		return 0, fmt.Errorf("unexpected price payload")
	}
	return payload.Bitcoin.USD, nil
}
