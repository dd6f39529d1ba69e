package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/pixel-grid/internal/model"
)

// Statistics is the read-mostly aggregate served to the control panel.
type Statistics struct {
	TotalPixels        int64      `json:"totalPixels"`
	PixelsSold         int64      `json:"pixelsSold"`
	PixelsReserved     int64      `json:"pixelsReserved"`
	PercentSold        float64    `json:"percentSold"`
	SatoshisCollected  int64      `json:"satoshisCollected"`
	CompletedPurchases int64      `json:"completedPurchases"`
	LastPurchase       *time.Time `json:"lastPurchase,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

const (
	statsCacheKey = "stats:current"
	statsCacheTTL = 60 * time.Second
)

// StatsService aggregates counts from the grid store and the
// transaction log, with a short Redis cache in front so the query load
// stays flat under polling clients. A nil Redis client disables the
// cache.
type StatsService struct {
	store GridStore
	txlog TransactionLog
	rdb   *redis.Client
}

// NewStatsService wires a StatsService.
func NewStatsService(store GridStore, txlog TransactionLog, rdb *redis.Client) *StatsService {
	return &StatsService{store: store, txlog: txlog, rdb: rdb}
}

// Get returns current statistics, served from cache when fresh. Pass
// force to bypass and repopulate the cache (the admin refresh path).
func (s *StatsService) Get(ctx context.Context, force bool) (*Statistics, error) {
	if !force && s.rdb != nil {
		if raw, err := s.rdb.Get(ctx, statsCacheKey).Bytes(); err == nil {
			var cached Statistics
			if json.Unmarshal(raw, &cached) == nil {
				return &cached, nil
			}
		}
	}

	sold, err := s.store.OwnedCount(ctx)
	if err != nil {
		return nil, err
	}
	reserved, err := s.store.ReservedCount(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.store.LastPurchase(ctx)
	if err != nil {
		return nil, err
	}
	completed, total, err := s.txlog.CompletedStats(ctx)
	if err != nil {
		return nil, err
	}

	const totalPixels = int64(model.GridWidth) * int64(model.GridHeight)
	stats := &Statistics{
		TotalPixels:        totalPixels,
		PixelsSold:         sold,
		PixelsReserved:     reserved,
		PercentSold:        float64(sold) / float64(totalPixels) * 100,
		SatoshisCollected:  total,
		CompletedPurchases: completed,
		LastPurchase:       last,
		UpdatedAt:          time.Now().UTC(),
	}
	if s.rdb != nil {
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.rdb.Set(ctx, statsCacheKey, raw, statsCacheTTL).Err()
		}
	}
	return stats, nil
}
