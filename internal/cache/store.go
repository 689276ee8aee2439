package cache

import (
	"context"
	"time"

	"StockScout/internal/model"
)

// Store is the persistent tier. Implementations live in internal/store.
type Store interface {
	InsertCacheRecord(ctx context.Context, rec *model.CacheRecord) error
	// LatestCacheRecord returns the newest record for code with ExpiresAt
	// after now, or nil when there is none.
	LatestCacheRecord(ctx context.Context, code string, now time.Time) (*model.CacheRecord, error)
	BumpCacheHit(ctx context.Context, id string, at time.Time) error
	ListCacheRecords(ctx context.Context, code string) ([]model.CacheRecord, error)
	DeleteExpiredCacheRecords(ctx context.Context, now time.Time) (int64, error)
	DeleteCacheRecordsByCode(ctx context.Context, code string) (int64, error)
	DeleteAllCacheRecords(ctx context.Context) (int64, error)
	CacheRecordStats(ctx context.Context, now time.Time) (PersistentStats, error)
}

// PersistentStats summarizes the persistent tier.
type PersistentStats struct {
	TotalEntries   int64 `json:"total_entries"`
	ExpiredEntries int64 `json:"expired_entries"`
	ActiveEntries  int64 `json:"active_entries"`
	TotalHits      int64 `json:"total_hits"`
}
