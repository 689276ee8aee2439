package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"StockScout/internal/model"

	"github.com/google/uuid"
)

// Tier identifies which layer served a hit.
type Tier int

const (
	TierNone Tier = iota
	TierMemory
	TierPersistent
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierPersistent:
		return "persistent"
	}
	return "none"
}

// Options configures both tiers.
type Options struct {
	MemoryTTL     time.Duration
	PersistentTTL time.Duration
	MaxEntries    int
	Now           func() time.Time
}

// Stats is reported by TieredCache.Stats.
type Stats struct {
	MemorySize    int             `json:"memory_size"`
	MemoryMaxSize int             `json:"memory_max_size"`
	Persistent    PersistentStats `json:"persistent"`
}

// ClearResult is returned by ClearAll.
type ClearResult struct {
	MemoryCleared     int   `json:"memory_cleared"`
	PersistentCleared int64 `json:"persistent_cleared"`
}

// TieredCache serves snapshots from memory first, then from the persistent
// store, which remains the source of truth across restarts.
type TieredCache struct {
	mem   *memoryTier
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a cache over store. Zero options default to 5m / 6h / 100.
func New(store Store, opts Options) *TieredCache {
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = 5 * time.Minute
	}
	if opts.PersistentTTL <= 0 {
		opts.PersistentTTL = 6 * time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TieredCache{
		mem:   newMemoryTier(opts.MemoryTTL, opts.MaxEntries),
		store: store,
		ttl:   opts.PersistentTTL,
		now:   opts.Now,
	}
}

// Get looks code up in memory, then in the persistent store. Persistent hits
// are promoted to memory and have their hit counter bumped. Store errors are
// logged and reported as a miss.
func (c *TieredCache) Get(ctx context.Context, code string) (*model.StockSnapshot, Tier, bool) {
	now := c.now()
	if snap, ok := c.mem.get(code, now); ok {
		log.Printf("[INFO] cache: memory hit for %s", code)
		return snap, TierMemory, true
	}

	rec, err := c.store.LatestCacheRecord(ctx, code, now)
	if err != nil {
		log.Printf("[WARN] cache: persistent lookup for %s failed: %v", code, err)
		return nil, TierNone, false
	}
	if rec == nil {
		return nil, TierNone, false
	}

	snap, err := decodeSnapshot(rec.Snapshot)
	if err != nil {
		log.Printf("[WARN] cache: discarding record %s for %s: %v", rec.ID, code, err)
		return nil, TierNone, false
	}

	if err := c.store.BumpCacheHit(ctx, rec.ID, now); err != nil {
		log.Printf("[WARN] cache: bump hit for %s failed: %v", code, err)
	}
	log.Printf("[INFO] cache: persistent hit for %s (hits: %d)", code, rec.HitCount+1)

	c.mem.put(code, snap, now)
	return snap, TierPersistent, true
}

// Put writes snap to both tiers. The memory write always happens; a
// persistent write failure is returned for the caller to log.
func (c *TieredCache) Put(ctx context.Context, code string, snap *model.StockSnapshot, raw string) error {
	now := c.now()
	if evicted := c.mem.put(code, snap, now); evicted != "" {
		log.Printf("[INFO] cache: evicted %s from memory", evicted)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	rec := &model.CacheRecord{
		ID:         uuid.NewString(),
		Code:       code,
		RawPayload: raw,
		Snapshot:   data,
		InsertedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	}
	if err := c.store.InsertCacheRecord(ctx, rec); err != nil {
		return fmt.Errorf("persist %s: %w", code, err)
	}
	log.Printf("[INFO] cache: saved %s (expires %s)", code, rec.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Invalidate drops code from both tiers.
func (c *TieredCache) Invalidate(ctx context.Context, code string) (int64, error) {
	c.mem.remove(code)
	n, err := c.store.DeleteCacheRecordsByCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", code, err)
	}
	return n, nil
}

// Records lists the persistent records held for code.
func (c *TieredCache) Records(ctx context.Context, code string) ([]model.CacheRecord, error) {
	return c.store.ListCacheRecords(ctx, code)
}

// ClearAll empties memory and deletes every persistent record.
func (c *TieredCache) ClearAll(ctx context.Context) (ClearResult, error) {
	res := ClearResult{MemoryCleared: c.mem.clear()}
	n, err := c.store.DeleteAllCacheRecords(ctx)
	if err != nil {
		return res, fmt.Errorf("clear persistent cache: %w", err)
	}
	res.PersistentCleared = n
	log.Printf("[INFO] cache: cleared %d memory entries and %d persistent records", res.MemoryCleared, n)
	return res, nil
}

// SweepExpired deletes persistent records whose expiry has passed.
func (c *TieredCache) SweepExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpiredCacheRecords(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache: %w", err)
	}
	if n > 0 {
		log.Printf("[INFO] cache: swept %d expired records", n)
	}
	return n, nil
}

// Stats reports the size of both tiers.
func (c *TieredCache) Stats(ctx context.Context) (Stats, error) {
	ps, err := c.store.CacheRecordStats(ctx, c.now())
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return Stats{
		MemorySize:    c.mem.len(),
		MemoryMaxSize: c.mem.maxEntries,
		Persistent:    ps,
	}, nil
}

func decodeSnapshot(data []byte) (*model.StockSnapshot, error) {
	var snap model.StockSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.SchemaVersion != model.SnapshotSchemaVersion {
		return nil, fmt.Errorf("snapshot schema version %d, want %d", snap.SchemaVersion, model.SnapshotSchemaVersion)
	}
	return &snap, nil
}
