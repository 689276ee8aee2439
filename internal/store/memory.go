package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"StockScout/internal/cache"
	"StockScout/internal/model"
)

// MemoryStore keeps everything in process memory. It is used in tests and
// when no database is configured.
type MemoryStore struct {
	mu       sync.Mutex
	records  []model.CacheRecord
	attempts []model.AttemptRecord
	buckets  map[bucketKey]*model.MetricsBucket
}

type bucketKey struct {
	date string
	hour int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[bucketKey]*model.MetricsBucket)}
}

func (m *MemoryStore) InsertCacheRecord(_ context.Context, rec *model.CacheRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) LatestCacheRecord(_ context.Context, code string, now time.Time) (*model.CacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.CacheRecord
	for i := range m.records {
		r := &m.records[i]
		if r.Code != code || !r.ExpiresAt.After(now) {
			continue
		}
		// later index wins ties: it was inserted later
		if best == nil || !r.InsertedAt.Before(best.InsertedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (m *MemoryStore) BumpCacheHit(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].ID == id {
			m.records[i].HitCount++
			m.records[i].LastHitAt = at
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListCacheRecords(_ context.Context, code string) ([]model.CacheRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CacheRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Code == code {
			out = append(out, m.records[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].InsertedAt.After(out[j].InsertedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteExpiredCacheRecords(_ context.Context, now time.Time) (int64, error) {
	return m.deleteRecords(func(r *model.CacheRecord) bool { return !r.ExpiresAt.After(now) }), nil
}

func (m *MemoryStore) DeleteCacheRecordsByCode(_ context.Context, code string) (int64, error) {
	return m.deleteRecords(func(r *model.CacheRecord) bool { return r.Code == code }), nil
}

func (m *MemoryStore) DeleteAllCacheRecords(_ context.Context) (int64, error) {
	return m.deleteRecords(func(*model.CacheRecord) bool { return true }), nil
}

func (m *MemoryStore) deleteRecords(match func(*model.CacheRecord) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for i := range m.records {
		if match(&m.records[i]) {
			n++
			continue
		}
		kept = append(kept, m.records[i])
	}
	m.records = kept
	return n
}

func (m *MemoryStore) CacheRecordStats(_ context.Context, now time.Time) (cache.PersistentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s cache.PersistentStats
	for _, r := range m.records {
		s.TotalEntries++
		if !r.ExpiresAt.After(now) {
			s.ExpiredEntries++
		}
		s.TotalHits += r.HitCount
	}
	s.ActiveEntries = s.TotalEntries - s.ExpiredEntries
	return s, nil
}

func (m *MemoryStore) InsertAttempt(_ context.Context, rec *model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *rec)
	return nil
}

func (m *MemoryStore) UpdateBucket(_ context.Context, date string, hour int, fn func(*model.MetricsBucket)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := bucketKey{date, hour}
	b, ok := m.buckets[k]
	if !ok {
		b = &model.MetricsBucket{Date: date, Hour: hour, StrategyCounts: map[string]int64{}}
		m.buckets[k] = b
	}
	fn(b)
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, code string, limit, offset int) ([]model.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AttemptRecord
	for i := len(m.attempts) - 1; i >= 0; i-- {
		a := m.attempts[i]
		if code != "" && a.Code != code {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) BucketsSince(_ context.Context, date string) ([]model.MetricsBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.MetricsBucket
	for _, b := range m.buckets {
		if b.Date >= date {
			cp := *b
			cp.StrategyCounts = make(map[string]int64, len(b.StrategyCounts))
			for k, v := range b.StrategyCounts {
				cp.StrategyCounts[k] = v
			}
			out = append(out, cp)
		}
	}
	sortBucketsDesc(out)
	return out, nil
}

func (m *MemoryStore) DeleteAttemptsBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.attempts[:0]
	var n int64
	for _, a := range m.attempts {
		if a.CreatedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

func (m *MemoryStore) DeleteBucketsBefore(_ context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.buckets {
		if k.date < date {
			delete(m.buckets, k)
			n++
		}
	}
	return n, nil
}

func sortBucketsDesc(bs []model.MetricsBucket) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].Date != bs[j].Date {
			return bs[i].Date > bs[j].Date
		}
		return bs[i].Hour > bs[j].Hour
	})
}
