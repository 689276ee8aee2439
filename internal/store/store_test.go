package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"StockScout/internal/cache"
	"StockScout/internal/model"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "scout.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, code string, inserted time.Time, ttl time.Duration) *model.CacheRecord {
	return &model.CacheRecord{
		ID:         id,
		Code:       code,
		RawPayload: "<html>" + id + "</html>",
		Snapshot:   []byte(fmt.Sprintf(`{"code":%q}`, code)),
		InsertedAt: inserted,
		ExpiresAt:  inserted.Add(ttl),
	}
}

// cacheStoreContract runs against every cache.Store implementation.
func cacheStoreContract(t *testing.T, s cache.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertCacheRecord(ctx, record("a1", "7203", base, time.Hour)))
	require.NoError(t, s.InsertCacheRecord(ctx, record("a2", "7203", base.Add(time.Minute), time.Hour)))
	require.NoError(t, s.InsertCacheRecord(ctx, record("b1", "6758", base, time.Minute)))

	rec, err := s.LatestCacheRecord(ctx, "7203", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "a2", rec.ID)
	require.Equal(t, "<html>a2</html>", rec.RawPayload)
	require.True(t, rec.ExpiresAt.Equal(base.Add(time.Minute+time.Hour)))

	// expired exactly at now
	rec, err = s.LatestCacheRecord(ctx, "6758", base.Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, rec)

	rec, err = s.LatestCacheRecord(ctx, "0000", base)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.BumpCacheHit(ctx, "a2", base.Add(3*time.Minute)))
	require.NoError(t, s.BumpCacheHit(ctx, "a2", base.Add(4*time.Minute)))

	recs, err := s.ListCacheRecords(ctx, "7203")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a2", recs[0].ID)
	require.EqualValues(t, 2, recs[0].HitCount)
	require.True(t, recs[0].LastHitAt.Equal(base.Add(4*time.Minute)))

	st, err := s.CacheRecordStats(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, cache.PersistentStats{TotalEntries: 3, ExpiredEntries: 1, ActiveEntries: 2, TotalHits: 2}, st)

	n, err := s.DeleteExpiredCacheRecords(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.DeleteCacheRecordsByCode(ctx, "7203")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, s.InsertCacheRecord(ctx, record("c1", "9984", base, time.Hour)))
	n, err = s.DeleteAllCacheRecords(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	st, err = s.CacheRecordStats(ctx, base)
	require.NoError(t, err)
	require.Zero(t, st.TotalEntries)
}

type telemetryStore interface {
	InsertAttempt(ctx context.Context, rec *model.AttemptRecord) error
	UpdateBucket(ctx context.Context, date string, hour int, fn func(*model.MetricsBucket)) error
	ListAttempts(ctx context.Context, code string, limit, offset int) ([]model.AttemptRecord, error)
	BucketsSince(ctx context.Context, date string) ([]model.MetricsBucket, error)
	DeleteAttemptsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteBucketsBefore(ctx context.Context, date string) (int64, error)
}

func telemetryStoreContract(t *testing.T, s telemetryStore) {
	ctx := context.Background()

	for i, code := range []string{"7203", "6758", "7203", "9984"} {
		require.NoError(t, s.InsertAttempt(ctx, &model.AttemptRecord{
			ID:             fmt.Sprintf("att-%d", i),
			Code:           code,
			URL:            "https://example.test/" + code,
			Status:         model.StatusSuccess,
			HTTPStatus:     200,
			ResponseTimeMs: int64(100 * (i + 1)),
			Strategy:       model.StrategyFetch,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.InsertAttempt(ctx, &model.AttemptRecord{
		ID:           "att-old",
		Code:         "7203",
		Status:       model.StatusError,
		ErrorMessage: "timeout",
		Strategy:     model.StrategyRender,
		CreatedAt:    base.AddDate(0, 0, -40),
	}))

	all, err := s.ListAttempts(ctx, "", 100, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "att-3", all[0].ID)
	require.Equal(t, "att-old", all[4].ID)
	require.Equal(t, "timeout", all[4].ErrorMessage)
	require.Zero(t, all[4].HTTPStatus)

	page, err := s.ListAttempts(ctx, "7203", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "att-0", page[0].ID)

	for _, hour := range []int{9, 10} {
		require.NoError(t, s.UpdateBucket(ctx, "2026-03-02", hour, func(b *model.MetricsBucket) {
			b.TotalRequests++
			b.StrategyCounts["fetch"]++
			b.UpdatedAt = base
		}))
	}
	require.NoError(t, s.UpdateBucket(ctx, "2026-03-02", 9, func(b *model.MetricsBucket) {
		require.EqualValues(t, 1, b.TotalRequests)
		b.TotalRequests++
		b.StrategyCounts["render"]++
	}))
	require.NoError(t, s.UpdateBucket(ctx, "2026-01-10", 0, func(b *model.MetricsBucket) {
		b.TotalRequests = 7
	}))

	buckets, err := s.BucketsSince(ctx, "2026-02-24")
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, 10, buckets[0].Hour)
	require.EqualValues(t, 2, buckets[1].TotalRequests)
	require.Equal(t, map[string]int64{"fetch": 1, "render": 1}, buckets[1].StrategyCounts)

	n, err := s.DeleteAttemptsBefore(ctx, base.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.DeleteBucketsBefore(ctx, "2026-01-31")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMemoryStore_CacheRecords(t *testing.T) {
	cacheStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_Telemetry(t *testing.T) {
	telemetryStoreContract(t, NewMemoryStore())
}

func TestSQLiteStore_CacheRecords(t *testing.T) {
	cacheStoreContract(t, newSQLite(t))
}

func TestSQLiteStore_Telemetry(t *testing.T) {
	telemetryStoreContract(t, newSQLite(t))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scout.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.InsertCacheRecord(context.Background(), record("r1", "7203", base, time.Hour)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.LatestCacheRecord(context.Background(), "7203", base)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "r1", rec.ID)
}

func TestSQLiteStore_ClosedDatabaseIsStoreFailure(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "scout.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.InsertCacheRecord(context.Background(), record("x", "7203", base, time.Hour))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreFailure))
}
