// Package recorder keeps the scraping attempt log and its hourly metrics.
package recorder

import (
	"context"
	"log"
	"math"
	"time"

	"StockScout/internal/model"

	"github.com/google/uuid"
)

// Store persists attempts and metrics buckets. Implementations live in
// internal/store.
type Store interface {
	InsertAttempt(ctx context.Context, rec *model.AttemptRecord) error
	// UpdateBucket loads or creates the bucket for (date, hour), lets fn
	// mutate it and saves it atomically.
	UpdateBucket(ctx context.Context, date string, hour int, fn func(*model.MetricsBucket)) error
	// ListAttempts returns attempts newest first; an empty code matches all.
	ListAttempts(ctx context.Context, code string, limit, offset int) ([]model.AttemptRecord, error)
	// BucketsSince returns buckets with date >= date, newest first.
	BucketsSince(ctx context.Context, date string) ([]model.MetricsBucket, error)
	DeleteAttemptsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteBucketsBefore(ctx context.Context, date string) (int64, error)
}

// Details carries the optional fields of an attempt.
type Details struct {
	HTTPStatus   int
	ResponseTime time.Duration
	RetryCount   int
	Err          error
	Strategy     model.Strategy
}

// Filter selects attempts for Query.
type Filter struct {
	Code   string
	Limit  int
	Offset int
}

// Summary aggregates the buckets of the last few days.
type Summary struct {
	Days               int                   `json:"days"`
	TotalRequests      int64                 `json:"total_requests"`
	SuccessfulRequests int64                 `json:"successful_requests"`
	FailedRequests     int64                 `json:"failed_requests"`
	CacheHits          int64                 `json:"cache_hits"`
	StrategyCounts     map[string]int64      `json:"strategy_counts"`
	SuccessRate        float64               `json:"success_rate"`
	AvgResponseTimeMs  int64                 `json:"avg_response_time_ms"`
	Hourly             []model.MetricsBucket `json:"hourly"`
}

// PurgeResult reports what Purge removed.
type PurgeResult struct {
	LogsDeleted    int64 `json:"logs_deleted"`
	MetricsDeleted int64 `json:"metrics_deleted"`
}

const (
	defaultLimit     = 100
	defaultDays      = 7
	defaultRetention = 30
	dateLayout       = "2006-01-02"
)

// AttemptLog records acquisition attempts. Writes are best-effort: a store
// failure is logged and never reaches the caller.
type AttemptLog struct {
	store Store
	now   func() time.Time
}

func New(store Store, now func() time.Time) *AttemptLog {
	if now == nil {
		now = time.Now
	}
	return &AttemptLog{store: store, now: now}
}

// Record appends one attempt and folds it into its hourly bucket.
func (l *AttemptLog) Record(ctx context.Context, code, url string, status model.AttemptStatus, d Details) {
	now := l.now().UTC()
	rec := &model.AttemptRecord{
		ID:             uuid.NewString(),
		Code:           code,
		URL:            url,
		Status:         status,
		HTTPStatus:     d.HTTPStatus,
		ResponseTimeMs: d.ResponseTime.Milliseconds(),
		RetryCount:     d.RetryCount,
		Strategy:       d.Strategy,
		CreatedAt:      now,
	}
	if d.Err != nil {
		rec.ErrorMessage = d.Err.Error()
	}
	if err := l.store.InsertAttempt(ctx, rec); err != nil {
		log.Printf("[WARN] recorder: log attempt for %s failed: %v", code, err)
	}

	err := l.store.UpdateBucket(ctx, now.Format(dateLayout), now.Hour(), func(b *model.MetricsBucket) {
		apply(b, rec, now)
	})
	if err != nil {
		log.Printf("[WARN] recorder: update metrics for %s failed: %v", code, err)
	}
}

func apply(b *model.MetricsBucket, rec *model.AttemptRecord, now time.Time) {
	oldCount := b.TotalRequests
	b.TotalRequests++
	switch rec.Status {
	case model.StatusSuccess:
		b.SuccessfulRequests++
	case model.StatusError:
		b.FailedRequests++
	case model.StatusCache:
		b.CacheHits++
	}
	if rec.Strategy != "" {
		if b.StrategyCounts == nil {
			b.StrategyCounts = map[string]int64{}
		}
		b.StrategyCounts[string(rec.Strategy)]++
	}
	if rec.ResponseTimeMs > 0 {
		sum := float64(b.AvgResponseTimeMs)*float64(oldCount) + float64(rec.ResponseTimeMs)
		b.AvgResponseTimeMs = int64(math.Round(sum / float64(b.TotalRequests)))
	}
	b.UpdatedAt = now
}

// Query lists attempts newest first.
func (l *AttemptLog) Query(ctx context.Context, f Filter) ([]model.AttemptRecord, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return l.store.ListAttempts(ctx, f.Code, f.Limit, f.Offset)
}

// Summarize aggregates the buckets of the last daysBack days (default 7).
func (l *AttemptLog) Summarize(ctx context.Context, daysBack int) (*Summary, error) {
	if daysBack <= 0 {
		daysBack = defaultDays
	}
	since := l.now().UTC().AddDate(0, 0, -daysBack).Format(dateLayout)
	buckets, err := l.store.BucketsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	s := &Summary{Days: daysBack, StrategyCounts: map[string]int64{}, Hourly: buckets}
	var weighted float64
	for _, b := range buckets {
		s.TotalRequests += b.TotalRequests
		s.SuccessfulRequests += b.SuccessfulRequests
		s.FailedRequests += b.FailedRequests
		s.CacheHits += b.CacheHits
		for k, v := range b.StrategyCounts {
			s.StrategyCounts[k] += v
		}
		weighted += float64(b.AvgResponseTimeMs) * float64(b.TotalRequests)
	}
	if s.TotalRequests > 0 {
		s.AvgResponseTimeMs = int64(math.Round(weighted / float64(s.TotalRequests)))
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}
	return s, nil
}

// Purge deletes attempts and buckets older than retentionDays (default 30).
func (l *AttemptLog) Purge(ctx context.Context, retentionDays int) (PurgeResult, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetention
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays)

	var res PurgeResult
	n, err := l.store.DeleteAttemptsBefore(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.LogsDeleted = n

	n, err = l.store.DeleteBucketsBefore(ctx, cutoff.Format(dateLayout))
	if err != nil {
		return res, err
	}
	res.MetricsDeleted = n

	log.Printf("[INFO] recorder: purged %d logs and %d metric buckets older than %d days",
		res.LogsDeleted, res.MetricsDeleted, retentionDays)
	return res, nil
}
