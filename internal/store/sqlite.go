package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"StockScout/internal/cache"
	"StockScout/internal/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists cache records, attempts and metrics buckets in one
// SQLite database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] sqlite store opened: %s", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stock_price_cache (
			id          TEXT PRIMARY KEY,
			stock_code  TEXT NOT NULL,
			raw_payload TEXT,
			snapshot    TEXT NOT NULL,
			inserted_at INTEGER NOT NULL,
			expires_at  INTEGER NOT NULL,
			hit_count   INTEGER NOT NULL DEFAULT 0,
			last_hit_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_code ON stock_price_cache(stock_code, inserted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires ON stock_price_cache(expires_at)`,

		`CREATE TABLE IF NOT EXISTS scraping_logs (
			id               TEXT PRIMARY KEY,
			stock_code       TEXT NOT NULL,
			url              TEXT,
			status           TEXT NOT NULL,
			http_status      INTEGER,
			response_time_ms INTEGER,
			retry_count      INTEGER NOT NULL DEFAULT 0,
			error_message    TEXT,
			strategy         TEXT,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created ON scraping_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_code ON scraping_logs(stock_code, created_at)`,

		`CREATE TABLE IF NOT EXISTS scraping_metrics (
			date                 TEXT NOT NULL,
			hour                 INTEGER NOT NULL,
			total_requests       INTEGER NOT NULL DEFAULT 0,
			successful_requests  INTEGER NOT NULL DEFAULT 0,
			failed_requests      INTEGER NOT NULL DEFAULT 0,
			cache_hits           INTEGER NOT NULL DEFAULT 0,
			strategy_counts      TEXT NOT NULL DEFAULT '{}',
			avg_response_time_ms INTEGER NOT NULL DEFAULT 0,
			updated_at           INTEGER NOT NULL,
			PRIMARY KEY (date, hour)
		)`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return fmt.Errorf("exec %q: %w", st[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) InsertCacheRecord(ctx context.Context, rec *model.CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO stock_price_cache
		(id, stock_code, raw_payload, snapshot, inserted_at, expires_at, hit_count, last_hit_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Code, rec.RawPayload, string(rec.Snapshot),
		toMillis(rec.InsertedAt), toMillis(rec.ExpiresAt), rec.HitCount, nullMillis(rec.LastHitAt),
	)
	return failure("insert cache record", err)
}

const cacheColumns = `id, stock_code, raw_payload, snapshot, inserted_at, expires_at, hit_count, last_hit_at`

func scanCacheRecord(row interface{ Scan(...any) error }) (*model.CacheRecord, error) {
	var (
		rec               model.CacheRecord
		raw               sql.NullString
		snapshot          string
		inserted, expires int64
		lastHit           sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Code, &raw, &snapshot, &inserted, &expires, &rec.HitCount, &lastHit); err != nil {
		return nil, err
	}
	rec.RawPayload = raw.String
	rec.Snapshot = []byte(snapshot)
	rec.InsertedAt = fromMillis(inserted)
	rec.ExpiresAt = fromMillis(expires)
	if lastHit.Valid {
		rec.LastHitAt = fromMillis(lastHit.Int64)
	}
	return &rec, nil
}

func (s *SQLiteStore) LatestCacheRecord(ctx context.Context, code string, now time.Time) (*model.CacheRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM stock_price_cache
		WHERE stock_code = ? AND expires_at > ?
		ORDER BY inserted_at DESC, rowid DESC LIMIT 1`, code, toMillis(now))
	rec, err := scanCacheRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, failure("latest cache record", err)
	}
	return rec, nil
}

func (s *SQLiteStore) BumpCacheHit(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE stock_price_cache
		SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`, toMillis(at), id)
	return failure("bump cache hit", err)
}

func (s *SQLiteStore) ListCacheRecords(ctx context.Context, code string) ([]model.CacheRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cacheColumns+` FROM stock_price_cache
		WHERE stock_code = ? ORDER BY inserted_at DESC, rowid DESC`, code)
	if err != nil {
		return nil, failure("list cache records", err)
	}
	defer rows.Close()

	var out []model.CacheRecord
	for rows.Next() {
		rec, err := scanCacheRecord(rows)
		if err != nil {
			return nil, failure("scan cache record", err)
		}
		out = append(out, *rec)
	}
	return out, failure("list cache records", rows.Err())
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, failure(op, err)
	}
	n, err := res.RowsAffected()
	return n, failure(op, err)
}

func (s *SQLiteStore) DeleteExpiredCacheRecords(ctx context.Context, now time.Time) (int64, error) {
	return s.exec(ctx, "delete expired cache records",
		`DELETE FROM stock_price_cache WHERE expires_at <= ?`, toMillis(now))
}

func (s *SQLiteStore) DeleteCacheRecordsByCode(ctx context.Context, code string) (int64, error) {
	return s.exec(ctx, "delete cache records",
		`DELETE FROM stock_price_cache WHERE stock_code = ?`, code)
}

func (s *SQLiteStore) DeleteAllCacheRecords(ctx context.Context) (int64, error) {
	return s.exec(ctx, "clear cache records", `DELETE FROM stock_price_cache`)
}

func (s *SQLiteStore) CacheRecordStats(ctx context.Context, now time.Time) (cache.PersistentStats, error) {
	var st cache.PersistentStats
	err := s.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(hit_count), 0)
		FROM stock_price_cache`, toMillis(now)).Scan(&st.TotalEntries, &st.ExpiredEntries, &st.TotalHits)
	if err != nil {
		return st, failure("cache stats", err)
	}
	st.ActiveEntries = st.TotalEntries - st.ExpiredEntries
	return st, nil
}

func (s *SQLiteStore) InsertAttempt(ctx context.Context, rec *model.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var httpStatus, responseTime sql.NullInt64
	if rec.HTTPStatus != 0 {
		httpStatus = sql.NullInt64{Int64: int64(rec.HTTPStatus), Valid: true}
	}
	if rec.ResponseTimeMs != 0 {
		responseTime = sql.NullInt64{Int64: rec.ResponseTimeMs, Valid: true}
	}
	var errMsg sql.NullString
	if rec.ErrorMessage != "" {
		errMsg = sql.NullString{String: rec.ErrorMessage, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO scraping_logs
		(id, stock_code, url, status, http_status, response_time_ms, retry_count, error_message, strategy, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Code, rec.URL, string(rec.Status), httpStatus, responseTime,
		rec.RetryCount, errMsg, string(rec.Strategy), toMillis(rec.CreatedAt),
	)
	return failure("insert attempt", err)
}

// UpdateBucket loads (or creates) the bucket for date/hour, applies fn and
// writes it back in one transaction.
func (s *SQLiteStore) UpdateBucket(ctx context.Context, date string, hour int, fn func(*model.MetricsBucket)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure("begin bucket update", err)
	}
	defer tx.Rollback()

	b, err := scanBucket(tx.QueryRowContext(ctx, `SELECT `+bucketColumns+`
		FROM scraping_metrics WHERE date = ? AND hour = ?`, date, hour))
	switch {
	case err == sql.ErrNoRows:
		b = &model.MetricsBucket{Date: date, Hour: hour, StrategyCounts: map[string]int64{}}
	case err != nil:
		return failure("load bucket", err)
	}

	fn(b)

	counts, err := json.Marshal(b.StrategyCounts)
	if err != nil {
		return fmt.Errorf("encode strategy counts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO scraping_metrics
		(date, hour, total_requests, successful_requests, failed_requests, cache_hits,
		 strategy_counts, avg_response_time_ms, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(date, hour) DO UPDATE SET
			total_requests = excluded.total_requests,
			successful_requests = excluded.successful_requests,
			failed_requests = excluded.failed_requests,
			cache_hits = excluded.cache_hits,
			strategy_counts = excluded.strategy_counts,
			avg_response_time_ms = excluded.avg_response_time_ms,
			updated_at = excluded.updated_at`,
		b.Date, b.Hour, b.TotalRequests, b.SuccessfulRequests, b.FailedRequests, b.CacheHits,
		string(counts), b.AvgResponseTimeMs, toMillis(b.UpdatedAt),
	)
	if err != nil {
		return failure("save bucket", err)
	}
	return failure("commit bucket update", tx.Commit())
}

const bucketColumns = `date, hour, total_requests, successful_requests, failed_requests,
	cache_hits, strategy_counts, avg_response_time_ms, updated_at`

func scanBucket(row interface{ Scan(...any) error }) (*model.MetricsBucket, error) {
	var (
		b       model.MetricsBucket
		counts  string
		updated int64
	)
	if err := row.Scan(&b.Date, &b.Hour, &b.TotalRequests, &b.SuccessfulRequests, &b.FailedRequests,
		&b.CacheHits, &counts, &b.AvgResponseTimeMs, &updated); err != nil {
		return nil, err
	}
	b.StrategyCounts = map[string]int64{}
	if counts != "" {
		if err := json.Unmarshal([]byte(counts), &b.StrategyCounts); err != nil {
			return nil, fmt.Errorf("decode strategy counts: %w", err)
		}
	}
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, code string, limit, offset int) ([]model.AttemptRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, stock_code, url, status, http_status, response_time_ms, retry_count,
		error_message, strategy, created_at FROM scraping_logs`
	var args []any
	if code != "" {
		query += ` WHERE stock_code = ?`
		args = append(args, code)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure("list attempts", err)
	}
	defer rows.Close()

	var out []model.AttemptRecord
	for rows.Next() {
		var (
			a                        model.AttemptRecord
			url, errMsg, strategy    sql.NullString
			status                   string
			httpStatus, responseTime sql.NullInt64
			created                  int64
		)
		if err := rows.Scan(&a.ID, &a.Code, &url, &status, &httpStatus, &responseTime,
			&a.RetryCount, &errMsg, &strategy, &created); err != nil {
			return nil, failure("scan attempt", err)
		}
		a.URL = url.String
		a.Status = model.AttemptStatus(status)
		a.HTTPStatus = int(httpStatus.Int64)
		a.ResponseTimeMs = responseTime.Int64
		a.ErrorMessage = errMsg.String
		a.Strategy = model.Strategy(strategy.String)
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	return out, failure("list attempts", rows.Err())
}

func (s *SQLiteStore) BucketsSince(ctx context.Context, date string) ([]model.MetricsBucket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bucketColumns+` FROM scraping_metrics
		WHERE date >= ? ORDER BY date DESC, hour DESC`, date)
	if err != nil {
		return nil, failure("list buckets", err)
	}
	defer rows.Close()

	var out []model.MetricsBucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, failure("scan bucket", err)
		}
		out = append(out, *b)
	}
	return out, failure("list buckets", rows.Err())
}

func (s *SQLiteStore) DeleteAttemptsBefore(ctx context.Context, t time.Time) (int64, error) {
	return s.exec(ctx, "purge attempts", `DELETE FROM scraping_logs WHERE created_at < ?`, toMillis(t))
}

func (s *SQLiteStore) DeleteBucketsBefore(ctx context.Context, date string) (int64, error) {
	return s.exec(ctx, "purge buckets", `DELETE FROM scraping_metrics WHERE date < ?`, date)
}

func (s *SQLiteStore) Close() error {
	log.Println("[INFO] closing sqlite store")
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
