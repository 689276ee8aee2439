package model

import "time"

// AttemptStatus is the outcome class of one acquisition attempt.
type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusError   AttemptStatus = "error"
	StatusCache   AttemptStatus = "cache"
)

// AttemptRecord is one row of the scraping attempt log.
type AttemptRecord struct {
	ID             string        `json:"id"`
	Code           string        `json:"code"`
	URL            string        `json:"url"`
	Status         AttemptStatus `json:"status"`
	HTTPStatus     int           `json:"http_status,omitempty"`
	ResponseTimeMs int64         `json:"response_time_ms,omitempty"`
	RetryCount     int           `json:"retry_count"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Strategy       Strategy      `json:"strategy"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MetricsBucket aggregates attempts for one UTC (date, hour).
type MetricsBucket struct {
	Date               string           `json:"date"` // YYYY-MM-DD
	Hour               int              `json:"hour"`
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	CacheHits          int64            `json:"cache_hits"`
	StrategyCounts     map[string]int64 `json:"strategy_counts"`
	AvgResponseTimeMs  int64            `json:"avg_response_time_ms"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// CacheRecord is a persistent-tier cache row. Several may exist per code;
// the newest unexpired one wins.
type CacheRecord struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	RawPayload string    `json:"raw_payload"`
	Snapshot   []byte    `json:"snapshot"`
	InsertedAt time.Time `json:"inserted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	HitCount   int64     `json:"hit_count"`
	LastHitAt  time.Time `json:"last_hit_at"`
}
