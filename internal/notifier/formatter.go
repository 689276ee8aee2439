package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"StockScout/internal/breaker"
	"StockScout/internal/pipeline"
	"StockScout/internal/recorder"
)

// FormatBreakerAlert formats a circuit transition.
func FormatBreakerAlert(name string, from, to breaker.State) string {
	icon := "ℹ️"
	switch to {
	case breaker.Open:
		icon = "🚨"
	case breaker.Closed:
		icon = "✅"
	}
	return fmt.Sprintf("%s <b>Circuit %s</b>: %s → %s", icon, html.EscapeString(name), from, to)
}

// FormatStatus renders the aggregate pipeline status.
func FormatStatus(st *pipeline.Status) string {
	var b strings.Builder
	b.WriteString("📡 <b>StockScout status</b>\n\n")

	b.WriteString(fmt.Sprintf("Memory cache: %d/%d\n", st.Cache.MemorySize, st.Cache.MemoryMaxSize))
	p := st.Cache.Persistent
	b.WriteString(fmt.Sprintf("Persistent: %d active, %d expired, %d hits\n\n",
		p.ActiveEntries, p.ExpiredEntries, p.TotalHits))

	q := st.Queue
	b.WriteString(fmt.Sprintf("Queue: %d waiting, %d/%d active\n", q.QueueLength, q.ActiveRequests, q.MaxConcurrent))
	b.WriteString(fmt.Sprintf("Interval: %s (success %.0f%%, %d consecutive failures)\n\n",
		q.CurrentInterval.Round(100*time.Millisecond), q.SuccessRate*100, q.ConsecutiveFailures))

	for _, c := range st.Circuits {
		line := fmt.Sprintf("Circuit %s: %s (%d/%d failures)", c.Name, c.State, c.ConsecutiveFailures, c.Threshold)
		if c.State == breaker.Open {
			line += fmt.Sprintf(", retry in %s", c.NextAttemptIn.Round(time.Second))
		}
		b.WriteString(line + "\n")
	}

	if st.Pool != nil {
		b.WriteString(fmt.Sprintf("\nBrowsers: %d/%d active\n", st.Pool.ActiveResources, st.Pool.PoolSize))
		for _, r := range st.Pool.Resources {
			b.WriteString(fmt.Sprintf("  #%d: %d requests, %ds old\n", r.Index, r.Requests, r.AgeSeconds))
		}
	}
	return b.String()
}

// FormatDigest renders the metrics summary.
func FormatDigest(sum *recorder.Summary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>Scraping digest</b> | last %d days\n\n", sum.Days))
	b.WriteString(fmt.Sprintf("Requests: %d\n", sum.TotalRequests))
	b.WriteString(fmt.Sprintf("Successful: %d | Failed: %d | Cache hits: %d\n",
		sum.SuccessfulRequests, sum.FailedRequests, sum.CacheHits))
	b.WriteString(fmt.Sprintf("Success rate: %.1f%%\n", sum.SuccessRate*100))
	b.WriteString(fmt.Sprintf("Avg response: %dms\n", sum.AvgResponseTimeMs))

	if len(sum.StrategyCounts) > 0 {
		names := make([]string, 0, len(sum.StrategyCounts))
		for name := range sum.StrategyCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("\nBy strategy:\n")
		for _, name := range names {
			b.WriteString(fmt.Sprintf("  %s: %d\n", name, sum.StrategyCounts[name]))
		}
	}
	return b.String()
}
