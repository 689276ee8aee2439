package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"

	"StockScout/internal/cache"
	"StockScout/internal/model"
	"StockScout/internal/notifier"
	"StockScout/internal/pipeline"
	"StockScout/internal/recorder"

	"github.com/robfig/cron/v3"
)

// Pipeline is the part of *pipeline.Pipeline the scheduler drives.
type Pipeline interface {
	FetchWith(ctx context.Context, code string, opts pipeline.Options) (*model.StockSnapshot, error)
	CleanExpiredCache(ctx context.Context) (int64, error)
	CleanOldLogs(ctx context.Context, daysToKeep int) (recorder.PurgeResult, error)
	ScrapingMetrics(ctx context.Context, daysBack int) (*recorder.Summary, error)
	Status(ctx context.Context) (*pipeline.Status, error)
	ResetCircuitBreakers()
	ClearAllCaches(ctx context.Context) (cache.ClearResult, error)
}

// Sender delivers notifications. *notifier.TelegramNotifier satisfies it.
type Sender interface {
	SendWithRetry(ctx context.Context, text string, maxRetries int) error
}

// Jobs configures the cron expressions (with seconds) and job inputs.
type Jobs struct {
	SweepCron  string
	PurgeCron  string
	DigestCron string
	// WarmCron is only registered when Watchlist is not empty.
	WarmCron           string
	Watchlist          []string
	RetentionDays      int
	DigestDays         int
	BackgroundPriority int
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron     *cron.Cron
	Pipeline Pipeline
	// Notifier may be nil; messages are then only logged.
	Notifier Sender
	Ctx      context.Context

	jobs Jobs
}

// NewScheduler creates a new Scheduler.
func NewScheduler(ctx context.Context, p Pipeline, n Sender, jobs Jobs) *Scheduler {
	if jobs.RetentionDays <= 0 {
		jobs.RetentionDays = 30
	}
	if jobs.DigestDays <= 0 {
		jobs.DigestDays = 1
	}
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		Pipeline: p,
		Notifier: n,
		Ctx:      ctx,
		jobs:     jobs,
	}
}

// RegisterAll registers the sweep, purge, digest and warm-up tasks.
func (s *Scheduler) RegisterAll() error {
	if _, err := s.Cron.AddFunc(s.jobs.SweepCron, s.sweepTask); err != nil {
		return fmt.Errorf("register sweep task: %w", err)
	}
	if _, err := s.Cron.AddFunc(s.jobs.PurgeCron, s.purgeTask); err != nil {
		return fmt.Errorf("register purge task: %w", err)
	}
	if _, err := s.Cron.AddFunc(s.jobs.DigestCron, s.digestTask); err != nil {
		return fmt.Errorf("register digest task: %w", err)
	}
	if len(s.jobs.Watchlist) > 0 {
		if _, err := s.Cron.AddFunc(s.jobs.WarmCron, s.warmTask); err != nil {
			return fmt.Errorf("register warm-up task: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[INFO] scheduler started")
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Println("[INFO] scheduler stopped")
}

func (s *Scheduler) sweepTask() {
	n, err := s.Pipeline.CleanExpiredCache(s.Ctx)
	if err != nil {
		log.Printf("[ERROR] scheduler: sweep expired cache: %v", err)
		return
	}
	log.Printf("[INFO] scheduler: swept %d expired cache records", n)
}

func (s *Scheduler) purgeTask() {
	res, err := s.Pipeline.CleanOldLogs(s.Ctx, s.jobs.RetentionDays)
	if err != nil {
		log.Printf("[ERROR] scheduler: purge logs: %v", err)
		return
	}
	log.Printf("[INFO] scheduler: purged %d logs and %d metric buckets older than %d days",
		res.LogsDeleted, res.MetricsDeleted, s.jobs.RetentionDays)
}

func (s *Scheduler) digestTask() {
	sum, err := s.Pipeline.ScrapingMetrics(s.Ctx, s.jobs.DigestDays)
	if err != nil {
		log.Printf("[ERROR] scheduler: digest: %v", err)
		return
	}
	s.trySend(notifier.FormatDigest(sum))
}

// warmTask refreshes the watchlist at background priority so interactive
// requests are admitted first.
func (s *Scheduler) warmTask() {
	log.Printf("[INFO] scheduler: warming %d codes", len(s.jobs.Watchlist))
	var failed []string
	for _, code := range s.jobs.Watchlist {
		if s.Ctx.Err() != nil {
			return
		}
		_, err := s.Pipeline.FetchWith(s.Ctx, code, pipeline.Options{Priority: s.jobs.BackgroundPriority})
		if err != nil {
			log.Printf("[WARN] scheduler: warm %s: %v", code, err)
			failed = append(failed, code)
		}
	}
	if len(failed) > 0 {
		s.trySend(fmt.Sprintf("⚠️ <b>Warm-up</b>: %d/%d codes failed: %s",
			len(failed), len(s.jobs.Watchlist), strings.Join(failed, ", ")))
	}
}

// HandleCommand processes a user command and returns a reply.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	name := ""
	if fields := strings.Fields(command); len(fields) > 0 {
		name = fields[0]
	}
	switch name {
	case "/status":
		st, err := s.Pipeline.Status(ctx)
		if err != nil {
			return fmt.Sprintf("❌ status: %v", err)
		}
		return notifier.FormatStatus(st)
	case "/metrics":
		sum, err := s.Pipeline.ScrapingMetrics(ctx, 7)
		if err != nil {
			return fmt.Sprintf("❌ metrics: %v", err)
		}
		return notifier.FormatDigest(sum)
	case "/sweep":
		n, err := s.Pipeline.CleanExpiredCache(ctx)
		if err != nil {
			return fmt.Sprintf("❌ sweep: %v", err)
		}
		return fmt.Sprintf("🧹 Removed %d expired cache records", n)
	case "/reset":
		s.Pipeline.ResetCircuitBreakers()
		return "✅ Circuit breakers reset"
	case "/clear":
		res, err := s.Pipeline.ClearAllCaches(ctx)
		if err != nil {
			return fmt.Sprintf("❌ clear: %v", err)
		}
		return fmt.Sprintf("🗑 Cleared %d memory entries and %d persistent records",
			res.MemoryCleared, res.PersistentCleared)
	default:
		return "Commands:\n• /status\n• /metrics\n• /sweep\n• /reset\n• /clear"
	}
}

func (s *Scheduler) trySend(text string) {
	if s.Notifier == nil {
		log.Printf("[INFO] scheduler: %s", text)
		return
	}
	if err := s.Notifier.SendWithRetry(s.Ctx, text, 3); err != nil {
		log.Printf("[ERROR] scheduler: send notification: %v", err)
	}
}
