package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"StockScout/internal/breaker"
	"StockScout/internal/browser"
	"StockScout/internal/cache"
	"StockScout/internal/collector"
	"StockScout/internal/config"
	"StockScout/internal/extract"
	"StockScout/internal/model"
	"StockScout/internal/notifier"
	"StockScout/internal/pipeline"
	"StockScout/internal/queue"
	"StockScout/internal/recorder"
	"StockScout/internal/store"
)

// app owns every long-lived component built from the config.
type app struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	notifier *notifier.TelegramNotifier
	closers  []func() error
}

// build wires the stores, strategies and pipeline. When fixtures is set the
// upstream is replaced with <code>.html files from that directory.
func build(ctx context.Context, cfg *config.Config, fixtures string) (*app, error) {
	a := &app{cfg: cfg}
	if cfg.TelegramEnabled() {
		a.notifier = notifier.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Proxy)
	}

	cacheStore, logStore, err := a.openStores(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	var fetcher collector.Fetcher
	if fixtures != "" {
		mock, err := loadFixtures(fixtures)
		if err != nil {
			a.close()
			return nil, err
		}
		fetcher = mock
		log.Printf("[INFO] serving %d fixture pages from %s", len(mock.Pages), fixtures)
	} else {
		fetcher = collector.NewHTTPFetcher(collector.HTTPOptions{
			URLTemplate:  cfg.Upstream.URLTemplate,
			Timeout:      cfg.Upstream.Timeout,
			Retries:      cfg.Upstream.Retries,
			RetryBackoff: cfg.Upstream.RetryBackoff,
			RateLimit:    cfg.Upstream.RateLimitRPS,
			Burst:        cfg.Upstream.Burst,
			Proxy:        cfg.Proxy,
		})
	}

	deps := pipeline.Deps{
		Cache: cache.New(cacheStore, cache.Options{
			MemoryTTL:     cfg.Cache.MemoryTTL,
			PersistentTTL: cfg.Cache.PersistentTTL,
			MaxEntries:    cfg.Cache.MaxEphemeralEntries,
		}),
		Queue: queue.New(queue.Options{
			MaxConcurrent:      cfg.Queue.MaxConcurrent,
			MinInterval:        cfg.Queue.MinInterval,
			MaxInterval:        cfg.Queue.MaxInterval,
			FailurePenaltyUnit: cfg.Queue.FailurePenaltyUnit,
			FailurePenaltyCap:  cfg.Queue.FailurePenaltyCap,
			MaxDelayCap:        cfg.Queue.MaxDelayCap,
			WindowSize:         cfg.Queue.WindowSize,
		}),
		Fetcher:      fetcher,
		FetchBreaker: a.newBreaker(string(model.StrategyFetch), cfg.Breakers.Fetch),
		Parser:       extract.NewKabutanParser(),
		Log:          recorder.New(logStore, nil),
	}

	if cfg.Browser.Enabled && fixtures == "" {
		pool := browser.NewPool(&browser.ChromeLauncher{
			ExecPath:  cfg.Browser.ExecPath,
			UserAgent: browser.DefaultUserAgent,
		}, browser.Options{
			PoolSize:               cfg.Browser.PoolSize,
			MaxRequestsPerResource: cfg.Browser.MaxRequestsPerResource,
			MaxResourceAge:         cfg.Browser.MaxResourceAge,
		})
		deps.Pool = pool
		deps.Renderer = collector.NewRenderFetcher(pool, cfg.Upstream.URLTemplate, cfg.Browser.RenderTimeout)
		deps.RenderBreaker = a.newBreaker(string(model.StrategyRender), cfg.Breakers.Render)
	}

	a.pipeline = pipeline.New(deps, pipeline.Settings{
		DefaultPriority: cfg.Queue.DefaultPriority,
		URLTemplate:     cfg.Upstream.URLTemplate,
	})
	return a, nil
}

func (a *app) openStores(ctx context.Context) (cache.Store, recorder.Store, error) {
	cfg := a.cfg
	if cfg.Cache.Backend == "memory" {
		log.Println("[INFO] using in-memory store, nothing survives a restart")
		ms := store.NewMemoryStore()
		return ms, ms, nil
	}

	if dir := filepath.Dir(cfg.Database.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	sqlite, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	a.closers = append(a.closers, sqlite.Close)
	if cfg.Cache.Backend == "sqlite" {
		return sqlite, sqlite, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rdb, err := store.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	return store.NewRedisCacheStore(rdb, cfg.Redis.Prefix), sqlite, nil
}

func (a *app) newBreaker(name string, bc config.BreakerConfig) *breaker.Breaker {
	return breaker.New(name, breaker.Options{
		FailureThreshold: bc.FailureThreshold,
		ResetTimeout:     bc.ResetTimeout,
		OnStateChange:    a.alertStateChange,
	})
}

// alertStateChange notifies on a circuit opening and on its recovery.
func (a *app) alertStateChange(name string, from, to breaker.State) {
	if a.notifier == nil || to == breaker.HalfOpen {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.notifier.SendWithRetry(ctx, notifier.FormatBreakerAlert(name, from, to), 2); err != nil {
			log.Printf("[ERROR] breaker alert: %v", err)
		}
	}()
}

// oneShot fetches codes in order, writes the snapshots as a JSON array to out
// and returns the process exit code.
func (a *app) oneShot(ctx context.Context, codes []string, out io.Writer, strategy model.Strategy) int {
	snaps := make([]*model.StockSnapshot, 0, len(codes))
	code := 0
	for _, c := range codes {
		snap, err := a.pipeline.FetchWith(ctx, c, pipeline.Options{
			Priority: a.cfg.Queue.DefaultPriority,
			Strategy: strategy,
		})
		if err != nil {
			msg := err.Error()
			if wait, ok := pipeline.RetryAfter(err); ok {
				msg += fmt.Sprintf(" (retry in %s)", wait.Round(time.Second))
			}
			log.Printf("[ERROR] %s", msg)
			code = 1
			continue
		}
		snaps = append(snaps, snap)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snaps); err != nil {
		log.Printf("[ERROR] write output: %v", err)
		return 1
	}
	return code
}

func (a *app) close() {
	if a.pipeline != nil {
		a.pipeline.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("[WARN] close: %v", err)
		}
	}
}

// loadFixtures maps files named like name_<code>.html or <code>.html to
// their stock code.
func loadFixtures(dir string) (*collector.MockFetcher, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil {
		return nil, fmt.Errorf("list fixtures: %w", err)
	}
	pages := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read fixture: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(p), ".html")
		if i := strings.LastIndex(name, "_"); i >= 0 {
			name = name[i+1:]
		}
		pages[name] = data
	}
	return &collector.MockFetcher{Pages: pages}, nil
}
