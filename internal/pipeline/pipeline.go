// Package pipeline is the acquisition entry point: cache lookup, queued and
// breaker-guarded upstream fetches with strategy escalation, and telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"StockScout/internal/breaker"
	"StockScout/internal/browser"
	"StockScout/internal/cache"
	"StockScout/internal/collector"
	"StockScout/internal/extract"
	"StockScout/internal/model"
	"StockScout/internal/queue"
	"StockScout/internal/recorder"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrInvalidCode is returned for an empty stock code.
	ErrInvalidCode = errors.New("invalid stock code")
	// ErrStrategyUnavailable is returned when rendering is requested but no
	// browser pool is configured.
	ErrStrategyUnavailable = errors.New("strategy unavailable")
)

// Deps are the components a Pipeline drives. Renderer, RenderBreaker and Pool
// may be nil when rendering is disabled.
type Deps struct {
	Cache         *cache.TieredCache
	Queue         *queue.Queue
	Fetcher       collector.Fetcher
	Renderer      collector.Fetcher
	FetchBreaker  *breaker.Breaker
	RenderBreaker *breaker.Breaker
	Pool          *browser.Pool
	Parser        extract.Parser
	Log           *recorder.AttemptLog
}

// Settings holds pipeline-level tuning.
type Settings struct {
	DefaultPriority int
	URLTemplate     string
	Now             func() time.Time
}

// Options selects how one fetch is performed.
type Options struct {
	Priority int
	// Strategy forces model.StrategyRender; anything else starts with the
	// lightweight fetch.
	Strategy model.Strategy
}

// Pipeline serves snapshots. It is safe for concurrent use.
type Pipeline struct {
	deps     Deps
	settings Settings
	flight   singleflight.Group
}

func New(deps Deps, settings Settings) *Pipeline {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if deps.FetchBreaker == nil {
		deps.FetchBreaker = breaker.New(string(model.StrategyFetch), breaker.Options{ResetTimeout: time.Minute})
	}
	if deps.Renderer != nil && deps.RenderBreaker == nil {
		deps.RenderBreaker = breaker.New(string(model.StrategyRender), breaker.Options{ResetTimeout: 2 * time.Minute})
	}
	return &Pipeline{deps: deps, settings: settings}
}

// Fetch returns the snapshot for code at the default priority.
func (p *Pipeline) Fetch(ctx context.Context, code string) (*model.StockSnapshot, error) {
	return p.FetchWith(ctx, code, Options{Priority: p.settings.DefaultPriority})
}

// FetchWith returns the snapshot for code. Cached snapshots are returned
// without touching the upstream; concurrent misses for the same code share
// one upstream acquisition.
func (p *Pipeline) FetchWith(ctx context.Context, code string, opts Options) (*model.StockSnapshot, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	url := collector.URLFor(p.settings.URLTemplate, code)

	if snap, tier, ok := p.deps.Cache.Get(ctx, code); ok {
		strategy := model.StrategyMemoryCache
		if tier == cache.TierPersistent {
			strategy = model.StrategyPersistentCache
		}
		p.deps.Log.Record(context.WithoutCancel(ctx), code, url, model.StatusCache, recorder.Details{Strategy: strategy})
		return snap, nil
	}

	key := code
	if opts.Strategy == model.StrategyRender {
		key += "|render"
	}
	// The caller's ctx only bounds the wait for a queue slot. Once started,
	// the upstream call runs to completion so a departing caller cannot
	// trip the breaker or spoil the shared result.
	work := context.WithoutCancel(ctx)
	v, err, shared := p.flight.Do(key, func() (any, error) {
		return p.deps.Queue.Do(ctx, opts.Priority, func(context.Context) (any, error) {
			return p.acquire(work, code, url, opts.Strategy)
		})
	})
	if shared {
		log.Printf("[INFO] pipeline: %s served by a shared in-flight fetch", code)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", code, err)
	}
	return v.(*model.StockSnapshot), nil
}

// acquire runs inside a queue slot.
func (p *Pipeline) acquire(ctx context.Context, code, url string, want model.Strategy) (*model.StockSnapshot, error) {
	start := p.settings.Now()
	snap, page, used, err := p.run(ctx, code, want)
	elapsed := p.settings.Now().Sub(start)
	bg := context.WithoutCancel(ctx)

	if err != nil {
		d := recorder.Details{ResponseTime: elapsed, Err: err, Strategy: used}
		var fe *collector.Error
		if errors.As(err, &fe) {
			d.HTTPStatus = fe.StatusCode
			d.RetryCount = max(fe.Attempts-1, 0)
		} else if page != nil {
			d.HTTPStatus = page.StatusCode
			d.RetryCount = max(page.Attempts-1, 0)
		}
		p.deps.Log.Record(bg, code, url, model.StatusError, d)
		log.Printf("[ERROR] pipeline: %s failed via %s after %s: %v", code, used, elapsed.Round(time.Millisecond), err)
		return nil, err
	}

	snap.Strategy = used
	snap.FetchedAt = p.settings.Now().UTC()
	if err := p.deps.Cache.Put(bg, code, snap, string(page.HTML)); err != nil {
		log.Printf("[WARN] pipeline: cache write for %s failed: %v", code, err)
	}
	p.deps.Log.Record(bg, code, url, model.StatusSuccess, recorder.Details{
		HTTPStatus:   page.StatusCode,
		ResponseTime: elapsed,
		RetryCount:   max(page.Attempts-1, 0),
		Strategy:     used,
	})
	log.Printf("[INFO] pipeline: %s %s via %s, %d bars (%s)",
		code, snap.Name, used, len(snap.Historical), elapsed.Round(time.Millisecond))
	return snap, nil
}

// run tries the lightweight strategy first and escalates to rendering when
// the upstream blocks us, the fetch circuit is open or the markup does not
// parse.
func (p *Pipeline) run(ctx context.Context, code string, want model.Strategy) (*model.StockSnapshot, *collector.Page, model.Strategy, error) {
	if want != model.StrategyRender {
		snap, page, err := p.attempt(ctx, p.deps.FetchBreaker, p.deps.Fetcher, code)
		if err == nil {
			return snap, page, model.StrategyFetch, nil
		}
		if !shouldEscalate(err) || p.deps.Renderer == nil {
			return nil, page, model.StrategyFetch, err
		}
		log.Printf("[WARN] pipeline: %s via fetch: %v, escalating to render", code, err)
	}

	if p.deps.Renderer == nil {
		return nil, nil, model.StrategyRender, ErrStrategyUnavailable
	}
	snap, page, err := p.attempt(ctx, p.deps.RenderBreaker, p.deps.Renderer, code)
	return snap, page, model.StrategyRender, err
}

// attempt fetches through br and parses outside it, so markup changes do not
// trip the circuit.
func (p *Pipeline) attempt(ctx context.Context, br *breaker.Breaker, f collector.Fetcher, code string) (*model.StockSnapshot, *collector.Page, error) {
	var page *collector.Page
	err := br.Execute(func() error {
		var err error
		page, err = f.Fetch(ctx, code)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	snap, err := p.deps.Parser.Parse(code, page.HTML)
	if err != nil {
		return nil, page, err
	}
	return snap, page, nil
}

func shouldEscalate(err error) bool {
	return errors.Is(err, collector.ErrUpstreamBlocked) ||
		errors.Is(err, breaker.ErrCircuitOpen) ||
		errors.Is(err, extract.ErrParseFailure)
}

// IsRetryable reports whether err is transient on our side: an open circuit
// or an unavailable browser pool.
func IsRetryable(err error) bool {
	return errors.Is(err, breaker.ErrCircuitOpen) ||
		errors.Is(err, browser.ErrPoolExhausted) ||
		errors.Is(err, browser.ErrResourceCreation)
}

// RetryAfter returns the wait suggested by an open circuit.
func RetryAfter(err error) (time.Duration, bool) {
	var oe *breaker.OpenError
	if errors.As(err, &oe) {
		return oe.RetryAfter, true
	}
	return 0, false
}
