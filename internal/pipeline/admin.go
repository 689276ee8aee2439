package pipeline

import (
	"context"
	"log"

	"StockScout/internal/breaker"
	"StockScout/internal/browser"
	"StockScout/internal/cache"
	"StockScout/internal/model"
	"StockScout/internal/queue"
	"StockScout/internal/recorder"
)

// Status aggregates every component's health.
type Status struct {
	Cache    cache.Stats        `json:"cache"`
	Queue    queue.Stats        `json:"queue"`
	Circuits []breaker.Snapshot `json:"circuits"`
	Pool     *browser.Stats     `json:"pool,omitempty"`
}

func (p *Pipeline) ClearAllCaches(ctx context.Context) (cache.ClearResult, error) {
	return p.deps.Cache.ClearAll(ctx)
}

// InvalidateCode drops one code from both cache tiers.
func (p *Pipeline) InvalidateCode(ctx context.Context, code string) (int64, error) {
	return p.deps.Cache.Invalidate(ctx, code)
}

func (p *Pipeline) CacheRecords(ctx context.Context, code string) ([]model.CacheRecord, error) {
	return p.deps.Cache.Records(ctx, code)
}

func (p *Pipeline) CacheStats(ctx context.Context) (cache.Stats, error) {
	return p.deps.Cache.Stats(ctx)
}

func (p *Pipeline) CleanExpiredCache(ctx context.Context) (int64, error) {
	return p.deps.Cache.SweepExpired(ctx)
}

func (p *Pipeline) QueueStats() queue.Stats {
	return p.deps.Queue.Stats()
}

func (p *Pipeline) breakers() []*breaker.Breaker {
	bs := []*breaker.Breaker{p.deps.FetchBreaker}
	if p.deps.RenderBreaker != nil {
		bs = append(bs, p.deps.RenderBreaker)
	}
	return bs
}

// CircuitStates returns one snapshot per strategy breaker.
func (p *Pipeline) CircuitStates() []breaker.Snapshot {
	var out []breaker.Snapshot
	for _, b := range p.breakers() {
		out = append(out, b.Snapshot())
	}
	return out
}

// PoolStats returns nil when rendering is disabled.
func (p *Pipeline) PoolStats() *browser.Stats {
	if p.deps.Pool == nil {
		return nil
	}
	st := p.deps.Pool.Stats()
	return &st
}

func (p *Pipeline) ResetCircuitBreakers() {
	for _, b := range p.breakers() {
		b.Reset()
	}
	log.Println("[INFO] pipeline: circuit breakers reset")
}

func (p *Pipeline) ScrapingLogs(ctx context.Context, f recorder.Filter) ([]model.AttemptRecord, error) {
	return p.deps.Log.Query(ctx, f)
}

func (p *Pipeline) ScrapingMetrics(ctx context.Context, daysBack int) (*recorder.Summary, error) {
	return p.deps.Log.Summarize(ctx, daysBack)
}

func (p *Pipeline) CleanOldLogs(ctx context.Context, daysToKeep int) (recorder.PurgeResult, error) {
	return p.deps.Log.Purge(ctx, daysToKeep)
}

func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	cs, err := p.CacheStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Cache:    cs,
		Queue:    p.QueueStats(),
		Circuits: p.CircuitStates(),
		Pool:     p.PoolStats(),
	}, nil
}

// Close stops the queue and shuts the browser pool down. The stores are
// owned by the caller.
func (p *Pipeline) Close() {
	p.deps.Queue.Close()
	if p.deps.Pool != nil {
		p.deps.Pool.Close()
	}
}
