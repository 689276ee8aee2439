package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"StockScout/internal/model"

	"golang.org/x/time/rate"
)

// DefaultUserAgents are rotated across retry attempts.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

const maxBodyBytes = 8 << 20

// HTTPOptions configures HTTPFetcher.
type HTTPOptions struct {
	URLTemplate  string
	Timeout      time.Duration // per attempt, default 15s
	Retries      int           // total attempts, default 3
	RetryBackoff time.Duration // retry n waits RetryBackoff*n, default 2s
	RateLimit    float64       // requests per second, 0 = unlimited
	Burst        int
	Proxy        string
	UserAgents   []string
	Client       *http.Client
	Sleep        func(ctx context.Context, d time.Duration) error
}

// HTTPFetcher is the lightweight strategy: a plain GET with browser-like
// headers.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    HTTPOptions
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if len(opts.UserAgents) == 0 {
		opts.UserAgents = DefaultUserAgents
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	client := opts.Client
	if client == nil {
		transport := &http.Transport{}
		if opts.Proxy != "" {
			if u, err := url.Parse(opts.Proxy); err == nil {
				transport.Proxy = http.ProxyURL(u)
			} else {
				log.Printf("[WARN] collector: ignoring bad proxy %q: %v", opts.Proxy, err)
			}
		}
		client = &http.Client{Transport: transport}
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPFetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
	}
}

func (f *HTTPFetcher) Strategy() model.Strategy { return model.StrategyFetch }

// Fetch retries network errors and 5xx responses with linear backoff.
// Blocked and other 4xx responses fail immediately.
func (f *HTTPFetcher) Fetch(ctx context.Context, code string) (*Page, error) {
	u := URLFor(f.opts.URLTemplate, code)

	var last *Error
	for i := 0; i < f.opts.Retries; i++ {
		if i > 0 {
			if err := f.opts.Sleep(ctx, f.opts.RetryBackoff*time.Duration(i)); err != nil {
				return nil, &Error{Kind: ErrUpstreamUnavailable, URL: u, Attempts: i, Err: err}
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: ErrUpstreamUnavailable, URL: u, Attempts: i, Err: err}
		}

		body, status, err := f.get(ctx, u, f.opts.UserAgents[i%len(f.opts.UserAgents)])
		switch {
		case err != nil:
			last = &Error{Kind: ErrUpstreamUnavailable, URL: u, Attempts: i + 1, Err: err}
		case looksBlocked(status, body):
			return nil, &Error{Kind: ErrUpstreamBlocked, URL: u, StatusCode: status, Attempts: i + 1}
		case status >= 500:
			last = &Error{Kind: ErrUpstreamUnavailable, URL: u, StatusCode: status, Attempts: i + 1}
		case status < 200 || status >= 300:
			return nil, &Error{Kind: ErrUpstreamUnavailable, URL: u, StatusCode: status, Attempts: i + 1}
		default:
			return &Page{URL: u, HTML: body, StatusCode: status, Attempts: i + 1}, nil
		}

		log.Printf("[WARN] collector: attempt %d/%d for %s failed: %v", i+1, f.opts.Retries, code, last)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, last
}

func (f *HTTPFetcher) get(ctx context.Context, u, ua string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.9,en;q=0.8")
	req.Header.Set("Referer", "https://s.kabutan.jp/")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsBlocked reports whether err is an upstream block.
func IsBlocked(err error) bool { return errors.Is(err, ErrUpstreamBlocked) }
