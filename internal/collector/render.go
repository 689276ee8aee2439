package collector

import (
	"context"
	"errors"
	"time"

	"StockScout/internal/browser"
	"StockScout/internal/model"
)

// Renderer loads a page in a real browser.
type Renderer interface {
	WithResource(ctx context.Context, url string, opts browser.RenderOptions) (*browser.Result, error)
}

// RenderFetcher is the heavyweight strategy backed by the browser pool.
type RenderFetcher struct {
	renderer    Renderer
	urlTemplate string
	timeout     time.Duration
}

func NewRenderFetcher(r Renderer, urlTemplate string, timeout time.Duration) *RenderFetcher {
	return &RenderFetcher{renderer: r, urlTemplate: urlTemplate, timeout: timeout}
}

func (f *RenderFetcher) Strategy() model.Strategy { return model.StrategyRender }

func (f *RenderFetcher) Fetch(ctx context.Context, code string) (*Page, error) {
	u := URLFor(f.urlTemplate, code)
	res, err := f.renderer.WithResource(ctx, u, browser.RenderOptions{Timeout: f.timeout})
	if err != nil {
		if errors.Is(err, browser.ErrPoolExhausted) || errors.Is(err, browser.ErrResourceCreation) {
			return nil, err
		}
		return nil, &Error{Kind: ErrUpstreamUnavailable, URL: u, Attempts: 1, Err: err}
	}
	if looksBlocked(res.StatusCode, res.HTML) {
		return nil, &Error{Kind: ErrUpstreamBlocked, URL: u, StatusCode: res.StatusCode, Attempts: 1}
	}
	if res.StatusCode != 0 && (res.StatusCode < 200 || res.StatusCode >= 300) {
		return nil, &Error{Kind: ErrUpstreamUnavailable, URL: u, StatusCode: res.StatusCode, Attempts: 1}
	}
	return &Page{URL: u, HTML: res.HTML, StatusCode: res.StatusCode, Attempts: 1}, nil
}
