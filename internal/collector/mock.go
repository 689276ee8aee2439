package collector

import (
	"context"
	"sync"

	"StockScout/internal/model"
)

// MockFetcher returns canned pages for development and testing.
type MockFetcher struct {
	Name  model.Strategy
	Pages map[string][]byte
	Err   error

	mu    sync.Mutex
	calls []string
}

func (m *MockFetcher) Strategy() model.Strategy {
	if m.Name == "" {
		return model.StrategyFetch
	}
	return m.Name
}

func (m *MockFetcher) Fetch(_ context.Context, code string) (*Page, error) {
	m.mu.Lock()
	m.calls = append(m.calls, code)
	m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}
	html, ok := m.Pages[code]
	if !ok {
		return nil, &Error{Kind: ErrUpstreamUnavailable, URL: URLFor("", code), StatusCode: 404, Attempts: 1}
	}
	return &Page{URL: URLFor("", code), HTML: html, StatusCode: 200, Attempts: 1}, nil
}

// Calls returns the codes fetched so far.
func (m *MockFetcher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
