// Package collector holds the two upstream acquisition strategies: a plain
// HTTP fetch and a headless-browser render.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"StockScout/internal/model"
)

var (
	// ErrUpstreamUnavailable covers network failures, timeouts and non-2xx
	// responses that are not blocks.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamBlocked means the upstream refused us (403, 429 or a
	// challenge page). It is never retried by the HTTP strategy.
	ErrUpstreamBlocked = errors.New("upstream blocked")
)

// DefaultURLTemplate is the kabutan daily historical-prices page.
const DefaultURLTemplate = "https://s.kabutan.jp/stocks/%s/historical_prices/daily/"

// Page is the raw upstream document for one code.
type Page struct {
	URL        string
	HTML       []byte
	StatusCode int
	Attempts   int
}

// Fetcher retrieves the page for a stock code.
type Fetcher interface {
	Fetch(ctx context.Context, code string) (*Page, error)
	Strategy() model.Strategy
}

// Error describes a failed fetch. It matches its Kind with errors.Is.
type Error struct {
	Kind       error
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// URLFor expands template with code.
func URLFor(template, code string) string {
	if template == "" {
		template = DefaultURLTemplate
	}
	return fmt.Sprintf(template, code)
}

var challengeMarkers = []string{
	"cf-challenge",
	"challenge-platform",
	"<title>Just a moment...</title>",
	"g-recaptcha",
	"Access Denied",
}

// looksBlocked reports whether status or body indicate an anti-bot response.
func looksBlocked(status int, body []byte) bool {
	if status == 403 || status == 429 {
		return true
	}
	if len(body) == 0 {
		return false
	}
	head := body
	if len(head) > 16<<10 {
		head = head[:16<<10]
	}
	s := string(head)
	for _, m := range challengeMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
