// Package browser manages a small pool of headless Chrome instances used to
// render pages the plain HTTP strategy cannot read.
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolExhausted is returned when no browser could be created.
	ErrPoolExhausted = errors.New("no browsers available in pool")
	// ErrResourceCreation wraps launch failures during recycling.
	ErrResourceCreation = errors.New("browser creation failed")
	// ErrPoolClosed is returned by an Initialize that Close overtook.
	ErrPoolClosed = errors.New("browser pool closed during initialization")
)

// Launcher starts browsers.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	// AddScript installs src to run before any page script on every navigation.
	AddScript(ctx context.Context, src string) error
	// Navigate loads url and returns the main document's HTTP status.
	Navigate(ctx context.Context, url string) (int, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}

// DefaultUserAgent is sent by launched browsers.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultHeaders are installed on every rendered page.
var DefaultHeaders = map[string]string{
	"Accept-Language": "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
}

// StealthScript hides the usual automation markers from the page.
const StealthScript = `Object.defineProperty(navigator, 'webdriver', { get: () => false });
window.navigator.chrome = { runtime: {} };
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
Object.defineProperty(navigator, 'languages', { get: () => ['ja-JP', 'ja', 'en-US', 'en'] });`

// RenderOptions controls WithResource. Zero values use DefaultHeaders,
// StealthScript and a 30s timeout.
type RenderOptions struct {
	Headers map[string]string
	Script  string
	Timeout time.Duration
}

// Result is a rendered page.
type Result struct {
	HTML          []byte
	StatusCode    int
	ResourceIndex int
}
