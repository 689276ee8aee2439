package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"StockScout/internal/browser"

	"github.com/stretchr/testify/require"
)

func noSleep(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
}

func TestHTTPFetcher_Success(t *testing.T) {
	var gotUA, gotReferer, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		gotPath = r.URL.Path
		w.Write([]byte("<html>7203</html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/stocks/%s/historical_prices/daily/"})
	page, err := f.Fetch(context.Background(), "7203")
	require.NoError(t, err)
	require.Equal(t, 200, page.StatusCode)
	require.Equal(t, 1, page.Attempts)
	require.Equal(t, "<html>7203</html>", string(page.HTML))
	require.Equal(t, "/stocks/7203/historical_prices/daily/", gotPath)
	require.Equal(t, DefaultUserAgents[0], gotUA)
	require.Equal(t, "https://s.kabutan.jp/", gotReferer)
}

func TestHTTPFetcher_RetriesServerErrorsWithRotatingAgents(t *testing.T) {
	var n atomic.Int32
	var agents []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents = append(agents, r.Header.Get("User-Agent"))
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var sleeps []time.Duration
	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/%s", Sleep: noSleep(&sleeps)})
	page, err := f.Fetch(context.Background(), "7203")
	require.NoError(t, err)
	require.Equal(t, 3, page.Attempts)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps)
	require.Equal(t, DefaultUserAgents, agents)
}

func TestHTTPFetcher_ExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var sleeps []time.Duration
	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/%s", Sleep: noSleep(&sleeps)})
	_, err := f.Fetch(context.Background(), "7203")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)

	var fe *Error
	require.True(t, errors.As(err, &fe))
	require.Equal(t, 503, fe.StatusCode)
	require.Equal(t, 3, fe.Attempts)
}

func TestHTTPFetcher_BlockedIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"forbidden", http.StatusForbidden, ""},
		{"rate limited", http.StatusTooManyRequests, ""},
		{"challenge page", http.StatusOK, "<html><title>Just a moment...</title></html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/%s"})
			_, err := f.Fetch(context.Background(), "7203")
			require.ErrorIs(t, err, ErrUpstreamBlocked)
			require.True(t, IsBlocked(err))
			require.EqualValues(t, 1, n.Load())
		})
	}
}

func TestHTTPFetcher_NotFoundIsNotRetried(t *testing.T) {
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/%s"})
	_, err := f.Fetch(context.Background(), "0000")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.False(t, IsBlocked(err))
	require.EqualValues(t, 1, n.Load())
}

func TestHTTPFetcher_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()

	var sleeps []time.Duration
	f := NewHTTPFetcher(HTTPOptions{URLTemplate: u + "/%s", Retries: 2, Sleep: noSleep(&sleeps)})
	_, err := f.Fetch(context.Background(), "7203")
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	require.Len(t, sleeps, 1)
}

func TestHTTPFetcher_CancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewHTTPFetcher(HTTPOptions{URLTemplate: srv.URL + "/%s", Sleep: func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}})
	_, err := f.Fetch(ctx, "7203")
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

type fakeRenderer struct {
	res *browser.Result
	err error
}

func (r *fakeRenderer) WithResource(context.Context, string, browser.RenderOptions) (*browser.Result, error) {
	return r.res, r.err
}

func TestRenderFetcher(t *testing.T) {
	tests := []struct {
		name    string
		r       *fakeRenderer
		wantErr error
	}{
		{"ok", &fakeRenderer{res: &browser.Result{HTML: []byte("<html/>"), StatusCode: 200}}, nil},
		{"blocked", &fakeRenderer{res: &browser.Result{StatusCode: 403}}, ErrUpstreamBlocked},
		{"server error", &fakeRenderer{res: &browser.Result{StatusCode: 500}}, ErrUpstreamUnavailable},
		{"navigation", &fakeRenderer{err: errors.New("net::ERR_TIMED_OUT")}, ErrUpstreamUnavailable},
		{"pool empty", &fakeRenderer{err: browser.ErrPoolExhausted}, browser.ErrPoolExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewRenderFetcher(tt.r, "", time.Second)
			page, err := f.Fetch(context.Background(), "7203")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "https://s.kabutan.jp/stocks/7203/historical_prices/daily/", page.URL)
		})
	}
}
