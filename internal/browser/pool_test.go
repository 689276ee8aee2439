package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeBrowser
	failNext int
	delay    time.Duration
	navErr   error
	closeErr error
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("chrome crashed")
	}
	b := &fakeBrowser{id: len(l.launched), launcher: l}
	l.launched = append(l.launched, b)
	return b, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

func (l *fakeLauncher) browser(i int) *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[i]
}

type fakeBrowser struct {
	id       int
	launcher *fakeLauncher
	closed   atomic.Bool
	pages    atomic.Int32
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	b.pages.Add(1)
	return &fakePage{browser: b}, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}

type fakePage struct {
	browser *fakeBrowser
	headers map[string]string
	script  string
	closed  bool
}

func (p *fakePage) SetExtraHeaders(_ context.Context, h map[string]string) error {
	p.headers = h
	return nil
}

func (p *fakePage) AddScript(_ context.Context, src string) error {
	p.script = src
	return nil
}

func (p *fakePage) Navigate(ctx context.Context, url string) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("navigation without deadline")
	}
	if err := p.browser.launcher.navErr; err != nil {
		return 0, err
	}
	return 200, nil
}

func (p *fakePage) HTML(context.Context) (string, error) {
	return "<html><body>ok</body></html>", nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return p.browser.launcher.closeErr
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)} }

func TestPool_InitializeIsShared(t *testing.T) {
	l := &fakeLauncher{delay: 20 * time.Millisecond}
	p := NewPool(l, Options{PoolSize: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p.Initialize(context.Background()))
		}()
	}
	wg.Wait()

	require.Equal(t, 2, l.count())
	require.NoError(t, p.Initialize(context.Background()))
	require.Equal(t, 2, l.count())
	require.Equal(t, 2, p.Stats().ActiveResources)
}

func TestPool_InitializeSkipsFailures(t *testing.T) {
	l := &fakeLauncher{failNext: 1}
	p := NewPool(l, Options{PoolSize: 2})
	require.NoError(t, p.Initialize(context.Background()))

	st := p.Stats()
	require.Equal(t, 1, st.ActiveResources)
	require.Equal(t, 1, st.Resources[0].Index)
}

func TestPool_EmptyPoolIsExhausted(t *testing.T) {
	l := &fakeLauncher{failNext: 2}
	p := NewPool(l, Options{PoolSize: 2})

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPool_RoundRobin(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, Options{PoolSize: 2})

	var got []int
	for i := 0; i < 4; i++ {
		res, err := p.WithResource(context.Background(), "https://example.test", RenderOptions{})
		require.NoError(t, err)
		got = append(got, res.ResourceIndex)
	}
	require.Equal(t, []int{0, 1, 0, 1}, got)
	for _, r := range p.Stats().Resources {
		require.Equal(t, 2, r.Requests)
	}
}

func TestPool_RecyclesAfterMaxRequests(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, Options{PoolSize: 1, MaxRequestsPerResource: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.WithResource(ctx, "https://example.test", RenderOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 1, l.count())
	require.Equal(t, 3, p.Stats().Resources[0].Requests)

	_, err := p.WithResource(ctx, "https://example.test", RenderOptions{})
	require.NoError(t, err)

	require.Equal(t, 2, l.count())
	require.True(t, l.browser(0).closed.Load())
	require.False(t, l.browser(1).closed.Load())
	st := p.Stats()
	require.Equal(t, 1, st.Resources[0].Requests)
	require.Equal(t, 0, st.Resources[0].Index)
}

func TestPool_RecyclesByAge(t *testing.T) {
	l := &fakeLauncher{}
	c := newClock()
	p := NewPool(l, Options{PoolSize: 1, MaxResourceAge: 30 * time.Minute, Now: c.Now})
	ctx := context.Background()

	_, err := p.WithResource(ctx, "https://example.test", RenderOptions{})
	require.NoError(t, err)

	c.Advance(29 * time.Minute)
	_, err = p.WithResource(ctx, "https://example.test", RenderOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, l.count())
	require.EqualValues(t, 29*60, p.Stats().Resources[0].AgeSeconds)

	c.Advance(time.Minute)
	_, err = p.WithResource(ctx, "https://example.test", RenderOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, l.count())
}

func TestPool_RetiredBrowserClosesAfterLastLease(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, Options{PoolSize: 1, MaxRequestsPerResource: 1})
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	first.Done()

	held, err := p.Acquire(ctx) // recycles: browser 0 is worn out
	require.NoError(t, err)
	require.Equal(t, 2, l.count())
	require.True(t, l.browser(0).closed.Load())

	// browser 1 is now worn out too, but held is still using it
	held.res.requests = 1
	next, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, l.count())
	require.False(t, l.browser(1).closed.Load())

	held.Release()
	require.True(t, l.browser(1).closed.Load())
	next.Release()
	require.False(t, l.browser(2).closed.Load())
}

func TestPool_RecycleFailurePropagates(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, Options{PoolSize: 1, MaxRequestsPerResource: 1})
	ctx := context.Background()

	_, err := p.WithResource(ctx, "https://example.test", RenderOptions{})
	require.NoError(t, err)

	l.failNext = 1
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrResourceCreation)
	require.False(t, l.browser(0).closed.Load())

	lease, err := p.Acquire(ctx)
	require.NoError(t, err)
	lease.Release()
	require.True(t, l.browser(0).closed.Load())
}

func TestWithResource_FailureDoesNotCountUsage(t *testing.T) {
	l := &fakeLauncher{navErr: errors.New("net::ERR_TIMED_OUT")}
	p := NewPool(l, Options{PoolSize: 1})

	_, err := p.WithResource(context.Background(), "https://example.test", RenderOptions{})
	require.Error(t, err)
	st := p.Stats()
	require.Equal(t, 0, st.Resources[0].Requests)
	require.Equal(t, 0, st.Resources[0].InFlight)
}

func TestWithResource_PageCloseErrorDoesNotMaskResult(t *testing.T) {
	l := &fakeLauncher{closeErr: errors.New("target closed")}
	p := NewPool(l, Options{PoolSize: 1})

	res, err := p.WithResource(context.Background(), "https://example.test", RenderOptions{})
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Contains(t, string(res.HTML), "ok")
}

func TestWithResource_InstallsDefaults(t *testing.T) {
	var seen *fakePage
	l := &fakeLauncher{}
	p := NewPool(&recordingLauncher{fakeLauncher: l, onPage: func(pg *fakePage) { seen = pg }}, Options{PoolSize: 1})

	_, err := p.WithResource(context.Background(), "https://example.test", RenderOptions{})
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, DefaultHeaders, seen.headers)
	require.Equal(t, StealthScript, seen.script)
	require.True(t, seen.closed)
}

type recordingLauncher struct {
	*fakeLauncher
	onPage func(*fakePage)
}

func (l *recordingLauncher) Launch(ctx context.Context) (Browser, error) {
	b, err := l.fakeLauncher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingBrowser{fakeBrowser: b.(*fakeBrowser), onPage: l.onPage}, nil
}

type recordingBrowser struct {
	*fakeBrowser
	onPage func(*fakePage)
}

func (b *recordingBrowser) NewPage(ctx context.Context) (Page, error) {
	pg, err := b.fakeBrowser.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	b.onPage(pg.(*fakePage))
	return pg, nil
}

func TestPool_CloseResets(t *testing.T) {
	l := &fakeLauncher{}
	p := NewPool(l, Options{PoolSize: 2})
	require.NoError(t, p.Initialize(context.Background()))

	p.Close()
	require.True(t, l.browser(0).closed.Load())
	require.True(t, l.browser(1).closed.Load())
	st := p.Stats()
	require.False(t, st.Initialized)
	require.Zero(t, st.ActiveResources)

	_, err := p.WithResource(context.Background(), "https://example.test", RenderOptions{})
	require.NoError(t, err)
	require.Equal(t, 4, l.count())
}

func TestPool_CloseDuringInitialize(t *testing.T) {
	l := &fakeLauncher{delay: 50 * time.Millisecond}
	p := NewPool(l, Options{PoolSize: 2})

	errc := make(chan error, 1)
	go func() { errc <- p.Initialize(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	p.Close()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Initialize did not return")
	}

	require.Equal(t, 2, l.count())
	require.True(t, l.browser(0).closed.Load())
	require.True(t, l.browser(1).closed.Load())
	st := p.Stats()
	require.False(t, st.Initialized)
	require.Zero(t, st.ActiveResources)

	require.NoError(t, p.Initialize(context.Background()))
	require.True(t, p.Stats().Initialized)
	require.Equal(t, 4, l.count())
	require.False(t, l.browser(2).closed.Load())
}
