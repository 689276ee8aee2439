package browser

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Options configures a Pool.
type Options struct {
	PoolSize               int
	MaxRequestsPerResource int
	MaxResourceAge         time.Duration
	Now                    func() time.Time
}

type resource struct {
	index     int
	browser   Browser
	createdAt time.Time
	requests  int
	inFlight  int
	retired   bool
}

// ResourceStats describes one pooled browser.
type ResourceStats struct {
	Index      int   `json:"index"`
	Requests   int   `json:"requests"`
	InFlight   int   `json:"in_flight"`
	AgeSeconds int64 `json:"age_seconds"`
}

// Stats is reported by Pool.Stats.
type Stats struct {
	PoolSize        int             `json:"pool_size"`
	ActiveResources int             `json:"active_resources"`
	Initialized     bool            `json:"initialized"`
	Resources       []ResourceStats `json:"resources"`
}

// Pool hands out browsers round-robin and replaces a browser once it has
// served too many pages or grown too old. A replaced browser is closed after
// its last lease is released.
type Pool struct {
	launcher Launcher
	opts     Options

	mu          sync.Mutex
	resources   []*resource
	next        int
	initialized bool
	initDone    chan struct{}
	// gen is bumped by Close so an Initialize already in progress
	// discards what it launched.
	gen uint64
}

// NewPool creates an uninitialized pool. Zero options default to 2 browsers,
// 50 pages each and a 30 minute lifetime.
func NewPool(launcher Launcher, opts Options) *Pool {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 2
	}
	if opts.MaxRequestsPerResource <= 0 {
		opts.MaxRequestsPerResource = 50
	}
	if opts.MaxResourceAge <= 0 {
		opts.MaxResourceAge = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{launcher: launcher, opts: opts}
}

// Initialize launches the browsers. Concurrent callers share one
// initialization; later calls return immediately. Launch failures are logged
// and leave the pool smaller.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	if ch := p.initDone; ch != nil {
		p.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	p.initDone = ch
	gen := p.gen
	p.mu.Unlock()

	log.Printf("[INFO] browser: initializing pool with %d browsers", p.opts.PoolSize)
	var created []*resource
	for i := 0; i < p.opts.PoolSize; i++ {
		r, err := p.launch(ctx, i)
		if err != nil {
			log.Printf("[ERROR] browser: create browser %d: %v", i, err)
			continue
		}
		created = append(created, r)
	}

	p.mu.Lock()
	if p.gen != gen {
		if p.initDone == ch {
			p.initDone = nil
		}
		p.mu.Unlock()
		close(ch)
		log.Printf("[WARN] browser: pool closed during initialization, closing %d browsers", len(created))
		for _, r := range created {
			closeBrowser(r)
		}
		return ErrPoolClosed
	}
	p.resources = created
	p.next = 0
	p.initialized = true
	p.initDone = nil
	p.mu.Unlock()
	close(ch)

	log.Printf("[INFO] browser: pool initialized with %d browsers", len(created))
	return nil
}

func (p *Pool) launch(ctx context.Context, index int) (*resource, error) {
	b, err := p.launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}
	return &resource{index: index, browser: b, createdAt: p.opts.Now()}, nil
}

// Acquire returns a lease on the next browser, recycling it first if it is
// worn out. The caller must Release the lease.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if len(p.resources) == 0 {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	i := p.next % len(p.resources)
	r := p.resources[i]

	var stale *resource
	age := p.opts.Now().Sub(r.createdAt)
	if r.requests >= p.opts.MaxRequestsPerResource || age >= p.opts.MaxResourceAge {
		log.Printf("[INFO] browser: browser %d needs refresh (requests: %d, age: %s)",
			r.index, r.requests, age.Round(time.Second))
		fresh, err := p.launch(ctx, r.index)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: refresh browser %d: %v", ErrResourceCreation, r.index, err)
		}
		p.resources[i] = fresh
		r.retired = true
		if r.inFlight == 0 {
			stale = r
		}
		r = fresh
	}

	p.next = (i + 1) % len(p.resources)
	r.inFlight++
	p.mu.Unlock()

	if stale != nil {
		closeBrowser(stale)
	}
	return &Lease{pool: p, res: r}, nil
}

func (p *Pool) release(r *resource, used bool) {
	p.mu.Lock()
	r.inFlight--
	if used {
		r.requests++
	}
	closeNow := r.retired && r.inFlight == 0
	p.mu.Unlock()

	if closeNow {
		closeBrowser(r)
	}
}

func closeBrowser(r *resource) {
	if err := r.browser.Close(); err != nil {
		log.Printf("[WARN] browser: close browser %d: %v", r.index, err)
		return
	}
	log.Printf("[INFO] browser: closed browser %d", r.index)
}

// WithResource renders url on a pooled browser. The page is always closed;
// the browser's usage counter only advances when rendering succeeded.
func (p *Pool) WithResource(ctx context.Context, url string, opts RenderOptions) (*Result, error) {
	if opts.Headers == nil {
		opts.Headers = DefaultHeaders
	}
	if opts.Script == "" {
		opts.Script = StealthScript
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	lease, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	used := false
	defer func() { lease.release(used) }()

	page, err := lease.Browser().NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Printf("[WARN] browser: close page: %v", err)
		}
	}()

	if len(opts.Headers) > 0 {
		if err := page.SetExtraHeaders(ctx, opts.Headers); err != nil {
			return nil, fmt.Errorf("set headers: %w", err)
		}
	}
	if err := page.AddScript(ctx, opts.Script); err != nil {
		return nil, fmt.Errorf("install script: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	status, err := page.Navigate(navCtx, url)
	if err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	html, err := page.HTML(navCtx)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	used = true
	return &Result{HTML: []byte(html), StatusCode: status, ResourceIndex: lease.Index()}, nil
}

// Close shuts every browser down and returns the pool to its uninitialized
// state. Browsers still leased are closed when their lease is released.
func (p *Pool) Close() {
	p.mu.Lock()
	var idle []*resource
	for _, r := range p.resources {
		r.retired = true
		if r.inFlight == 0 {
			idle = append(idle, r)
		}
	}
	p.resources = nil
	p.next = 0
	p.initialized = false
	p.initDone = nil
	p.gen++
	p.mu.Unlock()

	log.Println("[INFO] browser: closing all browsers")
	for _, r := range idle {
		closeBrowser(r)
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	st := Stats{
		PoolSize:        p.opts.PoolSize,
		ActiveResources: len(p.resources),
		Initialized:     p.initialized,
		Resources:       make([]ResourceStats, 0, len(p.resources)),
	}
	for _, r := range p.resources {
		st.Resources = append(st.Resources, ResourceStats{
			Index:      r.index,
			Requests:   r.requests,
			InFlight:   r.inFlight,
			AgeSeconds: int64(now.Sub(r.createdAt) / time.Second),
		})
	}
	return st
}

// Lease is a claim on one pooled browser.
type Lease struct {
	pool *Pool
	res  *resource
	once sync.Once
}

func (l *Lease) Browser() Browser { return l.res.browser }

func (l *Lease) Index() int { return l.res.index }

// Release returns the browser without counting a served page.
func (l *Lease) Release() { l.release(false) }

// Done returns the browser and counts one served page.
func (l *Lease) Done() { l.release(true) }

func (l *Lease) release(used bool) {
	l.once.Do(func() { l.pool.release(l.res, used) })
}
