package queue

import (
	"container/heap"
	"context"
	"log"
	"math/rand"
	"sync"
	"time"
)

// Work is one unit of work admitted against the upstream.
type Work func(ctx context.Context) (any, error)

// Options tunes admission and pacing. Zero values take the defaults below.
type Options struct {
	MaxConcurrent      int
	MinInterval        time.Duration
	MaxInterval        time.Duration
	FailurePenaltyUnit time.Duration
	FailurePenaltyCap  time.Duration
	MaxDelayCap        time.Duration
	WindowSize         int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

func (o *Options) setDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 3 * time.Second
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval + 5*time.Second
	}
	if o.FailurePenaltyUnit <= 0 {
		o.FailurePenaltyUnit = 2 * time.Second
	}
	if o.FailurePenaltyCap <= 0 {
		o.FailurePenaltyCap = 20 * time.Second
	}
	if o.MaxDelayCap <= 0 {
		o.MaxDelayCap = 30 * time.Second
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	QueueLength         int           `json:"queue_length"`
	ActiveRequests      int           `json:"active_requests"`
	MaxConcurrent       int           `json:"max_concurrent"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SuccessRate         float64       `json:"success_rate"`
	CurrentInterval     time.Duration `json:"current_interval"`
	MinInterval         time.Duration `json:"min_interval"`
	MaxInterval         time.Duration `json:"max_interval"`
}

// Queue is a priority-ordered, concurrency-bounded admission controller.
// Lower priority values run first; equal priorities run in enqueue order.
type Queue struct {
	opts Options

	mu           sync.Mutex
	pending      itemHeap
	active       int
	seq          uint64
	lastDispatch time.Time
	failures     int
	window       *outcomeWindow
	closed       bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a queue and its dispatcher. Call Close to stop it.
func New(opts Options) *Queue {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:   opts,
		window: newOutcomeWindow(opts.WindowSize),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Enqueue schedules work and returns immediately with a ticket for its outcome.
// After Close the ticket is already rejected with ErrClosed.
func (q *Queue) Enqueue(priority int, work Work) *Ticket {
	q.mu.Lock()
	q.seq++
	it := &item{
		work:       work,
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: q.opts.Now(),
		state:      statePending,
		index:      -1,
		done:       make(chan struct{}),
	}
	if q.closed {
		it.state = stateDone
		q.mu.Unlock()
		it.finish(nil, ErrClosed)
		return &Ticket{q: q, it: it}
	}
	heap.Push(&q.pending, it)
	q.mu.Unlock()

	q.signal()
	return &Ticket{q: q, it: it}
}

// Do enqueues work and waits for its outcome.
func (q *Queue) Do(ctx context.Context, priority int, work Work) (any, error) {
	return q.Enqueue(priority, work).Wait(ctx)
}

// Close stops the dispatcher. Pending items are rejected with ErrClosed;
// running items finish normally.
func (q *Queue) Close() {
	q.cancel()
	<-q.done

	q.mu.Lock()
	q.closed = true
	rest := make([]*item, len(q.pending))
	copy(rest, q.pending)
	for _, it := range rest {
		it.state = stateDone
		it.index = -1
	}
	q.pending = q.pending[:0]
	q.mu.Unlock()

	for _, it := range rest {
		it.finish(nil, ErrClosed)
	}
}

// Stats reports depth, concurrency and the pacing currently in effect.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueueLength:         len(q.pending),
		ActiveRequests:      q.active,
		MaxConcurrent:       q.opts.MaxConcurrent,
		ConsecutiveFailures: q.failures,
		SuccessRate:         q.window.rate(),
		CurrentInterval:     q.intervalLocked(),
		MinInterval:         q.opts.MinInterval,
		MaxInterval:         q.opts.MaxInterval,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		q.mu.Lock()
		ready := q.active < q.opts.MaxConcurrent && len(q.pending) > 0
		var wait time.Duration
		if ready {
			interval := q.intervalLocked()
			if !q.lastDispatch.IsZero() {
				wait = interval - q.opts.Now().Sub(q.lastDispatch)
			}
			if wait > 0 {
				log.Printf("[INFO] queue: waiting %s (success rate %.1f%%)", wait.Round(time.Millisecond), q.window.rate()*100)
			}
		}
		q.mu.Unlock()

		if !ready {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		if err := q.opts.Sleep(q.ctx, wait); err != nil {
			return
		}

		q.mu.Lock()
		// The pending set may have changed during the wait; pop whatever is
		// most urgent now.
		if len(q.pending) == 0 || q.active >= q.opts.MaxConcurrent {
			q.mu.Unlock()
			continue
		}
		it := heap.Pop(&q.pending).(*item)
		it.state = stateRunning
		q.active++
		q.lastDispatch = q.opts.Now()
		q.mu.Unlock()

		go q.run(it)
	}
}

func (q *Queue) run(it *item) {
	v, err := it.work(context.Background())

	q.mu.Lock()
	q.active--
	if err != nil {
		q.failures++
		q.window.push(false)
	} else {
		q.failures = 0
		q.window.push(true)
	}
	q.mu.Unlock()

	it.finish(v, err)
	q.signal()
}

// intervalLocked computes the spacing delay. Callers hold q.mu.
func (q *Queue) intervalLocked() time.Duration {
	o := q.opts
	base := o.MinInterval + time.Duration(o.Rand()*float64(o.MaxInterval-o.MinInterval))

	if q.failures > 0 {
		penalty := time.Duration(q.failures) * o.FailurePenaltyUnit
		if penalty > o.FailurePenaltyCap {
			penalty = o.FailurePenaltyCap
		}
		return base + penalty
	}

	rate := q.window.rate()
	switch {
	case rate > 0.9:
		reduced := base - base/5
		if reduced < o.MinInterval {
			reduced = o.MinInterval
		}
		return reduced
	case rate < 0.7:
		increased := base + base/2
		if increased > o.MaxDelayCap {
			increased = o.MaxDelayCap
		}
		return increased
	}
	return base
}

// cancelPending removes it from the pending set if it has not started.
func (q *Queue) cancelPending(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.state != statePending || it.index < 0 {
		return false
	}
	heap.Remove(&q.pending, it.index)
	it.state = stateDone
	return true
}
