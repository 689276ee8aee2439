package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for work still pending when the queue is closed.
var ErrClosed = errors.New("queue closed")

type itemState int

const (
	statePending itemState = iota
	stateRunning
	stateDone
)

type item struct {
	work       Work
	priority   int
	seq        uint64
	enqueuedAt time.Time
	state      itemState
	index      int

	done   chan struct{}
	result any
	err    error
}

func (it *item) finish(v any, err error) {
	it.result = v
	it.err = err
	close(it.done)
}

// Ticket is the caller's handle on an enqueued unit of work.
type Ticket struct {
	q  *Queue
	it *item
}

// Done is closed once the work has finished or been rejected.
func (t *Ticket) Done() <-chan struct{} { return t.it.done }

// EnqueuedAt reports when the work entered the queue.
func (t *Ticket) EnqueuedAt() time.Time { return t.it.enqueuedAt }

// Wait blocks for the work's outcome. If ctx ends while the work is still
// pending it is withdrawn and ctx.Err() is returned; work that has started
// always runs to completion.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.it.done:
		return t.it.result, t.it.err
	case <-ctx.Done():
		if t.q.cancelPending(t.it) {
			return nil, ctx.Err()
		}
		<-t.it.done
		return t.it.result, t.it.err
	}
}

// itemHeap orders by (priority asc, seq asc).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// outcomeWindow is a fixed-size ring of recent outcomes.
type outcomeWindow struct {
	buf       []bool
	next      int
	size      int
	successes int
}

func newOutcomeWindow(n int) *outcomeWindow {
	return &outcomeWindow{buf: make([]bool, n)}
}

func (w *outcomeWindow) push(ok bool) {
	if w.size == len(w.buf) {
		if w.buf[w.next] {
			w.successes--
		}
	} else {
		w.size++
	}
	w.buf[w.next] = ok
	if ok {
		w.successes++
	}
	w.next = (w.next + 1) % len(w.buf)
}

func (w *outcomeWindow) rate() float64 {
	if w.size == 0 {
		return 1.0
	}
	return float64(w.successes) / float64(w.size)
}
