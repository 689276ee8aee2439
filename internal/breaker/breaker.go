package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the circuit state.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// ErrCircuitOpen is matched by every *OpenError.
var ErrCircuitOpen = errors.New("circuit open")

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN for %s, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Options tunes one breaker.
type Options struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// OnStateChange is called outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Threshold           int           `json:"threshold"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessCount        int64         `json:"success_count"`
	RejectedCount       int64         `json:"rejected_count"`
	SuccessRate         float64       `json:"success_rate"`
	NextAttemptIn       time.Duration `json:"next_attempt_in"`
}

// Breaker guards one fetch strategy.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	onChange  func(name string, from, to State)
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	total         int64
	successes     int64
	rejected      int64
	nextAttempt   time.Time
	trialInFlight bool
}

// New creates a closed breaker. Zero options fall back to 5 failures / 60s.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		name:      name,
		threshold: opts.FailureThreshold,
		timeout:   opts.ResetTimeout,
		onChange:  opts.OnStateChange,
		now:       opts.Now,
		state:     Closed,
	}
}

// Name returns the strategy name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the circuit is open. fn's error is returned as-is.
func (b *Breaker) Execute(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.onFailure(trial)
		return err
	}
	b.onSuccess(trial)
	return nil
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	b.total++

	switch b.state {
	case Open:
		now := b.now()
		if now.Before(b.nextAttempt) {
			b.rejected++
			wait := b.nextAttempt.Sub(now)
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, RetryAfter: wait}
		}
		log.Printf("[INFO] breaker %s: entering HALF_OPEN", b.name)
		b.state = HalfOpen
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(Open, HalfOpen)
		return true, nil
	case HalfOpen:
		if b.trialInFlight {
			b.rejected++
			b.mu.Unlock()
			return false, &OpenError{Name: b.name}
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	}
	b.mu.Unlock()
	return false, nil
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	b.successes++
	from := b.state
	if trial || b.state == Closed {
		b.failures = 0
	}
	if trial {
		b.trialInFlight = false
	}
	if trial && b.state == HalfOpen {
		log.Printf("[INFO] breaker %s: closing after successful trial", b.name)
		b.state = Closed
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) onFailure(trial bool) {
	b.mu.Lock()
	from := b.state
	// Calls admitted before the circuit opened finish late; only the trial
	// decides what happens after Closed.
	if !trial && b.state != Closed {
		b.mu.Unlock()
		return
	}
	b.failures++
	if trial {
		b.trialInFlight = false
	}
	if trial || b.failures >= b.threshold {
		b.state = Open
		b.nextAttempt = b.now().Add(b.timeout)
		log.Printf("[ERROR] breaker %s: OPEN after %d failures, retry in %s", b.name, b.failures, b.timeout)
	} else {
		log.Printf("[WARN] breaker %s: failure %d/%d", b.name, b.failures, b.threshold)
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// Reset forces the breaker closed and clears the failure streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.trialInFlight = false
	b.nextAttempt = b.now()
	b.mu.Unlock()
	log.Printf("[INFO] breaker %s: manually reset", b.name)
	if from != Closed {
		b.notify(from, Closed)
	}
}

// Snapshot returns the current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Threshold:           b.threshold,
		TotalRequests:       b.total,
		SuccessCount:        b.successes,
		RejectedCount:       b.rejected,
	}
	if b.total > 0 {
		s.SuccessRate = float64(b.successes) / float64(b.total)
	}
	if b.state == Open {
		if d := b.nextAttempt.Sub(b.now()); d > 0 {
			s.NextAttemptIn = d
		}
	}
	return s
}
