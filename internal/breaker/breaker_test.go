package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func newTestBreaker(clock *fakeClock, threshold int) *Breaker {
	return New("fetch", Options{FailureThreshold: threshold, ResetTimeout: time.Minute, Now: clock.Now})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 3)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
		require.Equal(t, Closed, b.Snapshot().State)
	}
	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)

	snap := b.Snapshot()
	require.Equal(t, Open, snap.State)
	require.Equal(t, 3, snap.ConsecutiveFailures)
	require.Equal(t, time.Minute, snap.NextAttemptIn)
}

func TestBreaker_RejectsWithoutCallingWhileOpen(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 3)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}

	clock.Advance(20 * time.Second)
	called := false
	err := b.Execute(func() error { called = true; return nil })

	require.False(t, called, "wrapped function must not run while open")
	require.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	require.Equal(t, "fetch", openErr.Name)
	require.Equal(t, 40*time.Second, openErr.RetryAfter)
	require.EqualValues(t, 1, b.Snapshot().RejectedCount)
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 3)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	clock.Advance(time.Minute)

	calls := 0
	var during State
	err := b.Execute(func() error {
		calls++
		during = b.Snapshot().State
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, HalfOpen, during)
	snap := b.Snapshot()
	require.Equal(t, Closed, snap.State)
	require.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 3)
	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	clock.Advance(61 * time.Second)

	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)

	snap := b.Snapshot()
	require.Equal(t, Open, snap.State)
	require.Equal(t, time.Minute, snap.NextAttemptIn)
}

func TestBreaker_OnlyOneTrialAtATime(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 1)
	_ = b.Execute(func() error { return errBoom })
	clock.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := b.Execute(func() error { t.Fatal("second call must not run during trial"); return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, Closed, b.Snapshot().State)
}

func TestBreaker_LateCallsDoNotDecideHalfOpen(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, 1)

	// slow runs Execute in the background and returns a release func that
	// finishes it with err.
	slow := func() (func(error), <-chan error) {
		started := make(chan struct{})
		release := make(chan error)
		done := make(chan error, 1)
		go func() {
			done <- b.Execute(func() error {
				close(started)
				return <-release
			})
		}()
		<-started
		return func(err error) { release <- err }, done
	}

	finishOK, okDone := slow()
	finishFail, failDone := slow()

	require.ErrorIs(t, b.Execute(func() error { return errBoom }), errBoom)
	require.Equal(t, Open, b.Snapshot().State)
	clock.Advance(time.Minute)

	finishTrial, trialDone := slow()
	require.Equal(t, HalfOpen, b.Snapshot().State)

	finishOK(nil)
	require.NoError(t, <-okDone)
	require.Equal(t, HalfOpen, b.Snapshot().State)

	finishFail(errBoom)
	require.ErrorIs(t, <-failDone, errBoom)
	require.Equal(t, HalfOpen, b.Snapshot().State)

	err := b.Execute(func() error { t.Fatal("trial still in flight"); return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)

	finishTrial(nil)
	require.NoError(t, <-trialDone)
	snap := b.Snapshot()
	require.Equal(t, Closed, snap.State)
	require.Zero(t, snap.ConsecutiveFailures)
}

func TestBreaker_CountersAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	var transitions []State
	b := New("render", Options{
		FailureThreshold: 2,
		ResetTimeout:     2 * time.Minute,
		Now:              clock.Now,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil }) // rejected

	snap := b.Snapshot()
	require.EqualValues(t, 4, snap.TotalRequests)
	require.EqualValues(t, 1, snap.SuccessCount)
	require.InDelta(t, 0.25, snap.SuccessRate, 1e-9)

	b.Reset()
	require.Equal(t, Closed, b.Snapshot().State)
	require.Equal(t, []State{Open, Closed}, transitions)
}
