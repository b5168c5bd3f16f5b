package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-cli/internal/testtoken"
)

// fakeClock records AfterFunc calls and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasPending := !t.stopped && !t.fired
	t.stopped = true
	return wasPending
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, delay: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// pending returns timers neither stopped nor fired.
func (c *fakeClock) pending() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// fire runs a timer synchronously, even one that was stopped, to model a
// timer that had already been dispatched when Stop raced it.
func (c *fakeClock) fire(t *fakeTimer) {
	c.mu.Lock()
	t.fired = true
	c.mu.Unlock()
	t.f()
}

func TestScheduler_ArmComputesFireTime(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)
	s := New(func(context.Context) error { return nil }, WithClock(clock), WithMargin(60*time.Second))

	require.True(t, s.Arm(testtoken.Mint(t, "u1", now.Add(15*time.Minute))))

	pending := clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 14*time.Minute, pending[0].delay)
	fireAt, ok := s.FireAt()
	assert.True(t, ok)
	assert.True(t, fireAt.Equal(now.Add(14*time.Minute)), "FireAt() = %v", fireAt)
	assert.Equal(t, Scheduled, s.State())
}

func TestScheduler_PastFireTimeFiresImmediately(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)
	s := New(func(context.Context) error { return nil }, WithClock(clock))

	s.Arm(testtoken.Mint(t, "u1", now.Add(30*time.Second)))

	pending := clock.pending()
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].delay)
}

func TestScheduler_ArmTwiceLeavesOneTimer(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)
	var renewals atomic.Int32
	s := New(func(context.Context) error {
		renewals.Add(1)
		return nil
	}, WithClock(clock))

	s.Arm(testtoken.Mint(t, "u1", now.Add(10*time.Minute)))
	first := clock.pending()[0]
	s.Arm(testtoken.Mint(t, "u1", now.Add(20*time.Minute)))

	pending := clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 19*time.Minute, pending[0].delay)

	// The superseded timer firing anyway must be ignored.
	clock.fire(first)
	assert.Zero(t, renewals.Load(), "superseded timer triggered a renewal")
	assert.Equal(t, Scheduled, s.State())
}

func TestScheduler_DisarmIsIdempotent(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)
	var renewals atomic.Int32
	s := New(func(context.Context) error {
		renewals.Add(1)
		return nil
	}, WithClock(clock))

	s.Disarm()
	s.Disarm()

	s.Arm(testtoken.Mint(t, "u1", now.Add(10*time.Minute)))
	timer := clock.pending()[0]
	s.Disarm()
	s.Disarm()

	assert.Empty(t, clock.pending())
	_, ok := s.FireAt()
	assert.False(t, ok, "FireAt() reported a pending renewal after Disarm")

	clock.fire(timer)
	assert.Zero(t, renewals.Load(), "disarmed timer triggered a renewal")
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_UndecodableCredentialDoesNotArm(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := New(func(context.Context) error { return nil }, WithClock(clock))

	s.Arm(testtoken.Mint(t, "u1", time.Now().Add(time.Hour)))
	assert.False(t, s.Arm("opaque-token"))
	assert.Empty(t, clock.pending())
	assert.Equal(t, Idle, s.State())
}

func TestScheduler_FiringTransitions(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)

	var s *Scheduler
	var during State
	renewErr := errors.New("provider down")
	s = New(func(context.Context) error {
		during = s.State()
		return renewErr
	}, WithClock(clock))

	s.Arm(testtoken.Mint(t, "u1", now.Add(5*time.Minute)))
	clock.fire(clock.pending()[0])

	assert.Equal(t, Firing, during, "state during renewal")
	assert.Equal(t, Idle, s.State(), "state after failed renewal")
}

func TestScheduler_RenewalThatRearmsStaysScheduled(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	clock := newFakeClock(now)

	var s *Scheduler
	next := testtoken.Mint(t, "u1", now.Add(30*time.Minute))
	s = New(func(context.Context) error {
		s.Arm(next)
		return nil
	}, WithClock(clock))

	s.Arm(testtoken.Mint(t, "u1", now.Add(5*time.Minute)))
	clock.fire(clock.pending()[0])

	require.Equal(t, Scheduled, s.State())
	pending := clock.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 29*time.Minute, pending[0].delay)
}

func TestScheduler_RealClock(t *testing.T) {
	fired := make(chan struct{})
	s := New(func(context.Context) error {
		close(fired)
		return nil
	}, WithMargin(0))

	s.Arm(testtoken.Mint(t, "u1", time.Now().Add(-time.Second)))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal did not fire for an already expired credential")
	}
}
