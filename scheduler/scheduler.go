// Package scheduler arms a single one-shot timer that renews the session
// shortly before its access credential expires.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/credential"
)

// DefaultMargin is how long before expiry a proactive renewal fires.
const DefaultMargin = 60 * time.Second

// State is the scheduler's position in Idle -> Scheduled -> Firing -> Idle.
type State int

const (
	Idle State = iota
	Scheduled
	Firing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Firing:
		return "firing"
	default:
		return "unknown"
	}
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so tests can drive the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RenewFunc performs the renewal when the timer fires.
type RenewFunc func(ctx context.Context) error

// Scheduler owns at most one pending proactive renewal.
type Scheduler struct {
	renew  RenewFunc
	margin time.Duration
	clock  Clock
	log    zerolog.Logger

	mu     sync.Mutex
	state  State
	timer  Timer
	gen    uint64
	fireAt time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMargin sets the safety margin subtracted from the expiry.
func WithMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.margin = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = l
	}
}

// New creates an idle Scheduler that calls renew when it fires.
func New(renew RenewFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		renew:  renew,
		margin: DefaultMargin,
		clock:  realClock{},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm schedules a renewal at expiry minus the margin, replacing any pending
// one. A fire time already in the past fires immediately. An undecodable
// credential leaves the scheduler disarmed and returns false; the reactive
// path on the next 401 still covers the session.
func (s *Scheduler) Arm(accessToken string) bool {
	exp, err := credential.ExpiresAt(accessToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()

	if err != nil {
		s.log.Warn().Err(err).Msg("cannot schedule renewal, access credential expiry unreadable")
		return false
	}

	fireAt := exp.Add(-s.margin)
	delay := max(fireAt.Sub(s.clock.Now()), 0)

	gen := s.gen
	s.state = Scheduled
	s.fireAt = fireAt
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })

	s.log.Debug().
		Time("expires_at", exp).
		Time("fire_at", fireAt).
		Dur("delay", delay).
		Msg("renewal scheduled")
	return true
}

// Disarm cancels any pending renewal. It is safe to call at any time.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FireAt returns when the pending renewal will fire.
func (s *Scheduler) FireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Scheduled {
		return time.Time{}, false
	}
	return s.fireAt, true
}

// stopLocked moves to Idle and invalidates any timer already handed out.
func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.state = Idle
	s.fireAt = time.Time{}
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	// A timer that lost a race with Arm or Disarm must not fire.
	if gen != s.gen || s.state != Scheduled {
		s.mu.Unlock()
		return
	}
	s.state = Firing
	s.timer = nil
	s.mu.Unlock()

	s.log.Debug().Msg("proactive renewal firing")
	if err := s.renew(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("proactive renewal failed")
	}

	s.mu.Lock()
	// A successful renewal re-arms (new generation); only fall back to Idle
	// when nothing else moved the state on.
	if gen == s.gen && s.state == Firing {
		s.state = Idle
	}
	s.mu.Unlock()
}
