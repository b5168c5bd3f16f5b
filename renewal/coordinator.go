// Package renewal coordinates credential renewal so that any number of
// concurrent callers share exactly one exchange with the identity provider.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/store"
)

// ErrRenewal is matched by every RenewalError.
var ErrRenewal = errors.New("renewal failed")

// RenewalError is the shared outcome of a failed renewal. The session has
// been terminated unless Cause is store.ErrSessionChanged.
type RenewalError struct {
	Cause error
}

func (e *RenewalError) Error() string {
	return "renewal failed: " + e.Cause.Error()
}

func (e *RenewalError) Unwrap() []error {
	return []error{ErrRenewal, e.Cause}
}

// Refresher performs the renewal exchange with the identity provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Revoker is optionally implemented by a Refresher. A renewed refresh
// credential that can no longer be stored is revoked through it, so a logout
// racing a renewal does not leave a live credential behind.
type Revoker interface {
	Revoke(ctx context.Context, token string) error
}

// CredentialStore is the part of the store the coordinator mutates.
type CredentialStore interface {
	Valid() (string, bool)
	RefreshCredential() (string, bool)
	CompareAndSet(ctx context.Context, spent string, pair credential.Pair) error
	Clear(ctx context.Context) error
}

// flightKey names the single PendingRenewal slot.
const flightKey = "renew"

const defaultExchangeTimeout = 15 * time.Second

// Coordinator is the single-flight renewal point. It is safe for concurrent use.
type Coordinator struct {
	store     CredentialStore
	refresher Refresher
	log       zerolog.Logger
	timeout   time.Duration

	onTerminated func(error)

	flight    singleflight.Group
	exchanges atomic.Int64

	mu       sync.Mutex
	inflight chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// WithOnTerminated registers the callback told when a failed renewal ends the
// session. It runs once per failed exchange, before waiters are released.
func WithOnTerminated(f func(error)) Option {
	return func(c *Coordinator) {
		c.onTerminated = f
	}
}

// WithExchangeTimeout bounds one renewal exchange end to end.
func WithExchangeTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a Coordinator.
func New(s CredentialStore, r Refresher, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		refresher: r,
		log:       zerolog.Nop(),
		timeout:   defaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Renew returns a freshly renewed access credential. If a renewal is already
// in flight the caller joins it instead of starting another. Cancelling ctx
// stops the wait, never the exchange: it always runs to completion and every
// remaining waiter sees its outcome.
func (c *Coordinator) Renew(ctx context.Context) (string, error) {
	ch := c.flight.DoChan(flightKey, c.exchange)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// RenewIfStale is Renew for a caller that was refused with rejected. If the
// store already holds a different, valid access credential, because a
// renewal finished after rejected was attached, that credential is returned
// without a new exchange.
func (c *Coordinator) RenewIfStale(ctx context.Context, rejected string) (string, error) {
	if current, ok := c.store.Valid(); ok && current != rejected {
		return current, nil
	}
	return c.Renew(ctx)
}

// Wait blocks until the renewal in flight, if any, has finished. It never
// starts one. Logout waits so it revokes the refresh credential the renewal
// leaves behind rather than the one it spent.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.inflight
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Exchanges returns how many renewal exchanges have been started.
func (c *Coordinator) Exchanges() int64 {
	return c.exchanges.Load()
}

// exchange is the body of the PendingRenewal. It runs detached from any
// caller's context.
func (c *Coordinator) exchange() (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	done := make(chan struct{})
	c.mu.Lock()
	c.inflight = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(done)
	}()

	spent, ok := c.store.RefreshCredential()
	if !ok {
		return nil, c.fail(ctx, store.ErrNoSession, false)
	}

	n := c.exchanges.Add(1)
	c.log.Debug().Int64("exchange", n).Msg("renewal exchange started")

	token, err := c.refresher.Refresh(ctx, spent)
	if err != nil {
		if c.changed(spent) {
			// The spent credential was revoked by a logout, or replaced by a
			// new login, while the exchange was out.
			c.log.Info().Err(err).Msg("session changed during renewal, ignoring refresh failure")
			return nil, &RenewalError{Cause: store.ErrSessionChanged}
		}
		return nil, c.fail(ctx, err, true)
	}

	pair, err := credential.NewPair(token.AccessToken, token.RefreshToken, token.TokenType)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("provider issued unusable credential: %w", err), true)
	}

	if err := c.store.CompareAndSet(ctx, spent, pair); err != nil {
		switch {
		case errors.Is(err, store.ErrSessionChanged):
			// Logged out or logged in again meanwhile; that session is not ours to clear.
			c.log.Info().Msg("session changed during renewal, discarding renewed credential")
			c.revokeOrphan(ctx, pair.RefreshToken)
			return nil, &RenewalError{Cause: err}
		case errors.Is(err, store.ErrPersist):
			// Memory holds the new pair; only durability suffered.
			c.log.Warn().Err(err).Msg("renewed credential not persisted")
		default:
			return nil, c.fail(ctx, err, true)
		}
	}

	c.log.Info().
		Str("access", credential.Fingerprint(pair.AccessToken)).
		Time("expires_at", pair.ExpiresAt).
		Msg("session renewed")
	return pair.AccessToken, nil
}

// changed reports whether the stored refresh credential is no longer spent.
func (c *Coordinator) changed(spent string) bool {
	current, ok := c.store.RefreshCredential()
	return !ok || current != spent
}

// revokeOrphan revokes a renewed refresh credential that was not stored.
func (c *Coordinator) revokeOrphan(ctx context.Context, refresh string) {
	r, ok := c.refresher.(Revoker)
	if !ok || refresh == "" {
		return
	}
	if err := r.Revoke(ctx, refresh); err != nil {
		c.log.Warn().Err(err).Msg("failed to revoke discarded refresh credential")
	}
}

// fail rejects the renewal. With terminate set the session ends: the store is
// cleared (which also disarms the scheduler through its listener) and the
// termination callback runs.
func (c *Coordinator) fail(ctx context.Context, cause error, terminate bool) error {
	rErr := &RenewalError{Cause: cause}
	if !terminate {
		c.log.Debug().Err(cause).Msg("renewal not possible")
		return rErr
	}

	c.log.Warn().Err(cause).Msg("renewal failed, terminating session")
	if err := c.store.Clear(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to clear persisted session")
	}
	if c.onTerminated != nil {
		c.onTerminated(rErr)
	}
	return rErr
}
