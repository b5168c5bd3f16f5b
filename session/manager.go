// Package session owns one client session end to end: it logs in through the
// identity provider, seeds the credential store, keeps the proactive renewal
// armed, and hands out the guard and the authenticated HTTP client.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/guard"
	"github.com/go-authgate/session-cli/idp"
	"github.com/go-authgate/session-cli/renewal"
	"github.com/go-authgate/session-cli/scheduler"
	"github.com/go-authgate/session-cli/store"
	"github.com/go-authgate/session-cli/transport"
)

// Provider is the identity provider as the manager uses it. *idp.Client
// implements it.
type Provider interface {
	Login(ctx context.Context, p idp.Proofs) (*idp.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Revoke(ctx context.Context, token string) error
}

// Manager wires the store, scheduler, renewal coordinator, request pipeline
// and guard around one session.
type Manager struct {
	store    *store.Store
	provider Provider
	clientID string
	log      zerolog.Logger

	margin time.Duration
	clock  scheduler.Clock
	base   http.RoundTripper

	scheduler *scheduler.Scheduler
	coord     *renewal.Coordinator
	guard     *guard.Guard
	transport *transport.Transport

	mu           sync.Mutex
	onTerminated []func(error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger handed to every component.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithClientID records the OAuth client id on new sessions.
func WithClientID(id string) Option {
	return func(m *Manager) {
		m.clientID = id
	}
}

// WithRefreshMargin sets how long before expiry the proactive renewal fires.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		m.margin = d
	}
}

// WithClock replaces the scheduler's clock.
func WithClock(c scheduler.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithBaseTransport sets the RoundTripper business requests are sent over.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(m *Manager) {
		m.base = rt
	}
}

// WithOnTerminated registers f to be told when the session ends, by a failed
// renewal or by Logout.
func WithOnTerminated(f func(error)) Option {
	return func(m *Manager) {
		m.onTerminated = append(m.onTerminated, f)
	}
}

// New creates a Manager over st. Call Init before use and Teardown after.
func New(st *store.Store, provider Provider, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		provider: provider,
		log:      zerolog.Nop(),
		margin:   scheduler.DefaultMargin,
		base:     http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.coord = renewal.New(st, provider,
		renewal.WithLogger(m.log.With().Str("component", "renewal").Logger()),
		renewal.WithOnTerminated(m.terminate),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithMargin(m.margin),
		scheduler.WithLogger(m.log.With().Str("component", "scheduler").Logger()),
	}
	if m.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(m.clock))
	}
	m.scheduler = scheduler.New(func(ctx context.Context) error {
		_, err := m.coord.Renew(ctx)
		return err
	}, schedOpts...)

	m.guard = guard.New(st, guard.WithLogger(m.log.With().Str("component", "guard").Logger()))
	m.transport = transport.New(st, m.coord,
		transport.WithBase(m.base),
		transport.WithLogger(m.log.With().Str("component", "transport").Logger()),
	)

	// Registered first so every later listener sees the scheduler already updated.
	st.Subscribe(m.onStoreEvent)
	return m
}

func (m *Manager) onStoreEvent(ev store.Event, s *store.Session) {
	switch ev {
	case store.EventSet:
		m.scheduler.Arm(s.AccessToken)
	case store.EventCleared:
		m.scheduler.Disarm()
	}
}

// Init restores a persisted session, if any, and arms its renewal. An
// expired access credential with a refresh credential renews right away.
func (m *Manager) Init(ctx context.Context) (bool, error) {
	found, err := m.store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if !found {
		m.log.Debug().Msg("no persisted session")
		return false, nil
	}

	sess, _ := m.store.Session()
	m.log.Info().
		Str("session_id", sess.ID).
		Str("user_id", sess.Identity.UserID).
		Bool("access_valid", m.store.IsValid()).
		Msg("session resumed")
	return true, nil
}

// Login exchanges proofs for a new session and makes it current. Failures
// are *AuthenticationError and leave the store untouched. An error matching
// store.ErrPersist means the session is current but was not saved.
func (m *Manager) Login(ctx context.Context, proofs idp.Proofs) (store.Session, error) {
	res, err := m.provider.Login(ctx, proofs)
	if err != nil {
		aErr := classifyLoginError(err)
		m.log.Warn().Err(err).Stringer("reason", aErr.Reason).Msg("login failed")
		return store.Session{}, aErr
	}

	pair, err := credential.NewPair(res.Token.AccessToken, res.Token.RefreshToken, res.Token.TokenType)
	if err != nil {
		return store.Session{}, &AuthenticationError{
			Reason: ProviderUnavailable,
			Cause:  fmt.Errorf("provider issued unusable credential: %w", err),
		}
	}

	sess := store.Session{
		ID:       uuid.NewString(),
		ClientID: m.clientID,
		Identity: store.Identity{
			UserID: res.User.ID,
			Name:   res.User.Name,
			Role:   res.User.Role,
		},
		Capabilities: res.Capabilities,
		CreatedAt:    time.Now(),
		Pair:         pair,
	}

	err = m.store.Begin(ctx, sess)
	if err != nil && !errors.Is(err, store.ErrPersist) {
		return store.Session{}, err
	}

	m.log.Info().
		Str("session_id", sess.ID).
		Str("user_id", sess.Identity.UserID).
		Time("expires_at", pair.ExpiresAt).
		Msg("logged in")
	return sess, err
}

// Logout ends the session: the store is cleared, the renewal disarmed, the
// refresh credential revoked at the provider when possible, and termination
// signalled. Revocation failures are logged, not returned.
func (m *Manager) Logout(ctx context.Context) error {
	// A renewal in flight rotates the refresh credential; revoke its result,
	// not the credential it spent.
	if err := m.coord.Wait(ctx); err != nil {
		m.log.Warn().Err(err).Msg("logging out without waiting for the renewal in flight")
	}
	refresh, hadSession := m.store.RefreshCredential()

	clearErr := m.store.Clear(ctx)
	m.scheduler.Disarm()

	if hadSession && refresh != "" {
		if err := m.provider.Revoke(ctx, refresh); err != nil {
			m.log.Warn().Err(err).Msg("failed to revoke refresh credential")
		}
	}

	if hadSession {
		m.log.Info().Msg("logged out")
		m.terminate(ErrLoggedOut)
	}
	return clearErr
}

// Teardown disarms the renewal and releases the store's backend. The
// persisted session is kept for the next Init.
func (m *Manager) Teardown() error {
	m.scheduler.Disarm()
	return m.store.Close()
}

func (m *Manager) terminate(cause error) {
	m.mu.Lock()
	callbacks := append([]func(error){}, m.onTerminated...)
	m.mu.Unlock()

	for _, f := range callbacks {
		f(cause)
	}
}

// Store returns the credential store.
func (m *Manager) Store() *store.Store { return m.store }

// Guard returns the access guard bound to the session.
func (m *Manager) Guard() *guard.Guard { return m.guard }

// Transport returns the request pipeline.
func (m *Manager) Transport() *transport.Transport { return m.transport }

// HTTPClient returns a client whose requests carry the session credential.
func (m *Manager) HTTPClient() *http.Client { return m.transport.Client() }

// Coordinator returns the renewal coordinator.
func (m *Manager) Coordinator() *renewal.Coordinator { return m.coord }

// SchedulerState reports the proactive renewal state.
func (m *Manager) SchedulerState() scheduler.State { return m.scheduler.State() }

// NextRenewal returns when the proactive renewal fires, if one is armed.
func (m *Manager) NextRenewal() (time.Time, bool) { return m.scheduler.FireAt() }
