// Package store owns the current session and its credential pair, persists it
// through a Backend, and notifies listeners whenever the pair changes.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/credential"
)

var (
	// ErrNoSession is returned when an operation needs a session and none is stored.
	ErrNoSession = errors.New("store: no session")
	// ErrSessionChanged is returned by CompareAndSet when the refresh credential
	// it expected is no longer the stored one.
	ErrSessionChanged = errors.New("store: session changed")
	// ErrPersist wraps backend failures. The in-memory state is updated regardless.
	ErrPersist = errors.New("store: persist failed")
)

// Identity is who the session belongs to.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Session is the authenticated identity bound to this client together with the
// capability set and the credential pair issued for it.
type Session struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id,omitempty"`
	Identity     Identity        `json:"identity"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`

	credential.Pair
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Capabilities = maps.Clone(s.Capabilities)
	return &c
}

// Backend persists a single session record.
type Backend interface {
	// Load returns the persisted session, or nil when nothing is stored.
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context) error
}

// expirer is implemented by backends that drop the record on their own.
type expirer interface {
	OnExpire(fn func())
}

// Event is the kind of change a listener is told about.
type Event int

const (
	// EventSet means a new credential pair is current.
	EventSet Event = iota
	// EventCleared means the session is gone.
	EventCleared
)

func (e Event) String() string {
	switch e {
	case EventSet:
		return "set"
	case EventCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Listener is called after every mutation, in mutation order. The session is
// nil for EventCleared. Listeners run outside the write lock and may mutate the
// store; such a mutation is delivered after the current notification finishes.
type Listener func(ev Event, s *Session)

type notification struct {
	ev   Event
	sess *Session
}

// Store holds the current session. Reads never block on persistence.
type Store struct {
	backend Backend
	log     zerolog.Logger

	// writeMu serializes mutations and their persistence.
	writeMu sync.Mutex

	mu        sync.RWMutex
	current   *Session
	listeners []Listener

	// qmu guards the notification queue. One caller drains it at a time so
	// listeners see mutations in the order they were committed.
	qmu      sync.Mutex
	pending  []notification
	draining bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for persistence warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New creates a Store on top of backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if e, ok := backend.(expirer); ok {
		e.OnExpire(s.expire)
	}
	return s
}

// Subscribe registers a listener for subsequent mutations.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Load restores the persisted session, if any, and notifies listeners. A
// restored access credential may already be expired; IsValid reports that and
// the refresh credential is kept so the session can be renewed.
func (s *Store) Load(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	sess, err := s.backend.Load(ctx)
	if err != nil {
		s.writeMu.Unlock()
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil || sess.AccessToken == "" || sess.RefreshToken == "" {
		s.writeMu.Unlock()
		return false, nil
	}
	s.swap(sess)
	s.enqueue(EventSet, sess)
	s.writeMu.Unlock()

	s.drain()
	return true, nil
}

// Get returns the current access credential, valid or not.
func (s *Store) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return "", false
	}
	return s.current.AccessToken, true
}

// Valid returns the current access credential only if it has not expired.
func (s *Store) Valid() (string, bool) {
	token, ok := s.Get()
	if !ok || !credential.IsValid(token) {
		return "", false
	}
	return token, true
}

// IsValid reports whether the current access credential decodes and expires
// strictly in the future. Malformed credentials are invalid.
func (s *Store) IsValid() bool {
	_, ok := s.Valid()
	return ok
}

// RefreshCredential returns the current refresh credential.
func (s *Store) RefreshCredential() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.RefreshToken == "" {
		return "", false
	}
	return s.current.RefreshToken, true
}

// Session returns a copy of the current session.
func (s *Store) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current.clone(), true
}

// Begin replaces whatever is stored with a freshly authenticated session.
func (s *Store) Begin(ctx context.Context, sess Session) error {
	if !credential.IsValid(sess.AccessToken) {
		return credential.ErrExpired
	}
	if sess.RefreshToken == "" {
		return errors.New("store: refresh credential is empty")
	}

	s.writeMu.Lock()
	err := s.commit(ctx, sess.clone())
	s.writeMu.Unlock()

	s.drain()
	return err
}

// Set replaces both credentials of the current session at once, keeping its
// identity and capabilities. It does not check which refresh credential was
// spent; renewals commit through CompareAndSet instead.
func (s *Store) Set(ctx context.Context, pair credential.Pair) error {
	if !credential.IsValid(pair.AccessToken) {
		return credential.ErrExpired
	}

	s.writeMu.Lock()
	cur, ok := s.Session()
	if !ok {
		s.writeMu.Unlock()
		return ErrNoSession
	}
	cur.Pair = pair
	err := s.commit(ctx, &cur)
	s.writeMu.Unlock()

	s.drain()
	return err
}

// CompareAndSet is Set guarded by the refresh credential that was spent to
// obtain pair. If the stored refresh credential differs, because of a logout
// or a new login in the meantime, nothing changes and ErrSessionChanged is
// returned.
func (s *Store) CompareAndSet(ctx context.Context, spent string, pair credential.Pair) error {
	if !credential.IsValid(pair.AccessToken) {
		return credential.ErrExpired
	}

	s.writeMu.Lock()
	cur, ok := s.Session()
	if !ok || cur.RefreshToken != spent {
		s.writeMu.Unlock()
		return ErrSessionChanged
	}
	cur.Pair = pair
	err := s.commit(ctx, &cur)
	s.writeMu.Unlock()

	s.drain()
	return err
}

// Clear removes the session from memory and from the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	var persistErr error
	if err := s.backend.Delete(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete persisted session")
		persistErr = fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.swap(nil)
	s.enqueue(EventCleared, nil)
	s.writeMu.Unlock()

	s.drain()
	return persistErr
}

// expire drops the in-memory session once the backend has evicted the record
// on its own. A record rewritten since the eviction is left alone.
func (s *Store) expire() {
	s.writeMu.Lock()
	sess, err := s.backend.Load(context.Background())
	if err != nil || sess != nil {
		s.writeMu.Unlock()
		return
	}
	s.mu.RLock()
	had := s.current != nil
	s.mu.RUnlock()
	if !had {
		s.writeMu.Unlock()
		return
	}
	s.log.Info().Msg("persisted session expired")
	s.swap(nil)
	s.enqueue(EventCleared, nil)
	s.writeMu.Unlock()

	s.drain()
}

// Close releases the backend if it holds resources.
func (s *Store) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// commit persists then publishes sess. Must be called with writeMu held; the
// caller drains the notification after releasing it.
func (s *Store) commit(ctx context.Context, sess *Session) error {
	var persistErr error
	if err := s.backend.Save(ctx, sess); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("failed to persist session")
		persistErr = fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.swap(sess)
	s.log.Debug().
		Str("session_id", sess.ID).
		Str("access", credential.Fingerprint(sess.AccessToken)).
		Time("expires_at", sess.ExpiresAt).
		Msg("credential pair stored")
	s.enqueue(EventSet, sess)
	return persistErr
}

func (s *Store) swap(sess *Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

// enqueue records a notification. Must be called with writeMu held so the
// queue order matches the commit order.
func (s *Store) enqueue(ev Event, sess *Session) {
	s.qmu.Lock()
	s.pending = append(s.pending, notification{ev: ev, sess: sess.clone()})
	s.qmu.Unlock()
}

// drain delivers queued notifications. A caller that finds another drain in
// progress, including a listener mutating the store, leaves its notification
// to that drain.
func (s *Store) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		n := s.pending[0]
		s.pending = s.pending[1:]
		s.qmu.Unlock()
		s.notify(n.ev, n.sess)
		s.qmu.Lock()
	}
	s.draining = false
	s.qmu.Unlock()
}

func (s *Store) notify(ev Event, sess *Session) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l(ev, sess.clone())
	}
}
