package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/internal/testtoken"
	"github.com/go-authgate/session-cli/renewal"
	"github.com/go-authgate/session-cli/store"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		granted map[string]bool
		req     Requirement
		want    bool
	}{
		{"all, one false", map[string]bool{"a": true, "b": false}, RequireAll("a", "b"), false},
		{"all, both true", map[string]bool{"a": true, "b": true}, RequireAll("a", "b"), true},
		{"any, one true", map[string]bool{"a": true, "b": false}, RequireAny("a", "b"), true},
		{"any, none true", map[string]bool{"a": false}, RequireAny("a", "b"), false},
		{"all, absent", map[string]bool{"a": true}, RequireAll("a", "c"), false},
		{"all, empty requirement", nil, RequireAll(), true},
		{"any, empty requirement", nil, RequireAny(), true},
		{"nil grant", nil, RequireAny("a"), false},
		{"zero value mode is all", map[string]bool{"a": true}, Requirement{Capabilities: []string{"a", "b"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.granted, tt.req))
		})
	}
}

func newSessionStore(t *testing.T, caps map[string]bool) *store.Store {
	t.Helper()
	s := store.New(store.NewMemoryBackend(0))
	pair, err := credential.NewPair(testtoken.Mint(t, "u1", time.Now().Add(10*time.Minute)), "refresh-1", "")
	require.NoError(t, err)
	require.NoError(t, s.Begin(context.Background(), store.Session{
		ID:           "s1",
		Identity:     store.Identity{UserID: "u1", Role: "support"},
		Capabilities: caps,
		Pair:         pair,
	}))
	return s
}

func TestGuard_Check(t *testing.T) {
	g := New(newSessionStore(t, map[string]bool{"orders.read": true, "orders.refund": false}))

	d := g.Check(RequireAll("orders.read"))
	assert.True(t, d.Allowed)
	assert.Equal(t, None, d.Reason)

	d = g.Check(RequireAll("orders.read", "orders.refund", "users.ban"))
	require.False(t, d.Allowed)
	require.Equal(t, InsufficientCapability, d.Reason)
	assert.Equal(t, []string{"orders.refund", "users.ban"}, d.Missing)

	err := g.Require(RequireAny("users.ban"))
	require.ErrorIs(t, err, ErrDenied)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, InsufficientCapability, denied.Reason)

	assert.NoError(t, g.Require(RequireAny("users.ban", "orders.read")))
}

func TestGuard_NoSession(t *testing.T) {
	g := New(store.New(store.NewMemoryBackend(0)))

	for _, req := range []Requirement{RequireAll(), RequireAny("a")} {
		d := g.Check(req)
		assert.False(t, d.Allowed, "Check(%v)", req)
		assert.Equal(t, NoSession, d.Reason, "Check(%v)", req)
	}
}

type failingRefresher struct{}

func (failingRefresher) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("provider error")
}

type rotatingRefresher struct{ t *testing.T }

func (r rotatingRefresher) Refresh(context.Context, string) (*oauth2.Token, error) {
	return &oauth2.Token{
		AccessToken:  testtoken.Mint(r.t, "u1", time.Now().Add(10*time.Minute)),
		RefreshToken: "refresh-2",
		TokenType:    "Bearer",
	}, nil
}

func TestGuard_NoSessionAfterRenewalFailure(t *testing.T) {
	s := newSessionStore(t, map[string]bool{"orders.read": true})
	g := New(s)
	require.True(t, g.Check(RequireAll("orders.read")).Allowed)

	_, err := renewal.New(s, failingRefresher{}).Renew(context.Background())
	require.Error(t, err)

	assert.Equal(t, NoSession, g.Check(RequireAll("orders.read")).Reason)
}

func TestBoundary_RedirectsOnSessionChange(t *testing.T) {
	s := newSessionStore(t, map[string]bool{"orders.read": true})
	g := New(s)

	var redirects []Reason
	b := g.NewBoundary(RequireAll("orders.read"), func(d Decision) {
		redirects = append(redirects, d.Reason)
	})
	b.Watch(s)

	require.True(t, b.Evaluate().Allowed)

	b.SetRequirement(RequireAll("orders.refund"))
	require.NoError(t, s.Clear(context.Background()))

	assert.Equal(t, []Reason{InsufficientCapability, NoSession}, redirects)
	assert.Equal(t, NoSession, b.Last().Reason)
}

func TestBoundary_RedirectMaySignOut(t *testing.T) {
	s := newSessionStore(t, map[string]bool{"orders.read": true})
	g := New(s)

	// A surface that signs the user out when they lose access to it.
	var redirects []Reason
	b := g.NewBoundary(RequireAll("orders.refund"), func(d Decision) {
		redirects = append(redirects, d.Reason)
		if d.Reason == InsufficientCapability {
			if err := s.Clear(context.Background()); err != nil {
				t.Error(err)
			}
		}
	})
	b.Watch(s)

	done := make(chan error, 1)
	go func() {
		_, err := renewal.New(s, rotatingRefresher{t: t}).Renew(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("renewal blocked on a redirect that clears the store")
	}

	assert.Equal(t, []Reason{InsufficientCapability, NoSession}, redirects)
	_, ok := s.Get()
	assert.False(t, ok)
}

func TestGuard_Visibility(t *testing.T) {
	g := New(newSessionStore(t, map[string]bool{"orders.read": true}))

	tests := []struct {
		control Control
		want    Visibility
	}{
		{Control{Requirement: RequireAll("orders.read")}, Enabled},
		{Control{Requirement: RequireAll("orders.refund")}, Disabled},
		{Control{Requirement: RequireAll("orders.refund"), HideWhenDenied: true}, Hidden},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.Visibility(tt.control), "Visibility(%v)", tt.control.Requirement)
	}
}
