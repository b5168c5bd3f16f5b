// Package mockidp is a small identity provider for development and tests. It
// speaks the token, revoke and protected-resource endpoints the session client
// uses, and rotates refresh credentials on every use.
package mockidp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/go-authgate/session-cli/idp"
)

// Defaults for issued credentials.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// User is an account the provider can authenticate.
type User struct {
	ID           string
	Name         string
	Role         string
	Capabilities map[string]bool
	// Locked accounts are refused with account_locked.
	Locked bool
	// OTP, when set, must accompany the password.
	OTP string

	passwordHash []byte
}

type accessClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	Epoch int64  `json:"ep"`
}

// grant is what a refresh credential stands for.
type grant struct {
	userID   string
	clientID string
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	Scope        string          `json:"scope,omitempty"`
	User         *idp.UserInfo   `json:"user,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// Server is the mock provider. Create it with New and serve Handler.
type Server struct {
	echo *echo.Echo
	log  zerolog.Logger

	secret     []byte
	clientID   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool

	refreshDelay time.Duration
	onRefresh    func(refreshToken string)

	mu    sync.RWMutex
	users map[string]*User // key = username

	// spendMu makes looking up and spending a refresh credential one step.
	spendMu sync.Mutex
	grants  *ttlcache.Cache[string, grant]

	epoch       atomic.Int64
	refreshFail atomic.Pointer[idp.ErrorResponse]

	logins      atomic.Int64
	refreshes   atomic.Int64
	rejected    atomic.Int64
	revocations atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithSecret sets the HS256 signing secret.
func WithSecret(secret string) Option {
	return func(s *Server) {
		s.secret = []byte(secret)
	}
}

// WithClientID restricts the provider to one client id.
func WithClientID(id string) Option {
	return func(s *Server) {
		s.clientID = id
	}
}

// WithAccessTTL sets the lifetime of issued access credentials.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithRefreshTTL sets the lifetime of issued refresh credentials.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Server) {
		s.refreshTTL = d
	}
}

// WithRotation selects rotation mode (the default) or fixed mode, where a
// refresh credential stays valid and is not reissued.
func WithRotation(rotate bool) Option {
	return func(s *Server) {
		s.rotate = rotate
	}
}

// WithRefreshDelay holds every refresh exchange for d before answering.
func WithRefreshDelay(d time.Duration) Option {
	return func(s *Server) {
		s.refreshDelay = d
	}
}

// WithRefreshHook is called with the presented credential on every refresh exchange.
func WithRefreshHook(f func(refreshToken string)) Option {
	return func(s *Server) {
		s.onRefresh = f
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// New creates a Server with no users.
func New(opts ...Option) *Server {
	s := &Server{
		log:        zerolog.Nop(),
		secret:     []byte(uuid.NewString()),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		rotate:     true,
		users:      make(map[string]*User),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.grants = ttlcache.New(
		ttlcache.WithTTL[string, grant](s.refreshTTL),
		ttlcache.WithDisableTouchOnHit[string, grant](),
	)
	go s.grants.Start()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.POST(idp.TokenPath, s.tokenHandler)
	e.POST(idp.RevokePath, s.revokeHandler)
	e.GET("/api/me", s.meHandler)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
}

// Handler returns the provider's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops serving and releases the refresh credential table.
func (s *Server) Shutdown(ctx context.Context) error {
	s.grants.Stop()
	return s.echo.Shutdown(ctx)
}

// Close releases the refresh credential table of a Server served elsewhere,
// typically by httptest.
func (s *Server) Close() {
	s.grants.Stop()
}

// AddUser registers username with password.
func (s *Server) AddUser(username, password string, u User) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.passwordHash = hash

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &u
	return nil
}

// SetLocked locks or unlocks username.
func (s *Server) SetLocked(username string, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.Locked = locked
	}
}

// InvalidateAccess makes every access credential issued so far unacceptable
// to the protected endpoints. Refresh credentials are unaffected.
func (s *Server) InvalidateAccess() {
	s.epoch.Add(1)
}

// FailRefresh makes every following refresh exchange fail with code until
// FailRefresh("") is called.
func (s *Server) FailRefresh(code string) {
	if code == "" {
		s.refreshFail.Store(nil)
		return
	}
	s.refreshFail.Store(&idp.ErrorResponse{Error: code, ErrorDescription: "refresh disabled"})
}

// Logins returns the number of password exchanges received.
func (s *Server) Logins() int64 { return s.logins.Load() }

// Refreshes returns the number of refresh exchanges received.
func (s *Server) Refreshes() int64 { return s.refreshes.Load() }

// RejectedRefreshes returns how many refresh exchanges were refused.
func (s *Server) RejectedRefreshes() int64 { return s.rejected.Load() }

// Revocations returns the number of revoke requests received.
func (s *Server) Revocations() int64 { return s.revocations.Load() }

// IsRefreshLive reports whether refreshToken would currently be accepted.
func (s *Server) IsRefreshLive(refreshToken string) bool {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()
	return s.grants.Get(refreshToken) != nil
}

// LiveRefreshCredentials returns how many refresh credentials would currently
// be accepted.
func (s *Server) LiveRefreshCredentials() int {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()
	return s.grants.Len()
}

func (s *Server) tokenHandler(c echo.Context) error {
	if s.clientID != "" && c.FormValue("client_id") != s.clientID {
		return oauthError(c, http.StatusUnauthorized, "invalid_client", "unknown client")
	}

	switch c.FormValue("grant_type") {
	case "password":
		return s.passwordGrant(c)
	case "refresh_token":
		return s.refreshGrant(c)
	default:
		return oauthError(c, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) passwordGrant(c echo.Context) error {
	s.logins.Add(1)
	username := c.FormValue("username")

	s.mu.RLock()
	u, ok := s.users[username]
	var user User
	if ok {
		user = *u
	}
	s.mu.RUnlock()

	if !ok || bcrypt.CompareHashAndPassword(user.passwordHash, []byte(c.FormValue("password"))) != nil {
		return oauthError(c, http.StatusBadRequest, idp.ErrCodeInvalidGrant, "invalid username or password")
	}
	if user.Locked {
		return oauthError(c, http.StatusForbidden, idp.ErrCodeAccountLocked, "account is locked")
	}
	if user.OTP != "" && c.FormValue("otp") != user.OTP {
		return oauthError(c, http.StatusUnauthorized, idp.ErrCodeVerificationRequired, "one-time code required")
	}

	access, err := s.issueAccess(&user)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign access credential")
		return oauthError(c, http.StatusInternalServerError, "server_error", "")
	}
	refresh := s.issueRefresh(grant{userID: user.ID, clientID: c.FormValue("client_id")})

	s.log.Info().Str("user_id", user.ID).Msg("login succeeded")
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    s.expiresIn(),
		Scope:        c.FormValue("scope"),
		User:         &idp.UserInfo{ID: user.ID, Name: user.Name, Role: user.Role},
		Capabilities: user.Capabilities,
	})
}

func (s *Server) refreshGrant(c echo.Context) error {
	s.refreshes.Add(1)
	presented := c.FormValue("refresh_token")
	if s.onRefresh != nil {
		s.onRefresh(presented)
	}
	if s.refreshDelay > 0 {
		select {
		case <-time.After(s.refreshDelay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	if fail := s.refreshFail.Load(); fail != nil {
		s.rejected.Add(1)
		status := http.StatusBadRequest
		if fail.Error == "server_error" || fail.Error == "temporarily_unavailable" {
			status = http.StatusServiceUnavailable
		}
		return oauthError(c, status, fail.Error, fail.ErrorDescription)
	}

	g, ok := s.spend(presented)
	if !ok || g.clientID != c.FormValue("client_id") {
		s.rejected.Add(1)
		s.log.Warn().Msg("refresh credential rejected")
		return oauthError(c, http.StatusBadRequest, idp.ErrCodeInvalidGrant, "refresh credential is invalid or already used")
	}

	user, ok := s.userByID(g.userID)
	if !ok || user.Locked {
		s.rejected.Add(1)
		return oauthError(c, http.StatusBadRequest, idp.ErrCodeInvalidGrant, "account unavailable")
	}

	access, err := s.issueAccess(user)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign access credential")
		return oauthError(c, http.StatusInternalServerError, "server_error", "")
	}

	resp := tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   s.expiresIn(),
	}
	if s.rotate {
		resp.RefreshToken = s.issueRefresh(g)
	}
	return c.JSON(http.StatusOK, resp)
}

// spend looks up a refresh credential and, in rotation mode, invalidates it.
func (s *Server) spend(refreshToken string) (grant, bool) {
	s.spendMu.Lock()
	defer s.spendMu.Unlock()

	item := s.grants.Get(refreshToken)
	if item == nil {
		return grant{}, false
	}
	if s.rotate {
		s.grants.Delete(refreshToken)
	}
	return item.Value(), true
}

func (s *Server) revokeHandler(c echo.Context) error {
	s.revocations.Add(1)
	token := c.FormValue("token")

	s.spendMu.Lock()
	s.grants.Delete(token)
	s.spendMu.Unlock()

	// RFC 7009: unknown tokens are not an error.
	return c.NoContent(http.StatusOK)
}

func (s *Server) meHandler(c echo.Context) error {
	claims, err := s.authenticate(c.Request())
	if err != nil {
		c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return oauthError(c, http.StatusUnauthorized, idp.ErrCodeInvalidToken, err.Error())
	}

	user, ok := s.userByID(claims.Subject)
	if !ok {
		return oauthError(c, http.StatusUnauthorized, idp.ErrCodeInvalidToken, "unknown subject")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":           user.ID,
		"name":         user.Name,
		"role":         user.Role,
		"capabilities": user.Capabilities,
		"expires_at":   claims.ExpiresAt.Time,
	})
}

// authenticate verifies the bearer credential of r.
func (s *Server) authenticate(r *http.Request) (*accessClaims, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return nil, errors.New("missing bearer credential")
	}

	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid access credential: %w", err)
	}
	if claims.Epoch < s.epoch.Load() {
		return nil, errors.New("access credential invalidated")
	}
	return claims, nil
}

func (s *Server) issueAccess(u *User) (string, error) {
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
		Name:  u.Name,
		Role:  u.Role,
		Epoch: s.epoch.Load(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) issueRefresh(g grant) string {
	token := uuid.NewString()
	s.grants.Set(token, g, ttlcache.DefaultTTL)
	return token
}

func (s *Server) expiresIn() int {
	return max(1, int(math.Ceil(s.accessTTL.Seconds())))
}

func (s *Server) userByID(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.ID == id {
			c := *u
			return &c, true
		}
	}
	return nil, false
}

func oauthError(c echo.Context, status int, code, description string) error {
	return c.JSON(status, idp.ErrorResponse{Error: code, ErrorDescription: description})
}
