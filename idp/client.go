// Package idp talks to the identity provider's token endpoints: the login
// exchange, the renewal exchange and revocation.
package idp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/credential"
)

// Timeout configuration for the different exchanges
const (
	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
	revokeTimeout  = 5 * time.Second
)

// Endpoint paths relative to the provider base URL.
const (
	TokenPath  = "/oauth/token"
	RevokePath = "/oauth/revoke"
)

// OAuth error codes the client distinguishes.
const (
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeInvalidToken         = "invalid_token"
	ErrCodeAccountLocked        = "account_locked"
	ErrCodeVerificationRequired = "verification_required"
)

// ErrRefreshRejected indicates the provider refused the refresh credential.
var ErrRefreshRejected = errors.New("refresh credential rejected")

// ErrorResponse is the OAuth error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Proofs is what the user presents to log in.
type Proofs struct {
	Username string
	Password string
	// OTP is a one-time code, required when the account demands verification.
	OTP string
}

// UserInfo is the identity block of a login response.
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// LoginResult is a successful login exchange.
type LoginResult struct {
	Token        *oauth2.Token
	User         UserInfo
	Capabilities map[string]bool
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	Scope        string          `json:"scope"`
	User         *UserInfo       `json:"user,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// Client is an identity-provider client bound to one OAuth client id.
type Client struct {
	baseURL  string
	clientID string
	scopes   []string
	log      zerolog.Logger

	// retryClient carries the login and revoke exchanges, which are safe to repeat.
	retryClient *retry.Client
	// httpClient carries the renewal exchange. A refresh credential is spent
	// on first use, so that exchange is attempted exactly once.
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithRetryClient replaces the retrying client used for login and revoke.
func WithRetryClient(rc *retry.Client) Option {
	return func(c *Client) {
		c.retryClient = rc
	}
}

// WithHTTPClient replaces the base client; it is also wrapped for retries
// unless WithRetryClient is given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithScopes sets the scopes requested at login.
func WithScopes(scopes ...string) Option {
	return func(c *Client) {
		c.scopes = scopes
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// DefaultHTTPClient is the transport configuration used when none is given.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// New creates a Client for the provider at baseURL.
func New(baseURL, clientID string, opts ...Option) (*Client, error) {
	if err := ValidateServerURL(baseURL); err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		scopes:   []string{"read", "write"},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = DefaultHTTPClient()
	}
	if c.retryClient == nil {
		rc, err := retry.NewClient(retry.WithHTTPClient(c.httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		c.retryClient = rc
	}
	return c, nil
}

// ValidateServerURL checks that rawURL is an absolute http(s) URL.
func ValidateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}

// Login exchanges proofs for a credential pair, identity and capabilities.
// Provider refusals come back as *oauth2.RetrieveError with ErrorCode set.
func (c *Client) Login(ctx context.Context, p Proofs) (*LoginResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "password")
	data.Set("username", p.Username)
	data.Set("password", p.Password)
	data.Set("client_id", c.clientID)
	data.Set("scope", strings.Join(c.scopes, " "))
	if p.OTP != "" {
		data.Set("otp", p.OTP)
	}

	req, err := c.newFormRequest(reqCtx, TokenPath, data)
	if err != nil {
		return nil, err
	}

	resp, err := c.retryClient.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	tr, err := decodeTokenResponse(resp)
	if err != nil {
		return nil, err
	}
	if tr.User == nil || tr.User.ID == "" {
		return nil, errors.New("invalid token response: user is missing")
	}

	return &LoginResult{
		Token:        tr.token(""),
		User:         *tr.User,
		Capabilities: tr.Capabilities,
	}, nil
}

// Refresh spends refreshToken for a new pair, in one attempt. If the provider
// does not rotate (no refresh_token in the response) the old one is kept.
// Refusals of the refresh credential itself wrap ErrRefreshRejected.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.clientID)

	req, err := c.newFormRequest(reqCtx, TokenPath, data)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	tr, err := decodeTokenResponse(resp)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) &&
			(rErr.ErrorCode == ErrCodeInvalidGrant || rErr.ErrorCode == ErrCodeInvalidToken) {
			return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return nil, err
	}

	c.log.Debug().
		Bool("rotated", tr.RefreshToken != "").
		Int("expires_in", tr.ExpiresIn).
		Msg("refresh exchange succeeded")
	return tr.token(refreshToken), nil
}

// Revoke asks the provider to discard token (RFC 7009). Providers without a
// revocation endpoint answer 404, which is not an error.
func (c *Client) Revoke(ctx context.Context, token string) error {
	reqCtx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "refresh_token")
	data.Set("client_id", c.clientID)

	req, err := c.newFormRequest(reqCtx, RevokePath, data)
	if err != nil {
		return err
	}

	resp, err := c.retryClient.DoWithContext(reqCtx, req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		c.log.Debug().Msg("provider has no revocation endpoint")
		return nil
	default:
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
}

func (c *Client) newFormRequest(ctx context.Context, path string, data url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// decodeTokenResponse reads a token endpoint response; non-200 answers become
// *oauth2.RetrieveError.
func decodeTokenResponse(resp *http.Response) (*tokenResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		rErr := &oauth2.RetrieveError{Response: resp, Body: body}
		var errResp ErrorResponse
		if json.Unmarshal(body, &errResp) == nil {
			rErr.ErrorCode = errResp.Error
			rErr.ErrorDescription = errResp.ErrorDescription
		}
		return nil, rErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(tr.AccessToken, tr.TokenType, tr.ExpiresIn); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}
	return &tr, nil
}

// token converts the response, keeping fallbackRefresh when the provider did
// not rotate. Expiry comes from the access credential when it is decodable.
func (tr *tokenResponse) token(fallbackRefresh string) *oauth2.Token {
	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}

	expiry, err := credential.ExpiresAt(tr.AccessToken)
	if err != nil {
		expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: refresh,
		TokenType:    tr.TokenType,
		Expiry:       expiry,
	}
}

// validateTokenResponse validates the OAuth token response
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
