package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/internal/testtoken"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(serverURL, "test-client")
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestValidateTokenResponse(t *testing.T) {
	tests := []struct {
		name        string
		accessToken string
		tokenType   string
		expiresIn   int
		errContains string
	}{
		{name: "valid token response", accessToken: "valid-access-token-123456", tokenType: "Bearer", expiresIn: 3600},
		{name: "lower-case bearer", accessToken: "valid-access-token-123456", tokenType: "bearer", expiresIn: 3600},
		{name: "valid token with empty type", accessToken: "valid-access-token-123456", expiresIn: 3600},
		{name: "empty access token", tokenType: "Bearer", expiresIn: 3600, errContains: "access_token is empty"},
		{name: "access token too short", accessToken: "short", tokenType: "Bearer", expiresIn: 3600, errContains: "access_token is too short"},
		{name: "zero expires_in", accessToken: "valid-access-token-123456", tokenType: "Bearer", errContains: "expires_in must be positive"},
		{name: "negative expires_in", accessToken: "valid-access-token-123456", tokenType: "Bearer", expiresIn: -3600, errContains: "expires_in must be positive"},
		{name: "invalid token type", accessToken: "valid-access-token-123456", tokenType: "Basic", expiresIn: 3600, errContains: "unexpected token_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenResponse(tt.accessToken, tt.tokenType, tt.expiresIn)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}

func TestValidateServerURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example.com", "http://", "::bad"} {
		assert.Error(t, ValidateServerURL(raw), "ValidateServerURL(%q)", raw)
	}
	assert.NoError(t, ValidateServerURL("https://id.example.com"))
}

func TestLogin_Success(t *testing.T) {
	access := testtoken.Mint(t, "user-1", time.Now().Add(15*time.Minute))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != TokenPath {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "password" || r.FormValue("username") != "alice" ||
			r.FormValue("otp") != "123456" || r.FormValue("client_id") != "test-client" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrCodeInvalidGrant})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    900,
			"user":          map[string]string{"id": "user-1", "name": "Alice", "role": "admin"},
			"capabilities":  map[string]bool{"orders.read": true, "users.write": false},
		})
	}))
	defer server.Close()

	res, err := newTestClient(t, server.URL).Login(context.Background(), Proofs{
		Username: "alice",
		Password: "secret",
		OTP:      "123456",
	})
	require.NoError(t, err)
	assert.Equal(t, access, res.Token.AccessToken)
	assert.Equal(t, "refresh-1", res.Token.RefreshToken)
	assert.Equal(t, "user-1", res.User.ID)
	assert.Equal(t, "admin", res.User.Role)
	assert.Equal(t, map[string]bool{"orders.read": true, "users.write": false}, res.Capabilities)
	assert.GreaterOrEqual(t, time.Until(res.Token.Expiry), 14*time.Minute,
		"expiry not taken from the access credential")
}

func TestLogin_ProviderRefusal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:            ErrCodeAccountLocked,
			ErrorDescription: "too many attempts",
		})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Login(context.Background(), Proofs{Username: "bob"})

	var rErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, ErrCodeAccountLocked, rErr.ErrorCode)
	assert.Equal(t, "too many attempts", rErr.ErrorDescription)
}

func TestLogin_MissingUser(t *testing.T) {
	access := testtoken.Mint(t, "user-1", time.Now().Add(15*time.Minute))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-1",
			"expires_in":    900,
		})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Login(context.Background(), Proofs{})
	require.Error(t, err, "a response without user must be refused")
}

func TestLogin_RetriesServerErrors(t *testing.T) {
	access := testtoken.Mint(t, "user-1", time.Now().Add(15*time.Minute))
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    900,
			"user":          map[string]string{"id": "user-1"},
		})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Login(context.Background(), Proofs{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts.Load(), "expected 1 retry")
}

func TestRefresh_RotationMode(t *testing.T) {
	access := testtoken.Mint(t, "user-1", time.Now().Add(15*time.Minute))

	tests := []struct {
		name                 string
		responseRefreshToken string
		expectedRefreshToken string
	}{
		{
			name:                 "rotation mode - server returns new refresh token",
			responseRefreshToken: "new-refresh-token",
			expectedRefreshToken: "new-refresh-token",
		},
		{
			name:                 "fixed mode - server doesn't return refresh token",
			responseRefreshToken: "",
			expectedRefreshToken: "old-refresh-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil || r.FormValue("grant_type") != "refresh_token" ||
					r.FormValue("refresh_token") != "old-refresh-token" {
					http.Error(w, "bad request", http.StatusBadRequest)
					return
				}
				response := map[string]any{
					"access_token": access,
					"token_type":   "Bearer",
					"expires_in":   900,
				}
				if tt.responseRefreshToken != "" {
					response["refresh_token"] = tt.responseRefreshToken
				}
				writeJSON(w, http.StatusOK, response)
			}))
			defer server.Close()

			token, err := newTestClient(t, server.URL).Refresh(context.Background(), "old-refresh-token")
			require.NoError(t, err)
			assert.Equal(t, access, token.AccessToken)
			assert.Equal(t, tt.expectedRefreshToken, token.RefreshToken)
		})
	}
}

func TestRefresh_Rejected(t *testing.T) {
	for _, code := range []string{ErrCodeInvalidGrant, ErrCodeInvalidToken} {
		t.Run(code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: code})
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Refresh(context.Background(), "spent")
			assert.ErrorIs(t, err, ErrRefreshRejected)
			var rErr *oauth2.RetrieveError
			assert.ErrorAs(t, err, &rErr, "Refresh() error should still expose *oauth2.RetrieveError")
		})
	}
}

func TestRefresh_SingleAttempt(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Refresh(context.Background(), "refresh-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRefreshRejected, "a gateway error is not a rejection")
	assert.EqualValues(t, 1, attempts.Load(), "refresh exchange must not be retried")
}

func TestRefresh_ValidationErrors(t *testing.T) {
	tests := []struct {
		name         string
		responseBody map[string]any
		errContains  string
	}{
		{
			name:         "empty access token",
			responseBody: map[string]any{"access_token": "", "token_type": "Bearer", "expires_in": 3600},
			errContains:  "access_token is empty",
		},
		{
			name:         "zero expires_in",
			responseBody: map[string]any{"access_token": "valid-token-123456", "token_type": "Bearer", "expires_in": 0},
			errContains:  "expires_in must be positive",
		},
		{
			name:         "wrong token type",
			responseBody: map[string]any{"access_token": "valid-token-123456", "token_type": "Basic", "expires_in": 3600},
			errContains:  "unexpected token_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.responseBody)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Refresh(context.Background(), "refresh-1")
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}

func TestRevoke(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "revoked", status: http.StatusOK},
		{name: "no revocation endpoint", status: http.StatusNotFound},
		{name: "refused", status: http.StatusBadRequest, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotToken string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = r.ParseForm()
				gotToken = r.FormValue("token")
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := newTestClient(t, server.URL).Revoke(context.Background(), "refresh-1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "refresh-1", gotToken)
		})
	}
}
