package session

import (
	"errors"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/go-authgate/session-cli/idp"
)

var (
	// ErrAuthentication is matched by every AuthenticationError.
	ErrAuthentication = errors.New("authentication failed")
	// ErrLoggedOut is the termination cause reported after Logout.
	ErrLoggedOut = errors.New("session: logged out")
)

// Reason classifies a failed login.
type Reason int

const (
	// InvalidProofs means the provider did not accept what the user presented.
	InvalidProofs Reason = iota
	// AccountLocked means the account exists but may not log in.
	AccountLocked
	// VerificationRequired means a one-time code is missing or wrong.
	VerificationRequired
	// ProviderUnavailable means the exchange did not complete.
	ProviderUnavailable
)

func (r Reason) String() string {
	switch r {
	case InvalidProofs:
		return "invalid credentials"
	case AccountLocked:
		return "account locked"
	case VerificationRequired:
		return "verification required"
	case ProviderUnavailable:
		return "identity provider unavailable"
	default:
		return "unknown"
	}
}

// AuthenticationError is a failed login. The store is never changed by one.
type AuthenticationError struct {
	Reason Reason
	Cause  error
}

func (e *AuthenticationError) Error() string {
	if e.Cause == nil {
		return "authentication failed: " + e.Reason.String()
	}
	return "authentication failed: " + e.Reason.String() + ": " + e.Cause.Error()
}

func (e *AuthenticationError) Unwrap() error {
	return e.Cause
}

func (e *AuthenticationError) Is(target error) bool {
	return target == ErrAuthentication
}

// classifyLoginError maps a provider failure to an AuthenticationError.
func classifyLoginError(err error) *AuthenticationError {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return &AuthenticationError{Reason: ProviderUnavailable, Cause: err}
	}

	switch rErr.ErrorCode {
	case idp.ErrCodeAccountLocked:
		return &AuthenticationError{Reason: AccountLocked, Cause: err}
	case idp.ErrCodeVerificationRequired:
		return &AuthenticationError{Reason: VerificationRequired, Cause: err}
	}

	if rErr.Response != nil && rErr.Response.StatusCode >= http.StatusInternalServerError {
		return &AuthenticationError{Reason: ProviderUnavailable, Cause: err}
	}
	return &AuthenticationError{Reason: InvalidProofs, Cause: err}
}
