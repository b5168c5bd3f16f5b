// Package credential holds the access/refresh credential pair and decodes the
// claims carried by the access credential.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NowFunc returns the current time. It can be overridden in tests.
var NowFunc = time.Now

var (
	// ErrMalformed is returned when an access credential cannot be decoded.
	ErrMalformed = errors.New("credential: malformed access credential")
	// ErrExpired is returned when an access credential is already expired.
	ErrExpired = errors.New("credential: access credential expired")
	// ErrNoExpiry is returned when an access credential carries no exp claim.
	ErrNoExpiry = errors.New("credential: access credential has no expiry")
)

// Pair is an access credential together with the refresh credential that
// renews it. The two always travel together.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Claims is the subset of access-credential claims the client cares about.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// Decode parses the access credential without verifying its signature. The
// provider is the only party that verifies; the client only reads.
func Decode(accessToken string) (*Claims, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// ExpiresAt decodes the exp claim of an access credential.
func ExpiresAt(accessToken string) (time.Time, error) {
	claims, err := Decode(accessToken)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// IsValid reports whether the access credential decodes and expires strictly
// after now. A credential expiring exactly now is invalid.
func IsValid(accessToken string) bool {
	exp, err := ExpiresAt(accessToken)
	if err != nil {
		return false
	}
	return exp.After(NowFunc())
}

// NewPair builds a Pair from an access and refresh credential, taking the
// expiry from the access credential itself. It refuses credentials that are
// undecodable or already expired.
func NewPair(accessToken, refreshToken, tokenType string) (Pair, error) {
	exp, err := ExpiresAt(accessToken)
	if err != nil {
		return Pair{}, err
	}
	if !exp.After(NowFunc()) {
		return Pair{}, ErrExpired
	}
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresAt:    exp,
	}, nil
}

// Fingerprint returns a short, log-safe suffix of a credential. JWT headers
// are identical across tokens, so the tail is the distinguishing part.
func Fingerprint(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return "..." + token[len(token)-6:]
}
