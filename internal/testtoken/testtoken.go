// Package testtoken mints unsigned-for-trust JWT access credentials for tests.
package testtoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var key = []byte("test-signing-key")

// Mint returns an HS256 access credential for subject expiring at exp.
func Mint(t testing.TB, subject string, exp time.Time) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":  subject,
		"name": "Test " + subject,
		"role": "admin",
		"iat":  time.Now().Unix(),
		"exp":  exp.Unix(),
		"jti":  uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// MintWithoutExpiry returns an access credential that carries no exp claim.
func MintWithoutExpiry(t testing.TB, subject string) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject}).
		SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}
