package credential

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-cli/internal/testtoken"
)

func withNow(t *testing.T, now time.Time) {
	t.Helper()
	orig := NowFunc
	NowFunc = func() time.Time { return now }
	t.Cleanup(func() { NowFunc = orig })
}

func TestIsValid(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	withNow(t, now)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "expires in the future", token: testtoken.Mint(t, "u1", now.Add(time.Minute)), want: true},
		{name: "expires one second from now", token: testtoken.Mint(t, "u1", now.Add(time.Second)), want: true},
		{name: "expires exactly now", token: testtoken.Mint(t, "u1", now), want: false},
		{name: "expired", token: testtoken.Mint(t, "u1", now.Add(-time.Hour)), want: false},
		{name: "no exp claim", token: testtoken.MintWithoutExpiry(t, "u1"), want: false},
		{name: "empty", token: "", want: false},
		{name: "garbage", token: "not-a-jwt", want: false},
		{name: "two segments", token: "abc.def", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.token))
		})
	}
}

func TestDecode(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	claims, err := Decode(testtoken.Mint(t, "user-42", exp))
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "admin", claims.Role)
	assert.True(t, claims.ExpiresAt.Time.Equal(exp), "ExpiresAt = %v, want %v", claims.ExpiresAt.Time, exp)

	_, err = Decode("%%%")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewPair(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	withNow(t, now)

	t.Run("valid", func(t *testing.T) {
		access := testtoken.Mint(t, "u1", now.Add(15*time.Minute))
		pair, err := NewPair(access, "refresh-1", "")
		require.NoError(t, err)
		assert.Equal(t, "Bearer", pair.TokenType)
		assert.True(t, pair.ExpiresAt.Equal(now.Add(15*time.Minute)), "ExpiresAt = %v", pair.ExpiresAt)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := NewPair(testtoken.Mint(t, "u1", now), "refresh-1", "Bearer")
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := NewPair("opaque", "refresh-1", "Bearer")
		assert.ErrorIs(t, err, ErrMalformed)
	})
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "****", Fingerprint("short"))
	assert.Equal(t, "...klmnop", Fingerprint("abcdefghijklmnop"))
}
