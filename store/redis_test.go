package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REDIS_ADDR or skips.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis backend tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return client
}

func TestRedisBackend_Keys(t *testing.T) {
	backend := NewRedisBackend(nil, "")
	access, refresh, meta := backend.Keys()
	require.Equal(t, "authgate:session:access_token", access)
	require.Equal(t, "authgate:session:refresh_token", refresh)
	require.Equal(t, "authgate:session:session", meta)
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	backend := NewRedisBackend(client, "test:"+uuid.NewString())
	t.Cleanup(func() {
		_ = backend.Delete(ctx)
		_ = client.Close()
	})

	got, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	sess := newSession(t, "u1", "refresh-1", 15*time.Minute)
	require.NoError(t, backend.Save(ctx, &sess))

	got, err = backend.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, sess.AccessToken, got.AccessToken)
	require.Equal(t, "refresh-1", got.RefreshToken)
	require.Equal(t, sess.Identity, got.Identity)
	require.Equal(t, sess.Capabilities, got.Capabilities)
	require.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, backend.Delete(ctx))
	got, err = backend.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisBackend_PartialRecordIsAbsent(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	backend := NewRedisBackend(client, "test:"+uuid.NewString())
	t.Cleanup(func() {
		_ = backend.Delete(ctx)
		_ = client.Close()
	})

	access, _, _ := backend.Keys()
	require.NoError(t, client.Set(ctx, access, "orphan-access", 0).Err())

	got, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}
