package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const memoryKey = "session"

// MemoryBackend keeps the session in process memory. It does not survive a
// restart and is meant for tests and short-lived tools. With a non-zero idle
// TTL the record disappears if it is not rewritten in time, mirroring a
// refresh credential lifetime.
type MemoryBackend struct {
	cache *ttlcache.Cache[string, *Session]
}

// NewMemoryBackend creates a MemoryBackend. idleTTL <= 0 keeps the record forever.
func NewMemoryBackend(idleTTL time.Duration) *MemoryBackend {
	ttl := idleTTL
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *Session](ttl),
		ttlcache.WithDisableTouchOnHit[string, *Session](),
	)

	go cache.Start()

	return &MemoryBackend{cache: cache}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context) (*Session, error) {
	item := m.cache.Get(memoryKey)
	if item == nil {
		return nil, nil
	}
	return item.Value().clone(), nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, s *Session) error {
	m.cache.Set(memoryKey, s.clone(), ttlcache.DefaultTTL)
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context) error {
	m.cache.Delete(memoryKey)
	return nil
}

// OnExpire registers fn to run after the record expires. A Store built on this
// backend registers itself so its in-memory session does not outlive the record.
func (m *MemoryBackend) OnExpire(fn func()) {
	m.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, *Session]) {
		if reason == ttlcache.EvictionReasonExpired {
			fn()
		}
	})
}

// Close stops the expiry goroutine.
func (m *MemoryBackend) Close() error {
	m.cache.Stop()
	return nil
}
