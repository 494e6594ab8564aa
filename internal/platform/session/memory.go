package session

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps sessions in a bounded in-process LRU. Sessions are lost
// on restart and are not shared between replicas; use RedisStore for that.
type MemoryStore struct {
	cache *expirable.LRU[string, *Session]
	now   func() time.Time
}

// NewMemoryStore holds at most size sessions. maxTTL caps how long any entry
// stays in the cache; shorter per-session expiries are checked on Get.
func NewMemoryStore(size int, maxTTL time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: expirable.NewLRU[string, *Session](size, nil, maxTTL),
		now:   time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, s *Session, ttl time.Duration) error {
	cp := *s
	if ttl > 0 {
		cp.ExpiresAt = m.now().Add(ttl)
	}
	m.cache.Add(cp.ID, &cp)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := m.cache.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Expired(m.now()) {
		m.cache.Remove(id)
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.cache.Remove(id)
	return nil
}

// Len returns the number of cached sessions, including ones not yet evicted
// after expiry.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
