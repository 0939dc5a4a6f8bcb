// Package idempotency guards usage recording against replayed transaction
// confirmations. A key is claimed before the consumption is applied and
// released again if applying it fails.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a claimed transaction id is remembered.
const DefaultTTL = 72 * time.Hour

// Guard claims keys at most once within a TTL.
type Guard interface {
	// Claim returns true if the key was not held and is now claimed.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory is an in-process Guard. It is suitable for a single engine
// instance and for tests.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	keys map[string]time.Time
}

// NewMemory returns a Memory guard remembering keys for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:  ttl,
		now:  time.Now,
		keys: make(map[string]time.Time),
	}
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.keys[key] = now.Add(m.ttl)

	// Opportunistic sweep keeps the map bounded by live keys.
	if len(m.keys)%1024 == 0 {
		for k, exp := range m.keys {
			if !now.Before(exp) {
				delete(m.keys, k)
			}
		}
	}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
