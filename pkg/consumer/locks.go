package consumer

import (
	"sync"
	"time"
)

// entityLocks serializes handler execution per entity key within one
// process. Each acquisition carries a TTL so a handler that outlives
// its deadline cannot wedge the key forever.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
	ttl  time.Duration
}

func newEntityLocks(ttl time.Duration) *entityLocks {
	return &entityLocks{
		held: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// tryAcquire takes the lock if it is free or expired
func (l *entityLocks) tryAcquire(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, ok := l.held[key]; ok && expiry.After(now) {
		return false
	}
	l.held[key] = now.Add(l.ttl)
	return true
}

// release frees the lock
func (l *entityLocks) release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}
