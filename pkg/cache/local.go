package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Local is the bounded in-process tier. Entries carry their own expiry and
// are never returned once it has passed; capacity pressure evicts the least
// recently used entry.
type Local struct {
	entries *lru.Cache[string, localEntry]
	now     func() time.Time
}

// NewLocal creates a local tier holding at most size entries.
func NewLocal(size int, now func() time.Time) (*Local, error) {
	if size <= 0 {
		return nil, fmt.Errorf("local cache size must be positive, got %d", size)
	}
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create local cache: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Local{entries: entries, now: now}, nil
}

// Get returns the value and its remaining lifetime.
func (l *Local) Get(key string) ([]byte, time.Duration, bool) {
	e, ok := l.entries.Get(key)
	if !ok {
		return nil, 0, false
	}
	remaining := e.expiresAt.Sub(l.now())
	if remaining <= 0 {
		l.entries.Remove(key)
		return nil, 0, false
	}
	return e.value, remaining, true
}

// Set stores value for ttl. A non-positive ttl stores nothing.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.entries.Add(key, localEntry{value: value, expiresAt: l.now().Add(ttl)})
}

// Delete removes key.
func (l *Local) Delete(key string) {
	l.entries.Remove(key)
}

// Len reports the number of entries, including expired ones not yet evicted.
func (l *Local) Len() int {
	return l.entries.Len()
}
