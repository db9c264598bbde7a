// In-memory KV implementation.
// Used when DATABASE_URL is not configured (local dev, tests) and as the
// authoritative fallback when the durable backend is unreachable.
package kvstore

import (
	"context"
	"sync"
	"time"
)

// entry is one stored value with an optional expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero = never
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory implements KV with in-process maps. Thread-safe.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	sets    map[string]map[string]struct{}

	doneCh chan struct{}
}

// NewMemory creates an in-memory KV store and starts a background sweeper
// that evicts expired entries every minute.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		sets:    make(map[string]map[string]struct{}),
		doneCh:  make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		if ok {
			delete(m.entries, key)
		}
		return nil, &ErrNotFound{Key: key}
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = newEntry(value, ttl)
	return nil
}

// SetNX holds the single mutex across the existence check and the write,
// so exactly one concurrent caller wins.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	m.entries[key] = newEntry(value, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Close() error {
	select {
	case <-m.doneCh:
	default:
		close(m.doneCh)
	}
	return nil
}

func newEntry(value []byte, ttl time.Duration) *entry {
	e := &entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}
