package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with TTL handling. It backs tests and
// the no-Redis fallback in cmd/server. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memEntry
	sets    map[string]map[string]struct{}
	nowFunc func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memEntry),
		sets:    make(map[string]map[string]struct{}),
		nowFunc: time.Now,
	}
}

// SetNow overrides the clock. Tests use this to step through TTL windows
// without sleeping.
func (m *MemoryStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

func (m *MemoryStore) now() time.Time { return m.nowFunc() }

// live returns the entry at key if present and unexpired, purging it otherwise.
// Caller must hold mu.
func (m *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = e
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, key := range keys {
		if _, ok := m.live(key); ok {
			delete(m.values, key)
			n++
		}
		if _, ok := m.sets[key]; ok {
			delete(m.sets, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetDel(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.values, key)
	return e.value, nil
}

func (m *MemoryStore) IncrWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	var count int64
	if ok {
		count, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	count++
	next := memEntry{value: []byte(strconv.FormatInt(count, 10))}
	if ok {
		next.expiresAt = e.expiresAt
	} else if ttl > 0 {
		next.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = next
	return count, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryStore) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if e, ok := m.live(key); ok {
			out[i] = append([]byte(nil), e.value...)
		}
	}
	return out, nil
}

func (m *MemoryStore) PExpire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.values[key] = e
	return true, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(m.now()), nil
}

// Keys supports the '*' suffix form used by the gateway's admin views.
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for key := range m.values {
		if _, ok := m.live(key); !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	for key := range m.sets {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}
