package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is the process-local tier: a mutex-guarded map with a janitor
// goroutine evicting entries past their retention window.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	done    chan struct{}
	closed  bool
}

type memEntry struct {
	entry    Entry
	retainTo time.Time
}

// NewMemory creates the local tier and starts its janitor.
func NewMemory(janitorInterval time.Duration) *Memory {
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}
	m := &Memory{
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
	go m.janitor(janitorInterval)
	return m
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictExpired(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, me := range m.entries {
		if now.After(me.retainTo) {
			delete(m.entries, k)
		}
	}
}

// Close stops the janitor.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

// Get returns the entry if present and within its TTL. Entries past
// their TTL but inside the retention window stay for GetStale.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if now.After(me.retainTo) {
		delete(m.entries, key)
		return Entry{}, false, nil
	}
	if me.entry.Expired(key, now) {
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

// GetStale returns the entry if it was written within maxAge.
func (m *Memory) GetStale(_ context.Context, key string, maxAge time.Duration) (Entry, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if now.Sub(me.entry.Timestamp) > maxAge {
		return Entry{}, false, nil
	}
	return me.entry, true, nil
}

// Set stores the entry. ttl == 0 applies the key prefix default.
func (m *Memory) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl > 0 {
		e.CustomTTLSeconds = ttl.Seconds()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{
		entry:    e,
		retainTo: e.Timestamp.Add(RetentionWindow(key, e)),
	}
	return nil
}

// Delete removes the entry.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Exists reports whether a live (non-expired) entry is present.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

// Flush drops everything.
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memEntry)
	return nil
}

var _ Strategy = (*Memory)(nil)
