// DPROD Snapshot Cache
// Optional shared cache for deployment records and telemetry snapshots.
// Redis backs it when configured; a bounded in-memory cache serves
// single-process setups. The cache is never authoritative; the database
// and the Docker daemon are, so every operation degrades to a miss.

// Package cache mirrors hot read paths of the deployment pipeline.
package cache

import (
	"context"
	"sync"
	"time"

	"dprod/internal/metrics"
)

// DefaultTTL bounds entries whose writer passes no explicit TTL.
const DefaultTTL = 30 * time.Second

// janitorInterval is how often expired in-memory entries are swept.
const janitorInterval = time.Minute

// Cache is the byte-oriented store shared by record mirroring and
// telemetry memoization.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	Close() error
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local cache with TTL eviction. It caps the number
// of entries so an unbounded key space cannot grow the heap.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	maxItems int

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory builds an in-memory cache holding at most maxItems entries.
func NewMemory(maxItems int) *Memory {
	if maxItems <= 0 {
		maxItems = 1024
	}
	m := &Memory{
		entries:  make(map[string]memoryEntry),
		maxItems: maxItems,
		stop:     make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Get returns the cached value when present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		metrics.Get().RecordCacheOperation("memory", false)
		return nil, false
	}
	metrics.Get().RecordCacheOperation("memory", true)
	return entry.value, true
}

// Set stores a value until its TTL lapses. At capacity the entry closest
// to expiry makes room.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxItems {
		m.evictSoonestLocked()
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Delete drops the named keys.
func (m *Memory) Delete(_ context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// Len reports the live entry count. Used by tests and the health surface.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, entry := range m.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = key
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(m.entries, victim)
	}
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
