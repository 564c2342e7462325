package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrStoreClosed is returned by stores used after Close.
var ErrStoreClosed = errors.New("ratelimit: store closed")

const memoryShards = 32

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// live reports whether the entry has not expired. A zero expiry never expires.
func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryStore keeps counters in process memory. Counters are lost on
// restart and are not shared between instances.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// NewMemoryStore creates a memory store that sweeps expired counters every
// cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		now:    time.Now,
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	go s.cleanupLoop(cleanupInterval)
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return s.shards[xxhash.Sum64String(key)%memoryShards]
}

func (s *MemoryStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Get returns the live counter for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Counter, error) {
	if s.isClosed() {
		return Counter{}, ErrStoreClosed
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok || !e.live(s.now()) {
		return Counter{}, nil
	}
	return Counter{Count: e.count, ExpiresAt: e.expiresAt}, nil
}

// Increment adds one to key. An absent or expired key starts at one with a
// fresh ttl; a live key keeps its original expiry. A ttl <= 0 never expires.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}
	now := s.now()
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok || !e.live(now) {
		e = memoryEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
	}
	e.count++
	sh.entries[key] = e
	return e.count, nil
}

// Len returns the number of stored counters, including expired ones not
// yet swept.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes expired counters.
func (s *MemoryStore) Sweep() {
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.live(now) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Close stops the sweeper. Close is idempotent.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.done)
	})
	return nil
}
