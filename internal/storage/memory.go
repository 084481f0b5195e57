// Package storage contains the in-memory replay store used by single-instance deployments.
package storage

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

const defaultSweepBatch = 1024

// MemoryReplayStore keeps replay records in a map indexed by key and a
// min-heap ordered by expiry. Record and each swept entry cost O(log n).
type MemoryReplayStore struct {
	mu         sync.Mutex
	records    map[ReplayKey]time.Time
	expiries   expiryHeap
	maxEntries int // 0 means unbounded
	sweepBatch int
}

// MemoryOption configures a MemoryReplayStore.
type MemoryOption func(*MemoryReplayStore)

// WithMaxEntries bounds the number of live records. Once reached, new keys
// are rejected with ErrReplayStoreFull until expired records are swept.
func WithMaxEntries(n int) MemoryOption {
	return func(m *MemoryReplayStore) {
		m.maxEntries = n
	}
}

// WithSweepBatch sets how many expired records are removed per lock acquisition.
func WithSweepBatch(n int) MemoryOption {
	return func(m *MemoryReplayStore) {
		if n > 0 {
			m.sweepBatch = n
		}
	}
}

// NewMemoryReplayStore returns a concurrency-safe in-memory ReplayStore.
func NewMemoryReplayStore(opts ...MemoryOption) *MemoryReplayStore {
	m := &MemoryReplayStore{
		records:    make(map[ReplayKey]time.Time),
		sweepBatch: defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record implements ReplayStore.
func (m *MemoryReplayStore) Record(_ context.Context, key ReplayKey, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.records[key]; ok && exp.After(now) {
		return true, nil
	}

	if m.maxEntries > 0 && len(m.records) >= m.maxEntries {
		// reclaim one batch of expired records before giving up
		m.popExpiredLocked(now, m.sweepBatch)
		if len(m.records) >= m.maxEntries {
			return false, ErrReplayStoreFull
		}
	}

	m.records[key] = expiresAt
	heap.Push(&m.expiries, expiryEntry{key: key, expiresAt: expiresAt})
	return false, nil
}

// SweepExpired implements ReplayStore. The lock is released between batches
// so concurrent Record calls are not starved by a large sweep.
func (m *MemoryReplayStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		m.mu.Lock()
		n, more := m.popExpiredLocked(now, m.sweepBatch)
		m.mu.Unlock()
		total += n
		if !more {
			return total, nil
		}
	}
}

// Len implements ReplayStore.
func (m *MemoryReplayStore) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

// Close implements ReplayStore.
func (m *MemoryReplayStore) Close() error { return nil }

// popExpiredLocked removes up to limit expired heap heads. It reports the
// number of records deleted and whether expired entries may remain.
func (m *MemoryReplayStore) popExpiredLocked(now time.Time, limit int) (int, bool) {
	removed := 0
	for i := 0; i < limit; i++ {
		if len(m.expiries) == 0 || m.expiries[0].expiresAt.After(now) {
			return removed, false
		}
		e := heap.Pop(&m.expiries).(expiryEntry)
		// a key re-recorded after expiring leaves a stale heap entry behind
		if cur, ok := m.records[e.key]; ok && cur.Equal(e.expiresAt) {
			delete(m.records, e.key)
			removed++
		}
	}
	return removed, len(m.expiries) > 0 && !m.expiries[0].expiresAt.After(now)
}

type expiryEntry struct {
	key       ReplayKey
	expiresAt time.Time
}

// expiryHeap implements heap.Interface ordered by expiry.
type expiryHeap []expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *expiryHeap) Push(x any) { *h = append(*h, x.(expiryEntry)) }

func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
