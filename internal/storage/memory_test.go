// Package storage contains tests for the in-memory replay store.
package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// TestMemoryReplayStore_RecordAndReplay verifies first sighting, replay and re-use after expiry.
func TestMemoryReplayStore_RecordAndReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore()
	key := ReplayKey{DID: "did:example:abc123", Nonce: "n-1"}

	replayed, err := store.Record(ctx, key, t0, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, replayed)

	replayed, err = store.Record(ctx, key, t0.Add(time.Minute), t0.Add(7*time.Minute))
	require.NoError(t, err)
	assert.True(t, replayed, "live key must be reported as replayed")

	// the same nonce under another DID is a different key
	replayed, err = store.Record(ctx, ReplayKey{DID: "did:example:other", Nonce: "n-1"}, t0, t0.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, replayed)

	// once expired, the pair may be recorded again
	replayed, err = store.Record(ctx, key, t0.Add(6*time.Minute), t0.Add(12*time.Minute))
	require.NoError(t, err)
	assert.False(t, replayed)
}

// TestMemoryReplayStore_Sweep verifies that sweeping removes exactly the expired records,
// including batches smaller than the number of expired entries.
func TestMemoryReplayStore_Sweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore(WithSweepBatch(3))

	for i := 0; i < 10; i++ {
		_, err := store.Record(ctx, ReplayKey{DID: "did:example:a", Nonce: fmt.Sprintf("old-%d", i)}, t0, t0.Add(time.Minute))
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := store.Record(ctx, ReplayKey{DID: "did:example:a", Nonce: fmt.Sprintf("new-%d", i)}, t0, t0.Add(10*time.Minute))
		require.NoError(t, err)
	}

	removed, err := store.SweepExpired(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10, removed)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// TestMemoryReplayStore_StaleHeapEntry re-records an expired key and checks the
// earlier heap entry does not evict the fresh record.
func TestMemoryReplayStore_StaleHeapEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore()
	key := ReplayKey{DID: "did:example:a", Nonce: "n"}

	_, err := store.Record(ctx, key, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = store.Record(ctx, key, t0.Add(2*time.Minute), t0.Add(8*time.Minute))
	require.NoError(t, err)

	removed, err := store.SweepExpired(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	replayed, err := store.Record(ctx, key, t0.Add(4*time.Minute), t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, replayed)
}

// TestMemoryReplayStore_Capacity verifies the entry bound and reclamation of expired entries.
func TestMemoryReplayStore_Capacity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore(WithMaxEntries(2))

	_, err := store.Record(ctx, ReplayKey{DID: "d", Nonce: "1"}, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = store.Record(ctx, ReplayKey{DID: "d", Nonce: "2"}, t0, t0.Add(5*time.Minute))
	require.NoError(t, err)

	_, err = store.Record(ctx, ReplayKey{DID: "d", Nonce: "3"}, t0, t0.Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrReplayStoreFull)

	// nonce 1 has expired by now and makes room
	replayed, err := store.Record(ctx, ReplayKey{DID: "d", Nonce: "3"}, t0.Add(2*time.Minute), t0.Add(8*time.Minute))
	require.NoError(t, err)
	assert.False(t, replayed)
}

// TestMemoryReplayStore_ConcurrentSameKey releases many goroutines at once on the
// same key; exactly one may observe a first sighting.
func TestMemoryReplayStore_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore()
	key := ReplayKey{DID: "did:example:abc123", Nonce: "shared"}

	const goroutines = 100
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			replayed, err := store.Record(ctx, key, t0, t0.Add(time.Minute))
			if err == nil && !replayed {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
}

// TestMemoryReplayStore_CapacityReclaimsOneBatch checks that a Record at
// capacity frees at most one sweep batch of expired records.
func TestMemoryReplayStore_CapacityReclaimsOneBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReplayStore(WithMaxEntries(3), WithSweepBatch(1))

	for i := 0; i < 3; i++ {
		_, err := store.Record(ctx, ReplayKey{DID: "d", Nonce: fmt.Sprint("old-", i)}, t0, t0.Add(time.Second))
		require.NoError(t, err)
	}

	later := t0.Add(time.Minute)
	for i := 0; i < 3; i++ {
		replayed, err := store.Record(ctx, ReplayKey{DID: "d", Nonce: fmt.Sprint("new-", i)}, later, later.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, replayed)

		n, err := store.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Len(t, store.expiries, 3)
	}

	_, err := store.Record(ctx, ReplayKey{DID: "d", Nonce: "new-3"}, later, later.Add(time.Minute))
	assert.ErrorIs(t, err, ErrReplayStoreFull)
}
