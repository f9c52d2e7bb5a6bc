package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClaim(targetID, claimerID int, expiresAt int64) *HitClaim {
	return &HitClaim{
		TargetID:    targetID,
		TargetName:  "Target",
		ClaimedBy:   "Alice",
		ClaimedByID: claimerID,
		ClaimedAt:   1000,
		ExpiresAt:   expiresAt,
	}
}

func TestMemoryClaimStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get returns a copy", func(t *testing.T) {
		store := NewMemoryClaimStore()
		require.NoError(t, store.Put(ctx, testClaim(100, 1, 9_999_999_999)))

		first, err := store.Get(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, first)
		first.ClaimedBy = "Mallory"

		second, err := store.Get(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, "Alice", second.ClaimedBy)
	})

	t.Run("absent and expired claims are invisible", func(t *testing.T) {
		now := int64(1000)
		store := NewMemoryClaimStore()
		store.now = func() int64 { return now }

		got, err := store.Get(ctx, 100)
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, store.Put(ctx, testClaim(100, 1, 1100)))
		now = 1200

		got, err = store.Get(ctx, 100)
		require.NoError(t, err)
		assert.Nil(t, got)

		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("delete reports whether something was removed", func(t *testing.T) {
		store := NewMemoryClaimStore()
		require.NoError(t, store.Put(ctx, testClaim(100, 1, 9_999_999_999)))

		deleted, err := store.Delete(ctx, 100)
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.Delete(ctx, 100)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("cleanup removes only expired claims", func(t *testing.T) {
		now := int64(1000)
		store := NewMemoryClaimStore()
		store.now = func() int64 { return now }

		require.NoError(t, store.Put(ctx, testClaim(100, 1, 1100)))
		require.NoError(t, store.Put(ctx, testClaim(200, 2, 2000)))

		now = 1500
		removed, err := store.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		all, err := store.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 200, all[0].TargetID)
	})
}

// brokenStore fails every operation, standing in for an unreachable durable
// backend.
type brokenStore struct{}

var errStoreDown = errors.New("connection refused")

func (brokenStore) Name() string                                 { return "postgres" }
func (brokenStore) Get(context.Context, int) (*HitClaim, error)  { return nil, errStoreDown }
func (brokenStore) Put(context.Context, *HitClaim) error         { return errStoreDown }
func (brokenStore) Delete(context.Context, int) (bool, error)    { return false, errStoreDown }
func (brokenStore) ListAll(context.Context) ([]*HitClaim, error) { return nil, errStoreDown }
func (brokenStore) CleanupExpired(context.Context) (int, error)  { return 0, errStoreDown }

// ctxAwareStore surfaces the caller's context error before touching the data,
// the way database/sql and go-redis do.
type ctxAwareStore struct {
	*MemoryClaimStore
}

func (s ctxAwareStore) Get(ctx context.Context, targetID int) (*HitClaim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryClaimStore.Get(ctx, targetID)
}

func TestFailoverStore(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy primary is used as-is", func(t *testing.T) {
		primary := NewMemoryClaimStore()
		f := newFailoverStore(primary)

		require.NoError(t, f.Put(ctx, testClaim(100, 1, 9_999_999_999)))
		got, err := f.Get(ctx, 100)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Equal(t, "memory", f.Name())
		assert.False(t, f.isDegraded())
	})

	t.Run("first fault degrades to the in-memory fallback", func(t *testing.T) {
		f := newFailoverStore(brokenStore{})

		// The failing write lands in the fallback instead of erroring.
		require.NoError(t, f.Put(ctx, testClaim(100, 1, 9_999_999_999)))
		assert.True(t, f.isDegraded())

		got, err := f.Get(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 100, got.TargetID)

		all, err := f.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		assert.Contains(t, f.Name(), "degraded")
	})

	t.Run("caller cancellation does not degrade a healthy primary", func(t *testing.T) {
		f := newFailoverStore(ctxAwareStore{NewMemoryClaimStore()})
		require.NoError(t, f.Put(ctx, testClaim(100, 1, 9_999_999_999)))

		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := f.Get(canceled, 100)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, f.isDegraded())

		// The shared claim is still served from the primary afterwards.
		got, err := f.Get(ctx, 100)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 100, got.TargetID)
	})

	t.Run("claim workflow survives a storage outage", func(t *testing.T) {
		m := NewClaimManager(newFailoverStore(brokenStore{}), 120, 3)

		ok, msg, _, err := m.Claim(ctx, 100, "Target", 1, "Alice", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "Target claimed successfully", msg)

		ok, _, err = m.Unclaim(ctx, 100, 1)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
