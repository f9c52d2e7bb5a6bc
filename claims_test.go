package main

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager wires a claim manager and memory store to a shared fake
// clock. Move time by assigning through the returned pointer.
func newTestManager(defaultExpiry int64, maxClaims int) (*ClaimManager, *int64) {
	now := int64(1000)
	clock := func() int64 { return now }

	store := NewMemoryClaimStore()
	store.now = clock

	m := NewClaimManager(store, defaultExpiry, maxClaims)
	m.now = clock
	return m, &now
}

func TestClaimLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("claim then reject then extend then expire", func(t *testing.T) {
		m, now := newTestManager(120, 3)

		// Alice claims target 100 at t=1000.
		ok, msg, claim, err := m.Claim(ctx, 100, "Target", 1, "Alice", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Target claimed successfully", msg)
		require.NotNil(t, claim)
		assert.Equal(t, int64(1000), claim.ClaimedAt)
		assert.Equal(t, int64(1120), claim.ExpiresAt)

		// Bob is rejected at t=1010 and told who holds the claim.
		*now = 1010
		ok, msg, existing, err := m.Claim(ctx, 100, "Target", 2, "Bob", 0)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "Already claimed by Alice (110s remaining)", msg)
		require.NotNil(t, existing)
		assert.Equal(t, 1, existing.ClaimedByID)

		// Alice re-claims at t=1050: extension, not a new claim.
		*now = 1050
		ok, msg, claim, err = m.Claim(ctx, 100, "Target", 1, "Alice", 0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Claim extended", msg)
		assert.Equal(t, int64(1000), claim.ClaimedAt)
		assert.Equal(t, int64(1170), claim.ExpiresAt)

		// Expired at t=1200.
		*now = 1200
		got, err := m.GetClaim(ctx, 100)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Slot is free for Bob at t=1205.
		*now = 1205
		ok, _, _, err = m.Claim(ctx, 100, "Target", 2, "Bob", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("explicit expiry overrides default", func(t *testing.T) {
		m, _ := newTestManager(120, 3)
		ok, _, claim, err := m.Claim(ctx, 100, "Target", 1, "Alice", 30)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1030), claim.ExpiresAt)
	})
}

func TestClaimQuota(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	for i := 1; i <= 3; i++ {
		ok, _, _, err := m.Claim(ctx, 100+i, fmt.Sprintf("Target%d", i), 1, "Alice", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, msg, claim, err := m.Claim(ctx, 200, "Target", 1, "Alice", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Maximum 3 claims reached", msg)
	assert.Nil(t, claim)

	// Re-claiming an already-held target is still allowed at quota.
	ok, msg, _, err = m.Claim(ctx, 101, "Target1", 1, "Alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Claim extended", msg)

	// Releasing one claim frees a slot immediately.
	ok, _, err = m.Unclaim(ctx, 101, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, _, err = m.Claim(ctx, 200, "Target", 1, "Alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQuotaIgnoresExpiredClaims(t *testing.T) {
	ctx := context.Background()
	m, now := newTestManager(120, 3)

	for i := 1; i <= 3; i++ {
		ok, _, _, err := m.Claim(ctx, 100+i, "Target", 1, "Alice", 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	*now = 1500 // everything expired

	all, err := m.GetAllClaims(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	ok, _, _, err := m.Claim(ctx, 200, "Target", 1, "Alice", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnclaimOwnership(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	ok, _, err := m.Unclaim(ctx, 100, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, _, err = m.Claim(ctx, 100, "Target", 1, "Alice", 0)
	require.NoError(t, err)

	ok, msg, err := m.Unclaim(ctx, 100, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Claim belongs to Alice", msg)

	ok, msg, err = m.Unclaim(ctx, 100, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Claim released", msg)
}

func TestForceUnclaim(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	ok, msg, err := m.ForceUnclaim(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "No active claim on this target", msg)

	_, _, _, err = m.Claim(ctx, 100, "Target", 1, "Alice", 0)
	require.NoError(t, err)

	ok, msg, err = m.ForceUnclaim(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Claim force released", msg)

	got, err := m.GetClaim(ctx, 100)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	_, _, _, err := m.Claim(ctx, 100, "Target", 1, "Alice", 0)
	require.NoError(t, err)

	ok, msg, err := m.Resolve(ctx, 100, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "Claim belongs to Alice", msg)

	ok, msg, err = m.Resolve(ctx, 100, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Attack resolved, claim released", msg)

	// Slot frees immediately, no tombstone.
	ok, _, _, err = m.Claim(ctx, 100, "Target", 2, "Bob", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetClaimsByUser(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	_, _, _, err := m.Claim(ctx, 101, "T1", 1, "Alice", 0)
	require.NoError(t, err)
	_, _, _, err = m.Claim(ctx, 102, "T2", 2, "Bob", 0)
	require.NoError(t, err)
	_, _, _, err = m.Claim(ctx, 103, "T3", 1, "Alice", 0)
	require.NoError(t, err)

	mine, err := m.GetClaimsByUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 2)
	for _, c := range mine {
		assert.Equal(t, 1, c.ClaimedByID)
	}
}

func TestUpdateHospitalStates(t *testing.T) {
	ctx := context.Background()

	out := func(id int) PlayerStatus {
		return PlayerStatus{UserID: id, HospitalStatus: HospStatusOut}
	}
	in := func(id int) PlayerStatus {
		return PlayerStatus{UserID: id, HospitalStatus: HospStatusIn}
	}

	t.Run("out to in releases the claim once", func(t *testing.T) {
		m, _ := newTestManager(120, 3)

		_, err := m.UpdateHospitalStates(ctx, []PlayerStatus{out(100)})
		require.NoError(t, err)

		_, _, _, err = m.Claim(ctx, 100, "Target", 1, "Alice", 0)
		require.NoError(t, err)

		reset, err := m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.NoError(t, err)
		assert.Equal(t, []int{100}, reset)

		got, err := m.GetClaim(ctx, 100)
		require.NoError(t, err)
		assert.Nil(t, got)

		// Still hospitalized on the next poll: nothing left to reset.
		reset, err = m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.NoError(t, err)
		assert.Empty(t, reset)
	})

	t.Run("edge without a claim is a no-op", func(t *testing.T) {
		m, _ := newTestManager(120, 3)

		_, err := m.UpdateHospitalStates(ctx, []PlayerStatus{out(100)})
		require.NoError(t, err)
		reset, err := m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.NoError(t, err)
		assert.Empty(t, reset)
	})

	t.Run("store error still records the observation", func(t *testing.T) {
		m, _ := newTestManager(120, 3)

		_, err := m.UpdateHospitalStates(ctx, []PlayerStatus{out(100)})
		require.NoError(t, err)

		m.store = brokenStore{}
		_, err = m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.Error(t, err)

		// The edge was consumed despite the error; the next poll with the
		// target still hospitalized must not replay it.
		m.store = NewMemoryClaimStore()
		reset, err := m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.NoError(t, err)
		assert.Empty(t, reset)
	})

	t.Run("in to out does not touch claims", func(t *testing.T) {
		m, _ := newTestManager(120, 3)

		_, err := m.UpdateHospitalStates(ctx, []PlayerStatus{in(100)})
		require.NoError(t, err)

		_, _, _, err = m.Claim(ctx, 100, "Target", 1, "Alice", 0)
		require.NoError(t, err)

		reset, err := m.UpdateHospitalStates(ctx, []PlayerStatus{out(100)})
		require.NoError(t, err)
		assert.Empty(t, reset)

		got, err := m.GetClaim(ctx, 100)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewClaimManager(NewMemoryClaimStore(), 120, 3)

	const claimers = 16
	var wg sync.WaitGroup
	results := make([]bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _, _, err := m.Claim(ctx, 100, "Target", i+1, fmt.Sprintf("User%d", i+1), 0)
			require.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

// stalledStore blocks every operation until the caller's context expires,
// standing in for a hung backend connection.
type stalledStore struct{}

func (stalledStore) Name() string { return "postgres" }

func (stalledStore) Get(ctx context.Context, _ int) (*HitClaim, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledStore) Put(ctx context.Context, _ *HitClaim) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) Delete(ctx context.Context, _ int) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (stalledStore) ListAll(ctx context.Context) ([]*HitClaim, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledStore) CleanupExpired(ctx context.Context) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestStalledBackendBoundsClaimOperations(t *testing.T) {
	ctx := context.Background()
	m := NewClaimManager(stalledStore{}, 120, 3)
	m.storeTimeout = 50 * time.Millisecond

	start := time.Now()
	_, _, _, err := m.Claim(ctx, 100, "Target", 1, "Alice", 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Operations queued behind the stalled call get their turn as soon as
	// its deadline fires, instead of waiting on the backend.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.Unclaim(ctx, 200+i, 1)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		}(i)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClaimStats(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(120, 3)

	_, _, _, err := m.Claim(ctx, 100, "Target", 1, "Alice", 0)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveClaims)
	assert.Equal(t, int64(120), stats.DefaultExpiry)
	assert.Equal(t, 3, stats.MaxClaimsPerUser)
	assert.Equal(t, "memory", stats.Storage)
}
