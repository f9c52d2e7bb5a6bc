package main

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ClaimManager coordinates hit claims so faction members don't attack the same
// target simultaneously. Claims auto-expire to prevent stale locks, and a
// target going back into hospital releases any claim on it.
//
// Business-rule rejections (already claimed, quota reached, wrong owner) are
// returned as (false, message); errors are reserved for persistence faults.
type ClaimManager struct {
	store            ClaimStore
	defaultExpiry    int64
	maxClaimsPerUser int

	// Serializes claim decisions so the existence check, quota count and
	// write are atomic with respect to each other. Every operation taking
	// the lock first tightens its context to storeTimeout, so a stalled
	// backend cannot hold the lock indefinitely. Two replicas racing on a
	// remote store remain last-write-wins; see DESIGN.md.
	mu           sync.Mutex
	prevHospital map[int]bool

	// Upper bound on the store round trips made while holding mu. Request
	// contexts from handlers carry no deadline of their own.
	storeTimeout time.Duration

	now func() int64
}

func NewClaimManager(store ClaimStore, defaultExpiry int64, maxClaimsPerUser int) *ClaimManager {
	if defaultExpiry <= 0 {
		defaultExpiry = 120
	}
	if maxClaimsPerUser <= 0 {
		maxClaimsPerUser = 3
	}
	return &ClaimManager{
		store:            store,
		defaultExpiry:    defaultExpiry,
		maxClaimsPerUser: maxClaimsPerUser,
		prevHospital:     make(map[int]bool),
		storeTimeout:     5 * time.Second,
		now:              func() int64 { return time.Now().Unix() },
	}
}

func (m *ClaimManager) MaxClaimsPerUser() int { return m.maxClaimsPerUser }

// Claim attempts to claim a target. Re-claiming by the current holder extends
// the expiry instead of creating a new claim.
func (m *ClaimManager) Claim(ctx context.Context, targetID int, targetName string, claimerID int, claimerName string, expiry int64) (bool, string, *HitClaim, error) {
	if expiry <= 0 {
		expiry = m.defaultExpiry
	}
	now := m.now()
	expiresAt := now + expiry

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.store.CleanupExpired(ctx); err != nil {
		return false, "", nil, err
	}

	existing, err := m.store.Get(ctx, targetID)
	if err != nil {
		return false, "", nil, err
	}
	if existing != nil {
		if existing.ClaimedByID == claimerID {
			existing.ExpiresAt = expiresAt
			if err := m.store.Put(ctx, existing); err != nil {
				return false, "", nil, err
			}
			return true, "Claim extended", existing, nil
		}
		remaining := existing.ExpiresAt - now
		return false, fmt.Sprintf("Already claimed by %s (%ds remaining)", existing.ClaimedBy, remaining), existing, nil
	}

	all, err := m.store.ListAll(ctx)
	if err != nil {
		return false, "", nil, err
	}
	held := 0
	for _, c := range all {
		if c.ClaimedByID == claimerID {
			held++
		}
	}
	if held >= m.maxClaimsPerUser {
		return false, fmt.Sprintf("Maximum %d claims reached", m.maxClaimsPerUser), nil, nil
	}

	claim := &HitClaim{
		TargetID:    targetID,
		TargetName:  targetName,
		ClaimedBy:   claimerName,
		ClaimedByID: claimerID,
		ClaimedAt:   now,
		ExpiresAt:   expiresAt,
	}
	if err := m.store.Put(ctx, claim); err != nil {
		return false, "", nil, err
	}
	return true, "Target claimed successfully", claim, nil
}

// Unclaim releases a claim. Only the holder can release their own claim.
func (m *ClaimManager) Unclaim(ctx context.Context, targetID, claimerID int) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, targetID)
	if err != nil {
		return false, "", err
	}
	if existing == nil {
		return false, "No active claim on this target", nil
	}
	if existing.ClaimedByID != claimerID {
		return false, fmt.Sprintf("Claim belongs to %s", existing.ClaimedBy), nil
	}
	if _, err := m.store.Delete(ctx, targetID); err != nil {
		return false, "", err
	}
	return true, "Claim released", nil
}

// ForceUnclaim releases a claim regardless of ownership. Leadership recovery
// for stuck locks.
func (m *ClaimManager) ForceUnclaim(ctx context.Context, targetID int) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, targetID)
	if err != nil {
		return false, "", err
	}
	if existing == nil {
		return false, "No active claim on this target", nil
	}
	if _, err := m.store.Delete(ctx, targetID); err != nil {
		return false, "", err
	}
	return true, "Claim force released", nil
}

// Resolve marks an attack as completed. The slot frees immediately; no
// tombstone is kept.
func (m *ClaimManager) Resolve(ctx context.Context, targetID, claimerID int) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Get(ctx, targetID)
	if err != nil {
		return false, "", err
	}
	if existing == nil {
		return false, "No active claim on this target", nil
	}
	if existing.ClaimedByID != claimerID {
		return false, fmt.Sprintf("Claim belongs to %s", existing.ClaimedBy), nil
	}
	if _, err := m.store.Delete(ctx, targetID); err != nil {
		return false, "", err
	}
	return true, "Attack resolved, claim released", nil
}

// GetClaim returns the current unexpired claim on a target, if any.
func (m *ClaimManager) GetClaim(ctx context.Context, targetID int) (*HitClaim, error) {
	return m.store.Get(ctx, targetID)
}

// GetAllClaims returns all active claims.
func (m *ClaimManager) GetAllClaims(ctx context.Context) ([]*HitClaim, error) {
	return m.store.ListAll(ctx)
}

// GetClaimsByUser returns all active claims held by one user.
func (m *ClaimManager) GetClaimsByUser(ctx context.Context, claimerID int) ([]*HitClaim, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var claims []*HitClaim
	for _, c := range all {
		if c.ClaimedByID == claimerID {
			claims = append(claims, c)
		}
	}
	return claims, nil
}

// UpdateHospitalStates compares each target's hospital flag against the
// previous poll. A target that went OUT -> IN gets its claim released: the
// attack already happened (someone else hospitalized them), so holding the
// claim would be a phantom lock. Returns the target IDs whose claims were
// reset.
func (m *ClaimManager) UpdateHospitalStates(ctx context.Context, targets []PlayerStatus) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	var reset []int
	for _, target := range targets {
		inHospital := target.HospitalStatus != HospStatusOut
		wasInHospital := m.prevHospital[target.UserID]

		// Record the observation unconditionally. A store error below must
		// not leave a stale flag that would replay this edge next poll.
		m.prevHospital[target.UserID] = inHospital

		if !wasInHospital && inHospital {
			existing, err := m.store.Get(ctx, target.UserID)
			if err != nil {
				return reset, err
			}
			if existing != nil {
				if _, err := m.store.Delete(ctx, target.UserID); err != nil {
					return reset, err
				}
				reset = append(reset, target.UserID)
			}
		}
	}
	return reset, nil
}

// ClaimStats is the payload for /api/stats.
type ClaimStats struct {
	ActiveClaims     int    `json:"activeClaims"`
	DefaultExpiry    int64  `json:"defaultExpiry"`
	MaxClaimsPerUser int    `json:"maxClaimsPerUser"`
	Storage          string `json:"storage"`
}

func (m *ClaimManager) Stats(ctx context.Context) (ClaimStats, error) {
	all, err := m.store.ListAll(ctx)
	if err != nil {
		return ClaimStats{}, err
	}
	return ClaimStats{
		ActiveClaims:     len(all),
		DefaultExpiry:    m.defaultExpiry,
		MaxClaimsPerUser: m.maxClaimsPerUser,
		Storage:          m.store.Name(),
	}, nil
}
