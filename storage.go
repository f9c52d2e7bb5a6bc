package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ClaimStore is the persistence contract the claim manager depends on. Expired
// claims are invisible to readers: Get and ListAll never return a claim whose
// expiresAt has passed.
type ClaimStore interface {
	Get(ctx context.Context, targetID int) (*HitClaim, error)
	Put(ctx context.Context, claim *HitClaim) error
	Delete(ctx context.Context, targetID int) (bool, error)
	ListAll(ctx context.Context) ([]*HitClaim, error)
	CleanupExpired(ctx context.Context) (int, error)
	Name() string
}

// MemoryClaimStore keeps claims in a mutex-guarded map. State is lost on
// restart and not shared across replicas; it exists for local mode and as the
// fallback when a durable store is unreachable.
type MemoryClaimStore struct {
	mu     sync.Mutex
	claims map[int]HitClaim

	now func() int64
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{
		claims: make(map[int]HitClaim),
		now:    func() int64 { return time.Now().Unix() },
	}
}

func (s *MemoryClaimStore) Name() string { return "memory" }

func (s *MemoryClaimStore) Get(_ context.Context, targetID int) (*HitClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[targetID]
	if !ok {
		return nil, nil
	}
	if claim.ExpiresAt < s.now() {
		delete(s.claims, targetID)
		return nil, nil
	}
	copied := claim
	return &copied, nil
}

func (s *MemoryClaimStore) Put(_ context.Context, claim *HitClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claim.TargetID] = *claim
	return nil
}

func (s *MemoryClaimStore) Delete(_ context.Context, targetID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[targetID]; !ok {
		return false, nil
	}
	delete(s.claims, targetID)
	return true, nil
}

func (s *MemoryClaimStore) ListAll(_ context.Context) ([]*HitClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	claims := make([]*HitClaim, 0, len(s.claims))
	for id, claim := range s.claims {
		if claim.ExpiresAt < now {
			delete(s.claims, id)
			continue
		}
		copied := claim
		claims = append(claims, &copied)
	}
	return claims, nil
}

func (s *MemoryClaimStore) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, claim := range s.claims {
		if claim.ExpiresAt < now {
			delete(s.claims, id)
			removed++
		}
	}
	return removed, nil
}

// failoverStore wraps a durable primary with an in-memory fallback. The first
// persistence fault logs the degradation and pins all later traffic to the
// fallback, so a storage outage never takes down the claim workflow.
type failoverStore struct {
	primary  ClaimStore
	fallback *MemoryClaimStore

	mu       sync.Mutex
	degraded bool
}

func newFailoverStore(primary ClaimStore) *failoverStore {
	return &failoverStore{
		primary:  primary,
		fallback: NewMemoryClaimStore(),
	}
}

func (f *failoverStore) Name() string {
	if f.isDegraded() {
		return f.fallback.Name() + " (degraded from " + f.primary.Name() + ")"
	}
	return f.primary.Name()
}

func (f *failoverStore) isDegraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// callerCanceled reports whether err is the caller abandoning the request.
// Drivers surface the caller's context error as their own; a client closing
// the connection mid-request says nothing about backend health, so it must
// not degrade a healthy primary.
func callerCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (f *failoverStore) degrade(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return
	}
	f.degraded = true
	log.Warn().Err(err).
		Str("store", f.primary.Name()).
		Msg("claim store unreachable, falling back to in-memory storage")
}

func (f *failoverStore) Get(ctx context.Context, targetID int) (*HitClaim, error) {
	if f.isDegraded() {
		return f.fallback.Get(ctx, targetID)
	}
	claim, err := f.primary.Get(ctx, targetID)
	if err != nil {
		if callerCanceled(err) {
			return nil, err
		}
		f.degrade(err)
		return f.fallback.Get(ctx, targetID)
	}
	return claim, nil
}

func (f *failoverStore) Put(ctx context.Context, claim *HitClaim) error {
	if f.isDegraded() {
		return f.fallback.Put(ctx, claim)
	}
	if err := f.primary.Put(ctx, claim); err != nil {
		if callerCanceled(err) {
			return err
		}
		f.degrade(err)
		return f.fallback.Put(ctx, claim)
	}
	return nil
}

func (f *failoverStore) Delete(ctx context.Context, targetID int) (bool, error) {
	if f.isDegraded() {
		return f.fallback.Delete(ctx, targetID)
	}
	deleted, err := f.primary.Delete(ctx, targetID)
	if err != nil {
		if callerCanceled(err) {
			return false, err
		}
		f.degrade(err)
		return f.fallback.Delete(ctx, targetID)
	}
	return deleted, nil
}

func (f *failoverStore) ListAll(ctx context.Context) ([]*HitClaim, error) {
	if f.isDegraded() {
		return f.fallback.ListAll(ctx)
	}
	claims, err := f.primary.ListAll(ctx)
	if err != nil {
		if callerCanceled(err) {
			return nil, err
		}
		f.degrade(err)
		return f.fallback.ListAll(ctx)
	}
	return claims, nil
}

func (f *failoverStore) CleanupExpired(ctx context.Context) (int, error) {
	if f.isDegraded() {
		return f.fallback.CleanupExpired(ctx)
	}
	removed, err := f.primary.CleanupExpired(ctx)
	if err != nil {
		if callerCanceled(err) {
			return 0, err
		}
		f.degrade(err)
		return f.fallback.CleanupExpired(ctx)
	}
	return removed, nil
}
