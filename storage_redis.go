package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "claim:"

// RedisClaimStore keeps each claim as a JSON blob under claim:<targetId>.
// Expiry is enforced server-side with EXPIREAT, so reads never see a stale
// claim even if no sweep runs.
type RedisClaimStore struct {
	rdb *redis.Client
	now func() int64
}

func NewRedisClaimStore(rdb *redis.Client) *RedisClaimStore {
	return &RedisClaimStore{
		rdb: rdb,
		now: func() int64 { return time.Now().Unix() },
	}
}

func (s *RedisClaimStore) Name() string { return "redis" }

func claimKey(targetID int) string {
	return claimKeyPrefix + strconv.Itoa(targetID)
}

func (s *RedisClaimStore) Get(ctx context.Context, targetID int) (*HitClaim, error) {
	raw, err := s.rdb.Get(ctx, claimKey(targetID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var claim HitClaim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return nil, err
	}
	if claim.ExpiresAt < s.now() {
		return nil, nil
	}
	return &claim, nil
}

func (s *RedisClaimStore) Put(ctx context.Context, claim *HitClaim) error {
	raw, err := json.Marshal(claim)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, claimKey(claim.TargetID), raw, 0)
	pipe.ExpireAt(ctx, claimKey(claim.TargetID), time.Unix(claim.ExpiresAt, 0))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisClaimStore) Delete(ctx context.Context, targetID int) (bool, error) {
	deleted, err := s.rdb.Del(ctx, claimKey(targetID)).Result()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

func (s *RedisClaimStore) ListAll(ctx context.Context) ([]*HitClaim, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, claimKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var claims []*HitClaim
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var claim HitClaim
		if err := json.Unmarshal([]byte(raw), &claim); err != nil {
			continue
		}
		if claim.ExpiresAt < now {
			continue
		}
		copied := claim
		claims = append(claims, &copied)
	}
	return claims, nil
}

// CleanupExpired is a no-op for redis: EXPIREAT already removes stale claims
// server-side.
func (s *RedisClaimStore) CleanupExpired(ctx context.Context) (int, error) {
	return 0, nil
}
