package main

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const profileKeyPrefix = "faction_profile:"

// Profiles refresh whenever the member polls, so a short server-side expiry
// keeps inactive members from lingering in the overview.
const profileExpiry = time.Hour

// FactionMemberProfile is the leadership view of one of our own members:
// vitals, cooldowns and whereabouts, collected passively whenever that member
// uses the tracker with their own API key.
type FactionMemberProfile struct {
	PlayerID    int    `json:"playerId"`
	Name        string `json:"name"`
	Level       int    `json:"level"`
	Status      string `json:"status"`
	StatusUntil int64  `json:"statusUntil"`
	LastAction  int64  `json:"lastAction"`

	LifeCurrent   int `json:"lifeCurrent"`
	LifeMaximum   int `json:"lifeMaximum"`
	EnergyCurrent int `json:"energyCurrent"`
	EnergyMaximum int `json:"energyMaximum"`
	NerveCurrent  int `json:"nerveCurrent"`
	NerveMaximum  int `json:"nerveMaximum"`
	HappyCurrent  int `json:"happyCurrent"`
	HappyMaximum  int `json:"happyMaximum"`

	DrugCooldown    int64 `json:"drugCooldown"`
	MedicalCooldown int64 `json:"medicalCooldown"`
	BoosterCooldown int64 `json:"boosterCooldown"`

	HospitalTimestamp int64 `json:"hospitalTimestamp"`
	JailTimestamp     int64 `json:"jailTimestamp"`

	TravelDestination string `json:"travelDestination,omitempty"`
	TravelTimestamp   int64  `json:"travelTimestamp,omitempty"`

	LastUpdated int64 `json:"lastUpdated"`
}

// OverviewStore keeps member profiles in redis. Only available when redis is
// configured; the overview degrades to "not configured" without it.
type OverviewStore struct {
	rdb *redis.Client
}

func NewOverviewStore(rdb *redis.Client) *OverviewStore {
	return &OverviewStore{rdb: rdb}
}

func profileFromUser(user *tornUserResponse, now int64) FactionMemberProfile {
	return FactionMemberProfile{
		PlayerID:          user.PlayerID,
		Name:              user.Name,
		Level:             user.Level,
		Status:            user.Status.State,
		StatusUntil:       user.Status.Until,
		LastAction:        user.LastAction.Timestamp,
		LifeCurrent:       user.Life.Current,
		LifeMaximum:       user.Life.Maximum,
		EnergyCurrent:     user.Energy.Current,
		EnergyMaximum:     user.Energy.Maximum,
		NerveCurrent:      user.Nerve.Current,
		NerveMaximum:      user.Nerve.Maximum,
		HappyCurrent:      user.Happy.Current,
		HappyMaximum:      user.Happy.Maximum,
		DrugCooldown:      user.Cooldowns.Drug,
		MedicalCooldown:   user.Cooldowns.Medical,
		BoosterCooldown:   user.Cooldowns.Booster,
		HospitalTimestamp: user.States.HospitalTimestamp,
		JailTimestamp:     user.States.JailTimestamp,
		TravelDestination: user.Travel.Destination,
		TravelTimestamp:   user.Travel.Timestamp,
		LastUpdated:       now,
	}
}

func (s *OverviewStore) StoreProfile(ctx context.Context, profile FactionMemberProfile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	key := profileKeyPrefix + strconv.Itoa(profile.PlayerID)
	return s.rdb.Set(ctx, key, raw, profileExpiry).Err()
}

// ListProfiles returns all stored member profiles, most recently active first.
func (s *OverviewStore) ListProfiles(ctx context.Context) ([]FactionMemberProfile, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, profileKeyPrefix+"*", 100).Iterator()
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

	profiles := make([]FactionMemberProfile, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var profile FactionMemberProfile
		if err := json.Unmarshal([]byte(raw), &profile); err != nil {
			continue
		}
		profiles = append(profiles, profile)
	}

	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].LastAction > profiles[j].LastAction
	})
	return profiles, nil
}
