package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const defaultTornAPIBase = "https://api.torn.com"

// Torn's hospital 'until' timestamps come back offset by exactly one hour from
// the actual release time. Not a timezone issue; the correction aligns our
// countdown with Torn's displayed "In hospital for X" text.
const tornTimestampOffset = 3600

const aboutToExitThreshold = 30 // seconds

type TornAPIError struct {
	Code    int
	Message string
}

func (e *TornAPIError) Error() string {
	return fmt.Sprintf("torn api error %d: %s", e.Code, e.Message)
}

type tornError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

type tornMemberStatus struct {
	State       string `json:"state"`
	Description string `json:"description"`
	Until       int64  `json:"until"`
}

type tornLastAction struct {
	Timestamp int64  `json:"timestamp"`
	Relative  string `json:"relative"`
}

type tornFactionMember struct {
	Name       string           `json:"name"`
	Level      int              `json:"level"`
	Status     tornMemberStatus `json:"status"`
	LastAction tornLastAction   `json:"last_action"`
}

type tornFactionResponse struct {
	ID      int                          `json:"ID"`
	Name    string                       `json:"name"`
	Tag     string                       `json:"tag"`
	Members map[string]tornFactionMember `json:"members"`
	Error   *tornError                   `json:"error"`
}

type tornBar struct {
	Current int `json:"current"`
	Maximum int `json:"maximum"`
}

type tornUserResponse struct {
	PlayerID   int              `json:"player_id"`
	Name       string           `json:"name"`
	Level      int              `json:"level"`
	Status     tornMemberStatus `json:"status"`
	LastAction tornLastAction   `json:"last_action"`
	Life       tornBar          `json:"life"`
	Energy     tornBar          `json:"energy"`
	Nerve      tornBar          `json:"nerve"`
	Happy      tornBar          `json:"happy"`
	Cooldowns  struct {
		Drug    int64 `json:"drug"`
		Medical int64 `json:"medical"`
		Booster int64 `json:"booster"`
	} `json:"cooldowns"`
	States struct {
		HospitalTimestamp int64 `json:"hospital_timestamp"`
		JailTimestamp     int64 `json:"jail_timestamp"`
	} `json:"states"`
	Travel struct {
		Destination string `json:"destination"`
		Timestamp   int64  `json:"timestamp"`
	} `json:"travel"`
	Error *tornError `json:"error"`
}

// TornClient fetches enemy faction status from the Torn API, with response
// caching, sliding-window rate limiting and rotation across configured keys.
// Callers may also pass a per-request key (users provide their own).
type TornClient struct {
	baseURL    string
	apiKeys    []string
	httpClient *http.Client
	limiter    *RateLimiter

	factionCache *Cache[*tornFactionResponse]
	// Previous hospital_until per target, for medding detection.
	playerCache *Cache[int64]

	mu          sync.Mutex
	keyRequests map[string][]time.Time

	now func() int64
}

func NewTornClient(apiKeys []string, limiter *RateLimiter) *TornClient {
	keyRequests := make(map[string][]time.Time, len(apiKeys))
	for _, k := range apiKeys {
		keyRequests[k] = nil
	}
	return &TornClient{
		baseURL:      defaultTornAPIBase,
		apiKeys:      apiKeys,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		limiter:      limiter,
		factionCache: NewCache[*tornFactionResponse](2 * time.Second),
		playerCache:  NewCache[int64](60 * time.Second),
		keyRequests:  keyRequests,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// bestKey returns the configured key with the fewest requests in the last
// minute. Empty string when no keys are configured.
func (c *TornClient) bestKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.apiKeys) == 0 {
		return ""
	}
	cutoff := time.Unix(c.now(), 0).Add(-60 * time.Second)
	best := c.apiKeys[0]
	min := -1
	for _, key := range c.apiKeys {
		kept := c.keyRequests[key][:0]
		for _, t := range c.keyRequests[key] {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		c.keyRequests[key] = kept
		if min < 0 || len(kept) < min {
			min = len(kept)
			best = key
		}
	}
	return best
}

func (c *TornClient) recordKeyUse(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyRequests[key] = append(c.keyRequests[key], time.Unix(c.now(), 0))
}

func (c *TornClient) request(ctx context.Context, apiKey, endpoint string, idValue int, selections string, out any) error {
	if apiKey == "" {
		apiKey = c.bestKey()
	}
	if apiKey == "" {
		return &TornAPIError{Code: 2, Message: "no API key available"}
	}

	if !c.limiter.CanRequest() {
		wait := c.limiter.WaitTime()
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	c.limiter.RecordRequest()
	c.recordKeyUse(apiKey)

	idPart := ""
	if idValue > 0 {
		idPart = "/" + strconv.Itoa(idValue)
	}
	reqURL := fmt.Sprintf("%s/%s%s?selections=%s&key=%s",
		c.baseURL, endpoint, idPart, url.QueryEscape(selections), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TornAPIError{Code: 0, Message: "HTTP error: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TornAPIError{Code: 0, Message: "HTTP status " + resp.Status}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TornAPIError{Code: 0, Message: "bad response: " + err.Error()}
	}
	return nil
}

// FactionMembers fetches the member list of a faction, cached for a couple of
// seconds so aggressive frontend polling doesn't hammer Torn.
func (c *TornClient) FactionMembers(ctx context.Context, apiKey string, factionID int) (*tornFactionResponse, error) {
	cacheKey := "faction_members:" + strconv.Itoa(factionID)
	if cached, ok := c.factionCache.Get(cacheKey); ok {
		return cached, nil
	}

	var faction tornFactionResponse
	if err := c.request(ctx, apiKey, "faction", factionID, "basic", &faction); err != nil {
		return nil, err
	}
	if faction.Error != nil {
		return nil, &TornAPIError{Code: faction.Error.Code, Message: faction.Error.Message}
	}

	c.factionCache.Set(cacheKey, &faction, 0)
	return &faction, nil
}

// UserProfile fetches the calling user's own profile. Used for the faction
// overview; always keyed by the caller's own API key.
func (c *TornClient) UserProfile(ctx context.Context, apiKey string) (*tornUserResponse, error) {
	var user tornUserResponse
	if err := c.request(ctx, apiKey, "user", 0, "profile,bars,cooldowns,travel", &user); err != nil {
		return nil, err
	}
	if user.Error != nil {
		return nil, &TornAPIError{Code: user.Error.Code, Message: user.Error.Message}
	}
	return &user, nil
}

// EnemyFactionStatus is the main polling call: hospital and presence status for
// every member of an enemy faction.
func (c *TornClient) EnemyFactionStatus(ctx context.Context, apiKey string, factionID int) ([]PlayerStatus, *FactionInfo, error) {
	faction, err := c.FactionMembers(ctx, apiKey, factionID)
	if err != nil {
		return nil, nil, err
	}

	now := c.now()
	info := &FactionInfo{
		FactionID:   factionID,
		FactionName: faction.Name,
		FactionTag:  faction.Tag,
	}

	targets := make([]PlayerStatus, 0, len(faction.Members))
	for idStr, member := range faction.Members {
		userID, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		targets = append(targets, c.parseMember(userID, member, now))
	}
	return targets, info, nil
}

func (c *TornClient) parseMember(userID int, member tornFactionMember, now int64) PlayerStatus {
	hospitalUntil := int64(0)
	if member.Status.Until > 0 {
		hospitalUntil = member.Status.Until - tornTimestampOffset
	}
	hospitalRemaining := int64(0)
	if hospitalUntil > now {
		hospitalRemaining = hospitalUntil - now
	}

	hospStatus := HospStatusOut
	if member.Status.State == "Hospital" && hospitalUntil > now {
		if hospitalRemaining <= aboutToExitThreshold {
			hospStatus = HospStatusAboutToExit
		} else {
			hospStatus = HospStatusIn
		}
	}

	traveling := member.Status.State == "Traveling" || member.Status.State == "Abroad"

	status := PlayerStatus{
		UserID:             userID,
		Name:               member.Name,
		Level:              member.Level,
		HospitalStatus:     hospStatus,
		Traveling:          traveling,
		LastActionTS:       member.LastAction.Timestamp,
		LastActionRelative: member.LastAction.Relative,
		EstimatedOnline:    inferOnlineStatus(member.LastAction.Timestamp, now),
		Medding:            c.detectMedding(userID, hospitalUntil, now),
		LastUpdated:        now,
	}
	if hospStatus != HospStatusOut {
		status.HospitalUntil = hospitalUntil
		status.HospitalRemaining = hospitalRemaining
		status.HospitalReason = member.Status.Description
	}
	if traveling {
		status.TravelDestination = member.Status.Description
		status.TravelUntil = member.Status.Until
	}
	return status
}

func inferOnlineStatus(lastActionTS, now int64) OnlineStatus {
	if lastActionTS == 0 {
		return OnlineStatusUnknown
	}
	secondsAgo := now - lastActionTS
	switch {
	case secondsAgo < 120:
		return OnlineStatusOnline
	case secondsAgo < 300:
		return OnlineStatusIdle
	default:
		return OnlineStatusOffline
	}
}

// detectMedding compares the current hospital release time against the one
// from the previous poll. If the target was due out well in the future and is
// suddenly out now, they med'd out early.
func (c *TornClient) detectMedding(userID int, currentHospitalUntil, now int64) bool {
	cacheKey := "prev_hospital:" + strconv.Itoa(userID)
	prev, hadPrev := c.playerCache.Get(cacheKey)
	c.playerCache.Set(cacheKey, currentHospitalUntil, 0)

	if !hadPrev {
		return false
	}
	if prev > now && currentHospitalUntil <= now {
		timeSaved := prev - now
		return timeSaved > 60
	}
	return false
}

func (c *TornClient) FactionCacheStats() CacheStats {
	return c.factionCache.Stats()
}

// CleanupCaches sweeps expired entries out of the client caches. Returns the
// total removed.
func (c *TornClient) CleanupCaches() int {
	return c.factionCache.CleanupExpired() + c.playerCache.CleanupExpired()
}
