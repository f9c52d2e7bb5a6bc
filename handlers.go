package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const warStatusCacheKey = "war_status"

// App holds the collaborators every handler needs. Constructed once in main
// and injected; no package-level singletons.
type App struct {
	cfg        Config
	claims     *ClaimManager
	torn       *TornClient
	limiter    *RateLimiter
	leadership *LeadershipList

	// nil when redis is not configured
	overview *OverviewStore

	// Last successful war status, kept briefly so claim requests can resolve
	// target names without another upstream call.
	statusCache *Cache[*WarStatus]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func storageFault(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, ClaimResponse{
		Success: false,
		Message: "Temporary storage error, try again",
	})
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             "healthy",
			"timestamp":          time.Now().Unix(),
			"rateLimitRemaining": app.limiter.RequestsRemaining(),
			"cacheStats":         app.torn.FactionCacheStats(),
		})
	}
}

func statusHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if apiKey == "" && len(app.cfg.TornKeys()) == 0 {
			writeJSON(w, http.StatusUnauthorized, SimpleResponse{OK: false, Error: "API key required. Set X-API-Key header."})
			return
		}

		now := time.Now().Unix()
		status := &WarStatus{
			Targets:           []PlayerStatus{},
			ActiveClaims:      []HitClaim{},
			MaxClaimsPerUser:  app.claims.MaxClaimsPerUser(),
			LastUpdated:       now,
			NextRefreshIn:     2.0,
			APICallsRemaining: app.limiter.RequestsRemaining(),
		}

		if len(app.cfg.EnemyFactionIDs) == 0 {
			writeJSON(w, http.StatusOK, status)
			return
		}

		var allTargets []PlayerStatus
		for _, factionID := range app.cfg.EnemyFactionIDs {
			targets, info, err := app.torn.EnemyFactionStatus(r.Context(), apiKey, factionID)
			if err != nil {
				var apiErr *TornAPIError
				if errors.As(err, &apiErr) && apiErr.Code == 2 {
					writeJSON(w, http.StatusUnauthorized, SimpleResponse{OK: false, Error: "Invalid API key"})
					return
				}
				log.Error().Err(err).Int("factionId", factionID).Msg("faction fetch failed")
				continue
			}
			if status.EnemyFaction == nil {
				status.EnemyFaction = info
			}
			allTargets = append(allTargets, targets...)
		}

		resets, err := app.claims.UpdateHospitalStates(r.Context(), allTargets)
		if err != nil {
			log.Error().Err(err).Msg("hospital state update failed")
		}
		if len(resets) > 0 {
			log.Info().Ints("targetIds", resets).Msg("claims reset, targets back in hospital")
		}

		claims, err := app.claims.GetAllClaims(r.Context())
		if err != nil {
			storageFault(w)
			return
		}
		claimsByTarget := make(map[int]*HitClaim, len(claims))
		for _, c := range claims {
			claimsByTarget[c.TargetID] = c
			status.ActiveClaims = append(status.ActiveClaims, *c)
		}

		for i := range allTargets {
			if c, ok := claimsByTarget[allTargets[i].UserID]; ok {
				allTargets[i].ClaimedBy = c.ClaimedBy
				allTargets[i].ClaimedByID = c.ClaimedByID
				allTargets[i].ClaimedAt = c.ClaimedAt
				allTargets[i].ClaimExpires = c.ExpiresAt
			}
		}

		sortTargets(allTargets)

		for _, t := range allTargets {
			if t.HospitalStatus != HospStatusOut {
				status.InHospital++
			}
			if t.ClaimedBy != "" {
				status.Claimed++
			}
			if t.Traveling {
				status.Traveling++
			}
		}
		status.Targets = allTargets
		status.TotalTargets = len(allTargets)
		status.OutOfHospital = len(allTargets) - status.InHospital

		app.statusCache.Set(warStatusCacheKey, status, 0)

		// Passive profile collection for the leadership overview.
		if app.overview != nil && apiKey != "" {
			go app.collectProfile(apiKey)
		}

		writeJSON(w, http.StatusOK, status)
	}
}

// sortTargets orders the board the way attackers scan it: targets about to
// leave hospital first, then hospitalized by time remaining, then everyone
// else with online players first.
func sortTargets(targets []PlayerStatus) {
	rank := func(t PlayerStatus) int {
		switch t.HospitalStatus {
		case HospStatusAboutToExit:
			return 0
		case HospStatusIn:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(targets, func(i, j int) bool {
		ri, rj := rank(targets[i]), rank(targets[j])
		if ri != rj {
			return ri < rj
		}
		if targets[i].HospitalRemaining != targets[j].HospitalRemaining {
			return targets[i].HospitalRemaining < targets[j].HospitalRemaining
		}
		oi := targets[i].EstimatedOnline == OnlineStatusOnline
		oj := targets[j].EstimatedOnline == OnlineStatusOnline
		return oi && !oj
	})
}

func (app *App) collectProfile(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := app.torn.UserProfile(ctx, apiKey)
	if err != nil {
		log.Debug().Err(err).Msg("profile collection failed")
		return
	}
	profile := profileFromUser(user, time.Now().Unix())
	if err := app.overview.StoreProfile(ctx, profile); err != nil {
		log.Debug().Err(err).Int("playerId", profile.PlayerID).Msg("profile store failed")
	}
}

func claimHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}
		if req.TargetID <= 0 || req.ClaimerID <= 0 || strings.TrimSpace(req.ClaimerName) == "" {
			writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "INVALID_REQUEST"})
			return
		}

		targetName := "Player " + strconv.Itoa(req.TargetID)
		if status, ok := app.statusCache.Get(warStatusCacheKey); ok {
			for _, t := range status.Targets {
				if t.UserID == req.TargetID {
					targetName = t.Name
					break
				}
			}
		}

		ok, message, claim, err := app.claims.Claim(r.Context(), req.TargetID, targetName, req.ClaimerID, req.ClaimerName, 0)
		if err != nil {
			storageFault(w)
			return
		}
		writeJSON(w, http.StatusOK, ClaimResponse{Success: ok, Message: message, Claim: claim})
	}
}

// claimItemHandler serves /api/claim/{id} (DELETE, unclaim),
// /api/claim/{id}/resolve (POST) and /api/claim/{id}/force (POST, leadership).
func claimItemHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/claim/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		targetID, err := strconv.Atoi(parts[0])
		if err != nil || targetID <= 0 {
			writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "INVALID_TARGET_ID"})
			return
		}

		claimerID, _ := strconv.Atoi(r.URL.Query().Get("claimerId"))

		switch {
		case len(parts) == 1 && r.Method == http.MethodDelete:
			if claimerID <= 0 {
				writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "INVALID_CLAIMER_ID"})
				return
			}
			ok, message, err := app.claims.Unclaim(r.Context(), targetID, claimerID)
			if err != nil {
				storageFault(w)
				return
			}
			respondClaimAction(w, ok, message)

		case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
			if claimerID <= 0 {
				writeJSON(w, http.StatusBadRequest, SimpleResponse{OK: false, Error: "INVALID_CLAIMER_ID"})
				return
			}
			ok, message, err := app.claims.Resolve(r.Context(), targetID, claimerID)
			if err != nil {
				storageFault(w)
				return
			}
			respondClaimAction(w, ok, message)

		case len(parts) == 2 && parts[1] == "force" && r.Method == http.MethodPost:
			if !app.leadership.Contains(claimerID) {
				writeJSON(w, http.StatusForbidden, SimpleResponse{OK: false, Error: "LEADERSHIP_ONLY"})
				return
			}
			ok, message, err := app.claims.ForceUnclaim(r.Context(), targetID)
			if err != nil {
				storageFault(w)
				return
			}
			respondClaimAction(w, ok, message)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func respondClaimAction(w http.ResponseWriter, ok bool, message string) {
	status := http.StatusOK
	if !ok {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ClaimResponse{Success: ok, Message: message})
}

func claimsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		claims, err := app.claims.GetAllClaims(r.Context())
		if err != nil {
			storageFault(w)
			return
		}
		list := make([]HitClaim, 0, len(claims))
		for _, c := range claims {
			list = append(list, *c)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"claims": list,
			"count":  len(list),
		})
	}
}

func statsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		claimStats, err := app.claims.Stats(r.Context())
		if err != nil {
			storageFault(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"rateLimiter": map[string]any{
				"requestsRemaining": app.limiter.RequestsRemaining(),
				"waitTime":          app.limiter.WaitTime().Seconds(),
			},
			"cache":     app.torn.FactionCacheStats(),
			"claims":    claimStats,
			"timestamp": time.Now().Unix(),
		})
	}
}

func overviewHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		playerID, _ := strconv.Atoi(r.URL.Query().Get("playerId"))
		if !app.leadership.Contains(playerID) {
			writeJSON(w, http.StatusForbidden, SimpleResponse{OK: false, Error: "LEADERSHIP_ONLY"})
			return
		}
		if app.overview == nil {
			writeJSON(w, http.StatusServiceUnavailable, SimpleResponse{OK: false, Error: "OVERVIEW_NOT_CONFIGURED"})
			return
		}
		profiles, err := app.overview.ListProfiles(r.Context())
		if err != nil {
			storageFault(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"members": profiles,
			"count":   len(profiles),
		})
	}
}
