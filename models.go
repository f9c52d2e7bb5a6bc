package main

type OnlineStatus string

const (
	OnlineStatusOnline  OnlineStatus = "online"  // last action < 2 minutes
	OnlineStatusIdle    OnlineStatus = "idle"    // last action 2-5 minutes
	OnlineStatusOffline OnlineStatus = "offline" // last action > 5 minutes
	OnlineStatusUnknown OnlineStatus = "unknown"
)

type HospStatus string

const (
	HospStatusIn          HospStatus = "in_hospital"
	HospStatusOut         HospStatus = "out"
	HospStatusAboutToExit HospStatus = "about_to_exit" // < 30 seconds remaining
)

// PlayerStatus is the inferred state of one enemy target, combining Torn API
// data with derived fields.
type PlayerStatus struct {
	UserID int    `json:"userId"`
	Name   string `json:"name"`
	Level  int    `json:"level"`

	HospitalUntil     int64      `json:"hospitalUntil,omitempty"`
	HospitalRemaining int64      `json:"hospitalRemaining"`
	HospitalStatus    HospStatus `json:"hospitalStatus"`
	HospitalReason    string     `json:"hospitalReason,omitempty"`

	Traveling         bool   `json:"traveling"`
	TravelDestination string `json:"travelDestination,omitempty"`
	TravelUntil       int64  `json:"travelUntil,omitempty"`

	LastActionTS       int64        `json:"lastActionTs,omitempty"`
	LastActionRelative string       `json:"lastActionRelative,omitempty"`
	EstimatedOnline    OnlineStatus `json:"estimatedOnline"`

	// True if the target appears to have left hospital early.
	Medding bool `json:"medding"`

	// Claim info from our coordination layer, not Torn.
	ClaimedBy    string `json:"claimedBy,omitempty"`
	ClaimedByID  int    `json:"claimedById,omitempty"`
	ClaimedAt    int64  `json:"claimedAt,omitempty"`
	ClaimExpires int64  `json:"claimExpires,omitempty"`

	LastUpdated int64 `json:"lastUpdated"`
}

// HitClaim is the coordination record for who is attacking whom.
type HitClaim struct {
	TargetID    int    `json:"targetId"`
	TargetName  string `json:"targetName"`
	ClaimedBy   string `json:"claimedBy"`
	ClaimedByID int    `json:"claimedById"`
	ClaimedAt   int64  `json:"claimedAt"`
	ExpiresAt   int64  `json:"expiresAt"`
	Resolved    bool   `json:"resolved"`
}

type FactionInfo struct {
	FactionID   int    `json:"factionId"`
	FactionName string `json:"factionName"`
	FactionTag  string `json:"factionTag,omitempty"`
}

// WarStatus is the main /api/status response.
type WarStatus struct {
	OurFaction   *FactionInfo `json:"ourFaction,omitempty"`
	EnemyFaction *FactionInfo `json:"enemyFaction,omitempty"`

	Targets      []PlayerStatus `json:"targets"`
	ActiveClaims []HitClaim     `json:"activeClaims"`

	TotalTargets  int `json:"totalTargets"`
	InHospital    int `json:"inHospital"`
	OutOfHospital int `json:"outOfHospital"`
	Claimed       int `json:"claimed"`
	Traveling     int `json:"traveling"`

	MaxClaimsPerUser int `json:"maxClaimsPerUser"`

	LastUpdated       int64   `json:"lastUpdated"`
	CacheAgeSeconds   float64 `json:"cacheAgeSeconds"`
	NextRefreshIn     float64 `json:"nextRefreshIn"`
	APICallsRemaining int     `json:"apiCallsRemaining"`
}

type ClaimRequest struct {
	TargetID    int    `json:"targetId"`
	ClaimerID   int    `json:"claimerId"`
	ClaimerName string `json:"claimerName"`
}

type ClaimResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Claim   *HitClaim `json:"claim,omitempty"`
}

type SimpleResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
