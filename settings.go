package main

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the whole environment surface of the tracker. The claim engine
// itself only needs ClaimExpiry and MaxClaimsPerUser; the rest configures the
// surrounding service.
type Config struct {
	Port    int  `env:"PORT" envDefault:"8000"`
	DevMode bool `env:"DEV_MODE"`

	// Storage selection: redis wins over postgres, absence of both means
	// volatile in-process storage.
	RedisURL    string `env:"REDIS_URL"`
	PostgresURL string `env:"POSTGRES_URL"`

	// Server-side Torn API keys, used when a request carries no X-API-Key.
	TornAPIKey  string   `env:"TORN_API_KEY"`
	TornAPIKeys []string `env:"TORN_API_KEYS"`

	EnemyFactionIDs []int `env:"ENEMY_FACTION_IDS"`
	LeadershipIDs   []int `env:"LEADERSHIP_IDS"`

	MaxClaimsPerUser int   `env:"MAX_CLAIMS_PER_USER" envDefault:"3"`
	ClaimExpiry      int64 `env:"CLAIM_EXPIRY" envDefault:"120"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// TornKeys returns all usable server-side API keys, primary first.
func (c Config) TornKeys() []string {
	var keys []string
	primary := strings.TrimSpace(c.TornAPIKey)
	if primary != "" && primary != "your_api_key_here" {
		keys = append(keys, primary)
	}
	for _, k := range c.TornAPIKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
