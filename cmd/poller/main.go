package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Keep-warm poller: hits the tracker's status endpoint on an interval so the
// upstream caches and hospital-edge detection stay fresh even when nobody has
// the page open.

type pollerConfig struct {
	TrackerURL string        `env:"TRACKER_URL" envDefault:"http://localhost:8000"`
	APIKey     string        `env:"TORN_API_KEY,required"`
	Interval   time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
}

type statusSummary struct {
	TotalTargets      int        `json:"totalTargets"`
	InHospital        int        `json:"inHospital"`
	Claimed           int        `json:"claimed"`
	ActiveClaims      []struct{} `json:"activeClaims"`
	APICallsRemaining int        `json:"apiCallsRemaining"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg pollerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	log.Info().Str("tracker", cfg.TrackerURL).Dur("interval", cfg.Interval).Msg("poller started")

	for {
		poll(client, cfg)
		time.Sleep(cfg.Interval)
	}
}

func poll(client *http.Client, cfg pollerConfig) {
	req, err := http.NewRequest(http.MethodGet, cfg.TrackerURL+"/api/status", nil)
	if err != nil {
		log.Error().Err(err).Msg("bad request")
		return
	}
	req.Header.Set("X-API-Key", cfg.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("poll failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Msg("poll rejected")
		return
	}

	var summary statusSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		log.Warn().Err(err).Msg("bad status payload")
		return
	}
	log.Info().
		Int("targets", summary.TotalTargets).
		Int("inHospital", summary.InHospital).
		Int("claimed", summary.Claimed).
		Int("callsRemaining", summary.APICallsRemaining).
		Msg("poll ok")
}
