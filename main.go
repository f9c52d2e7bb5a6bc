package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.DevMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("bad REDIS_URL, ignoring redis")
		} else {
			client := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn().Err(err).Msg("redis unreachable")
				client.Close()
			} else {
				rdb = client
			}
			cancel()
		}
	}

	store := selectClaimStore(cfg, rdb)
	log.Info().Str("storage", store.Name()).Msg("claim storage selected")

	var overview *OverviewStore
	if rdb != nil {
		overview = NewOverviewStore(rdb)
	}

	limiter := NewRateLimiter(90, time.Minute) // leave a 10-request buffer under Torn's limit
	torn := NewTornClient(cfg.TornKeys(), limiter)
	claims := NewClaimManager(store, cfg.ClaimExpiry, cfg.MaxClaimsPerUser)

	log.Info().
		Int("maxClaimsPerUser", cfg.MaxClaimsPerUser).
		Int64("claimExpiry", cfg.ClaimExpiry).
		Ints("enemyFactions", cfg.EnemyFactionIDs).
		Msg("claim manager ready")

	app := &App{
		cfg:         cfg,
		claims:      claims,
		torn:        torn,
		limiter:     limiter,
		leadership:  NewLeadershipList(cfg.LeadershipIDs),
		overview:    overview,
		statusCache: NewCache[*WarStatus](5 * time.Second),
	}

	go sweepLoop(app, store)

	mux := http.NewServeMux()
	registerRoutes(mux, app)

	addr := ":" + strconv.Itoa(cfg.Port)
	log.Info().Str("addr", addr).Msg("war tracker listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

// selectClaimStore picks the backend from configuration: redis, then postgres,
// then the in-process map. Durable backends are wrapped so a later outage
// degrades to memory instead of failing claims.
func selectClaimStore(cfg Config, rdb *redis.Client) ClaimStore {
	if rdb != nil {
		return newFailoverStore(NewRedisClaimStore(rdb))
	}
	if cfg.PostgresURL != "" {
		pg, err := NewPostgresClaimStore(cfg.PostgresURL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres unreachable, using in-memory claim storage")
			return NewMemoryClaimStore()
		}
		return newFailoverStore(pg)
	}
	return NewMemoryClaimStore()
}

// sweepLoop periodically evicts expired cache entries and claims so memory
// stays bounded even without traffic.
func sweepLoop(app *App, store ClaimStore) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		removed := app.torn.CleanupCaches() + app.statusCache.CleanupExpired()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		expired, err := store.CleanupExpired(ctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Msg("claim sweep failed")
			continue
		}
		if removed > 0 || expired > 0 {
			log.Debug().Int("cacheEntries", removed).Int("claims", expired).Msg("sweep")
		}
	}
}

func registerRoutes(mux *http.ServeMux, app *App) {
	mux.HandleFunc("/api/health", healthHandler(app))
	mux.HandleFunc("/api/status", statusHandler(app))
	mux.HandleFunc("/api/claim", claimHandler(app))
	mux.HandleFunc("/api/claim/", claimItemHandler(app))
	mux.HandleFunc("/api/claims", claimsHandler(app))
	mux.HandleFunc("/api/stats", statsHandler(app))
	mux.HandleFunc("/api/faction/overview", overviewHandler(app))
}
