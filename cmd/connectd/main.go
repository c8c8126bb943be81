// Command connectd runs the marketplace connector daemon: it exposes health
// and Prometheus metrics, and a small sync API that drives bulk operations
// through the configured marketplace adapter.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/commercehub/marketplace-connect/pkg/auth"
	"github.com/commercehub/marketplace-connect/pkg/cache"
	"github.com/commercehub/marketplace-connect/pkg/logging"
	"github.com/commercehub/marketplace-connect/pkg/marketplace"
	"github.com/commercehub/marketplace-connect/pkg/marketplace/nova"
)

func main() {
	cfg := loadConfig()

	logger := logging.Setup(logging.Config{
		Level:  logging.Level(cfg.GetString("log.level")),
		Pretty: cfg.GetBool("log.pretty"),
	}).With().Str("component", "connectd").Logger()

	client, err := buildNovaClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create marketplace client")
	}

	if addr := cfg.GetString("redis.addr"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", addr).Msg("Failed to connect to Redis")
		}
		client.SetCache(cache.NewStore(redisClient, cfg.GetDuration("cache.ttl")))
		logger.Info().Str("addr", addr).Msg("Response cache enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(client))
	mux.HandleFunc("/sync/stock", syncStockHandler(client, logger))

	addr := ":" + cfg.GetString("port")
	logger.Info().Str("addr", addr).Msg("Starting connectd")

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// loadConfig reads configuration from environment variables (CONNECTD_*)
// and an optional connectd.yaml in the working directory.
func loadConfig() *viper.Viper {
	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("nova.region", "eu-central")

	v.SetConfigName("connectd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.SetEnvPrefix("connectd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func buildNovaClient(cfg *viper.Viper, logger zerolog.Logger) (*nova.Client, error) {
	baseURL := cfg.GetString("nova.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("nova.base_url is required")
	}

	cred := auth.Credential{
		ClientID:     cfg.GetString("nova.client_id"),
		ClientSecret: cfg.GetString("nova.client_secret"),
		RefreshToken: cfg.GetString("nova.refresh_token"),
	}

	novaCfg := nova.DefaultConfig(baseURL, cred)
	novaCfg.Region = cfg.GetString("nova.region")

	return nova.New(novaCfg, logger)
}

// healthHandler reports liveness plus the most constrained rate-limit bucket.
func healthHandler(client marketplace.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":   "ok",
			"provider": client.Provider(),
		}
		if bucket, ok := client.RateLimitStatus(); ok {
			status["rate_limit"] = map[string]any{
				"category":  bucket.Category,
				"remaining": bucket.Remaining,
				"limit":     bucket.Limit,
				"reset_at":  bucket.ResetAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}

// syncStockHandler accepts a JSON array of stock updates and runs them
// through the adapter's bulk path, returning the per-item report.
func syncStockHandler(client marketplace.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var updates []marketplace.StockUpdate
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
		if len(updates) == 0 {
			http.Error(w, "no updates supplied", http.StatusBadRequest)
			return
		}

		logger.Info().Int("items", len(updates)).Msg("Starting stock sync")

		report := client.BulkUpdateStock(r.Context(), updates)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"state":      report.State,
			"successful": len(report.Successful),
			"failed":     report.Failed,
		})
	}
}
