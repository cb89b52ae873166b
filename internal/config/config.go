package config

import (
	"os"
	"strconv"
)

// Config holds the core runtime configuration for the service.
// Values are primarily sourced from environment variables, with
// sensible defaults where appropriate. See .env.example.
type Config struct {
	DatabaseURL string

	ListenAddr string

	// DashboardToken protects the reporting endpoints. If empty, those
	// endpoints respond 503 until a token is configured.
	DashboardToken string

	// RedisAddr enables the active-experiment cache when non-empty.
	RedisAddr     string
	RedisPassword string

	// RollupCron is the cron expression for the periodic rollup run.
	// An empty value disables the scheduler.
	RollupCron string

	// RollupWindowDays is the trailing window recomputed by scheduled
	// rollup runs.
	RollupWindowDays int

	// Env selects logger behavior ("prod" for production encoding).
	Env string
}

// Load reads configuration from environment variables and applies defaults.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:      os.Getenv("APP_DATABASE_URL"),
		ListenAddr:       getenv("APP_LISTEN_ADDR", ":8080"),
		DashboardToken:   os.Getenv("APP_DASHBOARD_TOKEN"),
		RedisAddr:        os.Getenv("APP_REDIS_ADDR"),
		RedisPassword:    os.Getenv("APP_REDIS_PASSWORD"),
		RollupCron:       getenv("APP_ROLLUP_CRON", "30 2 * * *"),
		RollupWindowDays: 14,
		Env:              getenv("APP_ENV", "dev"),
	}

	if v := os.Getenv("APP_ROLLUP_WINDOW_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 && days <= 180 {
			cfg.RollupWindowDays = days
		}
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
