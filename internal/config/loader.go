package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ENGINE_* environment variable overrides, and
// returns the final Config. An empty path skips the file and uses defaults
// plus environment. The caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Addr, "ENGINE_SERVER_ADDR")
	setDuration(&cfg.Server.ShutdownTimeout, "ENGINE_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Postgres.DSN, "ENGINE_POSTGRES_DSN")
	setInt(&cfg.Postgres.PoolMaxConns, "ENGINE_POSTGRES_POOL_MAX_CONNS")

	setStr(&cfg.Redis.Addr, "ENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ENGINE_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")

	setFloat64(&cfg.Engine.FeeRate, "ENGINE_FEE_RATE")

	setDuration(&cfg.Feed.MarkInterval, "ENGINE_FEED_MARK_INTERVAL")
	setDuration(&cfg.Feed.FundingInterval, "ENGINE_FEED_FUNDING_INTERVAL")

	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
