// Package config defines the trade engine's configuration and provides
// validation helpers.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ENGINE_* environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Engine   EngineConfig   `toml:"engine"`
	Feed     FeedConfig     `toml:"feed"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds the HTTP listener parameters.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig holds PostgreSQL connection parameters. An empty DSN runs
// the engine on the in-memory store.
type PostgresConfig struct {
	DSN          string `toml:"dsn"`
	PoolMaxConns int    `toml:"pool_max_conns"`
}

// RedisConfig holds Redis cache parameters. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
}

// EngineConfig holds trading parameters.
type EngineConfig struct {
	// FeeRate is the proportional protocol fee: applied to the USD amount
	// on prediction trades and to notional on perpetual opens, e.g. 0.02
	// for 2%.
	FeeRate float64 `toml:"fee_rate"`
}

// FeedConfig paces the price feed loops.
type FeedConfig struct {
	MarkInterval    duration `toml:"mark_interval"`
	FundingInterval duration `toml:"funding_interval"`
}

// duration wraps time.Duration so TOML files can say "30s" or "1h".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration a bare deployment runs with:
// in-memory store, no cache, 2% fee, 5s marks, hourly funding.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			FeeRate: 0.02,
		},
		Feed: FeedConfig{
			MarkInterval:    duration{5 * time.Second},
			FundingInterval: duration{time.Hour},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Engine.FeeRate < 0 || c.Engine.FeeRate >= 1 {
		return fmt.Errorf("config: engine.fee_rate must be in [0, 1), got %v", c.Engine.FeeRate)
	}
	if c.Feed.MarkInterval.Duration <= 0 {
		return fmt.Errorf("config: feed.mark_interval must be positive")
	}
	if c.Feed.FundingInterval.Duration <= 0 {
		return fmt.Errorf("config: feed.funding_interval must be positive")
	}
	return nil
}
