package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.FeeRate != 0.02 {
		t.Errorf("expected default fee 0.02, got %v", cfg.Engine.FeeRate)
	}
}

func TestLoad_TomlFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	body := `
log_level = "debug"

[server]
addr = ":9090"

[engine]
fee_rate = 0.0025

[feed]
mark_interval = "1s"
funding_interval = "8h"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.FeeRate != 0.0025 {
		t.Errorf("expected fee 0.0025, got %v", cfg.Engine.FeeRate)
	}
	if cfg.Feed.FundingInterval.Duration != 8*time.Hour {
		t.Errorf("expected 8h funding interval, got %v", cfg.Feed.FundingInterval.Duration)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.LogLevel)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("ENGINE_SERVER_ADDR", ":7070")
	t.Setenv("ENGINE_FEE_RATE", "0.01")
	t.Setenv("ENGINE_FEED_MARK_INTERVAL", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected env addr :7070, got %s", cfg.Server.Addr)
	}
	if cfg.Engine.FeeRate != 0.01 {
		t.Errorf("expected env fee 0.01, got %v", cfg.Engine.FeeRate)
	}
	if cfg.Feed.MarkInterval.Duration != 250*time.Millisecond {
		t.Errorf("expected 250ms mark interval, got %v", cfg.Feed.MarkInterval.Duration)
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.FeeRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for fee rate >= 1")
	}

	cfg = Defaults()
	cfg.Server.Addr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty addr")
	}

	cfg = Defaults()
	cfg.Feed.MarkInterval.Duration = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero mark interval")
	}
}
