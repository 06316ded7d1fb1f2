// Package config provides configuration loading for the daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address for the HTTP API and extension bridge (default "127.0.0.1:7787")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "~/.local/share/tabwarden")
	DataDir string `json:"data_dir"`

	// Directory of rule documents imported at startup
	RulesDir string `json:"rules_dir,omitempty"`
	// YAML file mapping domains to categories
	CategoryTable string `json:"category_table,omitempty"`

	// Engine tuning
	Engine EngineConfig `json:"engine,omitempty"`

	// Extension bridge settings
	Bridge BridgeConfig `json:"bridge,omitempty"`

	// Tracing
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	// Run without an extension bridge, against an in-memory browser
	Standalone bool `json:"standalone,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// EngineConfig tunes rule evaluation and scheduling.
type EngineConfig struct {
	// Debounce for immediate triggers that configure none, in ms
	DefaultDebounceMs int64 `json:"default_debounce_ms"`
	// Snooze queue sweep interval, in seconds
	SnoozeSweepSeconds int `json:"snooze_sweep_seconds"`
	// Max regex pattern length accepted at rule compile
	RegexBudget int `json:"regex_budget"`
}

// BridgeConfig tunes the extension websocket bridge.
type BridgeConfig struct {
	// How long a driver command waits for the extension, in ms
	CommandTimeoutMs int `json:"command_timeout_ms"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	// OTLP gRPC endpoint; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:7787",
		DataDir:    defaultDataDir(),
		LogLevel:   "info",
		Engine: EngineConfig{
			DefaultDebounceMs:  2000,
			SnoozeSweepSeconds: 60,
			RegexBudget:        1024,
		},
		Bridge: BridgeConfig{
			CommandTimeoutMs: 10000,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/var/lib/tabwarden"
	}
	return filepath.Join(home, ".local", "share", "tabwarden")
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("TABWARDEN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("TABWARDEN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TABWARDEN_RULES_DIR"); v != "" {
		cfg.RulesDir = v
	}
	if v := os.Getenv("TABWARDEN_CATEGORY_TABLE"); v != "" {
		cfg.CategoryTable = v
	}
	if v := os.Getenv("TABWARDEN_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.DefaultDebounceMs = n
		}
	}
	if v := os.Getenv("TABWARDEN_SNOOZE_SWEEP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.SnoozeSweepSeconds = n
		}
	}
	if v := os.Getenv("TABWARDEN_REGEX_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RegexBudget = n
		}
	}
	if v := os.Getenv("TABWARDEN_BRIDGE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.CommandTimeoutMs = n
		}
	}
	if v := os.Getenv("TABWARDEN_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("TABWARDEN_STANDALONE"); v == "1" || v == "true" {
		cfg.Standalone = true
	}
	if v := os.Getenv("TABWARDEN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// SnoozeSweepInterval returns the sweep cadence as a duration.
func (c Config) SnoozeSweepInterval() time.Duration {
	if c.Engine.SnoozeSweepSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Engine.SnoozeSweepSeconds) * time.Second
}

// BridgeCommandTimeout returns the bridge wait as a duration.
func (c Config) BridgeCommandTimeout() time.Duration {
	if c.Bridge.CommandTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Bridge.CommandTimeoutMs) * time.Millisecond
}

// HasTelemetry returns true if an OTLP endpoint is configured.
func (c Config) HasTelemetry() bool {
	return c.Telemetry.OTLPEndpoint != ""
}
