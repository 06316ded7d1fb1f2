package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != "127.0.0.1:7787" {
		t.Errorf("expected 127.0.0.1:7787, got %s", cfg.ListenAddr)
	}
	if !strings.HasSuffix(cfg.DataDir, "tabwarden") {
		t.Errorf("expected a tabwarden data dir, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected info, got %s", cfg.LogLevel)
	}
	if cfg.Engine.DefaultDebounceMs != 2000 {
		t.Errorf("expected 2000ms debounce, got %d", cfg.Engine.DefaultDebounceMs)
	}
	if cfg.Engine.RegexBudget != 1024 {
		t.Errorf("expected 1024 regex budget, got %d", cfg.Engine.RegexBudget)
	}
	if cfg.HasTelemetry() {
		t.Error("default should not have telemetry")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{
		"listen_addr": "127.0.0.1:9090",
		"data_dir": "/tmp/test",
		"rules_dir": "/tmp/rules.d",
		"engine": {
			"default_debounce_ms": 5000,
			"snooze_sweep_seconds": 30,
			"regex_budget": 512
		},
		"telemetry": {
			"otlp_endpoint": "localhost:4317"
		}
	}`), 0644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("expected 127.0.0.1:9090, got %s", cfg.ListenAddr)
	}
	if cfg.DataDir != "/tmp/test" {
		t.Errorf("expected /tmp/test, got %s", cfg.DataDir)
	}
	if cfg.RulesDir != "/tmp/rules.d" {
		t.Errorf("expected /tmp/rules.d, got %s", cfg.RulesDir)
	}
	if cfg.Engine.DefaultDebounceMs != 5000 {
		t.Errorf("expected 5000ms debounce, got %d", cfg.Engine.DefaultDebounceMs)
	}
	if cfg.SnoozeSweepInterval() != 30*time.Second {
		t.Errorf("expected 30s sweep, got %v", cfg.SnoozeSweepInterval())
	}
	if !cfg.HasTelemetry() {
		t.Error("expected telemetry configured")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	os.WriteFile(path, []byte(`{"listen_addr": "127.0.0.1:9090"}`), 0644)

	t.Setenv("TABWARDEN_LISTEN_ADDR", "127.0.0.1:7070")
	t.Setenv("TABWARDEN_DEBOUNCE_MS", "3500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != "127.0.0.1:7070" {
		t.Errorf("env should override file: got %s", cfg.ListenAddr)
	}
	if cfg.Engine.DefaultDebounceMs != 3500 {
		t.Errorf("env TABWARDEN_DEBOUNCE_MS should apply: got %d", cfg.Engine.DefaultDebounceMs)
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	t.Setenv("TABWARDEN_DATA_DIR", "/tmp/env-test")
	t.Setenv("TABWARDEN_LOG_LEVEL", "debug")
	t.Setenv("TABWARDEN_OTLP_ENDPOINT", "collector:4317")

	cfg := LoadFromEnv()
	if cfg.DataDir != "/tmp/env-test" {
		t.Errorf("expected /tmp/env-test, got %s", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %s", cfg.LogLevel)
	}
	if !cfg.HasTelemetry() {
		t.Error("expected telemetry configured from env")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	cfg := Default()
	cfg.ListenAddr = "127.0.0.1:3000"
	cfg.CategoryTable = "/etc/tabwarden/categories.yaml"

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.ListenAddr != "127.0.0.1:3000" {
		t.Errorf("expected 127.0.0.1:3000, got %s", loaded.ListenAddr)
	}
	if loaded.CategoryTable != "/etc/tabwarden/categories.yaml" {
		t.Errorf("expected category table path, got %s", loaded.CategoryTable)
	}
}

func TestDurationFallbacks(t *testing.T) {
	var cfg Config
	if cfg.SnoozeSweepInterval() != time.Minute {
		t.Errorf("zero sweep should fall back to 1m, got %v", cfg.SnoozeSweepInterval())
	}
	if cfg.BridgeCommandTimeout() != 10*time.Second {
		t.Errorf("zero bridge timeout should fall back to 10s, got %v", cfg.BridgeCommandTimeout())
	}
	cfg.Bridge.CommandTimeoutMs = 2500
	if cfg.BridgeCommandTimeout() != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %v", cfg.BridgeCommandTimeout())
	}
}
