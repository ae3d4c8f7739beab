package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"riskguard/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "riskguard.yaml", `
log_level: debug
scoring:
  timezone: UTC
  weights:
    ROOT_DETECTED: 50
    location_anomaly: 20
alert:
  cooldown: 10m
  recipient: owner@example.com
baseline:
  location_maturity_hits: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %s", cfg.LogLevel)
	}
	if cfg.Alert.Cooldown != 10*time.Minute {
		t.Fatalf("expected 10m cooldown, got %s", cfg.Alert.Cooldown)
	}
	weights := cfg.Scoring.SignalWeights()
	if len(weights) != 2 || weights[model.SignalRootDetected] != 50 || weights[model.SignalLocationAnomaly] != 20 {
		t.Fatalf("weights should replace the default table, got %v", weights)
	}
	if cfg.Baseline.Settings(time.UTC).LocationMaturityHits != 12 {
		t.Fatalf("expected maturity override")
	}
	if cfg.Alert.AuditLimit != 100 {
		t.Fatalf("expected default audit limit, got %d", cfg.Alert.AuditLimit)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "riskguard.json", `{"log_format":"text","rate_limit":{"endpoints":{"geolocation":30}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("expected text format")
	}
	if cfg.RateLimit.Settings().Endpoints["geolocation"] != 30 {
		t.Fatalf("expected endpoint override")
	}
	if len(cfg.Scoring.Weights) == 0 {
		t.Fatalf("expected default weights when none are configured")
	}
}

func TestValidateRejectsUnknownWeight(t *testing.T) {
	path := writeFile(t, "bad.yaml", "scoring:\n  weights:\n    NOT_A_SIGNAL: 5\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "NOT_A_SIGNAL") {
		t.Fatalf("expected weight validation error, got %v", err)
	}
}

func TestValidateKafkaDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alert.Delivery.Driver = "kafka"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error without brokers")
	}
	cfg.Alert.Delivery.Brokers = []string{"localhost:9092"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEmptyFileRejected(t *testing.T) {
	if _, err := Load(writeFile(t, "empty.yaml", "  \n")); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestManagerDetectsChange(t *testing.T) {
	path := writeFile(t, "riskguard.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	cfg := m.Get()
	cfg.LogLevel = "warn"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed, got %v %v", needs, err)
	}
	reloaded, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.LogLevel != "warn" {
		t.Fatalf("expected warn after reload, got %s", reloaded.LogLevel)
	}
}

func TestStaticManagerNeverReloads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	m := NewStaticManager(cfg)
	if m.Get().LogLevel != "debug" {
		t.Fatalf("expected the supplied config")
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("static manager should never need a reload, got %v %v", needs, err)
	}
}
