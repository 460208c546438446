package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/config"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	if cfg.Hours.Start != 9 || cfg.Hours.End != 23 {
		t.Errorf("active hours = %d-%d, want 9-23", cfg.Hours.Start, cfg.Hours.End)
	}
	if cfg.Similarity.Threshold != 0.6 {
		t.Errorf("similarity threshold = %v, want 0.6", cfg.Similarity.Threshold)
	}
	if len(cfg.Strategies) != 4 {
		t.Errorf("strategies = %v, want 4 defaults", cfg.Strategies)
	}
	if cfg.Reward.Reply != 1.0 || cfg.Reward.Reaction != 0.5 || cfg.Reward.None != 0.0 {
		t.Errorf("reward mapping = %+v", cfg.Reward)
	}
	if len(cfg.Phases.Limits) != 4 {
		t.Fatalf("phase tables = %d, want 4", len(cfg.Phases.Limits))
	}
	if got := cfg.Delays["comment"].Base; got != 15*time.Minute {
		t.Errorf("comment delay = %v, want 15m", got)
	}
}

func TestLoadRejectsNonMonotoneLimits(t *testing.T) {
	path := writeConfig(t, `
phases:
  duration_days: 7
  limits:
    - comment: 5
    - comment: 2
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for shrinking phase limits")
	}
	if !strings.Contains(err.Error(), "comment") {
		t.Fatalf("error does not name the offending kind: %v", err)
	}
}

func TestLoadRejectsMissingKindInLaterPhase(t *testing.T) {
	path := writeConfig(t, `
delays:
  comment:
    base: 15m
    jitter_pct: 20
phases:
  duration_days: 7
  limits:
    - comment: 2
      view: 10
    - comment: 5
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error when a later phase drops a kind")
	}
}

func TestLoadRejectsInvertedHours(t *testing.T) {
	path := writeConfig(t, `
hours:
  start: 22
  end: 9
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for start >= end")
	}
}

func TestLoadRejectsDelayForUnknownKind(t *testing.T) {
	path := writeConfig(t, `
delays:
  comment:
    base: 15m
    jitter_pct: 20
  story:
    base: 1m
    jitter_pct: 10
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for delay on a kind with no phase limits")
	}
}

func TestLimitsForPhaseClamps(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	first := cfg.LimitsForPhase(0)
	if first["comment"] != cfg.Phases.Limits[0]["comment"] {
		t.Errorf("phase 0 not clamped to first table: %v", first)
	}
	last := cfg.LimitsForPhase(99)
	want := cfg.Phases.Limits[len(cfg.Phases.Limits)-1]
	if last["comment"] != want["comment"] {
		t.Errorf("phase 99 not clamped to last table: %v", last)
	}
}
