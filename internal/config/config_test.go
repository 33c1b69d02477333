package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DurationMillis() != 86_400_000 {
		t.Fatalf("duration %d", cfg.DurationMillis())
	}
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 || plan[0].Milestone != 75 || plan[0].Remaining != 18*time.Hour.Milliseconds() {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestShortDurationUsesShortSet(t *testing.T) {
	cfg, err := FromYAML([]byte("challenge:\n  duration: 30m\n"))
	if err != nil {
		t.Fatal(err)
	}
	plan, err := cfg.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if plan[0].Milestone != 80 || plan[1].Milestone != 50 || plan[2].Milestone != 20 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("defaults lost on partial yaml: %q", cfg.Server.BasePath)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cases := map[string]string{
		"out of range":  "challenge:\n  milestones:\n    - remaining_percent: [100]\n",
		"duplicate":     "challenge:\n  milestones:\n    - remaining_percent: [50, 50]\n",
		"no catch-all":  "challenge:\n  milestones:\n    - max_duration: 1h\n      remaining_percent: [50]\n",
		"bad log level": "log:\n  level: loud\n",
		"base path":     "server:\n  base_path: v1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Challenge.Tick != time.Second {
		t.Fatalf("tick %v", cfg.Challenge.Tick)
	}
	if err := os.WriteFile(filepath.Join(dir, "m24.yml"), []byte("challenge:\n  duration: 2h\n  grace: 0s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Challenge.Duration != 2*time.Hour || cfg.Challenge.Grace != 0 {
		t.Fatalf("file not applied: %+v", cfg.Challenge)
	}
	if !strings.Contains(GenerateDefault(), "remaining_percent") {
		t.Fatalf("template missing milestones")
	}
}
