package config

import (
	"os"
	"testing"
)

func TestDefaultsValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ranker.SimilarityThreshold != 0.7 {
		t.Fatalf("expected default similarity threshold 0.7, got %v", cfg.Ranker.SimilarityThreshold)
	}
	if cfg.Session.ToolUseMaxIterations != 10 {
		t.Fatalf("expected default max iterations 10, got %d", cfg.Session.ToolUseMaxIterations)
	}
}

func TestEntityByIDFallsBackToDefault(t *testing.T) {
	cfg := Defaults()
	cfg.Entities = []EntityConfig{{IndexName: "default", Label: "Assistant"}}
	e, ok := cfg.EntityByID("")
	if !ok || e.Label != "Assistant" {
		t.Fatalf("expected default entity lookup to succeed, got %+v ok=%v", e, ok)
	}
	if _, ok := cfg.EntityByID("nonexistent"); ok {
		t.Fatalf("expected lookup of unknown entity to fail")
	}
}

func TestEnvOverridesApplyOverDefaults(t *testing.T) {
	os.Setenv("SESSION_CORE_SEARXNG_URL", "http://searxng.internal:8080")
	defer os.Unsetenv("SESSION_CORE_SEARXNG_URL")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tools.SearXNGURL != "http://searxng.internal:8080" {
		t.Fatalf("expected env override to set searxng url, got %q", cfg.Tools.SearXNGURL)
	}
}
