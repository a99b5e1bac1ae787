package config_test

import (
	"testing"
	"time"

	"guardline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Compliance.StatutoryMinimumRate != 12.00 {
		t.Fatalf("minimum rate = %v", cfg.Compliance.StatutoryMinimumRate)
	}
	if cfg.SnapshotTTL() != 24*time.Hour {
		t.Fatalf("snapshot ttl = %v", cfg.SnapshotTTL())
	}
	if cfg.RatingWindow() != 7*24*time.Hour {
		t.Fatalf("rating window = %v", cfg.RatingWindow())
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("compliance:\n  statutory_minimum_rate: 15.5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Compliance.StatutoryMinimumRate != 15.5 {
		t.Fatalf("minimum rate = %v", cfg.Compliance.StatutoryMinimumRate)
	}
	if cfg.Rating.Max != 5.0 {
		t.Fatal("unset fields must keep defaults")
	}
}

func TestValidateRejectsBadRatingRange(t *testing.T) {
	cfg := config.Default()
	cfg.Rating.Min = 5.0
	cfg.Rating.Max = 1.0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRequiresWebhookURL(t *testing.T) {
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty webhook url")
	}
}
