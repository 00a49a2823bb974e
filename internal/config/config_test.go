package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("upstream.base_url", "https://feed.example.com")
	configViper.Set("sync.tenants", "acme")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "mirrorsync.db" {
		t.Fatalf("unexpected database path: %s", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level: %s", cfg.LogLevel)
	}
	if cfg.UpstreamTimeout != 30*time.Second {
		t.Fatalf("unexpected upstream timeout: %s", cfg.UpstreamTimeout)
	}
	if cfg.SyncInterval != 300*time.Second {
		t.Fatalf("unexpected sync interval: %s", cfg.SyncInterval)
	}
	if cfg.SyncMaxConcurrent != 4 {
		t.Fatalf("unexpected max concurrent: %d", cfg.SyncMaxConcurrent)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].ID != "acme" {
		t.Fatalf("unexpected tenants: %+v", cfg.Tenants)
	}
	if cfg.Tenants[0].Interval != 300*time.Second {
		t.Fatalf("expected default interval, got %s", cfg.Tenants[0].Interval)
	}
}

func TestLoadRequiresUpstreamBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("sync.tenants", "acme")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestLoadRequiresTenants(t *testing.T) {
	configViper := NewViper()
	configViper.Set("upstream.base_url", "https://feed.example.com")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing tenants")
	}
}

func TestParseTenantsWithPerTenantIntervals(t *testing.T) {
	tenants, err := parseTenants("acme, globex=60, initech", 300*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tenants) != 3 {
		t.Fatalf("expected 3 tenants, got %d", len(tenants))
	}
	if tenants[0].ID != "acme" || tenants[0].Interval != 300*time.Second {
		t.Fatalf("unexpected tenant: %+v", tenants[0])
	}
	if tenants[1].ID != "globex" || tenants[1].Interval != 60*time.Second {
		t.Fatalf("unexpected tenant: %+v", tenants[1])
	}
	if tenants[2].ID != "initech" || tenants[2].Interval != 300*time.Second {
		t.Fatalf("unexpected tenant: %+v", tenants[2])
	}
}

func TestParseTenantsRejectsBadInterval(t *testing.T) {
	cases := []string{"acme=abc", "acme=0", "acme=-5", "=60"}
	for _, raw := range cases {
		if _, err := parseTenants(raw, 300*time.Second); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseTenantsIgnoresEmptyTerms(t *testing.T) {
	tenants, err := parseTenants("acme,, globex ,", 300*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tenants) != 2 || tenants[0].ID != "acme" || tenants[1].ID != "globex" {
		t.Fatalf("unexpected tenants: %+v", tenants)
	}
}
