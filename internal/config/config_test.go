package config

import (
	"testing"
	"time"
)

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	configViper := NewViper()
	if _, err := LoadServer(configViper); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}

	configViper.Set("auth.signing_secret", "secret")
	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected default ttl %s", cfg.TokenTTL)
	}
	if cfg.RevocationBackend != RevocationBackendSQLite {
		t.Fatalf("unexpected default revocation backend %q", cfg.RevocationBackend)
	}
}

func TestLoadServerRedisBackendNeedsAddress(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("revocation.backend", "redis")
	if _, err := LoadServer(configViper); err == nil {
		t.Fatalf("expected error for missing redis address")
	}
	configViper.Set("revocation.redis_address", "localhost:6379")
	if _, err := LoadServer(configViper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadServerAdminPairing(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.admin_username", "admin1")
	if _, err := LoadServer(configViper); err == nil {
		t.Fatalf("expected error when admin password is missing")
	}
}

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Fatalf("unexpected sync interval %s", cfg.SyncInterval)
	}
	if cfg.RefreshWindow != 2*time.Minute {
		t.Fatalf("unexpected refresh window %s", cfg.RefreshWindow)
	}
	if cfg.RemoteBaseURL != "http://localhost:5000" {
		t.Fatalf("unexpected base url %q", cfg.RemoteBaseURL)
	}
}

func TestLoadAgentTrimsBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "https://registry.example.com/")
	cfg, err := LoadAgent(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RemoteBaseURL != "https://registry.example.com" {
		t.Fatalf("unexpected base url %q", cfg.RemoteBaseURL)
	}
}
