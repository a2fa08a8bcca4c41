package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Fatalf("unexpected sync interval %s", cfg.SyncInterval)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Fatalf("unexpected request timeout %s", cfg.RequestTimeout)
	}
	if cfg.MaxRetries != defaultMaxRetries {
		t.Fatalf("unexpected max retries %d", cfg.MaxRetries)
	}
	if cfg.ProbeURL != defaultRemoteBaseURL+"/healthz" {
		t.Fatalf("expected probe url derived from remote base url, got %q", cfg.ProbeURL)
	}
	if err := cfg.ValidateAgent(); err != nil {
		t.Fatalf("expected default agent config to validate: %v", err)
	}
	if err := cfg.ValidateServer(); err == nil {
		t.Fatalf("expected server validation to require a signing secret")
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("CALLSYNC_REMOTE_BASE_URL", "https://crm.example.com/")
	t.Setenv("CALLSYNC_SYNC_INTERVAL_SECONDS", "60")
	t.Setenv("CALLSYNC_AUTH_SIGNING_SECRET", "env-secret")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.RemoteBaseURL != "https://crm.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.RemoteBaseURL)
	}
	if cfg.ProbeURL != "https://crm.example.com/healthz" {
		t.Fatalf("unexpected probe url %q", cfg.ProbeURL)
	}
	if cfg.SyncInterval != time.Minute {
		t.Fatalf("unexpected sync interval %s", cfg.SyncInterval)
	}
	if err := cfg.ValidateServer(); err != nil {
		t.Fatalf("expected server config to validate: %v", err)
	}
}

func TestLoadRejectsInvalidSyncSettings(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "zero-interval", key: "sync.interval_seconds", value: 0},
		{name: "zero-timeout", key: "sync.request_timeout_seconds", value: 0},
		{name: "max-below-base", key: "sync.backoff_max_seconds", value: 1},
		{name: "zero-retries", key: "sync.max_retries", value: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected load error for %s=%v", testCase.key, testCase.value)
			}
		})
	}
}

func TestValidateAgentRejectsInvalidRemote(t *testing.T) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "not a url")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if err := cfg.ValidateAgent(); err == nil {
		t.Fatalf("expected invalid remote base url to be rejected")
	}
}
