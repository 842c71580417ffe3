package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen != "127.0.0.1:8080" {
		t.Errorf("unexpected listen default: %s", cfg.Listen)
	}
	if got := cfg.OAuth.RefreshTokenLifetime.Std(); got != 7*24*time.Hour {
		t.Errorf("unexpected refresh lifetime default: %s", got)
	}
	if got := cfg.Sweeper.DeactivationLead.Std(); got != 24*time.Hour {
		t.Errorf("unexpected deactivation lead default: %s", got)
	}
	if cfg.Drive.PageSize != 100 {
		t.Errorf("unexpected page size default: %d", cfg.Drive.PageSize)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivehub.yaml")
	content := `
listen: ":9090"
db_path: /var/lib/drivehub/hub.db
oauth:
  client_id: yaml-client
  refresh_token_lifetime: 48h
sweeper:
  interval: 30m
  deactivation_lead: 12h
cache:
  account_list_ttl: 5m
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("listen not overridden: %s", cfg.Listen)
	}
	if cfg.OAuth.ClientID != "yaml-client" {
		t.Errorf("client id not overridden: %s", cfg.OAuth.ClientID)
	}
	if got := cfg.OAuth.RefreshTokenLifetime.Std(); got != 48*time.Hour {
		t.Errorf("refresh lifetime not parsed: %s", got)
	}
	if got := cfg.Sweeper.DeactivationLead.Std(); got != 12*time.Hour {
		t.Errorf("deactivation lead not parsed: %s", got)
	}
	if got := cfg.Cache.AccountListTTL.Std(); got != 5*time.Minute {
		t.Errorf("account list ttl not parsed: %s", got)
	}
	// Untouched keys keep their defaults.
	if cfg.Drive.BaseURL != "https://www.googleapis.com/drive/v3" {
		t.Errorf("drive base url should stay default: %s", cfg.Drive.BaseURL)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivehub.yaml")
	if err := os.WriteFile(path, []byte("sweeper:\n  interval: eventually\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for invalid duration")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivehub.yaml")
	if err := os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DRIVEHUB_LISTEN", ":7070")
	t.Setenv("GOOGLE_CLIENT_ID", "env-client")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("env should beat file: %s", cfg.Listen)
	}
	if cfg.OAuth.ClientID != "env-client" {
		t.Errorf("env client id not applied: %s", cfg.OAuth.ClientID)
	}
}

func TestLoad_MissingFileIsOptional(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if cfg.Listen != Default().Listen {
		t.Errorf("expected defaults, got listen=%s", cfg.Listen)
	}
}
