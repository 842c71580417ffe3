// Package config loads service configuration from an optional YAML file with
// environment variable overrides. The resolved Config is passed explicitly to
// every component; nothing reads configuration from globals after startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "5m" or "24h" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	OAuth   OAuthConfig   `yaml:"oauth"`
	Drive   DriveConfig   `yaml:"drive"`
	Cache   CacheConfig   `yaml:"cache"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Session SessionConfig `yaml:"session"`
}

// OAuthConfig holds the provider application credentials.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// AuthURL/TokenURL override the provider endpoints. Empty means the
	// provider's public endpoints.
	AuthURL  string `yaml:"auth_url"`
	TokenURL string `yaml:"token_url"`
	// RefreshTokenLifetime recomputes refresh_expiry on every successful
	// refresh. Google testing-mode refresh tokens live 7 days.
	RefreshTokenLifetime Duration `yaml:"refresh_token_lifetime"`
}

// DriveConfig controls the remote provider client.
type DriveConfig struct {
	BaseURL        string   `yaml:"base_url"`
	UserInfoURL    string   `yaml:"user_info_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PageSize       int      `yaml:"page_size"`
}

// CacheConfig sizes the derived-data caches. All of them are safe to drop at
// any time; TTLs only bound the staleness window.
type CacheConfig struct {
	AccountListTTL  Duration `yaml:"account_list_ttl"`
	AccountListSize int      `yaml:"account_list_size"`
	AuthURLTTL      Duration `yaml:"auth_url_ttl"`
}

// SweeperConfig controls the refresh-expiry sweeper.
type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
	// DeactivationLead disables accounts whose refresh token expires within
	// this window, so an account never reaches the aggregator with a dead
	// refresh credential.
	DeactivationLead Duration `yaml:"deactivation_lead"`
}

// SessionConfig configures the session verifier collaborator.
type SessionConfig struct {
	// VerifierURL is the identity service endpoint. When empty, the static
	// verifier is used with DevPrincipal (local development only).
	VerifierURL  string `yaml:"verifier_url"`
	DevPrincipal string `yaml:"dev_principal"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:    "127.0.0.1:8080",
		DBPath:    "drivehub.db",
		LogLevel:  "info",
		LogFormat: "text",
		OAuth: OAuthConfig{
			RefreshTokenLifetime: Duration(7 * 24 * time.Hour),
		},
		Drive: DriveConfig{
			BaseURL:        "https://www.googleapis.com/drive/v3",
			UserInfoURL:    "https://www.googleapis.com/oauth2/v2/userinfo",
			RequestTimeout: Duration(15 * time.Second),
			PageSize:       100,
		},
		Cache: CacheConfig{
			AccountListTTL:  Duration(30 * time.Minute),
			AccountListSize: 1024,
			AuthURLTTL:      Duration(10 * time.Minute),
		},
		Sweeper: SweeperConfig{
			Interval:         Duration(time.Hour),
			DeactivationLead: Duration(24 * time.Hour),
		},
		Session: SessionConfig{
			DevPrincipal: "dev@localhost",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing) and
// then applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file, fall through to env overrides.
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Listen, "DRIVEHUB_LISTEN")
	setString(&c.DBPath, "DRIVEHUB_DB_PATH")
	setString(&c.LogLevel, "DRIVEHUB_LOG_LEVEL")
	setString(&c.LogFormat, "DRIVEHUB_LOG_FORMAT")
	setString(&c.OAuth.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.OAuth.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Drive.BaseURL, "DRIVEHUB_DRIVE_BASE_URL")
	setString(&c.Session.VerifierURL, "DRIVEHUB_VERIFIER_URL")
	setString(&c.Session.DevPrincipal, "DRIVEHUB_DEV_PRINCIPAL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
