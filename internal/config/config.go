// Package config loads the relay's configuration: YAML under the leash home
// directory, environment overrides on top, defaults and normalization last.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/leash/internal/otel"
)

// TelegramConfig configures the operator approval channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ApprovalConfig tunes the intent-approval flow.
type ApprovalConfig struct {
	// TTLSeconds bounds how long a pending approval waits for the operator.
	TTLSeconds int `yaml:"ttl_seconds"`
	// TokenTTLSeconds bounds approval token lifetime; values above 300 are
	// clamped at issuance.
	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
	// AdminIDs lists chat ids that bypass approval (not secret filtering).
	AdminIDs []int64 `yaml:"admin_ids"`
}

// SessionConfig tunes session token issuance.
type SessionConfig struct {
	Scope                string `yaml:"scope"`
	ExchangeSecret       string `yaml:"exchange_secret"`
	TTLMinutes           int    `yaml:"ttl_minutes"`
	GraceMinutes         int    `yaml:"grace_minutes"`
	RefreshWindowMinutes int    `yaml:"refresh_window_minutes"`
	AuthEnabled          bool   `yaml:"auth_enabled"`
}

// TOTPConfig locates the identity-gate daemon.
type TOTPConfig struct {
	SocketPath      string `yaml:"socket_path"`
	Issuer          string `yaml:"issuer"`
	SessionTTLHours int    `yaml:"session_ttl_hours"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// RateLimitConfig tunes the gateway token-bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// Issuer and Audience name this relay and its sidecar fleet in
	// approval token claims.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	Approval  ApprovalConfig  `yaml:"approval"`
	Session   SessionConfig   `yaml:"session"`
	TOTP      TOTPConfig      `yaml:"totp"`
	Channels  ChannelsConfig  `yaml:"channels"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Otel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Issuer:   "leash-relay",
		Audience: "leash-sidecars",
		Approval: ApprovalConfig{
			TTLSeconds:      int((5 * time.Minute).Seconds()),
			TokenTTLSeconds: 300,
		},
		Session: SessionConfig{
			Scope:                "agent",
			TTLMinutes:           60,
			GraceMinutes:         5,
			RefreshWindowMinutes: 10,
			AuthEnabled:          true,
		},
		TOTP: TOTPConfig{
			Issuer:          "leash",
			SessionTTLHours: 24,
			TimeoutSeconds:  3,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
	}
}

// HomeDir resolves the leash home directory, honoring LEASH_HOME.
func HomeDir() string {
	if override := os.Getenv("LEASH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".leash")
}

// Load reads config.yaml, applies env overrides, and normalizes.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create leash home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LEASH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LEASH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LEASH_EXCHANGE_SECRET"); raw != "" {
		cfg.Session.ExchangeSecret = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("LEASH_APPROVAL_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approval.TTLSeconds = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "leash-relay"
	}
	if cfg.Audience == "" {
		cfg.Audience = "leash-sidecars"
	}
	if cfg.Approval.TTLSeconds <= 0 {
		cfg.Approval.TTLSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Approval.TokenTTLSeconds <= 0 || cfg.Approval.TokenTTLSeconds > 300 {
		cfg.Approval.TokenTTLSeconds = 300
	}
	if cfg.Session.Scope == "" {
		cfg.Session.Scope = "agent"
	}
	if cfg.Session.TTLMinutes <= 0 {
		cfg.Session.TTLMinutes = 60
	}
	if cfg.Session.GraceMinutes <= 0 {
		cfg.Session.GraceMinutes = 5
	}
	if cfg.Session.RefreshWindowMinutes <= 0 {
		cfg.Session.RefreshWindowMinutes = 10
	}
	if cfg.TOTP.SocketPath == "" {
		cfg.TOTP.SocketPath = filepath.Join(cfg.HomeDir, "totpd.sock")
	}
	if cfg.TOTP.Issuer == "" {
		cfg.TOTP.Issuer = "leash"
	}
	if cfg.TOTP.SessionTTLHours <= 0 {
		cfg.TOTP.SessionTTLHours = 24
	}
	if cfg.TOTP.TimeoutSeconds <= 0 {
		cfg.TOTP.TimeoutSeconds = 3
	}
}

// Fingerprint returns a stable hash of the active config, exposed so an
// operator can tell which config a running relay loaded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|iss=%s|aud=%s|scope=%s|ttl=%d|rpm=%d",
		c.BindAddr, c.LogLevel, c.Issuer, c.Audience,
		c.Session.Scope, c.Approval.TTLSeconds, c.RateLimit.RequestsPerMinute)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
