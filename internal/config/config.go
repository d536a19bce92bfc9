// Package config loads and validates ~/.hearth/config.yaml.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hearth-agent/hearth/internal/shared"
)

// GatewayConfig controls the server side of the wire.
type GatewayConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// AuthToken is required on every upgrade handshake, via ?token= or
	// a bearer header.
	AuthToken string `yaml:"auth_token"`
	// MaxSessions caps live client connections. Beyond it new
	// connections are refused with close code 4429.
	MaxSessions int `yaml:"max_sessions"`
	// AllowOrigins controls which Origin headers are accepted for
	// browser connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	IdleSweepMinutes    int `yaml:"idle_sweep_minutes"`
	IdleThresholdMinutes int `yaml:"idle_threshold_minutes"`
}

// SessionsConfig controls session keying and history.
type SessionsConfig struct {
	// Unified merges a user's sessions across channels, keying by
	// user_id alone.
	Unified      bool `yaml:"unified"`
	HistoryLimit int  `yaml:"history_limit"`
}

// ApprovalsConfig controls the human-approval workflow.
type ApprovalsConfig struct {
	// Mode is one of ask_always, smart_auto, full_auto.
	Mode           string `yaml:"mode"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TelegramConfig configures the Telegram front-end.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups front-end channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ReconnectConfig tunes the client connection manager's backoff.
type ReconnectConfig struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	MaxAttempts    int `yaml:"max_attempts"`
}

// ClientConfig configures front-end processes connecting to the gateway.
type ClientConfig struct {
	ServerURL        string          `yaml:"server_url"`
	HeartbeatSeconds int             `yaml:"heartbeat_seconds"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the full process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Client    ClientConfig    `yaml:"client"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			BindAddr:             "127.0.0.1:18789",
			MaxSessions:          32,
			IdleSweepMinutes:     10,
			IdleThresholdMinutes: 60,
		},
		Sessions: SessionsConfig{
			HistoryLimit: 100,
		},
		Approvals: ApprovalsConfig{
			Mode:           "ask_always",
			TimeoutSeconds: 60,
		},
		Client: ClientConfig{
			ServerURL:        "ws://127.0.0.1:18789/ws",
			HeartbeatSeconds: 30,
			Reconnect: ReconnectConfig{
				InitialDelayMs: 1000,
				MaxDelayMs:     30000,
				MaxAttempts:    10,
			},
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			ServiceName: "hearth",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the hearth data directory, honoring HEARTH_HOME.
func HomeDir() string {
	if override := os.Getenv("HEARTH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hearth")
}

// ConfigPath returns the path of config.yaml under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the hearth home, applies env overrides,
// and validates the result. A missing file yields defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hearth home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateRaw(data); err != nil {
			return cfg, fmt.Errorf("config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18789"
	}
	if cfg.Gateway.MaxSessions <= 0 {
		cfg.Gateway.MaxSessions = 32
	}
	if cfg.Gateway.IdleSweepMinutes <= 0 {
		cfg.Gateway.IdleSweepMinutes = 10
	}
	if cfg.Gateway.IdleThresholdMinutes <= 0 {
		cfg.Gateway.IdleThresholdMinutes = 60
	}
	if cfg.Sessions.HistoryLimit <= 0 {
		cfg.Sessions.HistoryLimit = 100
	}
	if cfg.Approvals.Mode == "" {
		cfg.Approvals.Mode = "ask_always"
	}
	if cfg.Approvals.TimeoutSeconds <= 0 {
		cfg.Approvals.TimeoutSeconds = 60
	}
	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = "ws://" + cfg.Gateway.BindAddr + "/ws"
	}
	if cfg.Client.HeartbeatSeconds <= 0 {
		cfg.Client.HeartbeatSeconds = 30
	}
	if cfg.Client.Reconnect.InitialDelayMs <= 0 {
		cfg.Client.Reconnect.InitialDelayMs = 1000
	}
	if cfg.Client.Reconnect.MaxDelayMs < cfg.Client.Reconnect.InitialDelayMs {
		cfg.Client.Reconnect.MaxDelayMs = 30000
	}
	if cfg.Client.Reconnect.MaxAttempts <= 0 {
		cfg.Client.Reconnect.MaxAttempts = 10
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "hearth"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	switch cfg.Approvals.Mode {
	case "ask_always", "smart_auto", "full_auto":
	default:
		return fmt.Errorf("approvals.mode %q: must be ask_always, smart_auto, or full_auto", cfg.Approvals.Mode)
	}
	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.Token) == "" {
		return fmt.Errorf("channels.telegram.enabled requires channels.telegram.token")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HEARTH_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("HEARTH_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("HEARTH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HEARTH_MAX_SESSIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.MaxSessions = v
		}
	}
	if raw := os.Getenv("HEARTH_UNIFIED_SESSIONS"); raw != "" {
		cfg.Sessions.Unified = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("HEARTH_APPROVAL_MODE"); raw != "" {
		cfg.Approvals.Mode = raw
	}
	if raw := os.Getenv("HEARTH_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Approvals.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HEARTH_SERVER_URL"); raw != "" {
		cfg.Client.ServerURL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the settings that matter for a
// running gateway, used to detect effective changes on reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|max=%d|unified=%t|mode=%s|timeout=%d|origins=%v|log=%s",
		c.Gateway.BindAddr, c.Gateway.MaxSessions, c.Sessions.Unified,
		c.Approvals.Mode, c.Approvals.TimeoutSeconds, c.Gateway.AllowOrigins, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// IdleSweepInterval returns the registry sweep interval.
func (c Config) IdleSweepInterval() time.Duration {
	return time.Duration(c.Gateway.IdleSweepMinutes) * time.Minute
}

// IdleThreshold returns how long a session may sit idle before eviction
// from the live registry.
func (c Config) IdleThreshold() time.Duration {
	return time.Duration(c.Gateway.IdleThresholdMinutes) * time.Minute
}

// ApprovalTimeout returns the approval auto-deny timeout.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approvals.TimeoutSeconds) * time.Second
}

// loadRawConfig reads config.yaml into a generic map, returning an
// empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetValue updates a single dotted key (e.g. "approvals.mode") in
// config.yaml, preserving other settings. Used by the config.set
// command.
func SetValue(homeDir, key string, value any) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	parts := strings.Split(key, ".")
	node := raw
	for _, part := range parts[:len(parts)-1] {
		child, _ := node[part].(map[string]interface{})
		if child == nil {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return saveRawConfig(configPath, raw)
}

// RedactedView returns the on-disk config as a generic map with secret
// values masked. Used by the config.get command.
func RedactedView(homeDir string) (map[string]interface{}, error) {
	raw, err := loadRawConfig(ConfigPath(homeDir))
	if err != nil {
		return nil, err
	}
	redactNode(raw)
	return raw, nil
}

func redactNode(node map[string]interface{}) {
	for key, v := range node {
		switch val := v.(type) {
		case map[string]interface{}:
			redactNode(val)
		case string:
			node[key] = shared.RedactValue(key, val)
		}
	}
}
