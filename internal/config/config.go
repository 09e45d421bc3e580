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
)

// RateLimitConfig bounds REST requests per client address.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SessionRateLimitConfig bounds inbound protocol messages per connection.
type SessionRateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig controls cross-origin access to the REST boundary.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelemetryConfig selects the OpenTelemetry exporter.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RelayConfig mirrors the event stream into a Redis stream.
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Stream        string `yaml:"stream"`
	MaxLen        int64  `yaml:"max_len"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `yaml:"heartbeat_timeout_seconds"`
	WriteTimeoutSeconds      int `yaml:"write_timeout_seconds"`

	// ConnectionBuffer is the per-connection outbound queue length. A full
	// queue drops events for that connection only.
	ConnectionBuffer int `yaml:"connection_buffer"`
	ReplayLimit      int `yaml:"replay_limit"`

	// SnapshotSchedule is a cron expression for system.snapshot emission.
	// Empty disables it.
	SnapshotSchedule string `yaml:"snapshot_schedule"`

	// Bounded drain timeout (seconds) on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	RateLimit        RateLimitConfig        `yaml:"rate_limit"`
	SessionRateLimit SessionRateLimitConfig `yaml:"session_rate_limit"`
	CORS             CORSConfig             `yaml:"cors"`
	Telemetry        TelemetryConfig        `yaml:"telemetry"`
	Relay            RelayConfig            `yaml:"relay"`

	// NeedsGenesis is set when no config.yaml existed.
	NeedsGenesis bool `yaml:"-"`
}

// HeartbeatInterval returns the WebSocket ping period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|origins=%v|hb=%d|buf=%d|snap=%s|relay=%t",
		c.BindAddr, c.LogLevel, c.DBPath, c.AllowOrigins, c.HeartbeatIntervalSeconds,
		c.ConnectionBuffer, c.SnapshotSchedule, c.Relay.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:18790",
		LogLevel:                 "info",
		HeartbeatIntervalSeconds: 30,
		HeartbeatTimeoutSeconds:  10,
		WriteTimeoutSeconds:      5,
		ConnectionBuffer:         256,
		ReplayLimit:              1000,
		DrainTimeoutSeconds:      5,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		SessionRateLimit: SessionRateLimitConfig{
			MessagesPerSecond: 50,
			Burst:             100,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "fleetd",
			SampleRate:  1.0,
		},
		Relay: RelayConfig{
			RedisAddr: "127.0.0.1:6379",
			Stream:    "fleet:events",
			MaxLen:    100000,
		},
	}
}

// HomeDir returns $FLEET_HOME, or ~/.fleet.
func HomeDir() string {
	if override := os.Getenv("FLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleet")
}

// Load reads config.yaml from HomeDir, applies FLEET_* environment overrides
// and normalizes the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load for an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleet home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "fleet.db")
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = 10
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		cfg.WriteTimeoutSeconds = 5
	}
	if cfg.ConnectionBuffer <= 0 {
		cfg.ConnectionBuffer = 256
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = 1000
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.SessionRateLimit.MessagesPerSecond <= 0 {
		cfg.SessionRateLimit.MessagesPerSecond = 50
	}
	if cfg.SessionRateLimit.Burst <= 0 {
		cfg.SessionRateLimit.Burst = 100
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "fleetd"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.Relay.Stream == "" {
		cfg.Relay.Stream = "fleet:events"
	}
	if cfg.Relay.RedisAddr == "" {
		cfg.Relay.RedisAddr = "127.0.0.1:6379"
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	switch cfg.Telemetry.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q: want otlp-http, stdout or none", cfg.Telemetry.Exporter)
	}
	if cfg.HeartbeatTimeoutSeconds >= cfg.HeartbeatIntervalSeconds {
		return fmt.Errorf("heartbeat_timeout_seconds (%d) must be below heartbeat_interval_seconds (%d)",
			cfg.HeartbeatTimeoutSeconds, cfg.HeartbeatIntervalSeconds)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLEET_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLEET_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("FLEET_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = splitList(raw)
	}
	if raw := os.Getenv("FLEET_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("FLEET_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("FLEET_SNAPSHOT_SCHEDULE"); raw != "" {
		cfg.SnapshotSchedule = raw
	}
	if raw := os.Getenv("FLEET_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlp-http"
		cfg.Telemetry.Endpoint = raw
	}
	if raw := os.Getenv("FLEET_REDIS_ADDR"); raw != "" {
		cfg.Relay.Enabled = true
		cfg.Relay.RedisAddr = raw
	}
	if raw := os.Getenv("FLEET_REDIS_PASSWORD"); raw != "" {
		cfg.Relay.RedisPassword = raw
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
