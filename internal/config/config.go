// ABOUTME: Configuration loading and parsing for wagate
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// Engine drivers
const (
	DriverWhatsApp = "whatsapp"
	DriverMatrix   = "matrix"
)

// Config represents the complete wagate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Reply     ReplyConfig     `yaml:"reply"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Messages  MessagesConfig  `yaml:"messages"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener configuration for the control surface
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr"` // optional gRPC health endpoint
	CORSOrigins []string `yaml:"cors_origins"`

	ShutdownGrace    time.Duration `yaml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// AuthConfig holds the shared secret for the HTTP surface.
// An empty APIKey disables authentication.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// StoreConfig selects and configures the persistence backend
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	Dir         string `yaml:"dir"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// EngineConfig selects the messaging engine driver
type EngineConfig struct {
	Driver      string `yaml:"driver"`
	ProfilesDir string `yaml:"profiles_dir"`
}

// SessionsConfig holds orchestrator timing
type SessionsConfig struct {
	ConnectTimeout    time.Duration `yaml:"-"`
	ConnectTimeoutRaw string        `yaml:"connect_timeout"`
}

// ReplyConfig configures the reply-generation service
type ReplyConfig struct {
	URL                 string `yaml:"url"`
	APIKey              string `yaml:"api_key"`
	Fallback            string `yaml:"fallback"`
	RateLimitedFallback string `yaml:"rate_limited_fallback"`
	UnavailableFallback string `yaml:"unavailable_fallback"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DeliveryConfig configures outbound sends
type DeliveryConfig struct {
	MaxLen int `yaml:"max_len"`

	Backoff    time.Duration `yaml:"-"`
	BackoffRaw string        `yaml:"backoff"`
}

// MessagesConfig configures inbound processing
type MessagesConfig struct {
	CountryCode string `yaml:"country_code"`
	DedupeSize  int    `yaml:"dedupe_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides mirrors the environment variables a container deployment sets.
// Any variable present wins over the YAML value.
type envOverrides struct {
	Port         string `env:"PORT"`
	APIKey       string `env:"API_KEY"`
	SessionStore string `env:"SESSION_STORE"`
	LogLevel     string `env:"LOG_LEVEL"`
	CORSOrigins  string `env:"CORS_ORIGINS"`
	ReplyURL     string `env:"REPLY_URL"`
	ReplyAPIKey  string `env:"REPLY_API_KEY"`
	RedisAddr    string `env:"REDIS_ADDR"`
}

// DefaultPath resolves the configuration file location: WAGATE_CONFIG first,
// then $XDG_CONFIG_HOME/wagate/gateway.yaml, then ~/.config/wagate/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("WAGATE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "wagate", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "wagate", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known deployment variables (PORT, API_KEY, ...) are applied on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return err
	}

	if env.Port != "" {
		cfg.Server.HTTPAddr = "0.0.0.0:" + env.Port
	}
	if env.APIKey != "" {
		cfg.Auth.APIKey = env.APIKey
	}
	if env.SessionStore != "" {
		cfg.Store.Backend = strings.ToLower(env.SessionStore)
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(env.LogLevel)
	}
	if env.CORSOrigins != "" {
		cfg.Server.CORSOrigins = splitList(env.CORSOrigins)
	}
	if env.ReplyURL != "" {
		cfg.Reply.URL = env.ReplyURL
	}
	if env.ReplyAPIKey != "" {
		cfg.Reply.APIKey = env.ReplyAPIKey
	}
	if env.RedisAddr != "" {
		cfg.Store.RedisAddr = env.RedisAddr
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ApplyDefaults fills zero values with their defaults. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "0.0.0.0:8080"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}

	// "filesystem" is the name older deployments used
	if c.Store.Backend == "" {
		c.Store.Backend = BackendSQLite
	} else if c.Store.Backend == "filesystem" {
		c.Store.Backend = BackendFile
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = "data/wagate.db"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "sessions"
	}
	if c.Store.RedisAddr == "" {
		c.Store.RedisAddr = "localhost:6379"
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "wagate:"
	}

	if c.Engine.Driver == "" {
		c.Engine.Driver = DriverWhatsApp
	}
	if c.Engine.ProfilesDir == "" {
		c.Engine.ProfilesDir = "profiles"
	}

	if c.Sessions.ConnectTimeout == 0 {
		c.Sessions.ConnectTimeout = 60 * time.Second
	}

	if c.Reply.Timeout == 0 {
		c.Reply.Timeout = 30 * time.Second
	}
	if c.Reply.Fallback == "" {
		c.Reply.Fallback = "Sorry, I'm having technical difficulties. Please try again later."
	}
	if c.Reply.RateLimitedFallback == "" {
		c.Reply.RateLimitedFallback = "Sorry, we're receiving too many requests right now. Please try again in a few minutes."
	}
	if c.Reply.UnavailableFallback == "" {
		c.Reply.UnavailableFallback = "Sorry, the system is temporarily unavailable. Please contact us directly."
	}

	if c.Delivery.MaxLen == 0 {
		c.Delivery.MaxLen = 4000
	}
	if c.Delivery.Backoff == 0 {
		c.Delivery.Backoff = 400 * time.Millisecond
	}

	if c.Messages.CountryCode == "" {
		c.Messages.CountryCode = "55"
	}
	if c.Messages.DedupeTTL == 0 {
		c.Messages.DedupeTTL = 10 * time.Minute
	}
	if c.Messages.DedupeSize == 0 {
		c.Messages.DedupeSize = 100_000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Backend {
	case BackendSQLite, BackendRedis, BackendFile:
	default:
		return fmt.Errorf("store.backend %q is not supported (sqlite, redis, file)", c.Store.Backend)
	}

	switch c.Engine.Driver {
	case DriverWhatsApp, DriverMatrix:
	default:
		return fmt.Errorf("engine.driver %q is not supported (whatsapp, matrix)", c.Engine.Driver)
	}

	if c.Reply.URL == "" {
		return fmt.Errorf("reply.url is required")
	}

	if c.Delivery.MaxLen < 0 {
		return fmt.Errorf("delivery.max_len must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_grace", cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGrace},
		{"sessions.connect_timeout", cfg.Sessions.ConnectTimeoutRaw, &cfg.Sessions.ConnectTimeout},
		{"reply.timeout", cfg.Reply.TimeoutRaw, &cfg.Reply.Timeout},
		{"delivery.backoff", cfg.Delivery.BackoffRaw, &cfg.Delivery.Backoff},
		{"messages.dedupe_ttl", cfg.Messages.DedupeTTLRaw, &cfg.Messages.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
