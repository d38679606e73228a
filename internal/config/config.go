// ABOUTME: Configuration loading and parsing for toolbroker
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and load profiles

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KeySize is the required length of the decoded encryption key.
const KeySize = 32

// DefaultStateTokenTTL is how long an OAuth state token stays valid.
const DefaultStateTokenTTL = 10 * time.Minute

// State token backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the complete toolbroker configuration.
// It is built once at startup and passed by pointer into every component.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Database    DatabaseConfig            `yaml:"database"`
	Encryption  EncryptionConfig          `yaml:"encryption"`
	StateTokens StateTokenConfig          `yaml:"state_tokens"`
	Execution   ExecutionConfig           `yaml:"execution"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	ToolsFile   string                    `yaml:"tools_file"`
	Logging     LoggingConfig             `yaml:"logging"`
}

// MinAPISecretLength is the shortest accepted server.api_secret.
const MinAPISecretLength = 32

// ServerConfig holds the HTTP listen address and the externally visible base URL used for redirects.
// When APISecret is set, /api routes require an HS256 bearer token signed with it.
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr"`
	BaseURL   string `yaml:"base_url"`
	APISecret string `yaml:"api_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EncryptionConfig holds the process-wide credential encryption key
type EncryptionConfig struct {
	// Key is the base64 encoding of exactly KeySize bytes.
	Key string `yaml:"key"`
}

// StateTokenConfig configures the OAuth state token registry
type StateTokenConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	Redis         RedisConfig   `yaml:"redis"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// RedisConfig holds the Redis connection used by the redis state token backend
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ExecutionConfig bounds adapter invocations.
// Zero values are filled from the selected Profile.
type ExecutionConfig struct {
	Profile               string        `yaml:"profile"`
	Timeout               time.Duration `yaml:"-"`
	MaxConcurrent         int           `yaml:"max_concurrent"`
	MaxQueue              int           `yaml:"max_queue"`
	UserRequestsPerMinute int           `yaml:"user_requests_per_minute"`
	UserBurst             int           `yaml:"user_burst"`

	TimeoutRaw string `yaml:"timeout"`
}

// ProviderConfig holds OAuth2 client settings for a single tool.
// AuthURL, TokenURL and Scopes may be omitted for providers with built-in defaults.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	AuthStyle    string   `yaml:"auth_style"` // params, header
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Profile is a named set of execution defaults sized for an expected load.
type Profile struct {
	Timeout               time.Duration
	MaxConcurrent         int
	MaxQueue              int
	UserRequestsPerMinute int
	UserBurst             int
}

// Profiles are the predefined execution load profiles.
var Profiles = map[string]Profile{
	"small":      {Timeout: 30 * time.Second, MaxConcurrent: 10, MaxQueue: 50, UserRequestsPerMinute: 10, UserBurst: 5},
	"medium":     {Timeout: 30 * time.Second, MaxConcurrent: 50, MaxQueue: 200, UserRequestsPerMinute: 20, UserBurst: 10},
	"large":      {Timeout: 45 * time.Second, MaxConcurrent: 100, MaxQueue: 500, UserRequestsPerMinute: 30, UserBurst: 15},
	"enterprise": {Timeout: 60 * time.Second, MaxConcurrent: 200, MaxQueue: 1000, UserRequestsPerMinute: 50, UserBurst: 25},
}

// DefaultProfile is used when execution.profile is empty.
const DefaultProfile = "medium"

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Server.APISecret != "" && len(c.Server.APISecret) < MinAPISecretLength {
		return fmt.Errorf("server.api_secret must be at least %d bytes", MinAPISecretLength)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}

	switch c.StateTokens.Backend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.StateTokens.Redis.URL == "" {
			return fmt.Errorf("state_tokens.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("state_tokens.backend %q is not one of memory, sqlite, redis", c.StateTokens.Backend)
	}

	if c.StateTokens.TTL <= 0 {
		return fmt.Errorf("state_tokens.ttl must be positive")
	}

	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive")
	}
	if c.Execution.MaxConcurrent <= 0 {
		return fmt.Errorf("execution.max_concurrent must be positive")
	}

	for name, p := range c.Providers {
		if p.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		switch p.AuthStyle {
		case "", "params", "header":
		default:
			return fmt.Errorf("providers.%s.auth_style %q is not one of params, header", name, p.AuthStyle)
		}
	}

	return nil
}

// EncryptionKey decodes the configured key. Both standard and URL-safe base64 are accepted.
func (c *Config) EncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(c.Encryption.Key)
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("encryption.key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption.key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// CallbackURL returns the OAuth redirect URI for a tool.
func (c *Config) CallbackURL(tool string) string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/auth/callback/" + tool
}

// FormURL returns the credential form URL for a tool.
func (c *Config) FormURL(tool string) string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/auth/form/" + tool
}

// applyDefaults fills unset values. Execution values come from the selected profile.
func applyDefaults(cfg *Config) error {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "localhost:8080"
	}
	if cfg.StateTokens.Backend == "" {
		cfg.StateTokens.Backend = BackendSQLite
	}
	if cfg.StateTokens.TTL == 0 {
		cfg.StateTokens.TTL = DefaultStateTokenTTL
	}
	if cfg.StateTokens.SweepInterval == 0 {
		cfg.StateTokens.SweepInterval = time.Minute
	}

	if cfg.Execution.Profile == "" {
		cfg.Execution.Profile = DefaultProfile
	}
	profile, ok := Profiles[cfg.Execution.Profile]
	if !ok {
		return fmt.Errorf("unknown execution.profile %q", cfg.Execution.Profile)
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = profile.Timeout
	}
	if cfg.Execution.MaxConcurrent == 0 {
		cfg.Execution.MaxConcurrent = profile.MaxConcurrent
	}
	if cfg.Execution.MaxQueue == 0 {
		cfg.Execution.MaxQueue = profile.MaxQueue
	}
	if cfg.Execution.UserRequestsPerMinute == 0 {
		cfg.Execution.UserRequestsPerMinute = profile.UserRequestsPerMinute
	}
	if cfg.Execution.UserBurst == 0 {
		cfg.Execution.UserBurst = profile.UserBurst
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.StateTokens.TTLRaw != "" {
		cfg.StateTokens.TTL, err = time.ParseDuration(cfg.StateTokens.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing state_tokens.ttl %q: %w", cfg.StateTokens.TTLRaw, err)
		}
	}

	if cfg.StateTokens.SweepIntervalRaw != "" {
		cfg.StateTokens.SweepInterval, err = time.ParseDuration(cfg.StateTokens.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing state_tokens.sweep_interval %q: %w", cfg.StateTokens.SweepIntervalRaw, err)
		}
	}

	if cfg.Execution.TimeoutRaw != "" {
		cfg.Execution.Timeout, err = time.ParseDuration(cfg.Execution.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing execution.timeout %q: %w", cfg.Execution.TimeoutRaw, err)
		}
	}

	return nil
}
