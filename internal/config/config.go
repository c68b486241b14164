// ABOUTME: Configuration loading and parsing for the rubber-duck service
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when a field is left empty.
const (
	DefaultMaxRetries         = 5
	DefaultInitialDelay       = 2 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultDuckTimeout        = 10 * time.Minute
	DefaultMaxHandoffsPerTurn = 5
	DefaultFeedbackTimeout    = 7 * 24 * time.Hour
	DefaultRequestTimeout     = 2 * time.Minute
)

// Config represents the complete rubber-duck configuration
type Config struct {
	Database DatabaseConfig   `yaml:"database" toml:"database"`
	Matrix   MatrixConfig     `yaml:"matrix" toml:"matrix"`
	AI       AIConfig         `yaml:"ai" toml:"ai"`
	Retry    RetryConfig      `yaml:"retry" toml:"retry"`
	Agents   []AgentConfig    `yaml:"agents" toml:"agents"`
	Ducks    []DuckConfig     `yaml:"ducks" toml:"ducks"`
	Feedback []FeedbackConfig `yaml:"feedback" toml:"feedback"`
	Admin    AdminConfig      `yaml:"admin" toml:"admin"`
	Logging  LoggingConfig    `yaml:"logging" toml:"logging"`
	Server   ServerConfig     `yaml:"server" toml:"server"`
}

// DatabaseConfig holds storage locations
type DatabaseConfig struct {
	// Path is the SQLite file used for message, usage and feedback records
	Path string `yaml:"path" toml:"path"`
	// StatePath is the bbolt file holding routing state and feedback queues
	StatePath string `yaml:"state_path" toml:"state_path"`
}

// MatrixConfig holds Matrix connection settings
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RecoveryKey string `yaml:"recovery_key" toml:"recovery_key"` // enables E2EE when set
	DataDir     string `yaml:"data_dir" toml:"data_dir"`
}

// AIConfig holds completion backend settings
type AIConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	APIKey         string        `yaml:"api_key" toml:"api_key"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// RetryConfig holds the backoff policy for backend calls
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	InitialDelay      time.Duration `yaml:"-" toml:"-"`

	InitialDelayRaw string `yaml:"initial_delay" toml:"initial_delay"`
}

// AgentConfig describes one named agent
type AgentConfig struct {
	Name         string   `yaml:"name" toml:"name"`
	Instructions string   `yaml:"instructions" toml:"instructions"`
	Model        string   `yaml:"model" toml:"model"`
	Tools        []string `yaml:"tools" toml:"tools"`
	Handoffs     []string `yaml:"handoffs" toml:"handoffs"`
}

// DuckConfig binds a channel to a set of agents
type DuckConfig struct {
	Name               string        `yaml:"name" toml:"name"`
	ChannelID          string        `yaml:"channel_id" toml:"channel_id"`
	GuildID            string        `yaml:"guild_id" toml:"guild_id"`
	Agents             []string      `yaml:"agents" toml:"agents"`
	StartingAgent      string        `yaml:"starting_agent" toml:"starting_agent"`
	MaxHandoffsPerTurn int           `yaml:"max_handoffs_per_turn" toml:"max_handoffs_per_turn"`
	Introduction       string        `yaml:"introduction" toml:"introduction"`
	Timeout            time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// FeedbackConfig routes closed conversations of one duck channel to a review channel
type FeedbackConfig struct {
	ChannelID       string        `yaml:"channel_id" toml:"channel_id"`
	ReviewChannelID string        `yaml:"review_channel_id" toml:"review_channel_id"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AdminConfig holds the operator report channel
type AdminConfig struct {
	ChannelID string `yaml:"channel_id" toml:"channel_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ServerConfig holds observability listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = DefaultInitialDelay
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.AI.RequestTimeout == 0 {
		c.AI.RequestTimeout = DefaultRequestTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Ducks {
		d := &c.Ducks[i]
		if d.Timeout == 0 {
			d.Timeout = DefaultDuckTimeout
		}
		if d.MaxHandoffsPerTurn == 0 {
			d.MaxHandoffsPerTurn = DefaultMaxHandoffsPerTurn
		}
		if d.StartingAgent == "" && len(d.Agents) > 0 {
			d.StartingAgent = d.Agents[0]
		}
	}

	for i := range c.Feedback {
		if c.Feedback[i].Timeout == 0 {
			c.Feedback[i].Timeout = DefaultFeedbackTimeout
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.StatePath == "" {
		return fmt.Errorf("database.state_path is required")
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	agents := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if agents[a.Name] {
			return fmt.Errorf("agent %q is defined twice", a.Name)
		}
		agents[a.Name] = true
	}
	for _, a := range c.Agents {
		for _, target := range a.Handoffs {
			if !agents[target] {
				return fmt.Errorf("agent %q hands off to unknown agent %q", a.Name, target)
			}
		}
	}

	if len(c.Ducks) == 0 {
		return fmt.Errorf("at least one duck is required")
	}
	channels := make(map[string]bool, len(c.Ducks))
	for i, d := range c.Ducks {
		if d.Name == "" {
			return fmt.Errorf("ducks[%d].name is required", i)
		}
		if d.ChannelID == "" {
			return fmt.Errorf("duck %q: channel_id is required", d.Name)
		}
		if channels[d.ChannelID] {
			return fmt.Errorf("duck %q: channel %q is already bound", d.Name, d.ChannelID)
		}
		channels[d.ChannelID] = true
		if len(d.Agents) == 0 {
			return fmt.Errorf("duck %q: at least one agent is required", d.Name)
		}
		member := false
		for _, name := range d.Agents {
			if !agents[name] {
				return fmt.Errorf("duck %q: unknown agent %q", d.Name, name)
			}
			if name == d.StartingAgent {
				member = true
			}
		}
		if !member {
			return fmt.Errorf("duck %q: starting_agent %q is not one of its agents", d.Name, d.StartingAgent)
		}
		if d.MaxHandoffsPerTurn < 0 {
			return fmt.Errorf("duck %q: max_handoffs_per_turn must not be negative", d.Name)
		}
	}

	for i, f := range c.Feedback {
		if !channels[f.ChannelID] {
			return fmt.Errorf("feedback[%d]: channel %q is not a duck channel", i, f.ChannelID)
		}
		if f.ReviewChannelID == "" {
			return fmt.Errorf("feedback[%d].review_channel_id is required", i)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// Duck returns the duck bound to channelID, if any.
func (c *Config) Duck(channelID string) (DuckConfig, bool) {
	for _, d := range c.Ducks {
		if d.ChannelID == channelID {
			return d, true
		}
	}
	return DuckConfig{}, false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.AI.RequestTimeout, err = parseDuration("ai.request_timeout", cfg.AI.RequestTimeoutRaw); err != nil {
		return err
	}
	if cfg.Retry.InitialDelay, err = parseDuration("retry.initial_delay", cfg.Retry.InitialDelayRaw); err != nil {
		return err
	}
	for i := range cfg.Ducks {
		if cfg.Ducks[i].Timeout, err = parseDuration("ducks.timeout", cfg.Ducks[i].TimeoutRaw); err != nil {
			return err
		}
	}
	for i := range cfg.Feedback {
		if cfg.Feedback[i].Timeout, err = parseDuration("feedback.timeout", cfg.Feedback[i].TimeoutRaw); err != nil {
			return err
		}
	}

	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}
