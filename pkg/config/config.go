// Package config loads capsule settings from viper into typed structs.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Default values applied when a key is unset
const (
	DefaultMaxFileSize      = 256 * 1024
	DefaultEpsilon          = 0.05
	DefaultRunnerUps        = 4
	DefaultBudget           = 16384
	DefaultUnit             = "bytes"
	DefaultEncoding         = "cl100k_base"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbeAttempts    = 3
	DefaultStopGrace        = 2 * time.Second
)

// Config is the full capsule configuration
type Config struct {
	Roots      []string         `mapstructure:"roots"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"`
	Loader     LoaderConfig     `mapstructure:"loader"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Disclosure DisclosureConfig `mapstructure:"disclosure"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// LoaderConfig holds manifest loader limits
type LoaderConfig struct {
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// RegistryConfig holds allowlist glob patterns. Empty means everything.
type RegistryConfig struct {
	AllowedAgents []string `mapstructure:"allowed_agents"`
	AllowedSkills []string `mapstructure:"allowed_skills"`
}

// DispatchConfig tunes free-text resolution
type DispatchConfig struct {
	Epsilon   float64 `mapstructure:"epsilon"`
	MinScore  float64 `mapstructure:"min_score"`
	RunnerUps int     `mapstructure:"runner_ups"`
}

// DisclosureConfig sets the reference budget
type DisclosureConfig struct {
	Budget   int    `mapstructure:"budget"`
	Unit     string `mapstructure:"unit"`
	Encoding string `mapstructure:"encoding"`
}

// MCPConfig holds session manager timeouts
type MCPConfig struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeAttempts    uint          `mapstructure:"probe_attempts"`
	StopGrace        time.Duration `mapstructure:"stop_grace"`
}

// TracingConfig mirrors the tracing.* keys
type TracingConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Sampler string  `mapstructure:"sampler"`
	Ratio   float64 `mapstructure:"ratio"`
}

// Load reads the global viper instance
func Load() (Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom unmarshals v and fills in defaults for unset values
func LoadFrom(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to unmarshal configuration")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Roots) == 0 {
		c.Roots = []string{"."}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "fmt"
	}
	if c.Loader.MaxFileSize == 0 {
		c.Loader.MaxFileSize = DefaultMaxFileSize
	}
	if c.Dispatch.Epsilon == 0 {
		c.Dispatch.Epsilon = DefaultEpsilon
	}
	if c.Dispatch.RunnerUps == 0 {
		c.Dispatch.RunnerUps = DefaultRunnerUps
	}
	if c.Disclosure.Budget == 0 {
		c.Disclosure.Budget = DefaultBudget
	}
	if c.Disclosure.Unit == "" {
		c.Disclosure.Unit = DefaultUnit
	}
	if c.Disclosure.Encoding == "" {
		c.Disclosure.Encoding = DefaultEncoding
	}
	if c.MCP.HandshakeTimeout == 0 {
		c.MCP.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MCP.ProbeTimeout == 0 {
		c.MCP.ProbeTimeout = DefaultProbeTimeout
	}
	if c.MCP.ProbeAttempts == 0 {
		c.MCP.ProbeAttempts = DefaultProbeAttempts
	}
	if c.MCP.StopGrace == 0 {
		c.MCP.StopGrace = DefaultStopGrace
	}
	if c.Tracing.Sampler == "" {
		c.Tracing.Sampler = "ratio"
	}
}

// Validate rejects values no component can work with
func (c Config) Validate() error {
	if c.Loader.MaxFileSize < 0 {
		return errors.Errorf("loader.max_file_size must be positive, got %d", c.Loader.MaxFileSize)
	}
	if c.Dispatch.Epsilon < 0 {
		return errors.Errorf("dispatch.epsilon must not be negative, got %v", c.Dispatch.Epsilon)
	}
	if c.Dispatch.RunnerUps < 0 || c.Dispatch.RunnerUps > DefaultRunnerUps {
		return errors.Errorf("dispatch.runner_ups must be between 0 and %d, got %d", DefaultRunnerUps, c.Dispatch.RunnerUps)
	}
	if c.Disclosure.Budget < 0 {
		return errors.Errorf("disclosure.budget must not be negative, got %d", c.Disclosure.Budget)
	}
	switch c.Disclosure.Unit {
	case "bytes", "tokens":
	default:
		return errors.Errorf("disclosure.unit must be bytes or tokens, got %q", c.Disclosure.Unit)
	}
	return nil
}
