package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox" toml:"sandbox"`
	Logging   LogConfig       `yaml:"logging" toml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port              string   `envconfig:"PORT" default:"8000" yaml:"port" toml:"port"`
	Host              string   `envconfig:"HOST" default:"0.0.0.0" yaml:"host" toml:"host"`
	MaxConnections    int      `envconfig:"MAX_CONNECTIONS" default:"512" yaml:"max_connections" toml:"max_connections"`
	ShutdownTimeoutMS int      `envconfig:"SHUTDOWN_TIMEOUT_MS" default:"10000" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`
	AllowedOrigins    []string `envconfig:"CORS_ORIGINS" default:"*" yaml:"allowed_origins" toml:"allowed_origins"`
}

// SandboxConfig holds execution limits and boundary settings.
type SandboxConfig struct {
	TimeoutMS        int    `envconfig:"SANDBOX_TIMEOUT_MS" default:"5000" yaml:"timeout_ms" toml:"timeout_ms"`
	MemoryLimitBytes uint64 `envconfig:"SANDBOX_MEMORY_LIMIT_BYTES" default:"52428800" yaml:"memory_limit_bytes" toml:"memory_limit_bytes"`
	MaxFunctionCalls uint64 `envconfig:"SANDBOX_MAX_FUNCTION_CALLS" default:"1000" yaml:"max_function_calls" toml:"max_function_calls"`
	HistoryCapacity  int    `envconfig:"SANDBOX_HISTORY_CAPACITY" default:"10" yaml:"history_capacity" toml:"history_capacity"`
	SetupTimeoutMS   int    `envconfig:"SANDBOX_SETUP_TIMEOUT_MS" default:"2000" yaml:"setup_timeout_ms" toml:"setup_timeout_ms"`
	GracePeriodMS    int    `envconfig:"SANDBOX_GRACE_PERIOD_MS" default:"250" yaml:"grace_period_ms" toml:"grace_period_ms"`
	SampleIntervalMS int    `envconfig:"SANDBOX_SAMPLE_INTERVAL_MS" default:"100" yaml:"sample_interval_ms" toml:"sample_interval_ms"`
	Isolation        string `envconfig:"SANDBOX_ISOLATION" default:"process" yaml:"isolation" toml:"isolation"`
	PoolSize         int    `envconfig:"SANDBOX_POOL_SIZE" default:"4" yaml:"pool_size" toml:"pool_size"`
	RenderFrames     int    `envconfig:"SANDBOX_RENDER_FRAMES" default:"1" yaml:"render_frames" toml:"render_frames"`
	MaxCodeBytes     int    `envconfig:"SANDBOX_MAX_CODE_BYTES" default:"262144" yaml:"max_code_bytes" toml:"max_code_bytes"`
	MaxCallStack     int    `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024" yaml:"max_call_stack" toml:"max_call_stack"`

	// Upper bounds for limits a request may ask for.
	MaxTimeoutMS          int    `envconfig:"SANDBOX_MAX_TIMEOUT_MS" default:"60000" yaml:"max_timeout_ms" toml:"max_timeout_ms"`
	MaxMemoryLimitBytes   uint64 `envconfig:"SANDBOX_MAX_MEMORY_LIMIT_BYTES" default:"536870912" yaml:"max_memory_limit_bytes" toml:"max_memory_limit_bytes"`
	MaxFunctionCallsLimit uint64 `envconfig:"SANDBOX_MAX_FUNCTION_CALLS_LIMIT" default:"1000000000" yaml:"max_function_calls_limit" toml:"max_function_calls_limit"`
}

// Timeout returns the execution timeout.
func (s SandboxConfig) Timeout() time.Duration { return ms(s.TimeoutMS) }

// MaxTimeout returns the largest timeout a request may ask for.
func (s SandboxConfig) MaxTimeout() time.Duration { return ms(s.MaxTimeoutMS) }

// SetupTimeout returns how long provisioning may take.
func (s SandboxConfig) SetupTimeout() time.Duration { return ms(s.SetupTimeoutMS) }

// GracePeriod returns how long a terminate may take before the boundary is
// destroyed.
func (s SandboxConfig) GracePeriod() time.Duration { return ms(s.GracePeriodMS) }

// SampleInterval returns the memory sampling interval.
func (s SandboxConfig) SampleInterval() time.Duration { return ms(s.SampleIntervalMS) }

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40" yaml:"burst" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`
}

// ClientConfig configures the remote client used by "sketchbox run --remote".
type ClientConfig struct {
	BaseURL   string `envconfig:"SKETCHBOX_URL" default:"http://localhost:8000" yaml:"base_url" toml:"base_url"`
	TimeoutMS int    `envconfig:"SKETCHBOX_CLIENT_TIMEOUT_MS" default:"30000" yaml:"timeout_ms" toml:"timeout_ms"`
	RetryMax  int    `envconfig:"SKETCHBOX_CLIENT_RETRIES" default:"3" yaml:"retry_max" toml:"retry_max"`
}

// Timeout returns the per-request timeout.
func (c ClientConfig) Timeout() time.Duration { return ms(c.TimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML or TOML file over the defaults. The format is
// picked by extension. Environment variables are not consulted.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8000",
			Host:              "0.0.0.0",
			MaxConnections:    512,
			ShutdownTimeoutMS: 10000,
			AllowedOrigins:    []string{"*"},
		},
		Sandbox: SandboxConfig{
			TimeoutMS:        5000,
			MemoryLimitBytes: 50 * 1024 * 1024,
			MaxFunctionCalls: 1000,
			HistoryCapacity:  10,
			SetupTimeoutMS:   2000,
			GracePeriodMS:    250,
			SampleIntervalMS: 100,
			Isolation:        "process",
			PoolSize:         4,
			RenderFrames:     1,
			MaxCodeBytes:     256 * 1024,
			MaxCallStack:     1024,

			MaxTimeoutMS:          60000,
			MaxMemoryLimitBytes:   512 * 1024 * 1024,
			MaxFunctionCallsLimit: 1_000_000_000,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
		Client: ClientConfig{
			BaseURL:   "http://localhost:8000",
			TimeoutMS: 30000,
			RetryMax:  3,
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Sandbox
	check(s.TimeoutMS > 0, "sandbox.timeout_ms must be positive, got %d", s.TimeoutMS)
	check(s.MemoryLimitBytes > 0, "sandbox.memory_limit_bytes must be positive")
	check(s.MaxFunctionCalls > 0, "sandbox.max_function_calls must be positive")
	check(s.HistoryCapacity > 0, "sandbox.history_capacity must be positive, got %d", s.HistoryCapacity)
	check(s.SetupTimeoutMS > 0, "sandbox.setup_timeout_ms must be positive, got %d", s.SetupTimeoutMS)
	check(s.GracePeriodMS >= 0, "sandbox.grace_period_ms must not be negative, got %d", s.GracePeriodMS)
	check(s.SampleIntervalMS > 0, "sandbox.sample_interval_ms must be positive, got %d", s.SampleIntervalMS)
	check(s.Isolation == "worker" || s.Isolation == "process",
		"sandbox.isolation must be worker or process, got %q", s.Isolation)
	check(s.PoolSize > 0, "sandbox.pool_size must be positive, got %d", s.PoolSize)
	// Worker runtimes share the process heap, so concurrent executions would
	// see each other's allocations.
	check(s.Isolation != "worker" || s.PoolSize == 1,
		"sandbox.pool_size must be 1 with worker isolation, got %d", s.PoolSize)
	check(s.MaxTimeoutMS >= s.TimeoutMS,
		"sandbox.max_timeout_ms (%d) must not be below timeout_ms (%d)", s.MaxTimeoutMS, s.TimeoutMS)
	check(s.MaxMemoryLimitBytes >= s.MemoryLimitBytes,
		"sandbox.max_memory_limit_bytes must not be below memory_limit_bytes")
	check(s.MaxFunctionCallsLimit >= s.MaxFunctionCalls,
		"sandbox.max_function_calls_limit must not be below max_function_calls")
	check(s.RenderFrames >= 0, "sandbox.render_frames must not be negative, got %d", s.RenderFrames)
	check(s.MaxCodeBytes > 0, "sandbox.max_code_bytes must be positive, got %d", s.MaxCodeBytes)
	check(s.MaxCallStack >= 0, "sandbox.max_call_stack must not be negative, got %d", s.MaxCallStack)

	check(c.Server.MaxConnections >= 0, "server.max_connections must not be negative")
	if c.RateLimit.Enabled {
		check(c.RateLimit.RequestsPerSecond > 0, "rate_limit.requests_per_second must be positive")
		check(c.RateLimit.Burst > 0, "rate_limit.burst must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
