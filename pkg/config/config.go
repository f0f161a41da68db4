// Package config provides configuration structures and loading logic for convertd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override, e.g. CONVERTD_ENGINES_ROOT.
const EnvPrefix = "CONVERTD"

// Response modes understood by the HTTP layer.
const (
	ResponseModeText = "text"
	ResponseModeJSON = "json"
)

// Config holds the global configuration for the conversion service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engines   EnginesConfig   `yaml:"engines"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Admission AdmissionConfig `yaml:"admission"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"          split_words:"true"`
	ResponseMode    string        `yaml:"response_mode"    split_words:"true"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"   split_words:"true"`
}

// EnginesConfig describes where provisioned engine versions live and how
// they are invoked.
type EnginesConfig struct {
	// Root holds one directory per provisioned version.
	Root string `yaml:"root" split_words:"true"`
	// Interpreter is the interpreter path relative to a version directory.
	Interpreter string `yaml:"interpreter" split_words:"true"`
	// Worker is the default worker script; relative paths resolve against Root.
	// A worker of the same base name inside a version directory takes precedence.
	Worker       string        `yaml:"worker"        split_words:"true"`
	Timeout      time.Duration `yaml:"timeout"       split_words:"true"`
	CacheCatalog bool          `yaml:"cache_catalog" split_words:"true"`
	Watch        bool          `yaml:"watch"         split_words:"true"`
}

// PipelinesConfig controls pipeline composition.
type PipelinesConfig struct {
	EnforceCustomTargets bool `yaml:"enforce_custom_targets" split_words:"true"`
}

// DispatchConfig controls result normalisation.
type DispatchConfig struct {
	FirstQueryOnly bool `yaml:"first_query_only" split_words:"true"`
}

// AdmissionConfig points at an optional Rego policy gating conversions.
type AdmissionConfig struct {
	PolicyFile string `yaml:"policy_file" split_words:"true"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint" split_words:"true"`
	Insecure     bool              `yaml:"insecure"      split_words:"true"`
	ServiceName  string            `yaml:"service_name"  split_words:"true"`
	Environment  string            `yaml:"environment"   split_words:"true"`
	Headers      map[string]string `yaml:"headers"       split_words:"true"` // sent with every export
	ResourceTags map[string]string `yaml:"resource_tags" split_words:"true"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"  split_words:"true"`
	Format string `yaml:"format" split_words:"true"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ResponseMode:    ResponseModeText,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Engines: EnginesConfig{
			Root:         "sigma",
			Interpreter:  filepath.Join("venv", "bin", "python"),
			Worker:       "worker.py",
			Timeout:      30 * time.Second,
			CacheCatalog: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "convertd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides overlays CONVERTD_* variables. Unset variables leave the
// file value untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Engines.Validate(); err != nil {
		return fmt.Errorf("engines configuration: %w", err)
	}
	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}

	mode := strings.ToLower(strings.TrimSpace(c.ResponseMode))
	switch mode {
	case "":
		c.ResponseMode = ResponseModeText
	case ResponseModeText, ResponseModeJSON:
		c.ResponseMode = mode
	default:
		return fmt.Errorf("invalid response_mode %q, supported modes: text, json", c.ResponseMode)
	}

	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	return nil
}

// Validate performs validation of engine configuration
func (c *EnginesConfig) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root is required")
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		return fmt.Errorf("interpreter is required")
	}
	if filepath.IsAbs(c.Interpreter) {
		return fmt.Errorf("interpreter %q must be relative to the version directory", c.Interpreter)
	}
	if strings.TrimSpace(c.Worker) == "" {
		return fmt.Errorf("worker is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// WorkerPath returns the default worker script location.
func (c *EnginesConfig) WorkerPath() string {
	if filepath.IsAbs(c.Worker) {
		return c.Worker
	}
	return filepath.Join(c.Root, c.Worker)
}

// Validate performs validation of admission configuration
func (c *AdmissionConfig) Validate() error {
	if c.PolicyFile == "" {
		return nil
	}
	if _, err := os.Stat(c.PolicyFile); err != nil {
		return fmt.Errorf("policy_file: %w", err)
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "convertd"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
