// Package config loads supervisor configuration.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SUPERVISOR_GRPC_ADDRESS, SUPERVISOR_LOG_LEVEL, etc.)
//  2. YAML config file
//  3. Built-in defaults
//
// A .env file is read into the process environment first when present; it
// never overrides variables that are already set.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
)

const (
	// EnvPrefix scopes the environment variables read by Load.
	EnvPrefix = "SUPERVISOR_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the complete supervisor configuration.
type Config struct {
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Rules         RulesConfig         `koanf:"rules"`
	GRPC          GRPCConfig          `koanf:"grpc"`
	HTTP          HTTPConfig          `koanf:"http"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`
	Log           LogConfig           `koanf:"log"`
}

// SupervisorConfig tunes the orchestration loop.
type SupervisorConfig struct {
	// MaxFeedbackLoops is how many times a suspended request may be re-entered
	// from review. Zero forbids re-entry.
	MaxFeedbackLoops int           `koanf:"max_feedback_loops"`
	DebugBodyChecks  bool          `koanf:"debug_body_checks"`
	FastPath         bool          `koanf:"fast_path"`
	StepTimeout      time.Duration `koanf:"step_timeout"`
	SessionIdleTTL   time.Duration `koanf:"session_idle_ttl"`
	CleanupInterval  time.Duration `koanf:"cleanup_interval"`
	InboundRate      float64       `koanf:"inbound_rate"`
	InboundBurst     int           `koanf:"inbound_burst"`
	ClosedHistory    int           `koanf:"closed_history"`
	BusQueryTimeout  time.Duration `koanf:"bus_query_timeout"`
}

// WorkflowConfig selects the graph source. An empty Path uses the built-in graphs.
type WorkflowConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// RulesConfig selects the rule store. An empty DSN keeps rules in memory.
type RulesConfig struct {
	DSN  string       `koanf:"dsn"`
	Seed []rules.Rule `koanf:"seed"`
}

// GRPCConfig configures the session stream server.
type GRPCConfig struct {
	Address         string        `koanf:"address"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// HTTPConfig configures the HTTP API. An empty Address disables it.
type HTTPConfig struct {
	Address string `koanf:"address"`
}

// NATSConfig configures notification forwarding. An empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	ClientName    string `koanf:"client_name"`
}

// ObservabilityConfig configures tracing. An empty OTLPEndpoint disables export.
type ObservabilityConfig struct {
	ServiceName  string  `koanf:"service_name"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	Environment  string  `koanf:"environment"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := load("", nil)
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return cfg
}

// Load reads configuration from the YAML file at path (optional; empty or
// missing means defaults only), then overrides it with SUPERVISOR_*
// environment variables. dotenv files are loaded first; with none given,
// ./.env is used when it exists.
func Load(path string, dotenv ...string) (*Config, error) {
	if len(dotenv) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			dotenv = []string{".env"}
		}
	}
	if len(dotenv) > 0 {
		if err := godotenv.Load(dotenv...); err != nil {
			return nil, fmt.Errorf("failed to load dotenv file: %w", err)
		}
	}
	return load(path, env.Provider(EnvPrefix, ".", envKey))
}

func load(path string, envProvider *env.Env) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if envProvider != nil {
		if err := k.Load(envProvider, nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// envKey maps SUPERVISOR_GRPC_ADDRESS to grpc.address: the first segment is
// the section, the rest is the field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Supervisor.MaxFeedbackLoops < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_feedback_loops must be >= 0, got %d", c.Supervisor.MaxFeedbackLoops))
	}
	if c.Supervisor.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("supervisor.step_timeout must be >= 0, got %s", c.Supervisor.StepTimeout))
	}
	if c.Supervisor.InboundRate < 0 {
		errs = append(errs, fmt.Errorf("supervisor.inbound_rate must be >= 0, got %g", c.Supervisor.InboundRate))
	}
	if c.Supervisor.BusQueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.bus_query_timeout must be > 0, got %s", c.Supervisor.BusQueryTimeout))
	}
	if c.Observability.SampleRatio < 0 || c.Observability.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("observability.sample_ratio must be within [0, 1], got %g", c.Observability.SampleRatio))
	}
	if c.GRPC.Address == "" {
		errs = append(errs, errors.New("grpc.address is required"))
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		errs = append(errs, errors.New("nats.subject_prefix is required when nats.url is set"))
	}
	for i, r := range c.Rules.Seed {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules.seed[%d]: %w", i, err))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level '%s'. Must be one of: debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("invalid log format '%s'. Must be one of: json, console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// SupervisorOptions maps the supervisor section onto runtime.Options.
func (c *Config) SupervisorOptions() runtime.Options {
	loops := c.Supervisor.MaxFeedbackLoops
	if loops == 0 {
		loops = -1
	}
	return runtime.Options{
		MaxFeedbackLoops: loops,
		DisableFastPath:  !c.Supervisor.FastPath,
		DebugBodyChecks:  c.Supervisor.DebugBodyChecks,
		StepTimeout:      c.Supervisor.StepTimeout,
		ClosedHistory:    c.Supervisor.ClosedHistory,
	}
}

// ManagerConfig maps the supervisor section onto runtime.ManagerConfig.
func (c *Config) ManagerConfig() runtime.ManagerConfig {
	return runtime.ManagerConfig{
		InboundRate:     c.Supervisor.InboundRate,
		InboundBurst:    c.Supervisor.InboundBurst,
		IdleTTL:         c.Supervisor.SessionIdleTTL,
		CleanupInterval: c.Supervisor.CleanupInterval,
	}
}

// TracerConfig maps the observability section onto observability.TracerConfig.
func (c *Config) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName: c.Observability.ServiceName,
		Endpoint:    c.Observability.OTLPEndpoint,
		Environment: c.Observability.Environment,
		SampleRatio: c.Observability.SampleRatio,
	}
}
