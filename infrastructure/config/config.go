// Package config loads the CRA resolver's configuration from environment
// variables and an optional .env file, in the layered style the rest of the
// module graph uses: godotenv to populate the process environment, then
// envdecode to decode it into a typed struct via `env:"..."` tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// PolicyDefault controls what a resolution decides when no policy rule
// matches an action at all.
type PolicyDefault string

const (
	PolicyDefaultAllow PolicyDefault = "allow"
	PolicyDefaultDeny  PolicyDefault = "deny"
)

// TraceMode controls whether TRACE events are hashed synchronously on the
// calling goroutine or deferred to the background processor.
type TraceMode string

const (
	TraceModeImmediate TraceMode = "immediate"
	TraceModeDeferred   TraceMode = "deferred"
)

// ResolverConfig holds all configuration needed to construct a Resolver.
type ResolverConfig struct {
	// Logging
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	// Policy evaluation
	PolicyDefault PolicyDefault `env:"CRA_POLICY_DEFAULT,default=allow"`

	// Resolution lifecycle
	ResolutionTTL   time.Duration `env:"CRA_RESOLUTION_TTL,default=5m"`
	SessionIdleTTL  time.Duration `env:"CRA_SESSION_IDLE_TTL,default=30m"`
	EvictionSweep   time.Duration `env:"CRA_EVICTION_SWEEP_INTERVAL,default=1m"`

	// TRACE
	TraceMode          TraceMode `env:"CRA_TRACE_MODE,default=deferred"`
	TraceBufferSize     int       `env:"CRA_TRACE_BUFFER_SIZE,default=4096"`
	TraceBatchSize      int       `env:"CRA_TRACE_BATCH_SIZE,default=64"`
	TraceFlushInterval  time.Duration `env:"CRA_TRACE_FLUSH_INTERVAL,default=100ms"`
	TraceStorageBackend string    `env:"CRA_TRACE_STORAGE_BACKEND,default=memory"`
	TraceStoragePath    string    `env:"CRA_TRACE_STORAGE_PATH,default=./trace.log"`
	TraceLogLevel       string    `env:"TRACE_LOG_LEVEL,default=info"`

	// Metrics
	MetricsEnabled bool `env:"CRA_METRICS_ENABLED,default=true"`

	// Test/dev
	TestMode bool `env:"CRA_TEST_MODE,default=false"`
}

// Defaults returns a ResolverConfig populated with the same defaults that
// FromEnv would apply with an empty environment.
func Defaults() *ResolverConfig {
	return &ResolverConfig{
		LogLevel:            "info",
		LogFormat:           "json",
		PolicyDefault:       PolicyDefaultAllow,
		ResolutionTTL:       5 * time.Minute,
		SessionIdleTTL:      30 * time.Minute,
		EvictionSweep:       time.Minute,
		TraceMode:           TraceModeDeferred,
		TraceBufferSize:     4096,
		TraceBatchSize:      64,
		TraceFlushInterval:  100 * time.Millisecond,
		TraceStorageBackend: "memory",
		TraceStoragePath:    "./trace.log",
		TraceLogLevel:       "info",
		MetricsEnabled:      true,
	}
}

// FromEnv loads a ResolverConfig, optionally seeding the process environment
// from an environment-specific .env file first (CRA_ENV, defaulting to
// "development"); a missing .env file is not an error.
func FromEnv() (*ResolverConfig, error) {
	env := os.Getenv("CRA_ENV")
	if env == "" {
		env = "development"
	}

	envFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: could not load %s: %w", envFile, err)
	}

	cfg := Defaults()
	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when none of the tagged fields were
		// present in the environment; treat that as "no overrides" so local
		// runs work without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: failed to decode environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants FromEnv cannot express via struct tags alone.
func (c *ResolverConfig) Validate() error {
	switch c.PolicyDefault {
	case PolicyDefaultAllow, PolicyDefaultDeny:
	default:
		return fmt.Errorf("config: invalid CRA_POLICY_DEFAULT %q", c.PolicyDefault)
	}
	switch c.TraceMode {
	case TraceModeImmediate, TraceModeDeferred:
	default:
		return fmt.Errorf("config: invalid CRA_TRACE_MODE %q", c.TraceMode)
	}
	if c.TraceBufferSize <= 0 {
		return fmt.Errorf("config: CRA_TRACE_BUFFER_SIZE must be positive, got %d", c.TraceBufferSize)
	}
	if c.TraceBatchSize <= 0 || c.TraceBatchSize > c.TraceBufferSize {
		return fmt.Errorf("config: CRA_TRACE_BATCH_SIZE must be in (0, buffer_size], got %d", c.TraceBatchSize)
	}
	switch c.TraceStorageBackend {
	case "memory", "file":
	default:
		return fmt.Errorf("config: invalid CRA_TRACE_STORAGE_BACKEND %q", c.TraceStorageBackend)
	}
	return nil
}
