// Package config provides configuration loading for qualityd.
//
// Precedence (highest to lowest): QUALITYD_* environment variables, the
// YAML config file, hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces qualityd environment overrides.
const envPrefix = "QUALITYD_"

// Config is the root configuration.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Store        StoreConfig        `koanf:"store"`
	Session      SessionConfig      `koanf:"session"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Gates        GatesConfig        `koanf:"gates"`
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is a zap level name (debug, info, warn, error).
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// StoreConfig locates the session database.
type StoreConfig struct {
	// Path is the SQLite database file for session records.
	Path string `koanf:"path"`
}

// SessionConfig controls session lifecycle policy.
type SessionConfig struct {
	// TimeoutMinutes is the idle time before a session is swept.
	TimeoutMinutes int `koanf:"timeout_minutes"`

	// CleanupIntervalMinutes is how often the expiry sweep runs.
	CleanupIntervalMinutes int `koanf:"cleanup_interval_minutes"`

	// MaxSessionsPerOwner caps active sessions per owner.
	MaxSessionsPerOwner int `koanf:"max_sessions_per_owner"`

	// EvictOnOwnerLimit closes the owner's oldest session at the cap
	// instead of failing the create.
	EvictOnOwnerLimit bool `koanf:"evict_on_owner_limit"`
}

// OrchestratorConfig controls the analysis loops.
type OrchestratorConfig struct {
	// AnalysisIntervalSeconds is the baseline delay between cycles.
	AnalysisIntervalSeconds float64 `koanf:"analysis_interval_seconds"`

	// MaxAnalysisCycles stops a session's loop after this many cycles.
	MaxAnalysisCycles int `koanf:"max_analysis_cycles"`

	// InterventionConfidenceThreshold is the global gate confidence floor.
	InterventionConfidenceThreshold float64 `koanf:"intervention_confidence_threshold"`

	// MaxConcurrentSessions caps active sessions across all owners.
	MaxConcurrentSessions int `koanf:"max_concurrent_sessions"`

	// AnalyzerRetryDelaySeconds is the wait after a failed analyzer call.
	AnalyzerRetryDelaySeconds float64 `koanf:"analyzer_retry_delay_seconds"`

	// FatalAnalyzerErrors terminates a session loop on analyzer failure
	// instead of retrying on the next cycle.
	FatalAnalyzerErrors bool `koanf:"fatal_analyzer_errors"`

	// ShutdownGraceSeconds bounds the per-session wait during drain.
	ShutdownGraceSeconds float64 `koanf:"shutdown_grace_seconds"`
}

// GatesConfig controls gate-engine setup.
type GatesConfig struct {
	// CustomGatesPath optionally points at a YAML file of custom gate
	// definitions merged over the seed set.
	CustomGatesPath string `koanf:"custom_gates_path"`
}

// NewDefaultConfig returns the hardcoded defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Path: "qualityd.db",
		},
		Session: SessionConfig{
			TimeoutMinutes:         60,
			CleanupIntervalMinutes: 10,
			MaxSessionsPerOwner:    5,
			EvictOnOwnerLimit:      true,
		},
		Orchestrator: OrchestratorConfig{
			AnalysisIntervalSeconds:         30,
			MaxAnalysisCycles:               100,
			InterventionConfidenceThreshold: 0.7,
			MaxConcurrentSessions:           10,
			AnalyzerRetryDelaySeconds:       5,
			ShutdownGraceSeconds:            10,
		},
	}
}

// Load reads configuration from the optional YAML file at configPath,
// then applies QUALITYD_* environment overrides.
//
// Environment variables split section and field on the first underscore:
// QUALITYD_ORCHESTRATOR_MAX_ANALYSIS_CYCLES -> orchestrator.max_analysis_cycles.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// The section name never contains an underscore; field names
		// keep theirs.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if c.Orchestrator.InterventionConfidenceThreshold < 0 || c.Orchestrator.InterventionConfidenceThreshold > 1 {
		return fmt.Errorf("orchestrator.intervention_confidence_threshold must be in [0,1], got %v",
			c.Orchestrator.InterventionConfidenceThreshold)
	}
	if c.Orchestrator.MaxAnalysisCycles < 0 {
		return fmt.Errorf("orchestrator.max_analysis_cycles cannot be negative")
	}
	if c.Orchestrator.AnalysisIntervalSeconds <= 0 {
		return fmt.Errorf("orchestrator.analysis_interval_seconds must be positive")
	}
	if c.Orchestrator.MaxConcurrentSessions < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_sessions must be at least 1")
	}
	if c.Session.MaxSessionsPerOwner < 1 {
		return fmt.Errorf("session.max_sessions_per_owner must be at least 1")
	}
	if c.Session.TimeoutMinutes < 1 {
		return fmt.Errorf("session.timeout_minutes must be at least 1")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}

// SessionTimeout returns the sweep timeout as a duration.
func (c *SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// CleanupInterval returns the sweep interval as a duration.
func (c *SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// AnalysisInterval returns the baseline cycle delay as a duration.
func (c *OrchestratorConfig) AnalysisInterval() time.Duration {
	return time.Duration(c.AnalysisIntervalSeconds * float64(time.Second))
}

// AnalyzerRetryDelay returns the failed-analysis retry delay.
func (c *OrchestratorConfig) AnalyzerRetryDelay() time.Duration {
	return time.Duration(c.AnalyzerRetryDelaySeconds * float64(time.Second))
}

// ShutdownGrace returns the per-session drain bound.
func (c *OrchestratorConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds * float64(time.Second))
}
