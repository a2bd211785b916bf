// Package model defines the task manifest, its status lattice and the daemon configuration.
package model

import (
	"fmt"
	"strings"
	"time"
)

type ExecutionMode string

const (
	// ModeLocal promotes TODO arrivals to WORKING and runs them here.
	ModeLocal ExecutionMode = "local"
	// ModeHost forwards TODO arrivals to the todo-on-host boundary.
	ModeHost ExecutionMode = "host"
	// ModeMock runs the local pipeline with a runner that never spawns processes.
	ModeMock ExecutionMode = "mock"
)

// ParseExecutionMode accepts local, host or mock in any case.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLocal, ModeHost, ModeMock:
		return m, nil
	default:
		return "", fmt.Errorf("invalid execution mode %q: want local, host or mock", s)
	}
}

type RetryPolicy string

const (
	RetryPolicyConstant    RetryPolicy = "constant"
	RetryPolicyExponential RetryPolicy = "exponential"
)

type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Move      MoveConfig      `yaml:"move"`
	Retry     RetryConfig     `yaml:"retry"`
	Runner    RunnerConfig    `yaml:"runner"`
	Paths     PathsConfig     `yaml:"paths"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
}

type ExecutionConfig struct {
	Mode    ExecutionMode `yaml:"mode"`
	Workers int           `yaml:"workers"`
}

type SchedulerConfig struct {
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	IntakeRetryDelayMs int `yaml:"intake_retry_delay_ms"`
	NotifyBufferEvents int `yaml:"notify_buffer_events"`
	// Consecutive intake failures that pause intake for IntakeBreakerTimeoutMs.
	IntakeBreakerFailures  int `yaml:"intake_breaker_failures"`
	IntakeBreakerTimeoutMs int `yaml:"intake_breaker_timeout_ms"`
}

type MoveConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

type RetryConfig struct {
	DefaultMaxRetries int         `yaml:"default_max_retries"`
	Policy            RetryPolicy `yaml:"policy"`
	DelayMs           int         `yaml:"delay_ms"`
	MaxDelayMs        int         `yaml:"max_delay_ms"`
}

type RunnerConfig struct {
	// Interpreters maps a file extension (".py") to the argv prefix used to run it.
	Interpreters map[string][]string `yaml:"interpreters,omitempty"`
}

type PathsConfig struct {
	// ScriptsRoot is the directory script_ref is resolved against. Relative values
	// are taken relative to the data root; empty means the data root itself.
	ScriptsRoot string `yaml:"scripts_root"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Stderr bool   `yaml:"stderr"`
}

type AuditConfig struct {
	Enabled   bool  `yaml:"enabled"`
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// DefaultConfig is written by `taskdir setup`.
func DefaultConfig() Config {
	return Config{
		Execution: ExecutionConfig{Mode: ModeLocal, Workers: 5},
		Scheduler: SchedulerConfig{
			PollIntervalMs:         1000,
			IntakeRetryDelayMs:     500,
			NotifyBufferEvents:     64,
			IntakeBreakerFailures:  5,
			IntakeBreakerTimeoutMs: 5000,
		},
		Move: MoveConfig{MaxAttempts: 3, RetryDelayMs: 100},
		Retry: RetryConfig{
			DefaultMaxRetries: 0,
			Policy:            RetryPolicyConstant,
			DelayMs:           1000,
			MaxDelayMs:        30000,
		},
		Logging: LoggingConfig{Level: "info"},
		Audit:   AuditConfig{Enabled: true, MaxSizeMB: 100},
	}
}

// WithDefaults fills zero values so a partial config.yaml still yields a usable config.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Execution.Mode == "" {
		c.Execution.Mode = def.Execution.Mode
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = def.Execution.Workers
	}
	if c.Scheduler.PollIntervalMs <= 0 {
		c.Scheduler.PollIntervalMs = def.Scheduler.PollIntervalMs
	}
	if c.Scheduler.IntakeRetryDelayMs <= 0 {
		c.Scheduler.IntakeRetryDelayMs = def.Scheduler.IntakeRetryDelayMs
	}
	if c.Scheduler.NotifyBufferEvents <= 0 {
		c.Scheduler.NotifyBufferEvents = def.Scheduler.NotifyBufferEvents
	}
	if c.Scheduler.IntakeBreakerFailures <= 0 {
		c.Scheduler.IntakeBreakerFailures = def.Scheduler.IntakeBreakerFailures
	}
	if c.Scheduler.IntakeBreakerTimeoutMs <= 0 {
		c.Scheduler.IntakeBreakerTimeoutMs = def.Scheduler.IntakeBreakerTimeoutMs
	}
	if c.Move.MaxAttempts <= 0 {
		c.Move.MaxAttempts = def.Move.MaxAttempts
	}
	if c.Move.RetryDelayMs <= 0 {
		c.Move.RetryDelayMs = def.Move.RetryDelayMs
	}
	if c.Retry.DefaultMaxRetries < 0 {
		c.Retry.DefaultMaxRetries = 0
	}
	if c.Retry.Policy == "" {
		c.Retry.Policy = def.Retry.Policy
	}
	if c.Retry.DelayMs <= 0 {
		c.Retry.DelayMs = def.Retry.DelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = def.Retry.MaxDelayMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = def.Audit.MaxSizeMB
	}
	return c
}

// Validate normalizes enum fields in place and rejects unknown values.
// An empty mode or policy is left for WithDefaults.
func (c *Config) Validate() error {
	if c.Execution.Mode != "" {
		mode, err := ParseExecutionMode(string(c.Execution.Mode))
		if err != nil {
			return fmt.Errorf("execution.mode: %w", err)
		}
		c.Execution.Mode = mode
	}
	switch p := RetryPolicy(strings.ToLower(string(c.Retry.Policy))); p {
	case "", RetryPolicyConstant, RetryPolicyExponential:
		c.Retry.Policy = p
	default:
		return fmt.Errorf("retry.policy: invalid value %q: want constant or exponential", c.Retry.Policy)
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c SchedulerConfig) PollInterval() time.Duration         { return ms(c.PollIntervalMs) }
func (c SchedulerConfig) IntakeRetryDelay() time.Duration     { return ms(c.IntakeRetryDelayMs) }
func (c SchedulerConfig) IntakeBreakerTimeout() time.Duration { return ms(c.IntakeBreakerTimeoutMs) }
func (c MoveConfig) RetryDelay() time.Duration                { return ms(c.RetryDelayMs) }
func (c RetryConfig) Delay() time.Duration                    { return ms(c.DelayMs) }
func (c RetryConfig) MaxDelay() time.Duration                 { return ms(c.MaxDelayMs) }
