package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StalePolicy controls what the engine does when it finds a lock whose owner
// process is gone.
type StalePolicy string

const (
	// StaleReport surfaces the stale lock to the caller and stops.
	StaleReport StalePolicy = "report"
	// StaleReclaim takes the lock over after the liveness check.
	StaleReclaim StalePolicy = "reclaim"
)

// Config is the .sw/config.yaml content.
type Config struct {
	Version      int               `yaml:"version" validate:"gte=1"`
	BaseBranch   string            `yaml:"base_branch,omitempty"`
	BranchPrefix string            `yaml:"branch_prefix" validate:"required"`
	LogLevel     string            `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Repos        map[string]string `yaml:"repos,omitempty" validate:"dive,keys,required,excludes=:,endkeys,required"`
	Agent        AgentConfig       `yaml:"agent"`
	Parallel     ParallelConfig    `yaml:"parallel"`
	Locks        LockConfig        `yaml:"locks"`
	Observer     ObserverConfig    `yaml:"observer"`
	Retry        RetryConfig       `yaml:"retry"`
	Metrics      MetricsConfig     `yaml:"metrics,omitempty"`
	Tracing      TracingConfig     `yaml:"tracing,omitempty"`
}

// AgentConfig selects and configures the agent backend.
type AgentConfig struct {
	Provider string        `yaml:"provider" validate:"oneof=claude command"`
	Command  string        `yaml:"command,omitempty" validate:"required_if=Provider command"`
	Args     []string      `yaml:"args,omitempty"`
	Model    string        `yaml:"model,omitempty"`
	Prompt   string        `yaml:"prompt" validate:"required"`
	Timeout  time.Duration `yaml:"timeout,omitempty" validate:"gte=0"`
}

// ParallelConfig bounds the parallel strategy.
type ParallelConfig struct {
	Max      int `yaml:"max" validate:"gte=1"`
	MaxWaves int `yaml:"max_waves" validate:"gte=1"`
}

// LockConfig holds lock manager policy.
type LockConfig struct {
	Stale StalePolicy `yaml:"stale" validate:"oneof=report reclaim"`
}

// ObserverConfig tunes the progress observer.
type ObserverConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
	Events     bool          `yaml:"events"`
}

// RetryConfig configures automatic retries of failed specs.
type RetryConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Delay      time.Duration `yaml:"delay" validate:"gte=0"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
	Patterns   []string      `yaml:"patterns,omitempty"`
}

// MetricsConfig enables the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// TracingConfig enables span export to a file.
type TracingConfig struct {
	File string `yaml:"file,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Version:      1,
		BranchPrefix: "sw/",
		Agent: AgentConfig{
			Provider: "claude",
			Prompt:   "standard",
		},
		Parallel: ParallelConfig{Max: 3, MaxWaves: 50},
		Locks:    LockConfig{Stale: StaleReport},
		Observer: ObserverConfig{
			Interval:   5 * time.Second,
			StaleAfter: 30 * time.Minute,
			Events:     true,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      time.Minute,
			Multiplier: 2,
			Patterns:   []string{"rate limit", "overloaded", "timed out"},
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns a readable error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Load reads path on top of Default, applies SW_* environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s is malformed: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyEnv overlays SW_* variables. lookup is os.LookupEnv outside tests.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SW_BASE_BRANCH", &cfg.BaseBranch)
	str("SW_BRANCH_PREFIX", &cfg.BranchPrefix)
	str("SW_AGENT_PROVIDER", &cfg.Agent.Provider)
	str("SW_AGENT_COMMAND", &cfg.Agent.Command)
	str("SW_AGENT_MODEL", &cfg.Agent.Model)
	str("SW_AGENT_PROMPT", &cfg.Agent.Prompt)
	str("SW_METRICS_TEXTFILE", &cfg.Metrics.Textfile)
	str("SW_TRACING_FILE", &cfg.Tracing.File)
	if v, ok := lookup("SW_LOCKS_STALE"); ok && v != "" {
		cfg.Locks.Stale = StalePolicy(v)
	}
	if v, ok := lookup("SW_PARALLEL_MAX"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SW_PARALLEL_MAX: %w", err)
		}
		cfg.Parallel.Max = n
	}
	if v, ok := lookup("SW_OBSERVER_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SW_OBSERVER_INTERVAL: %w", err)
		}
		cfg.Observer.Interval = d
	}
	return nil
}
