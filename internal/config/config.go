// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the framework configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tombee/dispatch/pkg/errors"
)

// ExecutorConfig selects and sizes the executor.
type ExecutorConfig struct {
	// Default is memory or local.
	Default string `yaml:"default"`

	Local LocalExecutorConfig `yaml:"local"`
}

// LocalExecutorConfig sizes the local worker pool.
type LocalExecutorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueue      int `yaml:"max_queue"`

	// PollIntervalMS is the pool's idle re-check cadence.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// HeartbeatTimeoutSeconds enables the heartbeat watchdog when positive.
	HeartbeatTimeoutSeconds int `yaml:"heartbeat_timeout_seconds"`

	// Lanes pre-declares lane names. Lanes are created on demand either
	// way; nothing in the daemon reads this list and the capabilities
	// endpoint does not report it.
	Lanes []string `yaml:"lanes"`
}

// RetryConfig is the default retry strategy.
type RetryConfig struct {
	MaxRetries  int     `yaml:"max_retries"`
	Backoff     string  `yaml:"backoff"`
	BaseSeconds float64 `yaml:"base_seconds"`
	MaxDelaySec float64 `yaml:"max_delay_seconds"`
	Jitter      string  `yaml:"jitter"`
}

// CircuitConfig is the default circuit breaker tuning.
type CircuitConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	FailureWindowSeconds   int `yaml:"failure_window_seconds"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
}

// RateConfig is the default rate limiter tuning.
type RateConfig struct {
	// Algorithm is token_bucket or sliding_window; empty disables.
	Algorithm     string  `yaml:"algorithm"`
	Capacity      int     `yaml:"capacity"`
	RefillPerSec  float64 `yaml:"refill_per_sec"`
	WindowSeconds int     `yaml:"window_seconds"`
	MaxRequests   int     `yaml:"max_requests"`
	Blocking      bool    `yaml:"blocking"`
}

// LedgerConfig selects the run store backend.
type LedgerConfig struct {
	// Backend is sqlite or memory.
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// DLQConfig tunes the dead-letter queue.
type DLQConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the full framework configuration.
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Retry    RetryConfig    `yaml:"retry"`
	Circuit  CircuitConfig  `yaml:"circuit"`
	Rate     RateConfig     `yaml:"rate"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	DLQ      DLQConfig      `yaml:"dlq"`
	Server   ServerConfig   `yaml:"server"`

	// DefaultTimeoutSeconds bounds handler invocations system-wide.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			Default: "local",
			Local: LocalExecutorConfig{
				MaxConcurrent:  4,
				PollIntervalMS: 250,
			},
		},
		Retry: RetryConfig{
			MaxRetries:  0,
			Backoff:     "exponential",
			BaseSeconds: 1,
			MaxDelaySec: 60,
			Jitter:      "none",
		},
		Circuit: CircuitConfig{
			FailureThreshold:       5,
			FailureWindowSeconds:   60,
			RecoveryTimeoutSeconds: 30,
		},
		Ledger: LedgerConfig{
			Backend: "sqlite",
			Path:    "dispatch.db",
		},
		DLQ: DLQConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8314",
		},
		DefaultTimeoutSeconds: 300,
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.Error{
					Category: errors.CategoryValidation,
					Message:  fmt.Sprintf("failed to read config file %s", path),
					Cause:    err,
				}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.Error{
				Category:    errors.CategoryValidation,
				Message:     fmt.Sprintf("failed to parse config file %s", path),
				SuggestText: "Check the YAML syntax against the documented keys",
				Cause:       err,
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from DISPATCH_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPATCH_EXECUTOR"); v != "" {
		cfg.Executor.Default = v
	}
	if v := envInt("DISPATCH_MAX_CONCURRENT"); v > 0 {
		cfg.Executor.Local.MaxConcurrent = v
	}
	if v := os.Getenv("DISPATCH_LEDGER_BACKEND"); v != "" {
		cfg.Ledger.Backend = v
	}
	if v := os.Getenv("DISPATCH_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("DISPATCH_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("DISPATCH_DLQ_ENABLED"); v != "" {
		cfg.DLQ.Enabled = v == "true" || v == "1"
	}
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Validate rejects unusable combinations.
func (c *Config) Validate() error {
	switch c.Executor.Default {
	case "memory", "local":
	default:
		return errors.NewValidation("executor.default",
			"must be memory or local, got "+c.Executor.Default)
	}

	switch c.Ledger.Backend {
	case "sqlite", "memory":
	case "postgres":
		return errors.NewValidation("ledger.backend",
			"postgres is not built into this distribution; use sqlite or memory")
	default:
		return errors.NewValidation("ledger.backend",
			"must be sqlite or memory, got "+c.Ledger.Backend)
	}

	if c.Ledger.Backend == "sqlite" && c.Ledger.Path == "" {
		return errors.NewValidation("ledger.path", "sqlite backend requires a path")
	}

	switch c.Rate.Algorithm {
	case "", "token_bucket", "sliding_window":
	default:
		return errors.NewValidation("rate.algorithm",
			"must be token_bucket or sliding_window, got "+c.Rate.Algorithm)
	}

	return nil
}
