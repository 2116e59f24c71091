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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.Default != "local" {
		t.Errorf("default executor = %q", cfg.Executor.Default)
	}
	if cfg.Ledger.Backend != "sqlite" {
		t.Errorf("default ledger = %q", cfg.Ledger.Backend)
	}
	if !cfg.DLQ.Enabled {
		t.Error("DLQ should default to enabled")
	}
	if cfg.DefaultTimeoutSeconds != 300 {
		t.Errorf("default timeout = %d", cfg.DefaultTimeoutSeconds)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	data := `
executor:
  default: memory
ledger:
  backend: memory
retry:
  max_retries: 2
  backoff: fibonacci
rate:
  algorithm: sliding_window
  window_seconds: 60
  max_requests: 100
dlq:
  enabled: false
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.Default != "memory" {
		t.Errorf("executor = %q", cfg.Executor.Default)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.Backoff != "fibonacci" {
		t.Errorf("retry config not loaded: %+v", cfg.Retry)
	}
	if cfg.Rate.Algorithm != "sliding_window" || cfg.Rate.MaxRequests != 100 {
		t.Errorf("rate config not loaded: %+v", cfg.Rate)
	}
	if cfg.DLQ.Enabled {
		t.Error("dlq.enabled should be false")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_EXECUTOR", "memory")
	t.Setenv("DISPATCH_LEDGER_BACKEND", "memory")
	t.Setenv("DISPATCH_MAX_CONCURRENT", "16")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.Default != "memory" {
		t.Errorf("env executor override ignored: %q", cfg.Executor.Default)
	}
	if cfg.Ledger.Backend != "memory" {
		t.Errorf("env ledger override ignored: %q", cfg.Ledger.Backend)
	}
	if cfg.Executor.Local.MaxConcurrent != 16 {
		t.Errorf("env max_concurrent override ignored: %d", cfg.Executor.Local.MaxConcurrent)
	}
}

func TestValidation(t *testing.T) {
	cfg := Default()
	cfg.Executor.Default = "kubernetes"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown executor must fail validation")
	}

	cfg = Default()
	cfg.Ledger.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("postgres backend must be rejected with guidance")
	}

	cfg = Default()
	cfg.Rate.Algorithm = "leaky_bucket"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown rate algorithm must fail validation")
	}
}
