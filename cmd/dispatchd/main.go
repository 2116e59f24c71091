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

// dispatchd is the execution framework daemon: it wires the ledger,
// dispatcher, executors, DLQ, and HTTP API from configuration and serves
// until interrupted. Handlers are registered by the embedding application
// at startup; the daemon itself only exposes the framework surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/dispatch/internal/api"
	"github.com/tombee/dispatch/internal/config"
	"github.com/tombee/dispatch/internal/dispatcher"
	"github.com/tombee/dispatch/internal/dlq"
	"github.com/tombee/dispatch/internal/executor"
	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/registry"
	"github.com/tombee/dispatch/internal/resilience"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Unified execution framework daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var led ledger.Ledger
	var dlqStore ledger.DLQStore
	switch cfg.Ledger.Backend {
	case "memory":
		mem := ledger.NewMemory()
		led, dlqStore = mem, mem
	default:
		sq, err := ledger.NewSQLite(ledger.SQLiteConfig{Path: cfg.Ledger.Path, WAL: true})
		if err != nil {
			return err
		}
		led, dlqStore = sq, sq
	}
	defer led.Close()

	collector := metrics.New()
	reg := registry.New()

	d := dispatcher.New(dispatcherConfig(cfg), reg, led, logger, collector)

	memExec := executor.NewMemoryExecutor(led)
	d.AddExecutor(memExec)

	var localExec *executor.LocalExecutor
	if cfg.Executor.Default == "local" {
		localExec = executor.NewLocalExecutor(led, executor.LocalConfig{
			MaxConcurrent:    cfg.Executor.Local.MaxConcurrent,
			MaxQueue:         cfg.Executor.Local.MaxQueue,
			PollInterval:     time.Duration(cfg.Executor.Local.PollIntervalMS) * time.Millisecond,
			HeartbeatTimeout: time.Duration(cfg.Executor.Local.HeartbeatTimeoutSeconds) * time.Second,
		}, logger)
		d.AddExecutor(localExec)
		defer localExec.Close()
	}

	var dlqManager *dlq.Manager
	if cfg.DLQ.Enabled {
		dlqManager = dlq.New(led, dlqStore, logger, collector)
		dlqManager.SetSubmitter(d)

		// Terminal failures route to the archive automatically.
		d.SetFailureSink(func(runID string) {
			if _, err := dlqManager.MoveToDLQ(context.Background(), runID, "terminal_failure"); err != nil {
				logger.Warn("failed to archive failed run", log.Error(err),
					slog.String("run_id", runID))
			}
		})
	}

	server := api.NewServer(d, dlqManager, collector.Handler(), api.ServerConfig{
		Version:       version,
		LedgerBackend: cfg.Ledger.Backend,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatchd listening",
			slog.String("addr", cfg.Server.Listen),
			slog.String("ledger", cfg.Ledger.Backend),
			slog.String("executor", cfg.Executor.Default))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.DLQ.Enabled && cfg.DLQ.RetentionDays > 0 {
		go retentionLoop(ctx, dlqManager, cfg.DLQ.RetentionDays, logger)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", log.Error(err))
	}
	logger.Info("dispatchd stopped")
	return nil
}

// dispatcherConfig maps file configuration onto the dispatcher's settings.
func dispatcherConfig(cfg *config.Config) dispatcher.Config {
	dcfg := dispatcher.Config{
		DefaultExecutor: cfg.Executor.Default,
		DefaultTimeout:  time.Duration(cfg.DefaultTimeoutSeconds) * time.Second,
		Retry: resilience.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			Backoff:    resilience.Backoff(cfg.Retry.Backoff),
			Base:       time.Duration(cfg.Retry.BaseSeconds * float64(time.Second)),
			MaxDelay:   time.Duration(cfg.Retry.MaxDelaySec * float64(time.Second)),
			Jitter:     resilience.Jitter(cfg.Retry.Jitter),
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Circuit.FailureThreshold,
			FailureWindow:    time.Duration(cfg.Circuit.FailureWindowSeconds) * time.Second,
			RecoveryTimeout:  time.Duration(cfg.Circuit.RecoveryTimeoutSeconds) * time.Second,
		},
	}

	if cfg.Rate.Algorithm != "" {
		dcfg.RateLimit = &dispatcher.RateLimitConfig{
			Algorithm:    cfg.Rate.Algorithm,
			Capacity:     cfg.Rate.Capacity,
			RefillPerSec: cfg.Rate.RefillPerSec,
			Window:       time.Duration(cfg.Rate.WindowSeconds) * time.Second,
			MaxRequests:  cfg.Rate.MaxRequests,
			Blocking:     cfg.Rate.Blocking,
		}
	}
	return dcfg
}

// retentionLoop purges DLQ entries past the retention window once a day.
func retentionLoop(ctx context.Context, m *dlq.Manager, retentionDays int, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			deleted, err := m.Purge(ctx, cutoff)
			if err != nil {
				logger.Warn("DLQ retention purge failed", log.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("DLQ retention purge", slog.Int("deleted", deleted))
			}
		}
	}
}
