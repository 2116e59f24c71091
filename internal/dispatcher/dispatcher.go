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

// Package dispatcher orchestrates a submission: validate the spec, apply
// the idempotency check, resolve the handler, acquire the concurrency guard,
// select an executor, persist a pending run, and hand off to the executor
// with the resilience chain applied.
package dispatcher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/dispatch/internal/executor"
	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/internal/registry"
	"github.com/tombee/dispatch/internal/resilience"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// RateLimitConfig configures the default per-handler rate limiter.
type RateLimitConfig struct {
	// Algorithm is token_bucket or sliding_window.
	Algorithm string

	// Token bucket parameters.
	Capacity     int
	RefillPerSec float64

	// Sliding window parameters.
	Window      time.Duration
	MaxRequests int

	// Blocking waits for admission instead of failing fast.
	Blocking bool
}

// Config parameterises the dispatcher.
type Config struct {
	// DefaultExecutor names the adapter every submission is routed to; a spec
	// cannot select another one. Falls back to the memory executor when unset
	// or unknown.
	DefaultExecutor string

	// DefaultTimeout bounds handler invocations; the effective timeout is
	// the smallest of this, the handler's declared timeout and
	// spec.timeout_seconds.
	DefaultTimeout time.Duration

	// WaitPollInterval governs Wait's ledger polling cadence.
	WaitPollInterval time.Duration

	// Retry is the default retry strategy applied when neither the spec nor
	// the handler declares one. MaxRetries still comes from the spec or the
	// handler descriptor.
	Retry resilience.RetryConfig

	// Breaker configures the per-handler circuit breakers. A zero
	// FailureThreshold disables breakers entirely.
	Breaker resilience.BreakerConfig

	// RateLimit configures the per-handler rate limiters. Nil disables.
	RateLimit *RateLimitConfig
}

// Dispatcher is the submission entry point. It is safe for concurrent use;
// it holds no per-run state outside the ledger.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	ledger   ledger.Ledger
	guard    resilience.Guard
	logger   *slog.Logger
	metrics  *metrics.Collector

	execMu    sync.RWMutex
	executors map[string]executor.Executor

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	limiterMu sync.Mutex
	limiters  map[string]resilience.Limiter

	failMu   sync.RWMutex
	onFailed func(runID string)
}

// New creates a dispatcher. The collector may be nil.
func New(cfg Config, reg *registry.Registry, led ledger.Ledger, logger *slog.Logger, collector *metrics.Collector) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 25 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		cfg:       cfg,
		registry:  reg,
		ledger:    led,
		guard:     resilience.NewMemoryGuard(),
		logger:    log.WithComponent(logger, "dispatcher"),
		metrics:   collector,
		executors: make(map[string]executor.Executor),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		limiters:  make(map[string]resilience.Limiter),
	}
}

// Registry returns the handler registry for startup registration.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Ledger returns the run ledger.
func (d *Dispatcher) Ledger() ledger.Ledger { return d.ledger }

// AddExecutor registers an executor adapter under its name.
func (d *Dispatcher) AddExecutor(exec executor.Executor) {
	d.execMu.Lock()
	defer d.execMu.Unlock()
	d.executors[exec.Name()] = exec
}

// selectExecutor applies the adapter-routing policy: the configured default
// adapter, falling back to the memory executor.
func (d *Dispatcher) selectExecutor() (executor.Executor, error) {
	d.execMu.RLock()
	defer d.execMu.RUnlock()

	if exec, ok := d.executors[d.cfg.DefaultExecutor]; ok {
		return exec, nil
	}
	if exec, ok := d.executors[executor.MemoryName]; ok {
		return exec, nil
	}
	return nil, errors.New(errors.CategoryExecutorUnavailable, "no executor available")
}

// Submit validates and persists a run, then hands it to an executor.
// It returns the run ID immediately; callers that need synchronous
// completion follow with Wait.
func (d *Dispatcher) Submit(ctx context.Context, spec work.Spec) (string, error) {
	spec = normalize(spec)
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	// Idempotency: a prior active or completed run with the same key wins.
	// A prior failed or cancelled run links the fresh attempt as its retry.
	var retryOf string
	attempt := 1
	if spec.IdempotencyKey != "" {
		prior, linkRetry, err := d.resolveIdempotency(ctx, spec.IdempotencyKey)
		if err != nil {
			return "", err
		}
		if prior != nil && !linkRetry {
			return prior.RunID, nil
		}
		if prior != nil {
			retryOf = prior.RunID
			attempt = prior.Attempt + 1
		}
	}

	return d.submit(ctx, spec, retryOf, attempt)
}

// SubmitRetry creates a fresh run for a spec linked to a prior terminal run
// via retry_of_run_id. Used by DLQ reprocessing.
func (d *Dispatcher) SubmitRetry(ctx context.Context, spec work.Spec, retryOfRunID string) (string, error) {
	spec = normalize(spec)
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	prior, err := d.ledger.GetRun(ctx, retryOfRunID)
	if err != nil {
		return "", err
	}
	if !prior.Status.Terminal() {
		return "", errors.NewValidation("retry_of_run_id",
			"cannot retry run "+retryOfRunID+" while it is still active")
	}

	return d.submit(ctx, spec, retryOfRunID, prior.Attempt+1)
}

// submit is the shared tail of Submit and SubmitRetry: resolve the handler,
// claim the guard, persist pending, and hand off to the executor.
func (d *Dispatcher) submit(ctx context.Context, spec work.Spec, retryOf string, attempt int) (string, error) {
	desc, err := d.registry.Get(spec.Kind, spec.Name)
	if err != nil {
		return "", err
	}

	runID := work.NewRunID()

	// The guard is claimed before anything persists so a conflict leaves no
	// trace in the ledger; the ledger's unique entity index backs the same
	// invariant under concurrent creators.
	entityType, entityID, guarded := spec.Entity()
	if guarded {
		if err := d.guard.Acquire(ctx, entityType, entityID, runID); err != nil {
			return "", err
		}
	}
	releaseGuard := func() {
		if guarded {
			d.guard.Release(entityType, entityID, runID)
		}
	}

	exec, err := d.selectExecutor()
	if err != nil {
		releaseGuard()
		return "", err
	}

	rec := &work.Record{
		RunID:        runID,
		Spec:         spec,
		Status:       work.StatusPending,
		ExecutorName: exec.Name(),
		Attempt:      attempt,
		RetryOfRunID: retryOf,
		CreatedAt:    time.Now().UTC(),
	}

	if err := d.ledger.CreateRun(ctx, rec); err != nil {
		releaseGuard()
		if errors.IsCategory(err, errors.CategoryConcurrencyConflict) {
			return "", err
		}
		// Idempotency race: another submitter created the run first.
		if spec.IdempotencyKey != "" {
			if prior, ferr := d.ledger.FindActiveByIdempotency(ctx, spec.IdempotencyKey); ferr == nil && prior != nil {
				return prior.RunID, nil
			}
		}
		return "", err
	}

	if err := d.ledger.AppendEvent(ctx, work.NewEvent(runID, work.EventSubmitted, "dispatcher", map[string]any{
		"kind": string(spec.Kind),
		"name": spec.Name,
	})); err != nil {
		d.logger.Warn("failed to append submitted event", log.Error(err),
			slog.String(log.RunIDKey, runID))
	}

	d.metrics.RecordSubmitted(string(spec.Kind), spec.Lane)

	task := &executor.Task{
		Record:  rec,
		Invoke:  d.buildInvocation(rec, desc),
		Timeout: d.effectiveTimeout(spec, desc),
		OnTerminal: func(status work.Status) {
			releaseGuard()
			d.recordTerminal(rec, status)
		},
	}

	// The executor records its own external ref in the queued transition.
	_, err = exec.Submit(ctx, task)
	if err != nil {
		// Acceptance failure: the run is already persisted, so it fails in
		// place rather than being silently dropped.
		now := time.Now().UTC()
		d.ledger.UpdateStatus(ctx, runID, work.StatusPending, work.StatusFailed, &ledger.StatusUpdate{
			Error:         err.Error(),
			ErrorType:     "ExecutorError",
			ErrorCategory: errors.CategoryExecutorUnavailable,
			CompletedAt:   &now,
			EventSource:   "dispatcher",
		})
		releaseGuard()
		return "", errors.Wrap(errors.CategoryExecutorUnavailable, err,
			"executor %s refused run %s", exec.Name(), runID)
	}

	d.logger.Info("run submitted",
		slog.String(log.RunIDKey, runID),
		slog.String(log.KindKey, string(spec.Kind)),
		slog.String(log.HandlerKey, spec.Name),
		slog.String(log.LaneKey, spec.Lane),
		slog.String(log.ExecutorKey, exec.Name()))

	return runID, nil
}

// resolveIdempotency returns the run holding the key. linkRetry is true when
// the latest run with the key is terminal-failed or cancelled, so a fresh
// run should link to it.
func (d *Dispatcher) resolveIdempotency(ctx context.Context, key string) (*work.Record, bool, error) {
	active, err := d.ledger.FindActiveByIdempotency(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		return active, false, nil
	}

	prior, err := d.ledger.ListRuns(ctx, &ledger.Filter{IdempotencyKey: key, Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(prior) == 0 {
		return nil, false, nil
	}
	return prior[0], true, nil
}

// buildInvocation wraps the handler with error classification and the
// resilience chain: breaker -> limiter -> retry -> handler. The concurrency
// guard is claimed at submit time, ahead of the chain.
func (d *Dispatcher) buildInvocation(rec *work.Record, desc registry.Descriptor) executor.Invoke {
	inv := &registry.Invocation{
		RunID:    rec.RunID,
		Params:   rec.Spec.Params,
		Attempt:  rec.Attempt,
		Metadata: rec.Spec.Metadata,
	}
	inv.WithProgress(func(data map[string]any) {
		ev := work.NewEvent(rec.RunID, work.EventProgress, "handler", data)
		if err := d.ledger.AppendEvent(context.Background(), ev); err != nil {
			d.logger.Warn("failed to append progress event", log.Error(err),
				slog.String(log.RunIDKey, rec.RunID))
		}
	})
	inv.WithHeartbeat(func() {
		ev := work.NewEvent(rec.RunID, work.EventHeartbeat, "handler", nil)
		if err := d.ledger.AppendEvent(context.Background(), ev); err != nil {
			d.logger.Warn("failed to append heartbeat event", log.Error(err),
				slog.String(log.RunIDKey, rec.RunID))
		}
		d.noteHeartbeat(rec)
	})

	base := func(ctx context.Context) (any, error) {
		result, err := desc.Handler(ctx, inv)
		if err != nil {
			return nil, classifyHandlerError(err, desc)
		}
		return result, nil
	}

	retry := d.buildRetry(rec, desc, inv)
	chain := resilience.Chain(base, d.breakerFor(desc.Name), d.limiterFor(desc.Name), retry)
	return executor.Invoke(chain)
}

// buildRetry creates the per-run retry wrapper, wiring attempt tracking into
// the ledger: each retry appends a retrying event and bumps the attempt
// counter in place.
func (d *Dispatcher) buildRetry(rec *work.Record, desc registry.Descriptor, inv *registry.Invocation) *resilience.Retry {
	cfg := d.cfg.Retry
	cfg.MaxRetries = desc.MaxRetries
	if rec.Spec.MaxRetries > 0 {
		cfg.MaxRetries = rec.Spec.MaxRetries
	}
	if cfg.Backoff == "" {
		cfg.Backoff = resilience.BackoffExponential
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}

	firstAttempt := rec.Attempt
	retry := resilience.NewRetry(cfg)
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		next := firstAttempt + attempt
		inv.Attempt = next
		d.metrics.RecordRetry(desc.Name)

		ev := work.NewEvent(rec.RunID, work.EventRetrying, "dispatcher", map[string]any{
			"attempt":  next,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if aerr := d.ledger.AppendEvent(context.Background(), ev); aerr != nil {
			d.logger.Warn("failed to append retrying event", log.Error(aerr),
				slog.String(log.RunIDKey, rec.RunID))
		}
		if _, uerr := d.ledger.UpdateStatus(context.Background(), rec.RunID,
			work.StatusRunning, work.StatusRunning,
			&ledger.StatusUpdate{Attempt: next, EventSource: "dispatcher"}); uerr != nil {
			d.logger.Warn("failed to bump attempt", log.Error(uerr),
				slog.String(log.RunIDKey, rec.RunID))
		}
	}
	return retry
}

// breakerFor returns the handler's shared circuit breaker, or nil when
// breakers are disabled.
func (d *Dispatcher) breakerFor(name string) resilience.Wrapper {
	if d.cfg.Breaker.FailureThreshold <= 0 {
		return nil
	}
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()

	cb, ok := d.breakers[name]
	if !ok {
		cb = resilience.NewCircuitBreaker(name, d.cfg.Breaker)
		d.breakers[name] = cb
	}
	return &breakerWrapper{cb: cb, name: name, metrics: d.metrics}
}

// breakerWrapper reports breaker state to metrics around each call.
type breakerWrapper struct {
	cb      *resilience.CircuitBreaker
	name    string
	metrics *metrics.Collector
}

func (w *breakerWrapper) Wrap(next resilience.Thunk) resilience.Thunk {
	inner := w.cb.Wrap(next)
	return func(ctx context.Context) (any, error) {
		result, err := inner(ctx)
		w.metrics.SetBreakerOpen(w.name, w.cb.State() == resilience.BreakerOpen)
		return result, err
	}
}

// limiterFor returns the handler's shared rate limiter wrapper, or nil when
// rate limiting is disabled.
func (d *Dispatcher) limiterFor(name string) resilience.Wrapper {
	cfg := d.cfg.RateLimit
	if cfg == nil {
		return nil
	}
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()

	lim, ok := d.limiters[name]
	if !ok {
		switch cfg.Algorithm {
		case "sliding_window":
			lim = resilience.NewSlidingWindow(name, cfg.Window, cfg.MaxRequests)
		default:
			lim = resilience.NewTokenBucket(name, cfg.Capacity, cfg.RefillPerSec)
		}
		d.limiters[name] = lim
	}
	return &resilience.LimitWrapper{Limiter: lim, Blocking: cfg.Blocking, Name: name}
}

// noteHeartbeat forwards handler liveness to executors that track it.
func (d *Dispatcher) noteHeartbeat(rec *work.Record) {
	d.execMu.RLock()
	exec := d.executors[rec.ExecutorName]
	d.execMu.RUnlock()

	type heartbeatSink interface{ NoteHeartbeat(runID string) }
	if sink, ok := exec.(heartbeatSink); ok {
		sink.NoteHeartbeat(rec.RunID)
	}
}

// SetFailureSink installs a callback invoked after a run reaches the failed
// status. The daemon wires it to the DLQ manager so terminal failures route
// to the archive.
func (d *Dispatcher) SetFailureSink(fn func(runID string)) {
	d.failMu.Lock()
	d.onFailed = fn
	d.failMu.Unlock()
}

// recordTerminal updates completion metrics from the persisted record and
// feeds failed runs to the failure sink.
func (d *Dispatcher) recordTerminal(rec *work.Record, status work.Status) {
	if status == "" {
		return
	}
	final, err := d.ledger.GetRun(context.Background(), rec.RunID)
	if err != nil {
		return
	}
	d.metrics.RecordCompleted(string(final.Spec.Kind), final.Spec.Lane,
		string(final.Status), final.DurationSeconds())

	if final.Status == work.StatusFailed {
		d.failMu.RLock()
		sink := d.onFailed
		d.failMu.RUnlock()
		if sink != nil {
			sink(final.RunID)
		}
	}
}

// effectiveTimeout is the smallest of the system default, the handler's
// declared timeout and the spec's timeout; unset (non-positive) handler and
// spec timeouts are ignored.
func (d *Dispatcher) effectiveTimeout(spec work.Spec, desc registry.Descriptor) time.Duration {
	timeout := d.cfg.DefaultTimeout
	if desc.Timeout > 0 && desc.Timeout < timeout {
		timeout = desc.Timeout
	}
	if spec.TimeoutSeconds > 0 {
		specTimeout := time.Duration(spec.TimeoutSeconds) * time.Second
		if specTimeout < timeout {
			timeout = specTimeout
		}
	}
	return timeout
}

// GetRun returns a read-only run snapshot.
func (d *Dispatcher) GetRun(ctx context.Context, runID string) (*work.Record, error) {
	return d.ledger.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (d *Dispatcher) ListRuns(ctx context.Context, f *ledger.Filter) ([]*work.Record, error) {
	return d.ledger.ListRuns(ctx, f)
}

// GetEvents returns a run's events ordered by timestamp.
func (d *Dispatcher) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	return d.ledger.GetEvents(ctx, runID)
}

// Cancel requests cancellation. Pending runs transition directly; queued and
// running runs are signalled through their executor. Cancelling a terminal
// run is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	rec, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if rec.Status == work.StatusPending {
		now := time.Now().UTC()
		ok, err := d.ledger.UpdateStatus(ctx, runID, work.StatusPending, work.StatusCancelled,
			&ledger.StatusUpdate{CompletedAt: &now, EventSource: "dispatcher"})
		if err != nil {
			return err
		}
		if ok {
			if et, eid, guarded := rec.Spec.Entity(); guarded {
				d.guard.Release(et, eid, runID)
			}
			return nil
		}
		// Raced past pending; fall through to the executor.
	}

	d.execMu.RLock()
	exec := d.executors[rec.ExecutorName]
	d.execMu.RUnlock()
	if exec != nil {
		exec.Cancel(ctx, runID)
	}
	return nil
}

// Wait polls the ledger until the run is terminal or the timeout elapses.
func (d *Dispatcher) Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, err := d.ledger.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return rec, errors.NewTimeout("wait for run "+runID, timeout.Seconds())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.WaitPollInterval):
		}
	}
}

// Health aggregates executor health reports.
func (d *Dispatcher) Health(ctx context.Context) map[string]executor.HealthReport {
	d.execMu.RLock()
	defer d.execMu.RUnlock()

	reports := make(map[string]executor.HealthReport, len(d.executors))
	for name, exec := range d.executors {
		report := exec.Health(ctx)
		reports[name] = report
		d.metrics.SetQueueDepth(name, report.QueueDepth)
	}
	return reports
}

// normalize fills spec defaults.
func normalize(spec work.Spec) work.Spec {
	spec = spec.Copy()
	if spec.Priority == "" {
		spec.Priority = work.PriorityNormal
	}
	if spec.Lane == "" {
		spec.Lane = work.DefaultLane
	}
	if spec.TriggerSource == "" {
		spec.TriggerSource = work.TriggerInternal
	}
	return spec
}

// validateSpec enforces the submission contract.
func validateSpec(spec work.Spec) error {
	if !spec.Kind.Valid() || !spec.Kind.Submittable() {
		return errors.NewValidation("kind", "kind must be task, pipeline, or workflow")
	}
	if spec.Name == "" {
		return errors.NewValidation("name", "handler name cannot be empty")
	}
	if !spec.Priority.Valid() {
		return errors.NewValidation("priority", "unknown priority "+string(spec.Priority))
	}
	if _, err := json.Marshal(spec.Params); err != nil {
		return errors.Wrap(errors.CategoryValidation, err, "params are not JSON-serialisable")
	}
	return nil
}

// classifyHandlerError maps an unclassified handler failure onto the
// taxonomy: transient when the handler's declared policy opts in, internal
// otherwise. Already-classified errors pass through.
func classifyHandlerError(err error, desc registry.Descriptor) error {
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}
	if desc.RetryTransient {
		return errors.Wrap(errors.CategoryTransient, err, "handler %s failed", desc.Name)
	}
	return errors.Wrap(errors.CategoryInternal, err, "handler %s failed", desc.Name)
}
