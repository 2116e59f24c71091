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

// Package executor selects the runtime for a run: the in-process
// MemoryExecutor for tests and sync-wait clients, and the LocalExecutor
// worker pool with per-lane priority queues. Executors call back into the
// ledger to transition state, honouring the invariant that started precedes
// any terminal transition for the same run.
package executor

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// Invoke is the resilience-wrapped handler invocation built by the
// dispatcher. Executors run it and persist the outcome.
type Invoke func(ctx context.Context) (any, error)

// Task is one unit of work handed to an executor.
type Task struct {
	// Record is the run snapshot at submission time.
	Record *work.Record

	// Invoke runs the handler with its resilience chain applied.
	Invoke Invoke

	// Timeout is the effective invocation timeout, already clamped to the
	// system default by the dispatcher. Zero means no timeout.
	Timeout time.Duration

	// OnTerminal is called after the run reaches a terminal status.
	// The dispatcher uses it to release concurrency-guard entities.
	OnTerminal func(status work.Status)
}

// HealthReport is adapter-local health.
type HealthReport struct {
	Name       string `json:"name"`
	Healthy    bool   `json:"healthy"`
	Workers    int    `json:"workers,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Executor hands off work for execution.
type Executor interface {
	// Name identifies the adapter; recorded on the run.
	Name() string

	// Submit hands off work and returns immediately (the MemoryExecutor,
	// which completes the run synchronously, is the documented exception).
	// The returned external ref is an opaque adapter handle, empty when the
	// adapter has none.
	Submit(ctx context.Context, task *Task) (string, error)

	// Cancel requests best-effort cancellation of a run. Handlers that do
	// not observe their context continue to completion.
	Cancel(ctx context.Context, runID string) bool

	// Health reports adapter-local health.
	Health(ctx context.Context) HealthReport

	// Close stops the adapter.
	Close() error
}

// errWatchdogTimeout is the cancellation cause the heartbeat watchdog sets,
// distinguishing a watchdog stop from an explicit cancel.
var errWatchdogTimeout = stderrors.New("heartbeat watchdog timeout")

// runTask drives one invocation through started -> terminal, enforcing the
// timeout and discarding the handler's return value when it fires.
// from is the status the run holds when the worker picks it up.
func runTask(ctx context.Context, led ledger.Ledger, task *Task, from work.Status, source string) {
	rec := task.Record
	now := time.Now().UTC()

	ok, err := led.UpdateStatus(ctx, rec.RunID, from, work.StatusRunning, &ledger.StatusUpdate{
		StartedAt:   &now,
		EventSource: source,
	})
	if err != nil || !ok {
		// The run was cancelled (or otherwise moved) before it started.
		finalize(task, work.Status(""))
		return
	}

	invokeCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := task.Invoke(invokeCtx)
		done <- outcome{result: result, err: err}
	}()

	var status work.Status
	var upd ledger.StatusUpdate
	completed := time.Now().UTC()
	upd.EventSource = source

	select {
	case out := <-done:
		completed = time.Now().UTC()
		if out.err == nil {
			status = work.StatusCompleted
			upd.Result = out.result
		} else {
			status, upd = classifyFailure(out.err, source)
		}
	case <-invokeCtx.Done():
		// Timeout or cancellation: the handler's eventual return value is
		// discarded.
		completed = time.Now().UTC()
		status, upd = classifyContextStop(ctx, invokeCtx, task, source)
	}
	upd.CompletedAt = &completed

	if _, err := led.UpdateStatus(ctx, rec.RunID, work.StatusRunning, status, &upd); err == nil {
		finalize(task, status)
	} else {
		finalize(task, work.Status(""))
	}
}

// classifyFailure maps a handler error to a terminal failed update.
func classifyFailure(err error, source string) (work.Status, ledger.StatusUpdate) {
	category := errors.CategoryOf(err)
	if category == errors.CategoryCancelled {
		return work.StatusCancelled, ledger.StatusUpdate{
			Error:         err.Error(),
			ErrorCategory: category,
			EventSource:   source,
		}
	}
	return work.StatusFailed, ledger.StatusUpdate{
		Error:         err.Error(),
		ErrorType:     errorTypeName(err),
		ErrorCategory: category,
		EventSource:   source,
	}
}

// classifyContextStop distinguishes timeout from explicit cancellation when
// the invocation context fires before the handler returns.
func classifyContextStop(parent, invokeCtx context.Context, task *Task, source string) (work.Status, ledger.StatusUpdate) {
	cause := context.Cause(invokeCtx)
	switch {
	case stderrors.Is(cause, errWatchdogTimeout) || stderrors.Is(invokeCtx.Err(), context.DeadlineExceeded):
		err := errors.NewTimeout("handler", task.Timeout.Seconds())
		return work.StatusFailed, ledger.StatusUpdate{
			Error:         err.Error(),
			ErrorType:     "TimeoutError",
			ErrorCategory: errors.CategoryTimeout,
			EventSource:   source,
		}
	default:
		err := errors.NewCancelled(task.Record.RunID)
		return work.StatusCancelled, ledger.StatusUpdate{
			Error:         err.Error(),
			ErrorCategory: errors.CategoryCancelled,
			EventSource:   source,
		}
	}
}

func finalize(task *Task, status work.Status) {
	if task.OnTerminal != nil {
		task.OnTerminal(status)
	}
}

// errorTypeName extracts a short type label from an error for the record's
// error_type field.
func errorTypeName(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return "ExecutionError"
	}
	return "HandlerError"
}
