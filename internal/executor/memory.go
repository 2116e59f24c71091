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

package executor

import (
	"context"
	"sync"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/pkg/work"
)

// MemoryName is the MemoryExecutor adapter name.
const MemoryName = "memory"

var _ Executor = (*MemoryExecutor)(nil)

// MemoryExecutor invokes the handler on the submitter's goroutine. Submit
// completes the run before returning, which makes it the right adapter for
// tests and clients that wait synchronously. The external ref is always
// empty.
type MemoryExecutor struct {
	ledger ledger.Ledger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewMemoryExecutor creates a synchronous in-process executor.
func NewMemoryExecutor(led ledger.Ledger) *MemoryExecutor {
	return &MemoryExecutor{
		ledger:  led,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Name implements Executor.
func (e *MemoryExecutor) Name() string { return MemoryName }

// Submit implements Executor. The run is terminal when Submit returns.
func (e *MemoryExecutor) Submit(ctx context.Context, task *Task) (string, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancels[task.Record.RunID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, task.Record.RunID)
		e.mu.Unlock()
	}()

	runTask(runCtx, e.ledger, task, work.StatusPending, MemoryName)
	return "", nil
}

// Cancel implements Executor. With a synchronous adapter there is rarely a
// window to observe a running run from another goroutine, but the token is
// honoured when there is.
func (e *MemoryExecutor) Cancel(ctx context.Context, runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Health implements Executor.
func (e *MemoryExecutor) Health(ctx context.Context) HealthReport {
	return HealthReport{Name: MemoryName, Healthy: true}
}

// Close implements Executor.
func (e *MemoryExecutor) Close() error { return nil }
