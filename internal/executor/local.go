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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/pkg/work"
)

// LocalName is the LocalExecutor adapter name.
const LocalName = "local"

var _ Executor = (*LocalExecutor)(nil)

// LocalConfig configures the worker pool.
type LocalConfig struct {
	// MaxConcurrent is the worker pool size. Default 4.
	MaxConcurrent int

	// MaxQueue bounds each lane's queue; enqueue applies backpressure when
	// full. Zero means unbounded.
	MaxQueue int

	// PollInterval governs the pool's idle re-check cadence. Default 250ms.
	PollInterval time.Duration

	// HeartbeatTimeout converts "no heartbeat in this long" into a timeout
	// failure for runs whose handlers report heartbeats. Zero disables the
	// watchdog.
	HeartbeatTimeout time.Duration
}

type runningRun struct {
	cancel  context.CancelCauseFunc
	started time.Time

	mu       sync.Mutex
	lastBeat time.Time
	beats    int
}

// LocalExecutor runs work on a bounded pool of workers fed by per-lane FIFO
// queues with priority-aware dequeue. Cancellation closes the run's context;
// handlers that do not cooperate continue to completion (documented
// limitation).
type LocalExecutor struct {
	ledger ledger.Ledger
	cfg    LocalConfig
	logger *slog.Logger
	queue  *laneSet

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	seq     atomic.Uint64

	mu      sync.Mutex
	running map[string]*runningRun
}

// NewLocalExecutor creates and starts the pool.
func NewLocalExecutor(led ledger.Ledger, cfg LocalConfig, logger *slog.Logger) *LocalExecutor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &LocalExecutor{
		ledger:  led,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "executor.local"),
		queue:   newLaneSet(cfg.MaxQueue),
		baseCtx: baseCtx,
		stop:    stop,
		running: make(map[string]*runningRun),
	}

	for i := 0; i < cfg.MaxConcurrent; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	if cfg.HeartbeatTimeout > 0 {
		e.wg.Add(1)
		go e.watchdog()
	}
	return e
}

// Name implements Executor.
func (e *LocalExecutor) Name() string { return LocalName }

// Submit implements Executor. The run is transitioned to queued and placed
// on its lane; a worker picks it up asynchronously.
func (e *LocalExecutor) Submit(ctx context.Context, task *Task) (string, error) {
	rec := task.Record
	lane := rec.Spec.Lane
	if lane == "" {
		lane = work.DefaultLane
	}

	seq := e.seq.Add(1)
	externalRef := fmt.Sprintf("local/%s#%d", lane, seq)

	ok, err := e.ledger.UpdateStatus(ctx, rec.RunID, work.StatusPending, work.StatusQueued,
		&ledger.StatusUpdate{ExternalRef: externalRef, EventSource: LocalName})
	if err != nil {
		return "", err
	}
	if !ok {
		// Cancelled between create and submit; nothing to enqueue.
		return "", nil
	}

	j := &job{
		task:   task,
		weight: rec.Spec.Priority.Weight(),
		seq:    seq,
	}
	if err := e.queue.Enqueue(ctx, lane, j); err != nil {
		return "", err
	}

	return externalRef, nil
}

// worker drains the lane set until the executor stops.
func (e *LocalExecutor) worker(id int) {
	defer e.wg.Done()

	for {
		j, err := e.queue.Dequeue(e.baseCtx, e.cfg.PollInterval)
		if err != nil {
			return
		}

		runID := j.task.Record.RunID
		runCtx, cancel := context.WithCancelCause(e.baseCtx)
		rr := &runningRun{cancel: cancel, started: time.Now()}

		e.mu.Lock()
		e.running[runID] = rr
		e.mu.Unlock()

		e.logger.Debug("worker picked up run",
			slog.Int("worker", id),
			slog.String(log.RunIDKey, runID),
			slog.String(log.LaneKey, j.task.Record.Spec.Lane))

		runTask(runCtx, e.ledger, j.task, work.StatusQueued, LocalName)

		cancel(nil)
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
	}
}

// Cancel implements Executor. Queued runs are removed and transitioned to
// cancelled directly; running runs get their context cancelled.
func (e *LocalExecutor) Cancel(ctx context.Context, runID string) bool {
	if j := e.queue.Remove(runID); j != nil {
		now := time.Now().UTC()
		ok, err := e.ledger.UpdateStatus(ctx, runID, work.StatusQueued, work.StatusCancelled,
			&ledger.StatusUpdate{CompletedAt: &now, EventSource: LocalName})
		if err == nil && ok {
			finalize(j.task, work.StatusCancelled)
		}
		return true
	}

	e.mu.Lock()
	rr, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		rr.cancel(context.Canceled)
	}
	return ok
}

// NoteHeartbeat records handler liveness for the watchdog. The dispatcher
// wires this into the heartbeat capability it injects into invocations.
func (e *LocalExecutor) NoteHeartbeat(runID string) {
	e.mu.Lock()
	rr, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return
	}
	rr.mu.Lock()
	rr.lastBeat = time.Now()
	rr.beats++
	rr.mu.Unlock()
}

// watchdog fails runs whose handlers have reported at least one heartbeat
// and then gone silent for longer than the heartbeat timeout. Runs that
// never heartbeat are governed only by their invocation timeout.
func (e *LocalExecutor) watchdog() {
	defer e.wg.Done()

	interval := e.cfg.HeartbeatTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.baseCtx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		e.mu.Lock()
		for runID, rr := range e.running {
			rr.mu.Lock()
			silent := rr.beats > 0 && now.Sub(rr.lastBeat) > e.cfg.HeartbeatTimeout
			rr.mu.Unlock()
			if silent {
				e.logger.Warn("heartbeat watchdog stopping run",
					slog.String(log.RunIDKey, runID))
				rr.cancel(errWatchdogTimeout)
			}
		}
		e.mu.Unlock()
	}
}

// Health implements Executor.
func (e *LocalExecutor) Health(ctx context.Context) HealthReport {
	e.mu.Lock()
	active := len(e.running)
	e.mu.Unlock()

	return HealthReport{
		Name:       LocalName,
		Healthy:    e.baseCtx.Err() == nil,
		Workers:    e.cfg.MaxConcurrent,
		QueueDepth: e.queue.Depth(),
		Detail:     fmt.Sprintf("%d active", active),
	}
}

// Close implements Executor. Queued runs are abandoned in the queued status;
// in-flight runs are cancelled.
func (e *LocalExecutor) Close() error {
	e.queue.Close()
	e.stop()
	e.wg.Wait()
	return nil
}
