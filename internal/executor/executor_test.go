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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

func pendingRun(t *testing.T, led ledger.Ledger, runID, lane string, priority work.Priority) *work.Record {
	t.Helper()
	rec := &work.Record{
		RunID: runID,
		Spec: work.Spec{
			Kind:     work.KindTask,
			Name:     "test",
			Lane:     lane,
			Priority: priority,
		},
		Status:    work.StatusPending,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, led.CreateRun(context.Background(), rec))
	return rec
}

func TestMemoryExecutorCompletesSynchronously(t *testing.T) {
	led := ledger.NewMemory()
	e := NewMemoryExecutor(led)

	rec := pendingRun(t, led, "run-1", work.DefaultLane, work.PriorityNormal)
	var terminal work.Status
	ref, err := e.Submit(context.Background(), &Task{
		Record:     rec,
		Invoke:     func(ctx context.Context) (any, error) { return "done", nil },
		OnTerminal: func(s work.Status) { terminal = s },
	})
	require.NoError(t, err)
	assert.Empty(t, ref, "memory executor has no external ref")

	// The run is terminal when Submit returns.
	got, err := led.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, work.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, work.StatusCompleted, terminal)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))
}

func TestMemoryExecutorRecordsFailure(t *testing.T) {
	led := ledger.NewMemory()
	e := NewMemoryExecutor(led)

	rec := pendingRun(t, led, "run-1", work.DefaultLane, work.PriorityNormal)
	_, err := e.Submit(context.Background(), &Task{
		Record: rec,
		Invoke: func(ctx context.Context) (any, error) {
			return nil, errors.New(errors.CategoryPermanent, "nope")
		},
	})
	require.NoError(t, err)

	got, err := led.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, work.StatusFailed, got.Status)
	assert.Equal(t, string(errors.CategoryPermanent), got.ErrorCategory)
}

func TestMemoryExecutorTimeoutDiscardsResult(t *testing.T) {
	led := ledger.NewMemory()
	e := NewMemoryExecutor(led)

	rec := pendingRun(t, led, "run-1", work.DefaultLane, work.PriorityNormal)
	_, err := e.Submit(context.Background(), &Task{
		Record:  rec,
		Timeout: 20 * time.Millisecond,
		Invoke: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	require.NoError(t, err)

	got, err := led.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, work.StatusFailed, got.Status)
	assert.Equal(t, string(errors.CategoryTimeout), got.ErrorCategory)
}

func TestLaneQueuePriorityAndFIFO(t *testing.T) {
	s := newLaneSet(0)
	ctx := context.Background()

	enqueue := func(runID string, priority work.Priority, seq uint64) {
		require.NoError(t, s.Enqueue(ctx, "normal", &job{
			task:   &Task{Record: &work.Record{RunID: runID, Spec: work.Spec{Lane: "normal", Priority: priority}}},
			weight: priority.Weight(),
			seq:    seq,
		}))
	}

	enqueue("low-1", work.PriorityLow, 1)
	enqueue("normal-1", work.PriorityNormal, 2)
	enqueue("high-1", work.PriorityHigh, 3)
	enqueue("normal-2", work.PriorityNormal, 4)
	enqueue("high-2", work.PriorityHigh, 5)

	// Higher priorities dequeue first; FIFO breaks ties.
	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low-1"}
	for _, expected := range want {
		j, err := s.Dequeue(ctx, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, expected, j.task.Record.RunID)
	}
}

func TestLaneSetRoundRobinAcrossLanes(t *testing.T) {
	s := newLaneSet(0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		for _, lane := range []string{"gpu", "batch"} {
			runID := fmt.Sprintf("%s-%d", lane, i)
			require.NoError(t, s.Enqueue(ctx, lane, &job{
				task:   &Task{Record: &work.Record{RunID: runID, Spec: work.Spec{Lane: lane}}},
				weight: work.PriorityNormal.Weight(),
			}))
		}
	}

	// Lanes are served round-robin, so neither lane drains first.
	var lanes []string
	for i := 0; i < 4; i++ {
		j, err := s.Dequeue(ctx, time.Millisecond)
		require.NoError(t, err)
		lanes = append(lanes, j.task.Record.Spec.Lane)
	}
	assert.NotEqual(t, []string{"gpu", "gpu", "batch", "batch"}, lanes,
		"round-robin must interleave lanes")
}

func TestLaneQueueRemove(t *testing.T) {
	s := newLaneSet(0)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "normal", &job{
		task:   &Task{Record: &work.Record{RunID: "run-1", Spec: work.Spec{Lane: "normal"}}},
		weight: 2,
	}))

	assert.NotNil(t, s.Remove("run-1"))
	assert.Nil(t, s.Remove("run-1"))
	assert.Equal(t, 0, s.Depth())
}

func TestLocalExecutorRunsQueuedWork(t *testing.T) {
	led := ledger.NewMemory()
	e := NewLocalExecutor(led, LocalConfig{MaxConcurrent: 2, PollInterval: 5 * time.Millisecond}, nil)
	defer e.Close()

	rec := pendingRun(t, led, "run-1", work.DefaultLane, work.PriorityNormal)
	ref, err := e.Submit(context.Background(), &Task{
		Record: rec,
		Invoke: func(ctx context.Context) (any, error) { return "async done", nil },
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	require.Eventually(t, func() bool {
		got, err := led.GetRun(context.Background(), "run-1")
		return err == nil && got.Status == work.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := led.GetRun(context.Background(), "run-1")
	assert.Equal(t, "async done", got.Result)
	assert.Equal(t, ref, got.ExternalRef)

	// The event log shows the queueing stage.
	events, err := led.GetEvents(context.Background(), "run-1")
	require.NoError(t, err)
	var types []work.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []work.EventType{work.EventQueued, work.EventStarted, work.EventCompleted}, types)
}

func TestLocalExecutorCancelQueued(t *testing.T) {
	led := ledger.NewMemory()
	// A single busy worker keeps later jobs queued.
	e := NewLocalExecutor(led, LocalConfig{MaxConcurrent: 1, PollInterval: 5 * time.Millisecond}, nil)
	defer e.Close()

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	blocker := pendingRun(t, led, "run-blocker", work.DefaultLane, work.PriorityNormal)
	_, err := e.Submit(context.Background(), &Task{
		Record: blocker,
		Invoke: func(ctx context.Context) (any, error) {
			defer wg.Done()
			<-block
			return nil, nil
		},
	})
	require.NoError(t, err)

	// Wait until the blocker occupies the worker.
	require.Eventually(t, func() bool {
		got, err := led.GetRun(context.Background(), "run-blocker")
		return err == nil && got.Status == work.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	victim := pendingRun(t, led, "run-victim", work.DefaultLane, work.PriorityNormal)
	_, err = e.Submit(context.Background(), &Task{
		Record: victim,
		Invoke: func(ctx context.Context) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	assert.True(t, e.Cancel(context.Background(), "run-victim"))

	got, err := led.GetRun(context.Background(), "run-victim")
	require.NoError(t, err)
	assert.Equal(t, work.StatusCancelled, got.Status)

	close(block)
	wg.Wait()
}

func TestLocalExecutorCancelRunning(t *testing.T) {
	led := ledger.NewMemory()
	e := NewLocalExecutor(led, LocalConfig{MaxConcurrent: 1, PollInterval: 5 * time.Millisecond}, nil)
	defer e.Close()

	rec := pendingRun(t, led, "run-1", work.DefaultLane, work.PriorityNormal)
	_, err := e.Submit(context.Background(), &Task{
		Record: rec,
		Invoke: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := led.GetRun(context.Background(), "run-1")
		return err == nil && got.Status == work.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, e.Cancel(context.Background(), "run-1"))

	require.Eventually(t, func() bool {
		got, err := led.GetRun(context.Background(), "run-1")
		return err == nil && got.Status == work.StatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLocalExecutorHealth(t *testing.T) {
	led := ledger.NewMemory()
	e := NewLocalExecutor(led, LocalConfig{MaxConcurrent: 3, PollInterval: 5 * time.Millisecond}, nil)
	defer e.Close()

	report := e.Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, 3, report.Workers)
	assert.Equal(t, 0, report.QueueDepth)
	assert.Equal(t, LocalName, report.Name)
}
