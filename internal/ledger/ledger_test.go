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

package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// backends runs the contract suite against every ledger implementation.
func backends(t *testing.T) map[string]func(t *testing.T) interface {
	Ledger
	DLQStore
} {
	return map[string]func(t *testing.T) interface {
		Ledger
		DLQStore
	}{
		"memory": func(t *testing.T) interface {
			Ledger
			DLQStore
		} {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) interface {
			Ledger
			DLQStore
		} {
			l, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
			require.NoError(t, err)
			t.Cleanup(func() { l.Close() })
			return l
		},
	}
}

func testRecord(runID string) *work.Record {
	return &work.Record{
		RunID: runID,
		Spec: work.Spec{
			Kind:          work.KindTask,
			Name:          "echo",
			Params:        map[string]any{"msg": "hi"},
			Priority:      work.PriorityNormal,
			Lane:          work.DefaultLane,
			TriggerSource: work.TriggerInternal,
		},
		Status:       work.StatusPending,
		ExecutorName: "memory",
		Attempt:      1,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestLedgerCreateAndGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-1")
			require.NoError(t, l.CreateRun(ctx, rec))

			got, err := l.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "run-1", got.RunID)
			assert.Equal(t, work.StatusPending, got.Status)
			assert.Equal(t, "echo", got.Spec.Name)
			assert.Equal(t, "hi", got.Spec.Params["msg"])
			assert.Equal(t, 1, got.Attempt)

			// Duplicate run IDs are an invariant violation.
			assert.Error(t, l.CreateRun(ctx, testRecord("run-1")))

			_, err = l.GetRun(ctx, "missing")
			assert.Error(t, err)
		})
	}
}

func TestLedgerSelfReferenceRejected(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-self")
			rec.RetryOfRunID = "run-self"
			assert.Error(t, l.CreateRun(ctx, rec))

			rec2 := testRecord("run-self2")
			rec2.Spec.ParentRunID = "run-self2"
			assert.Error(t, l.CreateRun(ctx, rec2))
		})
	}
}

func TestLedgerConditionalStatusUpdate(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			require.NoError(t, l.CreateRun(ctx, testRecord("run-1")))

			started := time.Now().UTC()
			ok, err := l.UpdateStatus(ctx, "run-1", work.StatusPending, work.StatusRunning,
				&StatusUpdate{StartedAt: &started})
			require.NoError(t, err)
			assert.True(t, ok)

			// A non-matching from returns false and writes nothing.
			ok, err = l.UpdateStatus(ctx, "run-1", work.StatusPending, work.StatusRunning, nil)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := l.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, work.StatusRunning, got.Status)
			require.NotNil(t, got.StartedAt)

			// Illegal transitions are rejected outright.
			_, err = l.UpdateStatus(ctx, "run-1", work.StatusRunning, work.StatusPending, nil)
			assert.Error(t, err)

			// Complete the run; terminal stability follows from the state
			// machine: no legal from-state can leave completed.
			completed := time.Now().UTC()
			ok, err = l.UpdateStatus(ctx, "run-1", work.StatusRunning, work.StatusCompleted,
				&StatusUpdate{Result: "done", CompletedAt: &completed})
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = l.UpdateStatus(ctx, "run-1", work.StatusCompleted, work.StatusRunning, nil)
			assert.Error(t, err)
		})
	}
}

func TestLedgerEventsOrdered(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			require.NoError(t, l.CreateRun(ctx, testRecord("run-1")))

			require.NoError(t, l.AppendEvent(ctx, work.NewEvent("run-1", work.EventSubmitted, "test", nil)))

			started := time.Now().UTC()
			ok, err := l.UpdateStatus(ctx, "run-1", work.StatusPending, work.StatusRunning,
				&StatusUpdate{StartedAt: &started})
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, l.AppendEvent(ctx, work.NewEvent("run-1", work.EventHeartbeat, "test", nil)))

			completed := time.Now().UTC()
			ok, err = l.UpdateStatus(ctx, "run-1", work.StatusRunning, work.StatusCompleted,
				&StatusUpdate{CompletedAt: &completed})
			require.NoError(t, err)
			require.True(t, ok)

			events, err := l.GetEvents(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, events, 4)

			assert.Equal(t, work.EventSubmitted, events[0].Type)
			assert.Equal(t, work.EventCompleted, events[len(events)-1].Type)
			for i := 1; i < len(events); i++ {
				assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp),
					"events must be non-decreasing in timestamp")
			}
		})
	}
}

func TestLedgerDuplicateEventID(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()
			require.NoError(t, l.CreateRun(ctx, testRecord("run-1")))

			ev := work.NewEvent("run-1", work.EventSubmitted, "test", nil)
			require.NoError(t, l.AppendEvent(ctx, ev))
			assert.Error(t, l.AppendEvent(ctx, ev), "duplicate event IDs must fail")
		})
	}
}

func TestLedgerIdempotencyLookup(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-1")
			rec.Spec.IdempotencyKey = "k1"
			require.NoError(t, l.CreateRun(ctx, rec))

			found, err := l.FindActiveByIdempotency(ctx, "k1")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, "run-1", found.RunID)

			// Failed runs release the key.
			started := time.Now().UTC()
			_, err = l.UpdateStatus(ctx, "run-1", work.StatusPending, work.StatusRunning,
				&StatusUpdate{StartedAt: &started})
			require.NoError(t, err)
			completed := time.Now().UTC()
			_, err = l.UpdateStatus(ctx, "run-1", work.StatusRunning, work.StatusFailed,
				&StatusUpdate{Error: "boom", ErrorCategory: errors.CategoryInternal, CompletedAt: &completed})
			require.NoError(t, err)

			found, err = l.FindActiveByIdempotency(ctx, "k1")
			require.NoError(t, err)
			assert.Nil(t, found)

			// The historical run is still reachable for retry linking.
			prior, err := l.ListRuns(ctx, &Filter{IdempotencyKey: "k1", Limit: 1})
			require.NoError(t, err)
			require.Len(t, prior, 1)
			assert.Equal(t, "run-1", prior[0].RunID)

			// Completed runs hold the key.
			rec2 := testRecord("run-2")
			rec2.Spec.IdempotencyKey = "k1"
			require.NoError(t, l.CreateRun(ctx, rec2))
			st := time.Now().UTC()
			_, _ = l.UpdateStatus(ctx, "run-2", work.StatusPending, work.StatusRunning, &StatusUpdate{StartedAt: &st})
			ct := time.Now().UTC()
			_, _ = l.UpdateStatus(ctx, "run-2", work.StatusRunning, work.StatusCompleted, &StatusUpdate{CompletedAt: &ct})

			found, err = l.FindActiveByIdempotency(ctx, "k1")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, "run-2", found.RunID)
		})
	}
}

func TestLedgerDuplicateIdempotencyRejected(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-1")
			rec.Spec.IdempotencyKey = "k1"
			require.NoError(t, l.CreateRun(ctx, rec))

			dup := testRecord("run-2")
			dup.Spec.IdempotencyKey = "k1"
			assert.Error(t, l.CreateRun(ctx, dup),
				"a second active run with the same key must be rejected")
		})
	}
}

func TestLedgerEntityGuard(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-1")
			rec.Spec.Metadata = map[string]string{
				work.MetaEntityType: "feed",
				work.MetaEntityID:   "F1",
			}
			require.NoError(t, l.CreateRun(ctx, rec))

			count, err := l.CountActiveByEntity(ctx, "feed", "F1")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			// A second active run for the same entity violates the partial
			// unique index.
			dup := testRecord("run-2")
			dup.Spec.Metadata = map[string]string{
				work.MetaEntityType: "feed",
				work.MetaEntityID:   "F1",
			}
			err = l.CreateRun(ctx, dup)
			require.Error(t, err)
			assert.Equal(t, errors.CategoryConcurrencyConflict, errors.CategoryOf(err))

			// Once terminal, the entity frees up.
			st := time.Now().UTC()
			_, _ = l.UpdateStatus(ctx, "run-1", work.StatusPending, work.StatusRunning, &StatusUpdate{StartedAt: &st})
			ct := time.Now().UTC()
			_, _ = l.UpdateStatus(ctx, "run-1", work.StatusRunning, work.StatusCompleted, &StatusUpdate{CompletedAt: &ct})

			require.NoError(t, l.CreateRun(ctx, dup))
		})
	}
}

func TestLedgerListFilters(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			a := testRecord("run-a")
			a.Spec.Name = "alpha"
			b := testRecord("run-b")
			b.Spec.Name = "beta"
			b.Spec.Lane = "backfill"
			require.NoError(t, l.CreateRun(ctx, a))
			require.NoError(t, l.CreateRun(ctx, b))

			byName, err := l.ListRuns(ctx, &Filter{Name: "alpha"})
			require.NoError(t, err)
			require.Len(t, byName, 1)
			assert.Equal(t, "run-a", byName[0].RunID)

			byLane, err := l.ListRuns(ctx, &Filter{Lane: "backfill"})
			require.NoError(t, err)
			require.Len(t, byLane, 1)

			byStatus, err := l.ListRuns(ctx, &Filter{Status: []work.Status{work.StatusPending}})
			require.NoError(t, err)
			assert.Len(t, byStatus, 2)

			limited, err := l.ListRuns(ctx, &Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestDLQStore(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := open(t)
			ctx := context.Background()

			rec := testRecord("run-1")
			require.NoError(t, l.CreateRun(ctx, rec))

			entry := &DLQEntry{
				ID:            "dlq-1",
				RunID:         "run-1",
				Spec:          rec.Spec,
				Reason:        "max_retries_exhausted",
				ErrorCategory: "transient",
				Error:         "boom",
				EnqueuedAt:    time.Now().UTC().Add(-48 * time.Hour),
			}
			require.NoError(t, l.AddDLQ(ctx, entry))
			assert.Error(t, l.AddDLQ(ctx, entry), "duplicate DLQ IDs must fail")

			got, err := l.GetDLQ(ctx, "dlq-1")
			require.NoError(t, err)
			assert.Equal(t, "run-1", got.RunID)
			assert.Equal(t, "echo", got.Spec.Name)

			listed, err := l.ListDLQ(ctx, &DLQFilter{Reason: "max_retries_exhausted"})
			require.NoError(t, err)
			assert.Len(t, listed, 1)

			none, err := l.ListDLQ(ctx, &DLQFilter{Reason: "other"})
			require.NoError(t, err)
			assert.Empty(t, none)

			deleted, err := l.PurgeDLQ(ctx, time.Now().UTC().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			_, err = l.GetDLQ(ctx, "dlq-1")
			assert.Error(t, err)
		})
	}
}
