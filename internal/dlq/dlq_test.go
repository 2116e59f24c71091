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

package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// stubSubmitter records retry submissions.
type stubSubmitter struct {
	specs    []work.Spec
	retryOfs []string
}

func (s *stubSubmitter) SubmitRetry(ctx context.Context, spec work.Spec, retryOfRunID string) (string, error) {
	s.specs = append(s.specs, spec)
	s.retryOfs = append(s.retryOfs, retryOfRunID)
	return "run-new", nil
}

func failedRun(t *testing.T, led ledger.Ledger, runID string) {
	t.Helper()
	ctx := context.Background()
	rec := &work.Record{
		RunID: runID,
		Spec: work.Spec{
			Kind:   work.KindTask,
			Name:   "ingest",
			Params: map[string]any{"feed": "F1"},
		},
		Status:    work.StatusPending,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, led.CreateRun(ctx, rec))

	started := time.Now().UTC()
	_, err := led.UpdateStatus(ctx, runID, work.StatusPending, work.StatusRunning,
		&ledger.StatusUpdate{StartedAt: &started})
	require.NoError(t, err)

	completed := time.Now().UTC()
	_, err = led.UpdateStatus(ctx, runID, work.StatusRunning, work.StatusFailed,
		&ledger.StatusUpdate{
			Error:         "boom",
			ErrorCategory: errors.CategoryTransient,
			CompletedAt:   &completed,
		})
	require.NoError(t, err)
}

func TestMoveToDLQ(t *testing.T) {
	led := ledger.NewMemory()
	m := New(led, led, nil, nil)
	ctx := context.Background()

	failedRun(t, led, "run-1")

	entry, err := m.MoveToDLQ(ctx, "run-1", "max_retries_exhausted")
	require.NoError(t, err)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "ingest", entry.Spec.Name)
	assert.Equal(t, "max_retries_exhausted", entry.Reason)
	assert.Equal(t, "transient", entry.ErrorCategory)

	// The run's event trail records the move.
	events, err := led.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, work.EventDLQMoved, last.Type)
	assert.Equal(t, entry.ID, last.Data["dlq_id"])
}

func TestMoveToDLQRejectsNonFailed(t *testing.T) {
	led := ledger.NewMemory()
	m := New(led, led, nil, nil)
	ctx := context.Background()

	rec := &work.Record{
		RunID:     "run-1",
		Spec:      work.Spec{Kind: work.KindTask, Name: "ingest"},
		Status:    work.StatusPending,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, led.CreateRun(ctx, rec))

	_, err := m.MoveToDLQ(ctx, "run-1", "whatever")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))
}

func TestReprocess(t *testing.T) {
	led := ledger.NewMemory()
	m := New(led, led, nil, nil)
	sub := &stubSubmitter{}
	m.SetSubmitter(sub)
	ctx := context.Background()

	failedRun(t, led, "run-1")
	entry, err := m.MoveToDLQ(ctx, "run-1", "inspection")
	require.NoError(t, err)

	newRunID, err := m.Reprocess(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-new", newRunID)

	require.Len(t, sub.specs, 1)
	assert.Equal(t, "ingest", sub.specs[0].Name)
	assert.Equal(t, "F1", sub.specs[0].Params["feed"])
	assert.Equal(t, []string{"run-1"}, sub.retryOfs)

	// The original run records the reprocess; the DLQ entry is untouched.
	events, err := led.GetEvents(ctx, "run-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, work.EventDLQReprocessed, last.Type)
	assert.Equal(t, "run-new", last.Data["new_run_id"])

	again, err := m.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.EnqueuedAt, again.EnqueuedAt)
}

func TestPurge(t *testing.T) {
	led := ledger.NewMemory()
	m := New(led, led, nil, nil)
	ctx := context.Background()

	failedRun(t, led, "run-1")
	entry, err := m.MoveToDLQ(ctx, "run-1", "old")
	require.NoError(t, err)

	// Nothing is older than the distant-past cutoff.
	deleted, err := m.Purge(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)

	deleted, err = m.Purge(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.Get(ctx, entry.ID)
	assert.Error(t, err)
}
