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

// Package dlq archives terminally-failed runs for inspection and
// reprocessing. A DLQ entry is never mutated after creation; reprocessing
// creates a fresh run linked to the original via retry_of_run_id.
package dlq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/metrics"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// RetrySubmitter creates a fresh run linked to a prior one. Implemented by
// the dispatcher.
type RetrySubmitter interface {
	SubmitRetry(ctx context.Context, spec work.Spec, retryOfRunID string) (string, error)
}

// Manager moves failed runs into the DLQ and reprocesses them.
type Manager struct {
	ledger    ledger.Ledger
	store     ledger.DLQStore
	submitter RetrySubmitter
	logger    *slog.Logger
	metrics   *metrics.Collector
}

// New creates a DLQ manager. The submitter is wired after the dispatcher is
// built via SetSubmitter.
func New(led ledger.Ledger, store ledger.DLQStore, logger *slog.Logger, collector *metrics.Collector) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ledger:  led,
		store:   store,
		logger:  log.WithComponent(logger, "dlq"),
		metrics: collector,
	}
}

// SetSubmitter wires the dispatcher for reprocessing.
func (m *Manager) SetSubmitter(s RetrySubmitter) {
	m.submitter = s
}

// MoveToDLQ copies a failed run's spec and error state into the archive and
// appends a dlq_moved event to the run.
func (m *Manager) MoveToDLQ(ctx context.Context, runID, reason string) (*ledger.DLQEntry, error) {
	rec, err := m.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status != work.StatusFailed {
		return nil, errors.NewValidation("run_id",
			"only failed runs can move to the DLQ; run "+runID+" is "+string(rec.Status))
	}

	entry := &ledger.DLQEntry{
		ID:            "dlq_" + uuid.NewString(),
		RunID:         runID,
		Spec:          rec.Spec.Copy(),
		Reason:        reason,
		ErrorCategory: rec.ErrorCategory,
		Error:         rec.Error,
		EnqueuedAt:    time.Now().UTC(),
	}

	if err := m.store.AddDLQ(ctx, entry); err != nil {
		return nil, err
	}

	ev := work.NewEvent(runID, work.EventDLQMoved, "dlq", map[string]any{
		"dlq_id": entry.ID,
		"reason": reason,
	})
	if err := m.ledger.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("failed to append dlq_moved event", log.Error(err),
			slog.String(log.RunIDKey, runID))
	}

	m.metrics.RecordDLQMoved()
	m.logger.Info("run moved to DLQ",
		slog.String(log.RunIDKey, runID),
		slog.String("dlq_id", entry.ID),
		slog.String("reason", reason))

	return entry, nil
}

// Get returns one DLQ entry.
func (m *Manager) Get(ctx context.Context, id string) (*ledger.DLQEntry, error) {
	return m.store.GetDLQ(ctx, id)
}

// List returns DLQ entries matching the filter, oldest first.
func (m *Manager) List(ctx context.Context, f *ledger.DLQFilter) ([]*ledger.DLQEntry, error) {
	return m.store.ListDLQ(ctx, f)
}

// Reprocess submits the archived spec as a fresh run with retry_of_run_id
// pointing at the DLQ'd run, and appends dlq_reprocessed to the original.
func (m *Manager) Reprocess(ctx context.Context, dlqID string) (string, error) {
	if m.submitter == nil {
		return "", errors.New(errors.CategoryInternal, "DLQ manager has no submitter wired")
	}

	entry, err := m.store.GetDLQ(ctx, dlqID)
	if err != nil {
		return "", err
	}

	runID, err := m.submitter.SubmitRetry(ctx, entry.Spec, entry.RunID)
	if err != nil {
		return "", err
	}

	ev := work.NewEvent(entry.RunID, work.EventDLQReprocessed, "dlq", map[string]any{
		"dlq_id":     dlqID,
		"new_run_id": runID,
	})
	if err := m.ledger.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("failed to append dlq_reprocessed event", log.Error(err),
			slog.String(log.RunIDKey, entry.RunID))
	}

	m.logger.Info("DLQ entry reprocessed",
		slog.String("dlq_id", dlqID),
		slog.String(log.RunIDKey, runID))

	return runID, nil
}

// Purge deletes entries enqueued before the cutoff, returning the count.
func (m *Manager) Purge(ctx context.Context, before time.Time) (int, error) {
	return m.store.PurgeDLQ(ctx, before)
}
