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

// Package ledger persists runs and their lifecycle events. The ledger is the
// single writer of truth for status transitions: every component that needs
// to change a run's status routes through UpdateStatus, which applies the
// state machine conditionally and atomically.
package ledger

import (
	"context"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// StatusUpdate carries the fields written alongside a status transition.
type StatusUpdate struct {
	ExternalRef   string
	ExecutorName  string
	Result        any
	Error         string
	ErrorType     string
	ErrorCategory errors.Category
	StartedAt     *time.Time
	CompletedAt   *time.Time

	// Attempt, when positive, overwrites the run's attempt counter. The
	// retry wrapper bumps it on each in-place retry.
	Attempt int

	// EventData is attached to the transition event.
	EventData map[string]any

	// EventSource names the component performing the transition.
	EventSource string
}

// Filter selects runs for listing.
type Filter struct {
	Status        []work.Status
	Kind          work.Kind
	Name          string
	Lane          string
	ParentRunID   string
	CorrelationID string

	// IdempotencyKey matches runs regardless of status; used to link a
	// fresh attempt to a prior failed run with the same key.
	IdempotencyKey string

	CreatedAfter *time.Time
	CreatedBefore *time.Time

	// Limit caps results (0 = no limit); Offset skips results.
	Limit  int
	Offset int
}

// DLQEntry is a snapshot of a terminally-failed run plus a reason code.
// Entries are never mutated after creation.
type DLQEntry struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Spec          work.Spec `json:"spec"`
	Reason        string    `json:"reason"`
	ErrorCategory string    `json:"error_category,omitempty"`
	Error         string    `json:"error,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// DLQFilter selects DLQ entries for listing.
type DLQFilter struct {
	Reason         string
	SpecName       string
	EnqueuedBefore *time.Time
	Limit          int
	Offset         int
}

// Ledger is the durable store of runs and events.
type Ledger interface {
	// CreateRun inserts a new run. A duplicate run ID is an invariant
	// violation. Self-referencing retry_of_run_id or parent_run_id links are
	// rejected at insertion time.
	CreateRun(ctx context.Context, rec *work.Record) error

	// UpdateStatus conditionally transitions runID from -> to and applies
	// the update fields atomically, emitting the corresponding event.
	// It returns false (with no write) when the current status is not from.
	// A transition the state machine forbids is rejected with an error.
	UpdateStatus(ctx context.Context, runID string, from, to work.Status, upd *StatusUpdate) (bool, error)

	// AppendEvent appends a lifecycle event. A duplicate event ID fails.
	AppendEvent(ctx context.Context, ev work.Event) error

	// GetRun returns a read-only snapshot of a run.
	GetRun(ctx context.Context, runID string) (*work.Record, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f *Filter) ([]*work.Record, error)

	// GetEvents returns a run's events ordered by timestamp.
	GetEvents(ctx context.Context, runID string) ([]work.Event, error)

	// FindActiveByIdempotency returns a non-terminal or completed run with
	// the given idempotency key, or nil when none exists.
	FindActiveByIdempotency(ctx context.Context, key string) (*work.Record, error)

	// CountActiveByEntity counts non-terminal runs claiming the entity.
	// CreateRun's active-entity uniqueness check keeps this at most one.
	CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error)

	// Close releases backend resources.
	Close() error
}

// DLQStore is the dead-letter archive. The sqlite and memory ledgers both
// implement it so the DLQ shares the ledger's storage.
type DLQStore interface {
	AddDLQ(ctx context.Context, entry *DLQEntry) error
	GetDLQ(ctx context.Context, id string) (*DLQEntry, error)
	ListDLQ(ctx context.Context, f *DLQFilter) ([]*DLQEntry, error)

	// PurgeDLQ deletes entries enqueued before the cutoff and returns the
	// number deleted.
	PurgeDLQ(ctx context.Context, before time.Time) (int, error)
}

// eventTypeFor maps a status transition to its lifecycle event type.
// running -> running carries no transition event; heartbeat and progress
// events are appended directly by the executor.
func eventTypeFor(to work.Status) (work.EventType, bool) {
	switch to {
	case work.StatusQueued:
		return work.EventQueued, true
	case work.StatusRunning:
		return work.EventStarted, true
	case work.StatusCompleted:
		return work.EventCompleted, true
	case work.StatusFailed:
		return work.EventFailed, true
	case work.StatusCancelled:
		return work.EventCancelled, true
	}
	return "", false
}

// validateCreate enforces insertion-time invariants shared by backends.
func validateCreate(rec *work.Record) error {
	if rec == nil {
		return errors.NewValidation("record", "record cannot be nil")
	}
	if rec.RunID == "" {
		return errors.NewValidation("run_id", "run ID cannot be empty")
	}
	if rec.RetryOfRunID == rec.RunID && rec.RetryOfRunID != "" {
		return errors.NewValidation("retry_of_run_id", "run cannot be a retry of itself")
	}
	if rec.Spec.ParentRunID == rec.RunID && rec.Spec.ParentRunID != "" {
		return errors.NewValidation("parent_run_id", "run cannot be its own parent")
	}
	if !rec.Status.Valid() {
		return errors.NewValidation("status", "unknown status "+string(rec.Status))
	}
	return nil
}
