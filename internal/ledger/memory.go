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
	"sort"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// Compile-time interface assertions.
var (
	_ Ledger   = (*Memory)(nil)
	_ DLQStore = (*Memory)(nil)
)

// Memory is an in-memory ledger. It is thread-safe and suitable for tests
// and single-process deployments that do not need durability. Records are
// copied on read so callers hold snapshots, never live state.
type Memory struct {
	mu       sync.RWMutex
	runs     map[string]*work.Record
	events   map[string][]work.Event // run ID -> ordered events
	eventIDs map[string]bool
	order    []string // run IDs in creation order
	dlq      map[string]*DLQEntry
	dlqOrder []string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[string]*work.Record),
		events:   make(map[string][]work.Event),
		eventIDs: make(map[string]bool),
		dlq:      make(map[string]*DLQEntry),
	}
}

// CreateRun implements Ledger.
func (m *Memory) CreateRun(ctx context.Context, rec *work.Record) error {
	if err := validateCreate(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[rec.RunID]; exists {
		return errors.New(errors.CategoryInternal, "duplicate run ID %s", rec.RunID)
	}

	// Idempotency race: exactly one creator wins; the loser observes the
	// existing active or completed run.
	if key := rec.Spec.IdempotencyKey; key != "" {
		if prior := m.findByIdempotencyLocked(key); prior != nil {
			return errors.New(errors.CategoryValidation,
				"idempotency key %q already held by run %s", key, prior.RunID)
		}
	}

	// The in-memory equivalent of the partial unique entity index.
	if et, eid, ok := rec.Spec.Entity(); ok && rec.Status.Active() {
		if m.countActiveByEntityLocked(et, eid) > 0 {
			return errors.NewConcurrencyConflict(et, eid)
		}
	}

	m.runs[rec.RunID] = rec.Copy()
	m.order = append(m.order, rec.RunID)
	return nil
}

// UpdateStatus implements Ledger.
func (m *Memory) UpdateStatus(ctx context.Context, runID string, from, to work.Status, upd *StatusUpdate) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, errors.New(errors.CategoryInternal,
			"illegal status transition %s -> %s for run %s", from, to, runID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.runs[runID]
	if !ok {
		return false, errors.New(errors.CategoryInternal, "run not found: %s", runID)
	}
	if rec.Status != from {
		return false, nil
	}

	rec.Status = to
	applyUpdate(rec, upd)

	if to != from {
		if eventType, ok := eventTypeFor(to); ok {
			ev := work.NewEvent(runID, eventType, eventSource(upd), eventData(upd))
			m.events[runID] = append(m.events[runID], ev)
			m.eventIDs[ev.EventID] = true
		}
	}
	return true, nil
}

// AppendEvent implements Ledger.
func (m *Memory) AppendEvent(ctx context.Context, ev work.Event) error {
	if ev.EventID == "" {
		return errors.NewValidation("event_id", "event ID cannot be empty")
	}
	if !ev.Type.Valid() {
		return errors.NewValidation("event_type", "unknown event type "+string(ev.Type))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventIDs[ev.EventID] {
		return errors.New(errors.CategoryInternal, "duplicate event ID %s", ev.EventID)
	}
	m.eventIDs[ev.EventID] = true
	m.events[ev.RunID] = append(m.events[ev.RunID], ev)
	return nil
}

// GetRun implements Ledger.
func (m *Memory) GetRun(ctx context.Context, runID string) (*work.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[runID]
	if !ok {
		return nil, errors.New(errors.CategoryValidation, "run not found: %s", runID)
	}
	return rec.Copy(), nil
}

// ListRuns implements Ledger.
func (m *Memory) ListRuns(ctx context.Context, f *Filter) ([]*work.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first.
	var results []*work.Record
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.runs[m.order[i]]
		if matchesFilter(rec, f) {
			results = append(results, rec.Copy())
		}
	}

	if f != nil {
		if f.Offset > 0 {
			if f.Offset >= len(results) {
				return nil, nil
			}
			results = results[f.Offset:]
		}
		if f.Limit > 0 && len(results) > f.Limit {
			results = results[:f.Limit]
		}
	}
	return results, nil
}

// GetEvents implements Ledger. Events are returned ordered by timestamp,
// stable for equal timestamps.
func (m *Memory) GetEvents(ctx context.Context, runID string) ([]work.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := append([]work.Event(nil), m.events[runID]...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// FindActiveByIdempotency implements Ledger.
func (m *Memory) FindActiveByIdempotency(ctx context.Context, key string) (*work.Record, error) {
	if key == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rec := m.findByIdempotencyLocked(key); rec != nil {
		return rec.Copy(), nil
	}
	return nil, nil
}

func (m *Memory) findByIdempotencyLocked(key string) *work.Record {
	for _, rec := range m.runs {
		if rec.Spec.IdempotencyKey == key &&
			(rec.Status.Active() || rec.Status == work.StatusCompleted) {
			return rec
		}
	}
	return nil
}

// CountActiveByEntity implements Ledger.
func (m *Memory) CountActiveByEntity(ctx context.Context, entityType, entityID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countActiveByEntityLocked(entityType, entityID), nil
}

func (m *Memory) countActiveByEntityLocked(entityType, entityID string) int {
	count := 0
	for _, rec := range m.runs {
		if !rec.Status.Active() {
			continue
		}
		et, eid, ok := rec.Spec.Entity()
		if ok && et == entityType && eid == entityID {
			count++
		}
	}
	return count
}

// Close implements Ledger.
func (m *Memory) Close() error {
	return nil
}

// AddDLQ implements DLQStore.
func (m *Memory) AddDLQ(ctx context.Context, entry *DLQEntry) error {
	if entry == nil || entry.ID == "" {
		return errors.NewValidation("id", "DLQ entry ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dlq[entry.ID]; exists {
		return errors.New(errors.CategoryInternal, "duplicate DLQ entry %s", entry.ID)
	}
	copied := *entry
	copied.Spec = entry.Spec.Copy()
	m.dlq[entry.ID] = &copied
	m.dlqOrder = append(m.dlqOrder, entry.ID)
	return nil
}

// GetDLQ implements DLQStore.
func (m *Memory) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.dlq[id]
	if !ok {
		return nil, errors.New(errors.CategoryValidation, "DLQ entry not found: %s", id)
	}
	copied := *entry
	copied.Spec = entry.Spec.Copy()
	return &copied, nil
}

// ListDLQ implements DLQStore. Entries are returned oldest first so
// reprocessing can preserve original submission order.
func (m *Memory) ListDLQ(ctx context.Context, f *DLQFilter) ([]*DLQEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*DLQEntry
	for _, id := range m.dlqOrder {
		entry, ok := m.dlq[id]
		if !ok {
			continue
		}
		if f != nil {
			if f.Reason != "" && entry.Reason != f.Reason {
				continue
			}
			if f.SpecName != "" && entry.Spec.Name != f.SpecName {
				continue
			}
			if f.EnqueuedBefore != nil && !entry.EnqueuedAt.Before(*f.EnqueuedBefore) {
				continue
			}
		}
		copied := *entry
		copied.Spec = entry.Spec.Copy()
		results = append(results, &copied)
	}

	if f != nil {
		if f.Offset > 0 {
			if f.Offset >= len(results) {
				return nil, nil
			}
			results = results[f.Offset:]
		}
		if f.Limit > 0 && len(results) > f.Limit {
			results = results[:f.Limit]
		}
	}
	return results, nil
}

// PurgeDLQ implements DLQStore.
func (m *Memory) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	kept := m.dlqOrder[:0]
	for _, id := range m.dlqOrder {
		entry := m.dlq[id]
		if entry != nil && entry.EnqueuedAt.Before(before) {
			delete(m.dlq, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.dlqOrder = kept
	return deleted, nil
}

// applyUpdate copies update fields onto a record.
func applyUpdate(rec *work.Record, upd *StatusUpdate) {
	if upd == nil {
		return
	}
	if upd.ExternalRef != "" {
		rec.ExternalRef = upd.ExternalRef
	}
	if upd.ExecutorName != "" {
		rec.ExecutorName = upd.ExecutorName
	}
	if upd.Result != nil {
		rec.Result = upd.Result
	}
	if upd.Error != "" {
		rec.Error = upd.Error
	}
	if upd.ErrorType != "" {
		rec.ErrorType = upd.ErrorType
	}
	if upd.ErrorCategory != "" {
		rec.ErrorCategory = string(upd.ErrorCategory)
	}
	if upd.Attempt > 0 {
		rec.Attempt = upd.Attempt
	}
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		rec.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		rec.CompletedAt = &t
	}
}

func eventSource(upd *StatusUpdate) string {
	if upd != nil && upd.EventSource != "" {
		return upd.EventSource
	}
	return "ledger"
}

func eventData(upd *StatusUpdate) map[string]any {
	if upd == nil {
		return nil
	}
	data := upd.EventData
	if upd.ErrorCategory != "" {
		if data == nil {
			data = make(map[string]any, 2)
		}
		data["error_category"] = string(upd.ErrorCategory)
		if upd.Error != "" {
			data["error"] = upd.Error
		}
	}
	return data
}

// matchesFilter checks a record against a list filter.
func matchesFilter(rec *work.Record, f *Filter) bool {
	if f == nil {
		return true
	}
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if rec.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Kind != "" && rec.Spec.Kind != f.Kind {
		return false
	}
	if f.Name != "" && rec.Spec.Name != f.Name {
		return false
	}
	if f.Lane != "" && rec.Spec.Lane != f.Lane {
		return false
	}
	if f.ParentRunID != "" && rec.Spec.ParentRunID != f.ParentRunID {
		return false
	}
	if f.CorrelationID != "" && rec.Spec.CorrelationID != f.CorrelationID {
		return false
	}
	if f.IdempotencyKey != "" && rec.Spec.IdempotencyKey != f.IdempotencyKey {
		return false
	}
	if f.CreatedAfter != nil && !rec.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}
