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

package work

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of run lifecycle transitions.
type EventType string

const (
	EventSubmitted      EventType = "submitted"
	EventQueued         EventType = "queued"
	EventStarted        EventType = "started"
	EventProgress       EventType = "progress"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventRetrying       EventType = "retrying"
	EventCancelled      EventType = "cancelled"
	EventHeartbeat      EventType = "heartbeat"
	EventDLQMoved       EventType = "dlq_moved"
	EventDLQReprocessed EventType = "dlq_reprocessed"
)

// Valid reports whether the event type is one of the closed set.
func (t EventType) Valid() bool {
	switch t {
	case EventSubmitted, EventQueued, EventStarted, EventProgress,
		EventCompleted, EventFailed, EventRetrying, EventCancelled,
		EventHeartbeat, EventDLQMoved, EventDLQReprocessed:
		return true
	}
	return false
}

// Terminal reports whether the event type ends a run's event stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCancelled
}

// Event is an append-only record of a lifecycle transition. Events for a
// given run are totally ordered by timestamp.
type Event struct {
	EventID   string         `json:"event_id"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// NewEvent creates an event for a run with a fresh event ID.
func NewEvent(runID string, eventType EventType, source string, data map[string]any) Event {
	return Event{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Source:    source,
	}
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}
