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

// Package work defines the canonical value types carried through the
// execution framework: the WorkSpec describing what to run, the RunRecord
// tracking one execution attempt, and the RunEvent lifecycle log.
package work

import (
	"time"
)

// Kind identifies the category of work being submitted.
type Kind string

const (
	// KindTask is a single atomic unit of work.
	KindTask Kind = "task"

	// KindPipeline is a multi-stage unit executed by a pipeline handler.
	KindPipeline Kind = "pipeline"

	// KindWorkflow is a step graph executed by the workflow runner.
	KindWorkflow Kind = "workflow"

	// KindStep is a child run created for one workflow step.
	KindStep Kind = "step"
)

// Valid reports whether the kind is one of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindPipeline, KindWorkflow, KindStep:
		return true
	}
	return false
}

// Submittable reports whether callers may submit this kind directly.
// Step runs are only created internally by the tracked workflow runner.
func (k Kind) Submittable() bool {
	return k == KindTask || k == KindPipeline || k == KindWorkflow
}

// Priority controls dequeue order within a lane. It is advisory; executors
// that do not support queue routing ignore it.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
	PrioritySlow     Priority = "slow"
)

// Weight returns the ordinal used for priority-aware dequeue.
// Higher weights are dequeued first.
func (p Priority) Weight() int {
	switch p {
	case PriorityRealtime:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	case PrioritySlow:
		return 0
	default:
		return 2
	}
}

// Valid reports whether the priority is one of the closed set.
func (p Priority) Valid() bool {
	switch p {
	case PriorityRealtime, PriorityHigh, PriorityNormal, PriorityLow, PrioritySlow:
		return true
	}
	return false
}

// TriggerSource records where a submission originated. Recorded only; it has
// no effect on execution.
type TriggerSource string

const (
	TriggerAPI            TriggerSource = "api"
	TriggerCLI            TriggerSource = "cli"
	TriggerSchedule       TriggerSource = "schedule"
	TriggerWebhook        TriggerSource = "webhook"
	TriggerInternal       TriggerSource = "internal"
	TriggerParentWorkflow TriggerSource = "parent_workflow"
)

// DefaultLane is the lane used when the spec does not name one.
const DefaultLane = "normal"

// Spec is an immutable description of work to run. Specs are value-owned and
// cheap to copy; Params is never mutated after submission.
type Spec struct {
	// Kind is the category of work (task, pipeline, workflow, step).
	Kind Kind `json:"kind" yaml:"kind"`

	// Name is the handler identifier, routed within the kind's namespace.
	Name string `json:"name" yaml:"name"`

	// Params is an opaque JSON-able parameter map handed to the handler.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Priority is advisory; honoured by executors that support queue routing.
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Lane routes the run to an executor queue partition.
	Lane string `json:"lane,omitempty" yaml:"lane,omitempty"`

	// TriggerSource records the origin of the submission.
	TriggerSource TriggerSource `json:"trigger_source,omitempty" yaml:"trigger_source,omitempty"`

	// IdempotencyKey deduplicates submissions. If a prior run with the same
	// key is non-terminal or completed, its run ID is returned instead of
	// creating a new run.
	IdempotencyKey string `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`

	// CorrelationID is a caller-supplied request-spanning identifier.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`

	// ParentRunID is set when this spec is submitted from inside a workflow
	// step; it forms a run-to-run tree.
	ParentRunID string `json:"parent_run_id,omitempty" yaml:"parent_run_id,omitempty"`

	// MaxRetries overrides the handler's declared retry budget.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// TimeoutSeconds bounds handler invocation. The effective timeout is the
	// smallest of this value, the handler's declared timeout and the system
	// default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	// Metadata carries optional bookkeeping. The keys "entity_type" and
	// "entity_id" activate the concurrency guard.
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Tags are free-form labels for filtering.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// EntityKeys used in Spec.Metadata to activate the concurrency guard.
const (
	MetaEntityType = "entity_type"
	MetaEntityID   = "entity_id"
)

// Entity returns the concurrency-guard entity named in the spec metadata,
// or ok=false when the spec does not claim one.
func (s Spec) Entity() (entityType, entityID string, ok bool) {
	if s.Metadata == nil {
		return "", "", false
	}
	entityType = s.Metadata[MetaEntityType]
	entityID = s.Metadata[MetaEntityID]
	return entityType, entityID, entityType != "" && entityID != ""
}

// Copy returns a deep copy of the spec so callers cannot mutate Params or
// Metadata after submission.
func (s Spec) Copy() Spec {
	out := s
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return out
}

// Record is the mutable state of one execution attempt. Once persisted it is
// exclusively owned by the ledger; other components hold read-only snapshots.
type Record struct {
	// RunID uniquely identifies this run for its lifetime.
	RunID string `json:"run_id"`

	// Spec is the originating work spec, by value.
	Spec Spec `json:"spec"`

	// Status is the current state-machine position.
	Status Status `json:"status"`

	// ExternalRef is an opaque handle returned by the executor.
	ExternalRef string `json:"external_ref,omitempty"`

	// ExecutorName records which adapter handled this run.
	ExecutorName string `json:"executor_name,omitempty"`

	// Result is the JSON-serialisable handler return value on success.
	Result any `json:"result,omitempty"`

	// Error fields are populated on failure.
	Error         string `json:"error,omitempty"`
	ErrorType     string `json:"error_type,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`

	// Attempt is 1 for the first attempt and increments on each retry.
	Attempt int `json:"attempt"`

	// RetryOfRunID points to the previous attempt when this run is a retry.
	RetryOfRunID string `json:"retry_of_run_id,omitempty"`

	// Timestamps. CompletedAt is set iff the status is terminal.
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DurationSeconds returns completed_at - started_at, or 0 while in flight.
func (r *Record) DurationSeconds() float64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt).Seconds()
}

// Copy returns a deep copy of the record.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Spec = r.Spec.Copy()
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
