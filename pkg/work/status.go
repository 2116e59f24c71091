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

// Status is the run state machine position.
//
//	pending -> queued -> running -> completed | failed | cancelled
//
// queued is optional and used only by executors with a visible queueing
// stage. A run that has entered a terminal status never transitions again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether the status is one of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a run in this status holds concurrency-guard
// entities and counts toward idempotent dedup.
func (s Status) Active() bool {
	return !s.Terminal()
}

// CanTransitionTo reports whether the state machine permits s -> next.
// running -> running is allowed for heartbeat/progress updates that leave
// the status unchanged.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		// pending -> failed covers acceptance failures (executor refused the
		// hand-off after the run was persisted).
		return next == StatusQueued || next == StatusRunning ||
			next == StatusCancelled || next == StatusFailed
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// TerminalStatuses lists every final status.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed, StatusCancelled}
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusQueued, StatusRunning}
}
