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

package workflow

import (
	"context"
	"log/slog"
)

// StepTracker persists workflow steps as child runs so the ledger holds the
// full tree: workflow -> steps -> nested pipeline runs. Implemented by the
// dispatcher.
type StepTracker interface {
	// StepStarted creates a child run (kind step, parent_run_id = workflow
	// run) in the running state and returns its run ID.
	StepStarted(ctx context.Context, workflowRunID, stepName string) (string, error)

	// StepFinished transitions the child run to its terminal status with the
	// step output or error.
	StepFinished(ctx context.Context, stepRunID string, output any, stepErr error)
}

// TrackedRunner wraps Runner so every executed step is persisted as a child
// run of the workflow run.
type TrackedRunner struct {
	*Runner
	tracker StepTracker
}

// NewTrackedRunner creates a runner that records steps through the tracker.
func NewTrackedRunner(submitter Submitter, tracker StepTracker, logger *slog.Logger) *TrackedRunner {
	runner := NewRunner(submitter, logger)
	tr := &TrackedRunner{Runner: runner, tracker: tracker}
	runner.observe = trackedObserver{tracker: tracker, logger: runner.logger}
	return tr
}

// trackedObserver adapts StepTracker to the runner's observer hook.
type trackedObserver struct {
	tracker StepTracker
	logger  *slog.Logger
}

func (o trackedObserver) stepStarted(ctx context.Context, c *Context, step Step) (string, error) {
	stepRunID, err := o.tracker.StepStarted(ctx, c.WorkflowRunID(), step.Name)
	if err != nil {
		// Tracking failures must not take the workflow down; the step runs
		// untracked.
		o.logger.Warn("failed to track step start",
			slog.String("step", step.Name),
			slog.Any("error", err))
		return "", nil
	}
	return stepRunID, nil
}

func (o trackedObserver) stepFinished(ctx context.Context, token string, output any, stepErr error) {
	if token == "" {
		return
	}
	o.tracker.StepFinished(ctx, token, output, stepErr)
}
