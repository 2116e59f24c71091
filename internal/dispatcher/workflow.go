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

package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/internal/registry"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
	"github.com/tombee/dispatch/pkg/workflow"
)

// RegisterWorkflow registers a workflow definition as a pipeline handler
// whose callable is the tracked workflow runner. Submitting a spec with
// kind workflow and the definition's name executes the step graph; each
// step is persisted as a child run of the workflow run.
func (d *Dispatcher) RegisterWorkflow(def *workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	runner := workflow.NewTrackedRunner(d, &stepTracker{d: d}, d.logger)

	handler := func(ctx context.Context, inv *registry.Invocation) (any, error) {
		return runner.Run(ctx, def, inv.RunID, inv.Params)
	}

	return d.registry.RegisterPipeline(registry.Descriptor{
		Name:    def.Name,
		Handler: handler,
	})
}

// stepTracker persists workflow steps as child runs of kind step.
type stepTracker struct {
	d *Dispatcher
}

var _ workflow.StepTracker = (*stepTracker)(nil)

// StepStarted implements workflow.StepTracker. The child run enters the
// ledger already running: steps have no queueing stage of their own.
func (t *stepTracker) StepStarted(ctx context.Context, workflowRunID, stepName string) (string, error) {
	parent, err := t.d.ledger.GetRun(ctx, workflowRunID)
	if err != nil {
		return "", err
	}

	runID := work.NewRunID()
	now := time.Now().UTC()
	rec := &work.Record{
		RunID: runID,
		Spec: work.Spec{
			Kind:          work.KindStep,
			Name:          stepName,
			Lane:          parent.Spec.Lane,
			Priority:      parent.Spec.Priority,
			TriggerSource: work.TriggerParentWorkflow,
			CorrelationID: parent.Spec.CorrelationID,
			ParentRunID:   workflowRunID,
		},
		Status:       work.StatusPending,
		ExecutorName: parent.ExecutorName,
		Attempt:      1,
		CreatedAt:    now,
	}

	if err := t.d.ledger.CreateRun(ctx, rec); err != nil {
		return "", err
	}
	if err := t.d.ledger.AppendEvent(ctx, work.NewEvent(runID, work.EventSubmitted, "workflow", map[string]any{
		"step":            stepName,
		"workflow_run_id": workflowRunID,
	})); err != nil {
		t.d.logger.Warn("failed to append step submitted event", log.Error(err),
			slog.String(log.RunIDKey, runID))
	}

	started := time.Now().UTC()
	if _, err := t.d.ledger.UpdateStatus(ctx, runID, work.StatusPending, work.StatusRunning,
		&ledger.StatusUpdate{StartedAt: &started, EventSource: "workflow"}); err != nil {
		return "", err
	}
	return runID, nil
}

// StepFinished implements workflow.StepTracker.
func (t *stepTracker) StepFinished(ctx context.Context, stepRunID string, output any, stepErr error) {
	now := time.Now().UTC()

	var status work.Status
	upd := &ledger.StatusUpdate{CompletedAt: &now, EventSource: "workflow"}

	if stepErr == nil {
		status = work.StatusCompleted
		upd.Result = output
	} else if errors.IsCategory(stepErr, errors.CategoryCancelled) {
		status = work.StatusCancelled
		upd.Error = stepErr.Error()
		upd.ErrorCategory = errors.CategoryCancelled
	} else {
		status = work.StatusFailed
		upd.Error = stepErr.Error()
		upd.ErrorType = "StepError"
		upd.ErrorCategory = errors.CategoryOf(stepErr)
	}

	if _, err := t.d.ledger.UpdateStatus(ctx, stepRunID, work.StatusRunning, status, upd); err != nil {
		t.d.logger.Warn("failed to finish step run", log.Error(err),
			slog.String(log.RunIDKey, stepRunID))
	}
}
