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
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// Submitter is the dispatcher surface the runner needs: submit a spec and
// wait for its terminal record.
type Submitter interface {
	Submit(ctx context.Context, spec work.Spec) (string, error)
	Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Record, error)
}

// observer receives step lifecycle callbacks. The tracked runner uses it to
// persist each step as a child run; the plain runner installs a no-op.
type observer interface {
	stepStarted(ctx context.Context, c *Context, step Step) (token string, err error)
	stepFinished(ctx context.Context, token string, output any, stepErr error)
}

type noopObserver struct{}

func (noopObserver) stepStarted(context.Context, *Context, Step) (string, error) { return "", nil }
func (noopObserver) stepFinished(context.Context, string, any, error)            {}

// Runner executes a workflow definition one step at a time, maintaining the
// context and advancing by next-step references or choice branches.
type Runner struct {
	submitter Submitter
	logger    *slog.Logger
	eval      *evaluator
	observe   observer

	// PipelineWaitTimeout bounds how long a pipeline step waits for its run
	// to reach a terminal status. Zero means wait indefinitely.
	PipelineWaitTimeout time.Duration
}

// NewRunner creates a workflow runner.
func NewRunner(submitter Submitter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		submitter: submitter,
		logger:    logger,
		eval:      newEvaluator(),
		observe:   noopObserver{},
	}
}

// Run executes the definition with the given inputs and returns the step
// outputs. The definition must already be validated.
func (r *Runner) Run(ctx context.Context, def *Definition, workflowRunID string, inputs map[string]any) (map[string]any, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	wfCtx := NewContext(workflowRunID, inputs)
	idx := def.entryStep()

	for idx >= 0 && idx < len(def.Steps) {
		step := def.Steps[idx]
		wfCtx.currentStep = step.Name

		select {
		case <-ctx.Done():
			return wfCtx.Outputs(), errors.Wrap(errors.CategoryCancelled, ctx.Err(),
				"workflow %s interrupted at step %s", def.Name, step.Name)
		default:
		}

		if step.Kind == StepChoice {
			next, err := r.choose(step, wfCtx)
			if err != nil {
				return wfCtx.Outputs(), err
			}
			idx = def.stepIndex(next)
			continue
		}

		output, err := r.executeStep(ctx, step, wfCtx)
		if err != nil {
			switch step.OnError {
			case PolicyContinue:
				r.logger.Warn("step failed, continuing",
					slog.String("workflow", def.Name),
					slog.String("step", step.Name),
					slog.Any("error", err))
				output = nil
			default:
				return wfCtx.Outputs(), errors.Wrap(errors.CategoryOf(err), err,
					"workflow %s failed at step %s", def.Name, step.Name)
			}
		}

		if err := wfCtx.SetOutput(step.Name, output); err != nil {
			return wfCtx.Outputs(), err
		}

		if step.Terminal {
			break
		}
		if step.Next != "" {
			idx = def.stepIndex(step.Next)
			continue
		}
		idx++
	}

	return wfCtx.Outputs(), nil
}

// choose evaluates a choice step's predicate or expression and resolves the
// branch to a step name. The choice produces no output.
func (r *Runner) choose(step Step, wfCtx *Context) (string, error) {
	var branch string
	var err error
	if step.Choice.Predicate != nil {
		branch, err = step.Choice.Predicate(wfCtx)
	} else {
		branch, err = r.eval.EvaluateChoice(step.Choice.Expression, wfCtx)
	}
	if err != nil {
		return "", errors.Wrap(errors.CategoryOf(err), err,
			"choice step %s failed", step.Name)
	}

	if target, ok := step.Choice.Branches[branch]; ok {
		return target, nil
	}
	// A predicate may return the step name directly.
	for _, target := range step.Choice.Branches {
		if target == branch {
			return target, nil
		}
	}
	return "", errors.New(errors.CategoryValidation,
		"choice step %s selected unknown branch %q", step.Name, branch)
}

// executeStep runs a lambda or pipeline step, applying the retry policy.
func (r *Runner) executeStep(ctx context.Context, step Step, wfCtx *Context) (any, error) {
	attempts := 1
	if step.OnError == PolicyRetry {
		retries := step.RetryAttempts
		if retries <= 0 {
			retries = 1
		}
		attempts = retries + 1
	}

	var output any
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		output, err = r.executeOnce(ctx, step, wfCtx)
		if err == nil {
			return output, nil
		}
		if attempt+1 < attempts {
			r.logger.Warn("step failed, retrying",
				slog.String("step", step.Name),
				slog.Int("attempt", attempt+1),
				slog.Any("error", err))
		}
	}
	return nil, err
}

func (r *Runner) executeOnce(ctx context.Context, step Step, wfCtx *Context) (any, error) {
	token, err := r.observe.stepStarted(ctx, wfCtx, step)
	if err != nil {
		return nil, err
	}

	var output any
	switch step.Kind {
	case StepLambda:
		output, err = step.Lambda(wfCtx)
	case StepPipeline:
		output, err = r.runPipeline(ctx, step, wfCtx)
	default:
		err = errors.New(errors.CategoryInternal, "unexpected step kind %s", step.Kind)
	}

	r.observe.stepFinished(ctx, token, output, err)
	return output, err
}

// runPipeline renders the step's parameter template, submits the pipeline
// through the dispatcher as a child of the workflow run, and waits for its
// terminal record. The step output is the pipeline run's result.
func (r *Runner) runPipeline(ctx context.Context, step Step, wfCtx *Context) (any, error) {
	params, err := renderParams(step.Pipeline.Params, wfCtx)
	if err != nil {
		return nil, err
	}

	spec := work.Spec{
		Kind:          work.KindPipeline,
		Name:          step.Pipeline.Pipeline,
		Params:        params,
		TriggerSource: work.TriggerParentWorkflow,
		ParentRunID:   wfCtx.WorkflowRunID(),
	}

	runID, err := r.submitter.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}

	rec, err := r.submitter.Wait(ctx, runID, r.PipelineWaitTimeout)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case work.StatusCompleted:
		return rec.Result, nil
	case work.StatusCancelled:
		return nil, errors.NewCancelled(runID)
	default:
		category := errors.Category(rec.ErrorCategory)
		if !category.Valid() {
			category = errors.CategoryInternal
		}
		return nil, errors.New(category, "pipeline %s failed: %s",
			step.Pipeline.Pipeline, rec.Error)
	}
}
