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
	"fmt"
	"strings"

	"github.com/tombee/dispatch/pkg/errors"
)

// StepKind identifies how a step executes.
type StepKind string

const (
	// StepLambda invokes an in-process callable with the live context.
	StepLambda StepKind = "lambda"

	// StepPipeline submits a pipeline through the dispatcher and waits for
	// its terminal status.
	StepPipeline StepKind = "pipeline"

	// StepChoice evaluates a predicate and selects the next step by name.
	StepChoice StepKind = "choice"

	// StepParallel is reserved; definitions using it fail validation.
	StepParallel StepKind = "parallel"
)

// ErrorPolicy controls how a step failure propagates.
type ErrorPolicy string

const (
	// PolicyFail terminates the workflow with the step error. Default.
	PolicyFail ErrorPolicy = "fail"

	// PolicyContinue logs the error, records a nil output, and advances.
	PolicyContinue ErrorPolicy = "continue"

	// PolicyRetry applies the step's retry settings, then fails.
	PolicyRetry ErrorPolicy = "retry"
)

// Lambda is an in-process step callable. It receives the live context and
// returns the step output.
type Lambda func(ctx *Context) (any, error)

// Predicate selects the next step name from the live context.
type Predicate func(ctx *Context) (string, error)

// PipelineStep names a pipeline and its parameter template. Template values
// of the form "$steps.<name>", "$inputs.<key>" and "$vars.<key>" are rendered
// from the context at execution time; other strings starting with "$" fail
// validation; everything else passes through literally.
type PipelineStep struct {
	// Pipeline is the registered pipeline handler name.
	Pipeline string `yaml:"pipeline"`

	// Params is the parameter template.
	Params map[string]any `yaml:"params,omitempty"`
}

// ChoiceStep selects the next step by name. Exactly one of Predicate or
// Expression must be set; Expression is evaluated with expr-lang against
// {inputs, steps, vars} and must return a branch key or a step name.
type ChoiceStep struct {
	// Predicate is a Go closure returning a branch key or step name.
	Predicate Predicate `yaml:"-"`

	// Expression is an expr-lang alternative to Predicate.
	Expression string `yaml:"expression,omitempty"`

	// Branches maps predicate results to step names. When the predicate
	// result matches no branch key but equals one of the branch targets,
	// that target is used directly; any other result fails the choice step.
	Branches map[string]string `yaml:"branches,omitempty"`
}

// Step is one node in the workflow graph.
type Step struct {
	// Name is unique within the workflow.
	Name string `yaml:"name"`

	// Kind selects the payload used.
	Kind StepKind `yaml:"kind"`

	// Lambda is the payload for lambda steps.
	Lambda Lambda `yaml:"-"`

	// Pipeline is the payload for pipeline steps.
	Pipeline *PipelineStep `yaml:"pipeline,omitempty"`

	// Choice is the payload for choice steps.
	Choice *ChoiceStep `yaml:"choice,omitempty"`

	// Next names the following step. When empty, lambda and pipeline steps
	// fall through to the next step in insertion order; the last step
	// terminates the workflow.
	Next string `yaml:"next,omitempty"`

	// Terminal marks the workflow finished after this step regardless of
	// Next or insertion order.
	Terminal bool `yaml:"terminal,omitempty"`

	// OnError selects the failure policy. Empty means fail.
	OnError ErrorPolicy `yaml:"on_error,omitempty"`

	// RetryAttempts bounds retries for the retry policy. Zero means 1.
	RetryAttempts int `yaml:"retry_attempts,omitempty"`
}

// Definition is an immutable workflow blueprint.
type Definition struct {
	// Name identifies the workflow; it doubles as the pipeline handler name
	// the workflow registers under.
	Name string `yaml:"name"`

	// Version distinguishes revisions of the same workflow.
	Version string `yaml:"version,omitempty"`

	// Entry names the first step. Empty means the first step in order.
	Entry string `yaml:"entry,omitempty"`

	// Steps is the ordered step list.
	Steps []Step `yaml:"steps"`
}

// Validate checks the definition invariants: unique step names, payloads
// matching kinds, and every branch and next reference resolving to a step
// in the same workflow.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.NewValidation("name", "workflow name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return errors.NewValidation("steps", "workflow must have at least one step")
	}

	names := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return errors.NewValidation("steps", "step name cannot be empty")
		}
		if names[step.Name] {
			return errors.NewValidation("steps",
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[step.Name] = true
	}

	if d.Entry != "" && !names[d.Entry] {
		return errors.NewValidation("entry",
			fmt.Sprintf("entry step %q does not exist", d.Entry))
	}

	for _, step := range d.Steps {
		if err := validateStep(step, names); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, names map[string]bool) error {
	field := "steps." + step.Name

	switch step.Kind {
	case StepLambda:
		if step.Lambda == nil {
			return errors.NewValidation(field, "lambda step requires a callable")
		}
	case StepPipeline:
		if step.Pipeline == nil || step.Pipeline.Pipeline == "" {
			return errors.NewValidation(field, "pipeline step requires a pipeline name")
		}
	case StepChoice:
		if step.Choice == nil {
			return errors.NewValidation(field, "choice step requires a choice payload")
		}
		if step.Choice.Predicate == nil && step.Choice.Expression == "" {
			return errors.NewValidation(field, "choice step requires a predicate or expression")
		}
		if len(step.Choice.Branches) == 0 {
			return errors.NewValidation(field, "choice step requires at least one branch")
		}
		for key, target := range step.Choice.Branches {
			if !names[target] {
				return errors.NewValidation(field,
					fmt.Sprintf("branch %q targets unknown step %q", key, target))
			}
		}
		if step.Next != "" {
			return errors.NewValidation(field, "choice steps route via branches, not next")
		}
	case StepParallel:
		return errors.NewValidation(field, "parallel steps are reserved and not yet supported")
	default:
		return errors.NewValidation(field, "unknown step kind "+string(step.Kind))
	}

	if step.Next != "" && !names[step.Next] {
		return errors.NewValidation(field,
			fmt.Sprintf("next references unknown step %q", step.Next))
	}
	return nil
}

// stepIndex returns the position of a step by name.
func (d *Definition) stepIndex(name string) int {
	for i, step := range d.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// entryStep returns the index of the first step to execute.
func (d *Definition) entryStep() int {
	if d.Entry == "" {
		return 0
	}
	return d.stepIndex(d.Entry)
}

// renderParams resolves a pipeline step's parameter template against the
// context. "$steps.<name>" references a prior step's output, optionally with
// a dotted path into map values; "$inputs.<key>" references an initial
// input; "$vars.<key>" references the variable bag.
func renderParams(template map[string]any, ctx *Context) (map[string]any, error) {
	if template == nil {
		return nil, nil
	}

	rendered := make(map[string]any, len(template))
	for key, value := range template {
		ref, ok := value.(string)
		if !ok || !strings.HasPrefix(ref, "$") {
			rendered[key] = value
			continue
		}

		resolved, err := resolveRef(ref, ctx)
		if err != nil {
			return nil, err
		}
		rendered[key] = resolved
	}
	return rendered, nil
}

func resolveRef(ref string, ctx *Context) (any, error) {
	parts := strings.SplitN(strings.TrimPrefix(ref, "$"), ".", 3)
	if len(parts) < 2 {
		return nil, errors.NewValidation("params", "invalid reference "+ref)
	}

	var value any
	var ok bool
	switch parts[0] {
	case "steps":
		value, ok = ctx.Output(parts[1])
	case "inputs":
		value, ok = ctx.Input(parts[1])
	case "vars":
		value, ok = ctx.Var(parts[1])
	default:
		return nil, errors.NewValidation("params", "unknown reference scope in "+ref)
	}
	if !ok {
		return nil, errors.NewValidation("params", "reference "+ref+" is not present")
	}

	if len(parts) == 3 {
		for _, segment := range strings.Split(parts[2], ".") {
			m, isMap := value.(map[string]any)
			if !isMap {
				return nil, errors.NewValidation("params",
					"reference "+ref+" traverses a non-map value")
			}
			value, ok = m[segment]
			if !ok {
				return nil, errors.NewValidation("params", "reference "+ref+" is not present")
			}
		}
	}
	return value, nil
}
