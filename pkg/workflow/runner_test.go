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
	"fmt"
	"testing"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// fakeSubmitter satisfies Submitter with canned pipeline results.
type fakeSubmitter struct {
	submitted []work.Spec
	results   map[string]any    // pipeline name -> result
	failures  map[string]string // pipeline name -> error message
	seq       int
	records   map[string]*work.Record
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		results:  make(map[string]any),
		failures: make(map[string]string),
		records:  make(map[string]*work.Record),
	}
}

func (f *fakeSubmitter) Submit(ctx context.Context, spec work.Spec) (string, error) {
	f.submitted = append(f.submitted, spec)
	f.seq++
	runID := fmt.Sprintf("run-%d", f.seq)

	rec := &work.Record{RunID: runID, Spec: spec}
	if msg, ok := f.failures[spec.Name]; ok {
		rec.Status = work.StatusFailed
		rec.Error = msg
		rec.ErrorCategory = string(errors.CategoryPermanent)
	} else {
		rec.Status = work.StatusCompleted
		rec.Result = f.results[spec.Name]
	}
	f.records[runID] = rec
	return runID, nil
}

func (f *fakeSubmitter) Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Record, error) {
	return f.records[runID], nil
}

func TestDefinitionValidation(t *testing.T) {
	lambda := func(ctx *Context) (any, error) { return nil, nil }

	tests := []struct {
		name    string
		def     Definition
		wantErr bool
	}{
		{
			name: "valid",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "a", Kind: StepLambda, Lambda: lambda},
			}},
		},
		{
			name:    "no steps",
			def:     Definition{Name: "wf"},
			wantErr: true,
		},
		{
			name: "duplicate step names",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "a", Kind: StepLambda, Lambda: lambda},
				{Name: "a", Kind: StepLambda, Lambda: lambda},
			}},
			wantErr: true,
		},
		{
			name: "next references unknown step",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "a", Kind: StepLambda, Lambda: lambda, Next: "ghost"},
			}},
			wantErr: true,
		},
		{
			name: "choice branch references unknown step",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "pick", Kind: StepChoice, Choice: &ChoiceStep{
					Predicate: func(ctx *Context) (string, error) { return "x", nil },
					Branches:  map[string]string{"x": "ghost"},
				}},
				{Name: "a", Kind: StepLambda, Lambda: lambda},
			}},
			wantErr: true,
		},
		{
			name: "parallel reserved",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "p", Kind: StepParallel},
			}},
			wantErr: true,
		},
		{
			name: "lambda without callable",
			def: Definition{Name: "wf", Steps: []Step{
				{Name: "a", Kind: StepLambda},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunnerSequentialLambdas(t *testing.T) {
	def := &Definition{
		Name: "seq",
		Steps: []Step{
			{Name: "first", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) {
				v, _ := ctx.Input("start")
				return v.(int) + 1, nil
			}},
			{Name: "second", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) {
				prev, _ := ctx.Output("first")
				return prev.(int) * 10, nil
			}},
		},
	}

	r := NewRunner(newFakeSubmitter(), nil)
	outputs, err := r.Run(context.Background(), def, "wf-run", map[string]any{"start": 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outputs["first"] != 2 || outputs["second"] != 20 {
		t.Errorf("unexpected outputs: %v", outputs)
	}
}

// Workflow with choice: classify returns "heavy", the choice routes to the
// big pipeline, and its output lands under the pipeline step's name.
func TestRunnerChoiceRouting(t *testing.T) {
	sub := newFakeSubmitter()
	sub.results["big_pipeline"] = "big done"

	def := &Definition{
		Name: "routed",
		Steps: []Step{
			{Name: "classify", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) {
				return "heavy", nil
			}},
			{Name: "route", Kind: StepChoice, Choice: &ChoiceStep{
				Predicate: func(ctx *Context) (string, error) {
					v, _ := ctx.Output("classify")
					return v.(string), nil
				},
				Branches: map[string]string{
					"heavy": "big",
					"light": "small",
				},
			}},
			{Name: "small", Kind: StepPipeline, Pipeline: &PipelineStep{Pipeline: "small_pipeline"}, Terminal: true},
			{Name: "big", Kind: StepPipeline, Pipeline: &PipelineStep{Pipeline: "big_pipeline"}, Terminal: true},
		},
	}

	r := NewRunner(sub, nil)
	outputs, err := r.Run(context.Background(), def, "wf-run", nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if outputs["big"] != "big done" {
		t.Errorf("big pipeline output missing: %v", outputs)
	}
	if _, ran := outputs["small"]; ran {
		t.Error("small pipeline must not run")
	}
	if len(sub.submitted) != 1 || sub.submitted[0].Name != "big_pipeline" {
		t.Errorf("expected one submission of big_pipeline, got %v", sub.submitted)
	}
	if sub.submitted[0].ParentRunID != "wf-run" {
		t.Error("pipeline submission must carry the workflow run as parent")
	}
	if sub.submitted[0].Kind != work.KindPipeline {
		t.Error("pipeline steps submit kind pipeline")
	}
}

func TestRunnerChoiceExpression(t *testing.T) {
	sub := newFakeSubmitter()
	def := &Definition{
		Name: "expr-routed",
		Steps: []Step{
			{Name: "route", Kind: StepChoice, Choice: &ChoiceStep{
				Expression: `inputs.size > 100 ? "heavy" : "light"`,
				Branches: map[string]string{
					"heavy": "big",
					"light": "small",
				},
			}},
			{Name: "big", Kind: StepLambda, Terminal: true,
				Lambda: func(ctx *Context) (any, error) { return "big", nil }},
			{Name: "small", Kind: StepLambda, Terminal: true,
				Lambda: func(ctx *Context) (any, error) { return "small", nil }},
		},
	}

	r := NewRunner(sub, nil)
	outputs, err := r.Run(context.Background(), def, "wf-run", map[string]any{"size": 500})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if outputs["big"] != "big" {
		t.Errorf("expression should route heavy: %v", outputs)
	}
}

func TestRunnerParamTemplates(t *testing.T) {
	sub := newFakeSubmitter()
	sub.results["transform"] = "loaded"

	def := &Definition{
		Name: "templated",
		Steps: []Step{
			{Name: "extract", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) {
				return map[string]any{"rows": 42}, nil
			}},
			{Name: "load", Kind: StepPipeline, Pipeline: &PipelineStep{
				Pipeline: "transform",
				Params: map[string]any{
					"rows":   "$steps.extract.rows",
					"source": "$inputs.source",
					"static": "value",
				},
			}},
		},
	}

	r := NewRunner(sub, nil)
	_, err := r.Run(context.Background(), def, "wf-run", map[string]any{"source": "s3"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	params := sub.submitted[0].Params
	if params["rows"] != 42 || params["source"] != "s3" || params["static"] != "value" {
		t.Errorf("template not rendered: %v", params)
	}
}

func TestRunnerOnErrorPolicies(t *testing.T) {
	sub := newFakeSubmitter()
	sub.failures["doomed"] = "pipeline exploded"

	t.Run("fail stops the workflow", func(t *testing.T) {
		def := &Definition{
			Name: "wf",
			Steps: []Step{
				{Name: "a", Kind: StepPipeline, Pipeline: &PipelineStep{Pipeline: "doomed"}},
				{Name: "b", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) { return "ran", nil }},
			},
		}
		outputs, err := NewRunner(sub, nil).Run(context.Background(), def, "wf-run", nil)
		if err == nil {
			t.Fatal("expected workflow failure")
		}
		if _, ran := outputs["b"]; ran {
			t.Error("step b must not run after a failure with policy fail")
		}
	})

	t.Run("continue records nil and advances", func(t *testing.T) {
		def := &Definition{
			Name: "wf",
			Steps: []Step{
				{Name: "a", Kind: StepPipeline, Pipeline: &PipelineStep{Pipeline: "doomed"}, OnError: PolicyContinue},
				{Name: "b", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) { return "ran", nil }},
			},
		}
		outputs, err := NewRunner(sub, nil).Run(context.Background(), def, "wf-run", nil)
		if err != nil {
			t.Fatalf("continue policy must not fail the workflow: %v", err)
		}
		if v, ok := outputs["a"]; !ok || v != nil {
			t.Errorf("failed step output should be recorded as nil, got %v (present=%v)", v, ok)
		}
		if outputs["b"] != "ran" {
			t.Error("step b must run after continue")
		}
	})

	t.Run("retry retries then fails", func(t *testing.T) {
		attempts := 0
		def := &Definition{
			Name: "wf",
			Steps: []Step{
				{Name: "a", Kind: StepLambda, OnError: PolicyRetry, RetryAttempts: 2,
					Lambda: func(ctx *Context) (any, error) {
						attempts++
						return nil, errors.New(errors.CategoryTransient, "flaky")
					}},
			},
		}
		_, err := NewRunner(sub, nil).Run(context.Background(), def, "wf-run", nil)
		if err == nil {
			t.Fatal("expected failure after retries exhausted")
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})
}

func TestContextOutputsWriteOnce(t *testing.T) {
	c := NewContext("wf-run", nil)
	if err := c.SetOutput("a", 1); err != nil {
		t.Fatal(err)
	}
	if err := c.SetOutput("a", 2); err == nil {
		t.Fatal("second write for the same step must fail")
	}

	v, ok := c.Output("a")
	if !ok || v != 1 {
		t.Errorf("output overwritten: %v", v)
	}
	if _, ok := c.Output("never"); ok {
		t.Error("unexecuted step must read as not present")
	}
}

func TestRunnerExplicitEntry(t *testing.T) {
	def := &Definition{
		Name:  "entry",
		Entry: "b",
		Steps: []Step{
			{Name: "a", Kind: StepLambda, Lambda: func(ctx *Context) (any, error) { return "a", nil }},
			{Name: "b", Kind: StepLambda, Terminal: true,
				Lambda: func(ctx *Context) (any, error) { return "b", nil }},
		},
	}

	outputs, err := NewRunner(newFakeSubmitter(), nil).Run(context.Background(), def, "wf-run", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ran := outputs["a"]; ran {
		t.Error("entry must skip earlier steps")
	}
	if outputs["b"] != "b" {
		t.Error("entry step must run")
	}
}
