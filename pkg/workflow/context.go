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

// Package workflow implements the step-graph engine layered on top of the
// dispatcher: sequential execution with choice branching, context passing
// between steps, and tracked child runs.
package workflow

import (
	"fmt"

	"github.com/tombee/dispatch/pkg/errors"
)

// ErrKeyNotFound represents an error when a requested key does not exist in
// the context.
type ErrKeyNotFound struct {
	Key string
}

// Error implements the error interface.
func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}

// ErrTypeAssertion represents an error when a value cannot be asserted to
// the expected type.
type ErrTypeAssertion struct {
	Key  string
	Got  string
	Want string
}

// Error implements the error interface.
func (e ErrTypeAssertion) Error() string {
	return fmt.Sprintf("key %q is %s, not %s", e.Key, e.Got, e.Want)
}

// Context is the live per-run state during workflow execution: the initial
// inputs, write-once step outputs, and a mutable variable bag set by
// lambdas. A workflow run executes strictly sequentially, so the context is
// not synchronised.
type Context struct {
	workflowRunID string
	inputs        map[string]any
	outputs       map[string]any
	vars          map[string]any
	currentStep   string
}

// NewContext creates a context for a workflow run.
func NewContext(workflowRunID string, inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		workflowRunID: workflowRunID,
		inputs:        inputs,
		outputs:       make(map[string]any),
		vars:          make(map[string]any),
	}
}

// WorkflowRunID returns the run ID of the owning workflow run.
func (c *Context) WorkflowRunID() string { return c.workflowRunID }

// CurrentStep returns the name of the step being executed.
func (c *Context) CurrentStep() string { return c.currentStep }

// Input returns an initial input value.
func (c *Context) Input(key string) (any, bool) {
	v, ok := c.inputs[key]
	return v, ok
}

// InputString retrieves a string input.
// Returns ErrKeyNotFound if key doesn't exist, ErrTypeAssertion if wrong type.
func (c *Context) InputString(key string) (string, error) {
	v, ok := c.inputs[key]
	if !ok {
		return "", ErrKeyNotFound{Key: key}
	}
	s, ok := v.(string)
	if !ok {
		return "", ErrTypeAssertion{Key: key, Got: fmt.Sprintf("%T", v), Want: "string"}
	}
	return s, nil
}

// Inputs returns the underlying inputs map for expression evaluation.
func (c *Context) Inputs() map[string]any { return c.inputs }

// Output returns a step's recorded output. Reading a step not yet executed
// returns ok=false, never nil-as-value.
func (c *Context) Output(step string) (any, bool) {
	v, ok := c.outputs[step]
	return v, ok
}

// Outputs returns the step outputs map for expression evaluation.
func (c *Context) Outputs() map[string]any { return c.outputs }

// SetOutput records a step output. Outputs are write-once; a second write
// for the same step is an invariant violation.
func (c *Context) SetOutput(step string, value any) error {
	if _, exists := c.outputs[step]; exists {
		return errors.New(errors.CategoryInternal,
			"step %q output written twice", step)
	}
	c.outputs[step] = value
	return nil
}

// Var returns a variable set by a lambda step.
func (c *Context) Var(key string) (any, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// SetVar sets a variable in the mutable bag.
func (c *Context) SetVar(key string, value any) {
	c.vars[key] = value
}

// Vars returns the variable bag for expression evaluation.
func (c *Context) Vars() map[string]any { return c.vars }
