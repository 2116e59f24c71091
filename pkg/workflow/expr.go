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
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/dispatch/pkg/errors"
)

// evaluator evaluates choice expressions against a workflow context.
// It caches compiled programs for repeated evaluations.
type evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newEvaluator() *evaluator {
	return &evaluator{cache: make(map[string]*vm.Program)}
}

// EvaluateChoice evaluates a choice expression. The expression sees:
//   - inputs: the workflow's initial inputs
//   - steps: prior step outputs keyed by step name
//   - vars: the variable bag set by lambdas
//
// and must return the branch key (a string).
func (e *evaluator) EvaluateChoice(expression string, ctx *Context) (string, error) {
	program, err := e.compile(expression)
	if err != nil {
		return "", errors.Wrap(errors.CategoryValidation, err,
			"failed to compile choice expression")
	}

	env := map[string]any{
		"inputs": ctx.Inputs(),
		"steps":  ctx.Outputs(),
		"vars":   ctx.Vars(),
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return "", errors.Wrap(errors.CategoryValidation, err,
			"choice expression evaluation failed")
	}

	branch, ok := result.(string)
	if !ok {
		return "", errors.New(errors.CategoryValidation,
			"choice expression must return a string, got %T (%v)", result, result)
	}
	return branch, nil
}

func (e *evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}
