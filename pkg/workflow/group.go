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
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// GroupStep is one named pipeline in a legacy group.
type GroupStep struct {
	Name     string `yaml:"name"`
	Pipeline string `yaml:"pipeline"`
}

// Group is the v1 pipeline group: a static ordered list of pipelines with
// optional dependency edges and no data passing. Kept for migration from
// the prior iteration; new work uses workflows.
type Group struct {
	Name  string      `yaml:"name"`
	Steps []GroupStep `yaml:"steps"`

	// Edges list (from, to) dependencies: to runs after from.
	Edges [][2]string `yaml:"edges,omitempty"`
}

// Validate checks step names and edge references.
func (g *Group) Validate() error {
	if g.Name == "" {
		return errors.NewValidation("name", "group name cannot be empty")
	}
	names := make(map[string]bool, len(g.Steps))
	for _, step := range g.Steps {
		if step.Name == "" || step.Pipeline == "" {
			return errors.NewValidation("steps", "group steps require a name and a pipeline")
		}
		if names[step.Name] {
			return errors.NewValidation("steps",
				fmt.Sprintf("duplicate group step %q", step.Name))
		}
		names[step.Name] = true
	}
	for _, edge := range g.Edges {
		if !names[edge[0]] || !names[edge[1]] {
			return errors.NewValidation("edges",
				fmt.Sprintf("edge %s -> %s references an unknown step", edge[0], edge[1]))
		}
	}
	if _, err := g.topoOrder(); err != nil {
		return err
	}
	return nil
}

// topoOrder returns the steps in dependency order, preserving the declared
// order among independent steps.
func (g *Group) topoOrder() ([]GroupStep, error) {
	deps := make(map[string]map[string]bool, len(g.Steps))
	for _, step := range g.Steps {
		deps[step.Name] = make(map[string]bool)
	}
	for _, edge := range g.Edges {
		deps[edge[1]][edge[0]] = true
	}

	var order []GroupStep
	done := make(map[string]bool, len(g.Steps))
	remaining := append([]GroupStep(nil), g.Steps...)

	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, step := range remaining {
			ready := true
			for dep := range deps[step.Name] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, step)
				done[step.Name] = true
				progressed = true
			} else {
				next = append(next, step)
			}
		}
		remaining = next
		if !progressed {
			return nil, errors.NewValidation("edges", "group dependency cycle detected")
		}
	}
	return order, nil
}

// GroupResult records the run submitted for each group step.
type GroupResult struct {
	RunIDs map[string]string // step name -> run ID
	Failed string            // step that halted the group, empty on success
}

// RunGroup submits each pipeline in topological order and waits for its
// terminal status, halting on the first failure. Outputs are run IDs only;
// no data passes between steps.
func RunGroup(ctx context.Context, g *Group, submitter Submitter, parentRunID string, waitTimeout time.Duration) (*GroupResult, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	order, err := g.topoOrder()
	if err != nil {
		return nil, err
	}

	result := &GroupResult{RunIDs: make(map[string]string, len(order))}

	for _, step := range order {
		runID, err := submitter.Submit(ctx, work.Spec{
			Kind:          work.KindPipeline,
			Name:          step.Pipeline,
			TriggerSource: work.TriggerParentWorkflow,
			ParentRunID:   parentRunID,
		})
		if err != nil {
			result.Failed = step.Name
			return result, errors.Wrap(errors.CategoryOf(err), err,
				"group %s failed submitting step %s", g.Name, step.Name)
		}
		result.RunIDs[step.Name] = runID

		rec, err := submitter.Wait(ctx, runID, waitTimeout)
		if err != nil {
			result.Failed = step.Name
			return result, err
		}
		if rec.Status != work.StatusCompleted {
			result.Failed = step.Name
			return result, errors.New(errors.CategoryInternal,
				"group %s halted: step %s finished %s: %s",
				g.Name, step.Name, rec.Status, rec.Error)
		}
	}
	return result, nil
}
