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

package registry

import (
	"context"
	"testing"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

func echoHandler(ctx context.Context, inv *Invocation) (any, error) {
	return inv.Params["msg"], nil
}

func otherHandler(ctx context.Context, inv *Invocation) (any, error) {
	return nil, nil
}

func TestRegistryLookup(t *testing.T) {
	r := New()
	if err := r.RegisterTask(Descriptor{Name: "echo", Handler: echoHandler}); err != nil {
		t.Fatal(err)
	}

	desc, err := r.Get(work.KindTask, "echo")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if desc.Name != "echo" {
		t.Errorf("got descriptor %q", desc.Name)
	}

	_, err = r.Get(work.KindTask, "missing")
	if errors.CategoryOf(err) != errors.CategoryHandlerNotFound {
		t.Errorf("expected handler_not_found, got %v", err)
	}
}

func TestRegistryNamespacesAreIndependent(t *testing.T) {
	r := New()
	if err := r.RegisterTask(Descriptor{Name: "ingest", Handler: echoHandler}); err != nil {
		t.Fatal(err)
	}

	// The pipeline namespace does not see task handlers.
	if _, err := r.Get(work.KindPipeline, "ingest"); err == nil {
		t.Error("pipeline lookup must miss a task-only handler")
	}

	// The same name can exist in both namespaces.
	if err := r.RegisterPipeline(Descriptor{Name: "ingest", Handler: otherHandler}); err != nil {
		t.Errorf("same name across namespaces must not conflict: %v", err)
	}
}

func TestRegistryIdempotentReRegistration(t *testing.T) {
	r := New()
	if err := r.RegisterTask(Descriptor{Name: "echo", Handler: echoHandler}); err != nil {
		t.Fatal(err)
	}

	// Same callable: idempotent.
	if err := r.RegisterTask(Descriptor{Name: "echo", Handler: echoHandler}); err != nil {
		t.Errorf("re-registering the same callable must succeed: %v", err)
	}

	// Different callable: conflict.
	err := r.RegisterTask(Descriptor{Name: "echo", Handler: otherHandler})
	if errors.CategoryOf(err) != errors.CategoryHandlerConflict {
		t.Errorf("expected handler_conflict, got %v", err)
	}
}

func TestRegistryWorkflowKindUsesPipelineNamespace(t *testing.T) {
	r := New()
	if err := r.RegisterPipeline(Descriptor{Name: "nightly", Handler: echoHandler}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(work.KindWorkflow, "nightly"); err != nil {
		t.Errorf("workflow kind must resolve through the pipeline namespace: %v", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := New()
	_ = r.RegisterTask(Descriptor{Name: "b", Handler: echoHandler})
	_ = r.RegisterTask(Descriptor{Name: "a", Handler: echoHandler})

	names := r.List(work.KindTask)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("expected sorted [a b], got %v", names)
	}
	if len(r.List(work.KindPipeline)) != 0 {
		t.Error("pipeline namespace should be empty")
	}
}

func TestRegistryValidation(t *testing.T) {
	r := New()
	if err := r.RegisterTask(Descriptor{Name: "", Handler: echoHandler}); err == nil {
		t.Error("empty name must be rejected")
	}
	if err := r.RegisterTask(Descriptor{Name: "x", Handler: nil}); err == nil {
		t.Error("nil handler must be rejected")
	}
}

func TestInvocationCapabilitiesNilSafe(t *testing.T) {
	inv := &Invocation{RunID: "r1"}
	inv.ReportProgress(map[string]any{"pct": 50}) // must not panic
	inv.Heartbeat()

	var beats int
	inv.WithHeartbeat(func() { beats++ })
	inv.Heartbeat()
	if beats != 1 {
		t.Errorf("expected 1 beat, got %d", beats)
	}
}
