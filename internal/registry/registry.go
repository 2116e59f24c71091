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

// Package registry manages the name-to-handler lookup tables for the
// dispatcher. Tasks and pipelines live in independent namespaces; workflow
// submissions resolve through the pipeline namespace because a workflow is
// executed as a pipeline whose handler is the workflow runner.
package registry

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// Invocation carries the inputs and capabilities handed to a handler.
// Progress and heartbeat reporting are capabilities the executor injects;
// both are safe to call when unset.
type Invocation struct {
	// RunID identifies the run this invocation belongs to.
	RunID string

	// Params is the spec's parameter map. Handlers perform strict decoding
	// and fail with a validation error on mismatch.
	Params map[string]any

	// Attempt is 1 for the first attempt, incremented per retry.
	Attempt int

	// Metadata is the spec's bookkeeping map.
	Metadata map[string]string

	progress  func(data map[string]any)
	heartbeat func()
}

// ReportProgress emits a progress event for the run. No-op when the executor
// did not inject the capability.
func (inv *Invocation) ReportProgress(data map[string]any) {
	if inv != nil && inv.progress != nil {
		inv.progress(data)
	}
}

// Heartbeat records handler liveness. No-op when the executor did not inject
// the capability.
func (inv *Invocation) Heartbeat() {
	if inv != nil && inv.heartbeat != nil {
		inv.heartbeat()
	}
}

// WithProgress returns the invocation with a progress sink attached.
func (inv *Invocation) WithProgress(fn func(data map[string]any)) *Invocation {
	inv.progress = fn
	return inv
}

// WithHeartbeat returns the invocation with a heartbeat sink attached.
func (inv *Invocation) WithHeartbeat(fn func()) *Invocation {
	inv.heartbeat = fn
	return inv
}

// Handler is the single async-capable handler signature. Synchronous callers
// block on the dispatcher's Wait; handlers observe ctx for cancellation and
// timeout at safe points.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Descriptor is a registered handler plus its declared execution defaults.
type Descriptor struct {
	// Name is the handler identifier within its namespace.
	Name string

	// Handler is the callable invoked by the executor.
	Handler Handler

	// Timeout is the handler's declared timeout. Zero means the system
	// default applies.
	Timeout time.Duration

	// MaxRetries is the handler's declared retry budget. Zero means no
	// retries unless the spec overrides it.
	MaxRetries int

	// RetryTransient marks unclassified handler failures as transient
	// (retryable). Without it they default to internal.
	RetryTransient bool
}

// Registry holds the task and pipeline handler namespaces.
// Reads are lock-free for callers holding the returned descriptor; writers
// take the mutex.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]Descriptor
	pipelines map[string]Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks:     make(map[string]Descriptor),
		pipelines: make(map[string]Descriptor),
	}
}

// namespace returns the map backing the given kind. Workflow and step kinds
// resolve through the pipeline namespace.
func (r *Registry) namespace(kind work.Kind) map[string]Descriptor {
	if kind == work.KindTask {
		return r.tasks
	}
	return r.pipelines
}

// RegisterTask registers a handler in the task namespace.
func (r *Registry) RegisterTask(desc Descriptor) error {
	return r.register(work.KindTask, desc)
}

// RegisterPipeline registers a handler in the pipeline namespace.
func (r *Registry) RegisterPipeline(desc Descriptor) error {
	return r.register(work.KindPipeline, desc)
}

// register adds a descriptor to a namespace. Re-registering the same callable
// under the same name is idempotent; registering a different callable under
// an existing name fails with handler_conflict.
func (r *Registry) register(kind work.Kind, desc Descriptor) error {
	if desc.Name == "" {
		return errors.NewValidation("name", "handler name cannot be empty")
	}
	if desc.Handler == nil {
		return errors.NewValidation("handler", "handler callable cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ns := r.namespace(kind)
	if existing, ok := ns[desc.Name]; ok {
		if !sameHandler(existing.Handler, desc.Handler) {
			return errors.NewHandlerConflict(string(kind), desc.Name)
		}
	}
	ns[desc.Name] = desc
	return nil
}

// Get returns the descriptor for (kind, name) or handler_not_found.
func (r *Registry) Get(kind work.Kind, name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.namespace(kind)[name]
	if !ok {
		return Descriptor{}, errors.NewHandlerNotFound(string(kind), name)
	}
	return desc, nil
}

// List returns all handler names in a kind's namespace, sorted.
// Used by the capability introspection surface.
func (r *Registry) List(kind work.Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ns := r.namespace(kind)
	names := make([]string, 0, len(ns))
	for name := range ns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sameHandler compares two handler callables by function pointer.
func sameHandler(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
