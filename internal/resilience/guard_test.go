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

package resilience

import (
	"context"
	"testing"

	"github.com/tombee/dispatch/pkg/errors"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	if err := g.Acquire(ctx, "feed", "F1", "run-1"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// A different run must be rejected with concurrency_conflict.
	err := g.Acquire(ctx, "feed", "F1", "run-2")
	if err == nil {
		t.Fatal("expected conflict for second acquire")
	}
	if got := errors.CategoryOf(err); got != errors.CategoryConcurrencyConflict {
		t.Errorf("expected concurrency_conflict, got %s", got)
	}

	// Re-acquiring by the holder is idempotent.
	if err := g.Acquire(ctx, "feed", "F1", "run-1"); err != nil {
		t.Errorf("holder re-acquire should succeed: %v", err)
	}

	// A different entity is independent.
	if err := g.Acquire(ctx, "feed", "F2", "run-2"); err != nil {
		t.Errorf("different entity should acquire: %v", err)
	}
}

func TestMemoryGuardRelease(t *testing.T) {
	g := NewMemoryGuard()
	ctx := context.Background()

	if err := g.Acquire(ctx, "feed", "F1", "run-1"); err != nil {
		t.Fatal(err)
	}

	// Releasing by a non-holder is a no-op.
	g.Release("feed", "F1", "run-2")
	if !g.Held("feed", "F1") {
		t.Error("non-holder release must not clear the claim")
	}

	g.Release("feed", "F1", "run-1")
	if g.Held("feed", "F1") {
		t.Error("holder release must clear the claim")
	}

	if err := g.Acquire(ctx, "feed", "F1", "run-2"); err != nil {
		t.Errorf("released entity should be acquirable: %v", err)
	}
}
