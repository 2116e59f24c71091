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
	"fmt"
	"sync"

	"github.com/tombee/dispatch/pkg/errors"
)

// Guard prevents more than one active run for a logical entity. Acquire and
// Release must pair on every exit path; the dispatcher acquires at submit
// time and releases when the run reaches a terminal status.
type Guard interface {
	// Acquire claims (entityType, entityID) for runID. It fails with
	// category concurrency_conflict when a different run holds the entity.
	Acquire(ctx context.Context, entityType, entityID, runID string) error

	// Release clears the claim. Releasing an entity held by a different run
	// is a no-op.
	Release(entityType, entityID, runID string)
}

// MemoryGuard is an in-process guard backed by a mutex-protected map.
// The database-backed equivalent is the ledger's partial unique index on
// (entity_type, entity_id) over active statuses; the sqlite ledger maps that
// unique violation to the same concurrency_conflict category.
type MemoryGuard struct {
	mu     sync.Mutex
	active map[string]string // entity key -> holding run ID
}

// NewMemoryGuard creates an empty guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{active: make(map[string]string)}
}

func entityKey(entityType, entityID string) string {
	return fmt.Sprintf("%s/%s", entityType, entityID)
}

// Acquire implements Guard. Re-acquiring by the holding run is idempotent.
func (g *MemoryGuard) Acquire(ctx context.Context, entityType, entityID, runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := entityKey(entityType, entityID)
	if holder, ok := g.active[key]; ok && holder != runID {
		return errors.NewConcurrencyConflict(entityType, entityID)
	}
	g.active[key] = runID
	return nil
}

// Release implements Guard.
func (g *MemoryGuard) Release(entityType, entityID, runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := entityKey(entityType, entityID)
	if g.active[key] == runID {
		delete(g.active, key)
	}
}

// Held reports whether any run currently holds the entity.
func (g *MemoryGuard) Held(entityType, entityID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[entityKey(entityType, entityID)]
	return ok
}
