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

package executor

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/dispatch/pkg/errors"
)

// job is one queued task plus its dequeue ordering keys.
type job struct {
	task   *Task
	weight int
	seq    uint64
}

// laneQueue holds jobs for one lane ordered by priority weight, FIFO within
// the same weight.
type laneQueue struct {
	jobs []*job
}

// insert places a job after every queued job of equal or higher weight.
func (q *laneQueue) insert(j *job) {
	pos := len(q.jobs)
	for i, existing := range q.jobs {
		if j.weight > existing.weight {
			pos = i
			break
		}
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[pos+1:], q.jobs[pos:])
	q.jobs[pos] = j
}

// remove drops the job for runID, returning it when present.
func (q *laneQueue) remove(runID string) *job {
	for i, j := range q.jobs {
		if j.task.Record.RunID == runID {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			return j
		}
	}
	return nil
}

// laneSet is the LocalExecutor's set of per-lane queues. Workers dequeue
// round-robin across non-empty lanes so no lane starves; within a lane the
// highest priority weight wins, FIFO on ties.
type laneSet struct {
	mu       sync.Mutex
	lanes    map[string]*laneQueue
	order    []string
	rr       int
	depth    int
	maxDepth int // per-lane bound; 0 = unbounded
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
}

func newLaneSet(maxDepth int) *laneSet {
	return &laneSet{
		lanes:    make(map[string]*laneQueue),
		maxDepth: maxDepth,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Enqueue adds a job to its lane. When the lane is bounded and full it
// blocks for space (backpressure) until ctx is done.
func (s *laneSet) Enqueue(ctx context.Context, lane string, j *job) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return errors.New(errors.CategoryExecutorUnavailable, "executor queue is closed")
		}

		q, ok := s.lanes[lane]
		if !ok {
			q = &laneQueue{}
			s.lanes[lane] = q
			s.order = append(s.order, lane)
		}

		if s.maxDepth == 0 || len(q.jobs) < s.maxDepth {
			q.insert(j)
			s.depth++
			s.mu.Unlock()
			signal(s.notEmpty)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.CategoryExecutorUnavailable, ctx.Err(),
				"lane %q queue is full", lane)
		case <-s.notFull:
		}
	}
}

// Dequeue removes the next job, scanning lanes round-robin from the slot
// after the last served lane. It blocks until a job is available, the poll
// interval elapses (and re-checks), or ctx is done.
func (s *laneSet) Dequeue(ctx context.Context, pollInterval time.Duration) (*job, error) {
	for {
		s.mu.Lock()
		if s.closed && s.depth == 0 {
			s.mu.Unlock()
			return nil, errors.New(errors.CategoryExecutorUnavailable, "executor queue is closed")
		}

		n := len(s.order)
		for i := 0; i < n; i++ {
			idx := (s.rr + i) % n
			q := s.lanes[s.order[idx]]
			if len(q.jobs) == 0 {
				continue
			}
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			s.depth--
			s.rr = idx + 1
			s.mu.Unlock()
			signal(s.notFull)
			return j, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notEmpty:
		case <-time.After(pollInterval):
		}
	}
}

// Remove drops a queued job by run ID, returning it when it was still
// queued.
func (s *laneSet) Remove(runID string) *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lane := range s.order {
		if j := s.lanes[lane].remove(runID); j != nil {
			s.depth--
			signal(s.notFull)
			return j
		}
	}
	return nil
}

// Depth returns the total queued job count across lanes.
func (s *laneSet) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// Close stops new enqueues. Queued jobs may still be drained.
func (s *laneSet) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	signal(s.notEmpty)
	signal(s.notFull)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
