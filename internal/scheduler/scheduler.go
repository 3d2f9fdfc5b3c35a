// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the replica scheduler (§4.7): a single
// runqueue of timed tasks, one per replica, guaranteeing at most one
// active invocation per task and cooperating with pool pause and
// shutdown.
package scheduler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Invocation is the function a task runs on each tick. It returns the
// delay before the next tick should be scheduled, or ok=false if the
// task should be removed from the runqueue entirely (retry schedule
// exhausted, or the replica was deleted).
type Invocation func(ctx context.Context) (next time.Duration, ok bool)

type task struct {
	rid      int
	interval time.Duration
	invoke   Invocation

	mu       sync.Mutex // guards invocation re-entrancy for this task
	timer    *time.Timer
	retiring bool
}

// Scheduler is the process-wide runqueue singleton described in §9
// ("the shared runqueue ... process-wide singleton with explicit
// init/teardown").
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[int]*task
	paused bool
	closed bool

	// pauseLimiter bounds how often a paused task may re-check the pause
	// flag and requeue itself. Resume wakes every parked task
	// immediately, so this is a safety net rather than the primary
	// wake path: without it, a long pause with many registered replicas
	// would have every task's timer fire back-to-back at zero delay,
	// spinning the runqueue instead of actually idling.
	pauseLimiter *rate.Limiter
}

// New returns an empty, running scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks:        map[int]*task{},
		pauseLimiter: rate.NewLimiter(rate.Limit(200), 20),
	}
}

// Register adds a replica's task with its interval, starting the first
// tick after interval elapses. Re-registering an existing rid retracts
// and replaces it, per §4.7 reconfiguration semantics: the current
// invocation (if any) finishes, but the new interval governs future
// ticks.
func (s *Scheduler) Register(rid int, interval time.Duration, invoke Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.tasks[rid]; ok {
		old.mu.Lock()
		old.retiring = true
		if old.timer != nil {
			old.timer.Stop()
		}
		old.mu.Unlock()
	}
	t := &task{rid: rid, interval: interval, invoke: invoke}
	s.tasks[rid] = t
	s.scheduleLocked(t, interval)
}

// ForceResync schedules rid's task to run immediately, ignoring its
// normal interval — the manual-resync hook of the supplemented feature
// set. It is a no-op if rid is not registered.
func (s *Scheduler) ForceResync(rid int) {
	s.mu.Lock()
	t, ok := s.tasks[rid]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	s.scheduleLocked(t, 0)
}

// Retract removes rid from the runqueue. Any in-flight invocation is
// allowed to finish; it simply will not be rescheduled.
func (s *Scheduler) Retract(rid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[rid]; ok {
		t.mu.Lock()
		t.retiring = true
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
		delete(s.tasks, rid)
	}
}

// Pause raises the cooperative back-pressure flag. While it is set, run
// checks it before each invocation and requeues the task, after a delay
// taken from pauseLimiter, without invoking it; work already in
// progress is not interrupted.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume clears the pause flag and immediately requeues every
// registered task at zero delay, so parked replicas don't wait out the
// pause limiter's backoff before resuming work.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if !s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = false
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.scheduleAgain(t, 0)
	}
}

// Paused reports the current pause state.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Shutdown stops every timer and marks the scheduler closed; no further
// registrations or ticks occur afterward.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, t := range s.tasks {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
	}
	s.tasks = map[int]*task{}
}

func (s *Scheduler) scheduleLocked(t *task, delay time.Duration) {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, func() { s.run(t) })
	t.mu.Unlock()
}

func (s *Scheduler) run(t *task) {
	t.mu.Lock()
	if t.retiring {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if s.Paused() {
		delay := s.pauseLimiter.Reserve().Delay()
		log.WithFields(log.Fields{"rid": t.rid, "delay": delay}).Trace("scheduler paused, re-queueing")
		s.scheduleAgain(t, delay)
		return
	}

	started := time.Now()
	next, ok := t.invoke(context.Background())
	if !ok {
		s.Retract(t.rid)
		return
	}
	s.scheduleAgain(t, adjustForElapsed(t.interval, next, time.Since(started)))
}

// adjustForElapsed rebases a routine tick's reschedule delay to the
// start of the invocation that just finished, rather than its end,
// mirroring syncrepl.c's runqueue fix for slow refreshes (§9
// supplemented feature 4): without it, a refresh that takes longer
// than interval compounds delay on every tick instead of converging
// back to the configured cadence.
//
// It only touches the common case where invoke returned the task's
// unmodified interval; an explicit override (a retry-wait delay, a
// forced zero-delay resync) is left alone; those already encode
// exactly the delay the caller wants.
func adjustForElapsed(interval, next, elapsed time.Duration) time.Duration {
	if next != interval || elapsed <= 0 {
		return next
	}
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (s *Scheduler) scheduleAgain(t *task, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.tasks[t.rid]; !ok {
		return
	}
	t.mu.Lock()
	if t.retiring {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	s.scheduleLocked(t, delay)
}
