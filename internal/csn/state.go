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

package csn

import (
	"sync"
	"sync/atomic"
)

// ReplicaID identifies the owner of a refresh gate. The zero value means
// "no holder".
type ReplicaID string

// State holds the per-database cookie shared by every replica whose
// writes land in the same local database (§3 "Cookie state"). Lock
// order is fixed: refresh -> pending -> committed, and is never
// reversed (§5).
type State struct {
	refreshMu sync.Mutex
	pendingMu sync.Mutex
	committedMu sync.Mutex

	committed Vector
	pending   Vector
	age       uint64

	refreshing ReplicaID
	waiters    []chan struct{} // parked replicas, FIFO

	refcount int32
}

// NewState returns a fresh, empty cookie state with a reference count
// of one.
func NewState() *State {
	return &State{refcount: 1}
}

// Retain increments the reference count; callers that hand out a
// *State to an additional replica must call Retain first.
func (s *State) Retain() { atomic.AddInt32(&s.refcount, 1) }

// Release decrements the reference count and reports whether it reached
// zero, at which point the owning database should drop the state.
func (s *State) Release() bool {
	return atomic.AddInt32(&s.refcount, -1) == 0
}

// Committed returns a snapshot of the committed vector and the
// generation counter observed at the same instant.
func (s *State) Committed() (Vector, uint64) {
	s.committedMu.Lock()
	defer s.committedMu.Unlock()
	return s.committed.Clone(), s.age
}

// Age returns the current generation counter without copying the
// vector.
func (s *State) Age() uint64 {
	s.committedMu.Lock()
	defer s.committedMu.Unlock()
	return s.age
}

// CheckFreshness reports whether csn is new enough to apply against the
// committed vector for sid, per §4.1 check_csn_age.
func (s *State) CheckFreshness(sid int, c CSN) (Status, int) {
	s.committedMu.Lock()
	defer s.committedMu.Unlock()
	return CheckAge(s.committed, sid, c)
}

// MergeCommitted merges remote into the committed vector, bumping the
// generation counter if anything advanced. It returns whether the
// vector changed.
func (s *State) MergeCommitted(remote Vector) bool {
	s.committedMu.Lock()
	defer s.committedMu.Unlock()
	merged, changed := Merge(s.committed, remote)
	if changed {
		s.committed = merged
		s.age++
	}
	return changed
}

// CommitOne advances the committed vector for a single (sid, csn) pair,
// as happens after one successful apply. It returns whether the vector
// advanced (false means the CSN was stale and should not have been
// applied — callers use this as a double-apply guard of last resort).
func (s *State) CommitOne(sid int, c CSN) bool {
	s.committedMu.Lock()
	defer s.committedMu.Unlock()
	status, _ := CheckAge(s.committed, sid, c)
	if status == StatusTooOld {
		return false
	}
	s.committed = Insert(s.committed, sid, c)
	s.age++
	return true
}

// AcceptPending records that a modification carrying (sid, csn) has
// been accepted into the apply pipeline but not yet committed. The
// returned release func must be called exactly once, after the apply
// either commits or aborts; it does not by itself advance the committed
// vector. §5 requires this mutex be held before calling into the
// storage engine and released only after the commit completes, so that
// concurrent sessions observing each other's pending CSNs cannot
// double-apply.
func (s *State) AcceptPending(sid int, c CSN) (accepted bool, release func()) {
	s.pendingMu.Lock()
	status, _ := CheckAge(s.pending, sid, c)
	if status == StatusTooOld {
		s.pendingMu.Unlock()
		return false, func() {}
	}
	s.pending = Insert(s.pending, sid, c)
	return true, func() { s.pendingMu.Unlock() }
}

// Pending returns a snapshot of the pending vector.
func (s *State) Pending() Vector {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.pending.Clone()
}

// TryAcquireRefresh attempts to take the refresh gate for self. If
// another replica already holds it, self is parked and the returned
// channel closes when it is this replica's turn; the caller must retry
// TryAcquireRefresh after the channel closes.
func (s *State) TryAcquireRefresh(self ReplicaID) (acquired bool, wait <-chan struct{}) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshing == "" {
		s.refreshing = self
		return true, nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	return false, ch
}

// ReleaseRefresh releases the gate held by self (a no-op if self is not
// the holder) and wakes the next parked replica, if any.
func (s *State) ReleaseRefresh(self ReplicaID) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshing != self {
		return
	}
	s.refreshing = ""
	if len(s.waiters) == 0 {
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	close(next)
}

// Reset clears both the committed and pending vectors. A session calls
// this on detecting state drift (§4.5 step 4: a no-such-object on add
// past refresh-done means local storage no longer matches what the
// cookie claims), forcing the next refresh to start from empty state.
func (s *State) Reset() {
	s.pendingMu.Lock()
	s.pending = nil
	s.pendingMu.Unlock()

	s.committedMu.Lock()
	s.committed = nil
	s.age++
	s.committedMu.Unlock()
}

// RefreshHolder reports the replica currently holding the refresh gate,
// if any.
func (s *State) RefreshHolder() (ReplicaID, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshing, s.refreshing != ""
}
