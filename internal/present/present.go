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

// Package present implements the compact UUID membership structure used
// during a refresh to decide, at refresh-done, which local entries the
// provider no longer enumerates (§4.2).
//
// Set access is single-threaded: only the session that owns one refresh
// ever touches its present set, so no locking is required here (§5
// "Present-set access is single-threaded").
package present

import "github.com/opendirectory/replicad/internal/entryuuid"

// UUID is a 16-octet entry-UUID, interchangeable with entryuuid.UUID.
type UUID = entryuuid.UUID

// bucketCount matches the two-octet bucket prefix described in §3: the
// first two octets of the UUID select one of 65536 buckets, bounding
// per-bucket search cost.
const bucketCount = 65536

// key is the remaining 14 octets used inside a bucket.
type key [14]byte

func split(u UUID) (uint16, key) {
	var k key
	copy(k[:], u[2:])
	return uint16(u[0])<<8 | uint16(u[1]), k
}

// Set is the bucketed present-set. The zero value is not usable; use
// New.
type Set struct {
	buckets []map[key]struct{}
	count   int
}

// New returns an empty present set.
func New() *Set {
	return &Set{buckets: make([]map[key]struct{}, bucketCount)}
}

// Insert adds uuid to the set and reports whether it was newly added.
// A false return is the idempotency signal described in §4.2: the
// provider re-transmitted an entry after an interrupted refresh, and
// the entry reconciler should treat this as a lighter-weight path.
func (s *Set) Insert(u UUID) bool {
	b, k := split(u)
	m := s.buckets[b]
	if m == nil {
		m = make(map[key]struct{}, 8)
		s.buckets[b] = m
	}
	if _, found := m[k]; found {
		return false
	}
	m[k] = struct{}{}
	s.count++
	return true
}

// Find reports whether uuid is currently a member.
func (s *Set) Find(u UUID) bool {
	b, k := split(u)
	m := s.buckets[b]
	if m == nil {
		return false
	}
	_, found := m[k]
	return found
}

// Delete removes uuid from the set. It is a no-op if uuid is absent.
func (s *Set) Delete(u UUID) {
	b, k := split(u)
	m := s.buckets[b]
	if m == nil {
		return
	}
	if _, found := m[k]; found {
		delete(m, k)
		s.count--
	}
}

// FreeCount returns the number of members still present; at refresh-done
// every surviving member drives a local delete.
func (s *Set) FreeCount() int {
	return s.count
}

// Each calls fn for every member of the set. fn must not mutate the set.
func (s *Set) Each(fn func(UUID)) {
	for b, m := range s.buckets {
		if m == nil {
			continue
		}
		prefix := UUID{byte(b >> 8), byte(b)}
		for k := range m {
			u := prefix
			copy(u[2:], k[:])
			fn(u)
		}
	}
}
