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

// Package changelog is the in-process "newer mods" source the conflict
// resolver (§4.4) queries when a replica runs in an access-log or
// retro-change-log delta mode: every modification the reconciler
// actually applies in one of those modes is recorded here, keyed by
// target DN, so a later stale modification against the same DN can be
// rewritten against what has already landed.
package changelog

import (
	"context"
	"sort"
	"sync"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/mod"
)

// Record is one applied modification, as the conflict resolver wants
// to see it.
type Record struct {
	CSN  csn.CSN
	Mods mod.List
}

// Log is a bounded in-memory changelog, implementing
// conflict.ChangeLog.
type Log struct {
	mu      sync.Mutex
	byDN    map[string][]Record
	maxKept int
}

// New returns a Log that retains at most maxPerDN records per target
// DN, evicting the oldest first (delta-mode providers only need recent
// history to resolve ordering against in-flight replication, per
// §4.4's "searches the configured change log for entries whose
// entryCSN >= incoming.csn").
func New(maxPerDN int) *Log {
	if maxPerDN <= 0 {
		maxPerDN = 64
	}
	return &Log{byDN: map[string][]Record{}, maxKept: maxPerDN}
}

// Record appends one applied modification against targetDN.
func (l *Log) Record(targetDN string, at csn.CSN, mods mod.List) {
	if len(mods) == 0 {
		return
	}
	key := dn.Normalize(targetDN)
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := append(l.byDN[key], Record{CSN: at, Mods: mods.Clone()})
	if len(recs) > l.maxKept {
		recs = recs[len(recs)-l.maxKept:]
	}
	l.byDN[key] = recs
}

// NewerMods implements conflict.ChangeLog: it returns the union of
// every recorded modification against targetDN whose CSN is at or
// after sinceCSN, ordered by CSN.
func (l *Log) NewerMods(ctx context.Context, targetDN string, sinceCSN csn.CSN) (mod.List, error) {
	key := dn.Normalize(targetDN)
	l.mu.Lock()
	recs := append([]Record(nil), l.byDN[key]...)
	l.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return csn.Compare(recs[i].CSN, recs[j].CSN) < 0 })

	var out mod.List
	for _, r := range recs {
		if csn.Compare(r.CSN, sinceCSN) < 0 {
			continue
		}
		out = append(out, r.Mods...)
	}
	return out, nil
}
