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

// Package conflict implements the delta-mode conflict-resolution
// pipeline for modifications applied against a multi-provider database
// (§4.4): it rewrites an incoming, possibly-stale modification list
// against newer already-committed modifications discovered in a change
// log, so that the local apply commutes with whatever else has already
// landed.
package conflict

import (
	"context"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/mod"
)

// Outcome is the result of Resolve.
type Outcome int

const (
	// OutcomeApply means the returned list should be applied.
	OutcomeApply Outcome = iota
	// OutcomeDuplicate means the incoming CSN equals the local entry's
	// CSN: the modification was already committed. Callers should treat
	// this as success and let the access log record the collision.
	OutcomeDuplicate
)

// ChangeLog is queried for modifications committed at or after a given
// CSN against a given DN — the "newer mods" set of §4.4 step 2.
type ChangeLog interface {
	NewerMods(ctx context.Context, targetDN string, sinceCSN csn.CSN) (mod.List, error)
}

// EntryValues loads the current committed values of one attribute on
// the target entry, used to derive explicit-value deletes from a
// delete-all modification (§4.4 truth table rows "delete-all | delete-X"
// and "delete-all | add-X").
type EntryValues func(ctx context.Context, targetDN, attr string) (values, normValues []string, err error)

// Resolver performs the conflict-resolution pipeline.
type Resolver struct {
	ChangeLog    ChangeLog
	EntryValues  EntryValues
	SingleValued map[string]bool
}

// droppedAttrs are stripped from a duplicated incoming list because
// they describe the past (§4.4 step 1).
var droppedAttrs = map[string]bool{
	"modifiersname":   true,
	"modifytimestamp": true,
	"entrycsn":        true,
}

// Resolve classifies the incoming change by comparing its CSN to the
// local entry's CSN and, for a stale ("older") change, runs the full
// rewrite pipeline described in §4.4.
func (r *Resolver) Resolve(
	ctx context.Context, targetDN string, localCSN, incomingCSN csn.CSN, incoming mod.List,
) (mod.List, Outcome, error) {
	switch csn.Compare(incomingCSN, localCSN) {
	case 0:
		return nil, OutcomeDuplicate, nil
	case 1:
		return r.idempotent(incoming.Clone()), OutcomeApply, nil
	default:
		return r.resolveOlder(ctx, targetDN, incomingCSN, incoming)
	}
}

func (r *Resolver) resolveOlder(
	ctx context.Context, targetDN string, incomingCSN csn.CSN, incoming mod.List,
) (mod.List, Outcome, error) {
	working := r.splitReplaces(r.dropPastAttrs(incoming.Clone()))

	newer, err := r.ChangeLog.NewerMods(ctx, targetDN, incomingCSN)
	if err != nil {
		return nil, 0, err
	}

	working, err = r.applyTruthTable(ctx, targetDN, working, newer)
	if err != nil {
		return nil, 0, err
	}

	return r.idempotent(working), OutcomeApply, nil
}

// dropPastAttrs removes modifications to attributes that describe
// historical metadata, which would otherwise be rewound by reapplying a
// stale change.
func (r *Resolver) dropPastAttrs(list mod.List) mod.List {
	out := make(mod.List, 0, len(list))
	for _, m := range list {
		if droppedAttrs[m.Attr] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// splitReplaces turns a replace-with-no-values into a delete, and a
// replace-with-values into a delete-all followed by an add, so that the
// truth table — defined in terms of add/delete — has something to
// operate on.
func (r *Resolver) splitReplaces(list mod.List) mod.List {
	out := make(mod.List, 0, len(list))
	for _, m := range list {
		if m.Op != mod.Replace {
			out = append(out, m)
			continue
		}
		if len(m.Values) == 0 {
			m.Op = mod.Delete
			out = append(out, m)
			continue
		}
		del := mod.Mod{Attr: m.Attr, Op: mod.Delete}
		add := mod.Mod{Attr: m.Attr, Op: mod.Add, Values: m.Values, NormValues: m.NormValues}
		out = append(out, del, add)
	}
	return out
}

// idempotent is the final pass of §4.4: every surviving delete becomes
// soft-delete, and every add on a single-valued attribute becomes a
// replace, so the result commutes with whatever else lands afterward.
func (r *Resolver) idempotent(list mod.List) mod.List {
	out := make(mod.List, 0, len(list))
	for _, m := range list {
		switch m.Op {
		case mod.Delete:
			m.Op = mod.SoftDelete
		case mod.Add:
			if r.SingleValued != nil && r.SingleValued[m.Attr] {
				m.Op = mod.Replace
			}
		}
		out = append(out, m)
	}
	return out
}
