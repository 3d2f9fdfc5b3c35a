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

package conflict

import (
	"context"

	"github.com/opendirectory/replicad/internal/mod"
)

// newerKind classifies one newer modification for the purposes of the
// truth table. A replace is treated as delete-all for suppression
// purposes (§4.4, last row of the table).
type newerKind int

const (
	newerDeleteAll newerKind = iota
	newerDeleteX
	newerAddX
)

func classifyNewer(m mod.Mod) (newerKind, []string) {
	switch m.Op {
	case mod.Replace:
		return newerDeleteAll, nil
	case mod.Delete, mod.SoftDelete:
		if len(m.NormValues) == 0 {
			return newerDeleteAll, nil
		}
		return newerDeleteX, m.NormValues
	default: // Add, SoftAdd, Increment
		return newerAddX, m.NormValues
	}
}

// applyTruthTable rewrites working against every newer modification
// that targets the same attribute, applying the pairing rules of §4.4
// step 3 attribute by attribute.
func (r *Resolver) applyTruthTable(
	ctx context.Context, targetDN string, working, newer mod.List,
) (mod.List, error) {
	out := make(mod.List, 0, len(working))
	for _, m1 := range working {
		cur, dropped, err := r.resolveAgainstNewer(ctx, targetDN, m1, newer.ByAttr(m1.Attr))
		if err != nil {
			return nil, err
		}
		if !dropped {
			out = append(out, cur)
		}
	}
	return out, nil
}

func (r *Resolver) resolveAgainstNewer(
	ctx context.Context, targetDN string, m1 mod.Mod, newerForAttr mod.List,
) (mod.Mod, bool, error) {
	cur := m1
	for _, m2 := range newerForAttr {
		kind2, vals2 := classifyNewer(m2)

		isDeleteAll := (cur.Op == mod.Delete || cur.Op == mod.SoftDelete) && len(cur.NormValues) == 0
		isDeleteX := (cur.Op == mod.Delete || cur.Op == mod.SoftDelete) && len(cur.NormValues) > 0
		isAddX := cur.Op == mod.Add || cur.Op == mod.SoftAdd

		switch {
		case isDeleteAll:
			switch kind2 {
			case newerDeleteAll:
				return mod.Mod{}, true, nil
			case newerDeleteX:
				explicit, err := r.toExplicitDelete(ctx, targetDN, cur)
				if err != nil {
					return mod.Mod{}, false, err
				}
				cur = explicit
			case newerAddX:
				explicit, err := r.toExplicitDelete(ctx, targetDN, cur)
				if err != nil {
					return mod.Mod{}, false, err
				}
				cur = removeValues(explicit, vals2)
				if len(cur.NormValues) == 0 {
					return mod.Mod{}, true, nil
				}
			}

		case isDeleteX:
			switch kind2 {
			case newerDeleteAll:
				return mod.Mod{}, true, nil
			case newerDeleteX:
				cur = removeValues(cur, vals2)
				if len(cur.NormValues) == 0 {
					return mod.Mod{}, true, nil
				}
			case newerAddX:
				if overlaps(cur.NormValues, vals2) {
					return mod.Mod{}, true, nil
				}
				// delete-X, add-Y: keep, unchanged.
			}

		case isAddX:
			switch kind2 {
			case newerDeleteAll:
				return mod.Mod{}, true, nil
			case newerDeleteX:
				if overlaps(cur.NormValues, vals2) {
					return mod.Mod{}, true, nil
				}
			case newerAddX:
				if sameSet(cur.NormValues, vals2) {
					return mod.Mod{}, true, nil
				}
				if r.SingleValued != nil && r.SingleValued[cur.Attr] {
					return mod.Mod{}, true, nil
				}
			}
		}
	}
	return cur, false, nil
}

// toExplicitDelete loads the attribute's current committed values and
// converts a delete-all into an explicit delete of those values, so
// that a subsequent value-level suppression (e.g. dropping one value
// that a newer add re-introduced) has something to operate on.
func (r *Resolver) toExplicitDelete(ctx context.Context, targetDN string, m mod.Mod) (mod.Mod, error) {
	if r.EntryValues == nil {
		return m, nil
	}
	values, normValues, err := r.EntryValues(ctx, targetDN, m.Attr)
	if err != nil {
		return mod.Mod{}, err
	}
	m.Values = values
	m.NormValues = normValues
	return m, nil
}

func removeValues(m mod.Mod, remove []string) mod.Mod {
	toRemove := make(map[string]bool, len(remove))
	for _, v := range remove {
		toRemove[v] = true
	}
	out := m
	out.Values = nil
	out.NormValues = nil
	for i, v := range m.NormValues {
		if toRemove[v] {
			continue
		}
		out.NormValues = append(out.NormValues, v)
		out.Values = append(out.Values, m.Values[i])
	}
	return out
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if !set[v] {
			return false
		}
	}
	return true
}
