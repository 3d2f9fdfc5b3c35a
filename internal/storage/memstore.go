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

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
)

func csnOf(s string) csn.CSN { return csn.CSN(s) }

// MemStore is an in-memory Engine used by tests in place of a real
// storage engine container — the cookie-state and entry-reconciler
// invariants are about apply ordering and idempotence, not SQL
// correctness, so a map-backed fake is sufficient and keeps the test
// suite hermetic.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*Entry // keyed by normalized DN
}

// NewMemStore returns an empty store, optionally seeded with a suffix
// entry so adds under it succeed.
func NewMemStore(suffixDN string) *MemStore {
	m := &MemStore{entries: map[string]*Entry{}}
	if suffixDN != "" {
		m.entries[dn.Normalize(suffixDN)] = &Entry{DN: suffixDN, Attrs: map[string][]string{}}
	}
	return m
}

var _ Engine = (*MemStore)(nil)

func parentOf(d string) string {
	idx := strings.IndexByte(d, ',')
	if idx < 0 {
		return ""
	}
	return d[idx+1:]
}

func (m *MemStore) SearchByUUID(ctx context.Context, base string, uuid entryuuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dns []string
	for k := range m.entries {
		dns = append(dns, k)
	}
	sort.Strings(dns)
	for _, k := range dns {
		e := m.entries[k]
		if e.HasUUID && e.UUID == uuid {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNoSuchObject
}

func (m *MemStore) SearchByDN(ctx context.Context, d string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dn.Normalize(d)]
	if !ok {
		return nil, ErrNoSuchObject
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) Add(ctx context.Context, d string, attrs map[string][]string, opts ApplyOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dn.Normalize(d)
	if _, exists := m.entries[key]; exists {
		return ErrAlreadyExists
	}
	parent := parentOf(d)
	if parent != "" {
		if _, ok := m.entries[dn.Normalize(parent)]; !ok {
			return ErrNoSuchObject
		}
	}
	e := &Entry{DN: d, Attrs: cloneAttrs(attrs), ParentDN: parent}
	if uv, ok := attrs["entryuuid"]; ok && len(uv) == 1 {
		if u, err := entryuuid.Normalize(uv[0]); err == nil {
			e.UUID, e.HasUUID = u, true
		}
	}
	if cv, ok := attrs["entrycsn"]; ok && len(cv) == 1 {
		e.CSN = csnOf(cv[0])
	}
	for _, oc := range attrs["objectclass"] {
		if strings.EqualFold(oc, "glue") {
			e.IsGlue = true
		}
	}
	m.entries[key] = e
	return nil
}

func (m *MemStore) Modify(ctx context.Context, d string, mods mod.List, opts ApplyOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dn.Normalize(d)]
	if !ok {
		return ErrNoSuchObject
	}
	applyMods(e, mods)
	return nil
}

func (m *MemStore) ModRename(ctx context.Context, d, newRDN string, deleteOldRDN bool, newSuperior string, mods mod.List, opts ApplyOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dn.Normalize(d)]
	if !ok {
		return ErrNoSuchObject
	}
	parent := newSuperior
	if parent == "" {
		parent = parentOf(d)
	}
	if parent != "" {
		if _, ok := m.entries[dn.Normalize(parent)]; !ok {
			return ErrNoSuchObject
		}
	}
	newDN := newRDN
	if parent != "" {
		newDN = newRDN + "," + parent
	}
	delete(m.entries, dn.Normalize(d))
	e.DN = newDN
	e.ParentDN = parent
	applyMods(e, mods)
	m.entries[dn.Normalize(newDN)] = e
	return nil
}

func (m *MemStore) Delete(ctx context.Context, d string, opts ApplyOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dn.Normalize(d)
	if _, ok := m.entries[key]; !ok {
		return ErrNoSuchObject
	}
	delete(m.entries, key)
	return nil
}

func (m *MemStore) GetAttribute(ctx context.Context, d, attr string) ([]string, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[dn.Normalize(d)]
	if !ok {
		return nil, nil, ErrNoSuchObject
	}
	values := e.Attrs[attr]
	norm := make([]string, len(values))
	for i, v := range values {
		norm[i] = dn.Normalize(v)
	}
	return append([]string(nil), values...), norm, nil
}

func (m *MemStore) ChildCount(ctx context.Context, d string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dn.Normalize(d)
	n := 0
	for _, e := range m.entries {
		if dn.Normalize(e.ParentDN) == key {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListUUIDsUnder(ctx context.Context, base string) ([]entryuuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	baseKey := dn.Normalize(base)
	var out []entryuuid.UUID
	for k, e := range m.entries {
		if !e.HasUUID || e.IsGlue {
			continue
		}
		if k != baseKey && !strings.HasSuffix(k, ","+baseKey) {
			continue
		}
		out = append(out, e.UUID)
	}
	return out, nil
}

func cloneAttrs(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func applyMods(e *Entry, mods mod.List) {
	if e.Attrs == nil {
		e.Attrs = map[string][]string{}
	}
	for _, mo := range mods {
		switch mo.Op {
		case mod.Replace:
			if len(mo.Values) == 0 {
				delete(e.Attrs, mo.Attr)
			} else {
				e.Attrs[mo.Attr] = append([]string(nil), mo.Values...)
			}
		case mod.Add, mod.SoftAdd:
			existing := e.Attrs[mo.Attr]
			for _, v := range mo.Values {
				if mo.Op == mod.SoftAdd && containsStr(existing, v) {
					continue
				}
				existing = append(existing, v)
			}
			e.Attrs[mo.Attr] = existing
		case mod.Delete, mod.SoftDelete:
			if len(mo.Values) == 0 {
				delete(e.Attrs, mo.Attr)
				continue
			}
			var remaining []string
			for _, v := range e.Attrs[mo.Attr] {
				if containsStr(mo.Values, v) {
					continue
				}
				remaining = append(remaining, v)
			}
			if len(remaining) == 0 {
				delete(e.Attrs, mo.Attr)
			} else {
				e.Attrs[mo.Attr] = remaining
			}
		}
		if mo.Attr == "entryuuid" && len(mo.Values) == 1 {
			if u, err := entryuuid.Normalize(mo.Values[0]); err == nil {
				e.UUID, e.HasUUID = u, true
			}
		}
		if mo.Attr == "entrycsn" && len(mo.Values) == 1 {
			e.CSN = csnOf(mo.Values[0])
		}
	}
}

func containsStr(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
