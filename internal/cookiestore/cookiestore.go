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

// Package cookiestore implements the cookie persistor (§4.8): it reads
// and writes the committed-cookie, DirSync-cookie, and retro-change-log
// high-water-mark attributes on a database's context entry, bypassing
// the replication apply pipeline so the write is not echoed back as an
// incoming change.
package cookiestore

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/storage"
)

const (
	attrContextCSN       = "contextcsn"
	attrDirSyncCookie    = "dirsynccookie"
	attrLastChangeNumber = "lastchangenumber"
)

// Store persists replication cookie state on a context entry.
type Store struct {
	Engine    storage.Engine
	ContextDN string

	// CacheHook is consulted by ReadVector before it falls back to a
	// storage search (§9 supplemented feature "two-phase cookie read at
	// startup"). It reports ok=false on a cache miss, in which case
	// ReadVector proceeds to Engine.GetAttribute as before. Left nil,
	// ReadVector behaves exactly as a single-phase, engine-only read.
	CacheHook func(ctx context.Context) (csn.Vector, bool, error)
}

// ReadVector loads the committed-cookie vector, trying CacheHook first
// and falling back to contextCSN at startup (§6 "Persisted state").
func (s *Store) ReadVector(ctx context.Context) (csn.Vector, error) {
	if s.CacheHook != nil {
		if vec, ok, err := s.CacheHook(ctx); err != nil {
			return nil, errors.Wrap(err, "cookie cache hook")
		} else if ok {
			return vec, nil
		}
	}

	values, _, err := s.Engine.GetAttribute(ctx, s.ContextDN, attrContextCSN)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}
	var vec csn.Vector
	for _, v := range values {
		e, err := parseContextCSNValue(v)
		if err != nil {
			return nil, err
		}
		vec = csn.Insert(vec, e.SID, e.CSN)
	}
	return vec, nil
}

// WriteVector atomically replaces the contextCSN attribute with the
// given vector's full contents — multi-sid providers persist every sid
// in one write (§4.8 last sentence).
func (s *Store) WriteVector(ctx context.Context, vec csn.Vector) error {
	values := make([]string, 0, len(vec))
	for _, e := range vec {
		values = append(values, formatContextCSNValue(e))
	}
	return s.Engine.Modify(ctx, s.ContextDN, mod.List{
		{Op: mod.Replace, Attr: attrContextCSN, Values: values},
	}, storage.ApplyOptions{SuppressOpAttrs: true})
}

// ReadDirSyncCookie loads the opaque DirSync blob, if any.
func (s *Store) ReadDirSyncCookie(ctx context.Context) (string, error) {
	values, _, err := s.Engine.GetAttribute(ctx, s.ContextDN, attrDirSyncCookie)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchObject) {
			return "", nil
		}
		return "", err
	}
	if len(values) == 0 {
		return "", nil
	}
	return values[0], nil
}

// WriteDirSyncCookie persists the opaque DirSync blob.
func (s *Store) WriteDirSyncCookie(ctx context.Context, blob string) error {
	return s.Engine.Modify(ctx, s.ContextDN, mod.List{
		{Op: mod.Replace, Attr: attrDirSyncCookie, Values: []string{blob}},
	}, storage.ApplyOptions{SuppressOpAttrs: true})
}

// ReadLastChangeNumber loads the retro-change-log high-water mark.
func (s *Store) ReadLastChangeNumber(ctx context.Context) (int64, error) {
	values, _, err := s.Engine.GetAttribute(ctx, s.ContextDN, attrLastChangeNumber)
	if err != nil {
		if errors.Is(err, storage.ErrNoSuchObject) {
			return 0, nil
		}
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing lastChangeNumber %q", values[0])
	}
	return n, nil
}

// WriteLastChangeNumber persists the retro-change-log high-water mark.
func (s *Store) WriteLastChangeNumber(ctx context.Context, n int64) error {
	return s.Engine.Modify(ctx, s.ContextDN, mod.List{
		{Op: mod.Replace, Attr: attrLastChangeNumber, Values: []string{strconv.FormatInt(n, 10)}},
	}, storage.ApplyOptions{SuppressOpAttrs: true})
}

// parseContextCSNValue parses one contextCSN value, which must be a bare
// CSN of four '#'-delimited fields; any other shape, including a
// "sid=N" prefix, is rejected as malformed.
func parseContextCSNValue(v string) (csn.Entry, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return csn.Entry{}, errors.New("empty contextCSN value")
	}
	// The CSN's own grammar embeds the sid, in hex, as its third
	// '#'-delimited field (timestamp#count#sid#subcount); extract it
	// rather than requiring a separate prefix.
	parts := strings.Split(v, "#")
	if len(parts) != 4 {
		return csn.Entry{}, errors.Errorf("malformed contextCSN value %q", v)
	}
	sid, err := strconv.ParseInt(parts[2], 16, 32)
	if err != nil {
		return csn.Entry{}, errors.Wrapf(err, "parsing sid in contextCSN value %q", v)
	}
	return csn.Entry{SID: int(sid), CSN: csn.CSN(v)}, nil
}

func formatContextCSNValue(e csn.Entry) string {
	return string(e.CSN)
}

// sortedSIDs is a small helper retained for callers that need to walk a
// vector's sids in order without depending on csn.Vector's internal
// sort invariant.
func sortedSIDs(vec csn.Vector) []int {
	out := make([]int, len(vec))
	for i, e := range vec {
		out[i] = e.SID
	}
	sort.Ints(out)
	return out
}
