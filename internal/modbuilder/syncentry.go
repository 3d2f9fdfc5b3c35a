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

package modbuilder

import (
	"sort"
	"strings"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// RawEntry is a fully materialized entry plus the UUID carried by the
// sync-state control.
type RawEntry struct {
	DN    string
	Attrs map[string][]string
	UUID  string
}

// SchemaChecker validates one attribute's proposed values; it stands in
// for the storage engine's schema registration (§1, treated as
// surrounding glue).
type SchemaChecker func(attr string, values []string) error

// SyncEntryConfig configures BuildFromSyncEntry.
type SyncEntryConfig struct {
	Policies
	ContextDN string
	Schema    SchemaChecker
}

// BuildFromSyncEntry converts a raw sync entry into a modification list
// suitable for full-entry application: contextCSN updates targeting the
// context entry are stripped, provider-side nsUniqueId is stripped in
// favor of the derived entryUUID, dynamic/excluded attributes are
// dropped, and every remaining attribute becomes a replace (§4.3).
func BuildFromSyncEntry(entry RawEntry, cfg SyncEntryConfig) (mod.List, error) {
	isContext := cfg.ContextDN != "" && dn.Normalize(entry.DN) == dn.Normalize(cfg.ContextDN)

	attrs := make([]string, 0, len(entry.Attrs))
	for a := range entry.Attrs {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	var list mod.List
	for _, attr := range attrs {
		lattr := strings.ToLower(attr)
		if isContext && lattr == "contextcsn" {
			continue
		}
		if lattr == "nsuniqueid" {
			continue
		}
		if cfg.isDynamic(lattr) || cfg.isExcluded(lattr) {
			continue
		}
		values := entry.Attrs[attr]
		if cfg.Schema != nil {
			if err := cfg.Schema(lattr, values); err != nil {
				return nil, err
			}
		}
		m := mod.Mod{Attr: lattr, Op: mod.Replace}
		for _, v := range values {
			vv := v
			if cfg.isDNSyntax(lattr) {
				vv = dn.Rewrite(vv, cfg.SuffixRewrite)
			}
			m.Values = append(m.Values, vv)
			m.NormValues = append(m.NormValues, dn.Normalize(vv))
		}
		list = append(list, m)
	}

	if entry.UUID != "" {
		list = append(list, mod.Mod{
			Attr:       "entryuuid",
			Op:         mod.Replace,
			Values:     []string{entry.UUID},
			NormValues: []string{entry.UUID},
		})
	}

	return list, nil
}

// syncEntryDecoder is the default Decoder: full entries carried by the
// LDAP Sync Content protocol's search-entry messages, tagged by a sync
// state control (§4.3, §9 default mode).
type syncEntryDecoder struct{ cfg DecoderConfig }

func (d syncEntryDecoder) DecodeMessage(raw RawMessage) (reconciler.Message, error) {
	u, err := entryuuid.Normalize(raw.Entry.UUID)
	if err != nil {
		return reconciler.Message{}, err
	}
	msg := reconciler.Message{DN: raw.Entry.DN, UUID: u, CSN: csn.CSN(raw.CSN)}

	switch raw.SyncState {
	case SyncPresent:
		msg.State = reconciler.StatePresent
		return msg, nil
	case SyncDelete:
		msg.State = reconciler.StateDelete
		return msg, nil
	}

	mods, err := BuildFromSyncEntry(raw.Entry, SyncEntryConfig{
		Policies:  d.cfg.Policies,
		ContextDN: d.cfg.ContextDN,
		Schema:    d.cfg.Schema,
	})
	if err != nil {
		return reconciler.Message{}, err
	}

	if raw.SyncState == SyncAdd {
		msg.State = reconciler.StateAdd
		msg.Attrs = map[string][]string{}
		for _, m := range mods {
			msg.Attrs[m.Attr] = m.Values
		}
		return msg, nil
	}

	msg.State = reconciler.StateModify
	msg.Mods = mods
	return msg, nil
}

func (d syncEntryDecoder) IsDeleteMarker(raw RawMessage) bool {
	return raw.SyncState == SyncDelete
}

func (d syncEntryDecoder) EncodeCookie(state CookieState) string {
	return composeVectorCookie(d.cfg.RID, state.Vector)
}

func (d syncEntryDecoder) InitialSearchControl(state CookieState) SearchControl {
	return SearchControl{Kind: ControlSyncRequest, Cookie: d.EncodeCookie(state)}
}
