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
	"strings"

	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// DirSyncAttr is one attribute value-range as reported by the vendor
// DirSync control: Range{Add,Delete} correspond to the "range=1-1" /
// "range=0-0" attribute tagging (§4.3).
type DirSyncAttr struct {
	Name        string
	Values      []string
	RangeAdd    bool
	RangeDelete bool
}

// DirSyncRecord is one entry returned by a DirSync-control-driven
// search.
type DirSyncRecord struct {
	DN    string
	Attrs []DirSyncAttr
}

// BuildFromDirSync maps a DirSync record into the internal modification
// list. Every attribute defaults to a replace; range-tagged attributes
// become soft-add/soft-delete. A synthetic isDeleted attribute reports
// a delete; a synthetic whenCreated reports an add (§4.3).
func BuildFromDirSync(rec DirSyncRecord, p Policies) (list mod.List, isDelete bool, isAdd bool, err error) {
	for _, a := range rec.Attrs {
		lattr := strings.ToLower(a.Name)
		switch lattr {
		case "isdeleted":
			isDelete = true
			continue
		case "whencreated":
			isAdd = true
		}
		if p.isDynamic(lattr) || p.isExcluded(lattr) {
			continue
		}
		op := mod.Replace
		switch {
		case a.RangeAdd:
			op = mod.SoftAdd
		case a.RangeDelete:
			op = mod.SoftDelete
		}
		m := mod.Mod{Attr: lattr, Op: op}
		for _, v := range a.Values {
			vv := v
			if p.isDNSyntax(lattr) {
				vv = dn.Rewrite(vv, p.SuffixRewrite)
			}
			m.Values = append(m.Values, vv)
			m.NormValues = append(m.NormValues, dn.Normalize(vv))
		}
		list = append(list, m)
	}
	return list, isDelete, isAdd, nil
}

func dirSyncUUID(rec DirSyncRecord) (string, bool) {
	for _, a := range rec.Attrs {
		if strings.EqualFold(a.Name, "entryuuid") || strings.EqualFold(a.Name, "objectguid") {
			if len(a.Values) > 0 {
				return a.Values[0], true
			}
		}
	}
	return "", false
}

// dirSyncDecoder drives a DirSync-control search against a vendor
// directory instead of the LDAP Sync Content protocol (§4.3 "DirSync
// record", §6 "type dirsync").
type dirSyncDecoder struct{ cfg DecoderConfig }

func (d dirSyncDecoder) DecodeMessage(raw RawMessage) (reconciler.Message, error) {
	rec := raw.DirSync
	mods, isDelete, isAdd, err := BuildFromDirSync(rec, d.cfg.Policies)
	if err != nil {
		return reconciler.Message{}, err
	}
	msg := reconciler.Message{DN: dn.Rewrite(rec.DN, d.cfg.SuffixRewrite)}
	if rawUUID, ok := dirSyncUUID(rec); ok {
		u, err := entryuuid.Normalize(rawUUID)
		if err != nil {
			return reconciler.Message{}, err
		}
		msg.UUID = u
	}

	switch {
	case isDelete:
		msg.State = reconciler.StateDelete
	case isAdd:
		msg.State = reconciler.StateDSEEAdd
		msg.Attrs = map[string][]string{}
		for _, m := range mods {
			msg.Attrs[m.Attr] = m.Values
		}
	default:
		msg.State = reconciler.StateDirSyncModify
		msg.Mods = mods
	}
	return msg, nil
}

func (d dirSyncDecoder) IsDeleteMarker(raw RawMessage) bool {
	for _, a := range raw.DirSync.Attrs {
		if strings.EqualFold(a.Name, "isdeleted") {
			return true
		}
	}
	return false
}

func (d dirSyncDecoder) EncodeCookie(state CookieState) string {
	return state.DirSyncCookie
}

func (d dirSyncDecoder) InitialSearchControl(state CookieState) SearchControl {
	return SearchControl{
		Kind:        ControlDirSync,
		Cookie:      state.DirSyncCookie,
		ShowDeleted: state.DirSyncCookie != "",
	}
}
