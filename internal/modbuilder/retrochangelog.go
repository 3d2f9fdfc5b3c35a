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
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// RetroChangeMod is one self-describing modification within a
// retro-change-log "changes" value.
type RetroChangeMod struct {
	ModOp   string // "add", "delete", "replace"
	ModType string
	Values  []string
}

// RetroChangeLogRecord is a single entry read from cn=changelog (§6).
type RetroChangeLogRecord struct {
	TargetDN       string
	ChangeType     string // add, modify, delete, modrdn
	Changes        []RetroChangeMod
	NewRDN         string
	DeleteOldRDN   bool
	NewSuperior    string
	TargetUniqueID string // vendor nsUniqueId
	ChangeNumber   int64
}

var retroOps = map[string]mod.Op{
	"add":     mod.Add,
	"delete":  mod.Delete,
	"replace": mod.Replace,
}

// BuildFromRetroChangeLog parses a retro-change-log record into the
// internal modification list and synthesizes an entryUUID modification
// from the record's nsUniqueId, per §4.3.
func BuildFromRetroChangeLog(rec RetroChangeLogRecord, p Policies) (mod.List, error) {
	list := make(mod.List, 0, len(rec.Changes)+1)
	for _, c := range rec.Changes {
		op, ok := retroOps[strings.ToLower(c.ModOp)]
		if !ok {
			return nil, errors.Errorf("retro-change-log: unknown mod_op %q", c.ModOp)
		}
		m := mod.Mod{Attr: strings.ToLower(c.ModType), Op: op}
		for _, v := range c.Values {
			m.Values = append(m.Values, v)
			m.NormValues = append(m.NormValues, dn.Normalize(v))
		}
		list = append(list, m)
	}

	list, err := applyPolicies(list, p)
	if err != nil {
		return nil, err
	}

	if rec.TargetUniqueID != "" {
		u, err := entryuuid.FromNsUniqueID(rec.TargetUniqueID)
		if err != nil {
			return nil, errors.Wrap(err, "retro-change-log")
		}
		list = append(list, mod.Mod{
			Attr:       "entryuuid",
			Op:         mod.Replace,
			Values:     []string{u},
			NormValues: []string{u},
		})
	}

	return list, nil
}

// changeNumberCSN encodes a retro-change-log changeNumber as a
// zero-padded decimal string so it sorts the same way under csn's
// lexicographic comparison as the CSNs the other modes carry natively
// (§4.1's freshness check is otherwise indifferent to a CSN's internal
// grammar).
func changeNumberCSN(n int64) csn.CSN {
	return csn.CSN(fmt.Sprintf("%020d", n))
}

// retroChangeLogDecoder polls cn=changelog instead of the provider's
// live entries (§4.3 "Retro-change-log", §6 "syncdata changelog").
type retroChangeLogDecoder struct{ cfg DecoderConfig }

func (d retroChangeLogDecoder) DecodeMessage(raw RawMessage) (reconciler.Message, error) {
	rec := raw.RetroChangeLog
	msg := reconciler.Message{
		DN:  dn.Rewrite(rec.TargetDN, d.cfg.SuffixRewrite),
		CSN: changeNumberCSN(rec.ChangeNumber),
	}
	if rec.TargetUniqueID != "" {
		s, err := entryuuid.FromNsUniqueID(rec.TargetUniqueID)
		if err != nil {
			return reconciler.Message{}, err
		}
		u, err := entryuuid.Normalize(s)
		if err != nil {
			return reconciler.Message{}, err
		}
		msg.UUID = u
	}

	mods, err := BuildFromRetroChangeLog(rec, d.cfg.Policies)
	if err != nil {
		return reconciler.Message{}, err
	}

	switch strings.ToLower(rec.ChangeType) {
	case "add":
		msg.State = reconciler.StateAdd
		msg.Attrs = map[string][]string{}
		for _, m := range mods {
			msg.Attrs[m.Attr] = m.Values
		}
	case "delete":
		msg.State = reconciler.StateDelete
	case "modrdn", "moddn":
		msg.State = reconciler.StateModify
		msg.Mods = mods
		msg.NewRDN = rec.NewRDN
		msg.DeleteOldRDN = rec.DeleteOldRDN
		msg.NewSuperior = rec.NewSuperior
		msg.RenameDetected = true
	default: // modify
		msg.State = reconciler.StateModify
		msg.Mods = mods
	}
	return msg, nil
}

func (d retroChangeLogDecoder) IsDeleteMarker(raw RawMessage) bool {
	return strings.EqualFold(raw.RetroChangeLog.ChangeType, "delete")
}

func (d retroChangeLogDecoder) EncodeCookie(state CookieState) string {
	return strconv.FormatInt(state.LastChangeNumber, 10)
}

func (d retroChangeLogDecoder) InitialSearchControl(state CookieState) SearchControl {
	return SearchControl{
		Kind:   ControlNone,
		Filter: fmt.Sprintf("(changeNumber>=%d)", state.LastChangeNumber+1),
	}
}
