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

// Package modbuilder converts the four wire shapes the consumer can
// receive — access-log records, retro-change-log records, raw sync
// entries, and DirSync records — into the internal modification list
// (§4.3).
package modbuilder

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// Policies are the per-replica attribute-handling rules applied while
// building a modification list: dynamic/excluded-attribute dropping,
// single-valued-attribute rewriting, and DN-syntax suffix rewriting.
type Policies struct {
	Dynamic       map[string]bool
	Excluded      map[string]bool
	SingleValued  map[string]bool
	DNSyntax      map[string]bool
	SuffixRewrite dn.Rule
}

func (p Policies) isDynamic(attr string) bool { return p.Dynamic != nil && p.Dynamic[attr] }
func (p Policies) isExcluded(attr string) bool { return p.Excluded != nil && p.Excluded[attr] }
func (p Policies) isSingleValued(attr string) bool {
	return p.SingleValued != nil && p.SingleValued[attr]
}
func (p Policies) isDNSyntax(attr string) bool { return p.DNSyntax != nil && p.DNSyntax[attr] }

// opChars maps the access-log op character to an internal Op.
var opChars = map[byte]mod.Op{
	'+': mod.Add,
	'-': mod.Delete,
	'=': mod.Replace,
	'#': mod.Increment,
}

// ParseAccessLogLine parses one value of the reqMod attribute:
// "<attr>:<op-char> <value?>". An empty attr is a bare continuation
// marker with no data of its own.
func ParseAccessLogLine(line string) (attr string, op mod.Op, value string, hasValue bool, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", 0, "", false, errors.Errorf("reqMod line %q missing ':'", line)
	}
	attr = strings.ToLower(line[:idx])
	rest := line[idx+1:]
	if rest == "" {
		return attr, 0, "", false, errors.Errorf("reqMod line %q missing op char", line)
	}
	opChar := rest[0]
	o, ok := opChars[opChar]
	if !ok {
		return "", 0, "", false, errors.Errorf("reqMod line %q has unknown op char %q", line, opChar)
	}
	value = strings.TrimPrefix(rest[1:], " ")
	hasValue = len(rest) > 1
	return attr, o, value, hasValue, nil
}

// BuildFromAccessLog parses every reqMod value, applying consecutive
// same-(attr,op) accumulation, then the drop/rewrite policies described
// in §4.3.
func BuildFromAccessLog(values []string, p Policies) (mod.List, error) {
	var built mod.List
	var cur *mod.Mod

	flush := func() {
		if cur != nil {
			built = append(built, *cur)
			cur = nil
		}
	}

	for _, line := range values {
		attr, op, value, hasValue, err := ParseAccessLogLine(line)
		if err != nil {
			return nil, err
		}
		if attr == "" {
			// Explicit boundary marker; the next distinct (attr,op)
			// would split groups anyway, but honor it for bare
			// continuation lines with no payload.
			flush()
			continue
		}
		if cur != nil && cur.Attr == attr && cur.Op == op {
			if hasValue {
				cur.Values = append(cur.Values, value)
				cur.NormValues = append(cur.NormValues, dn.Normalize(value))
			}
			continue
		}
		flush()
		m := mod.Mod{Attr: attr, Op: op}
		if hasValue {
			m.Values = []string{value}
			m.NormValues = []string{dn.Normalize(value)}
		}
		cur = &m
	}
	flush()

	return applyPolicies(built, p)
}

// applyPolicies drops dynamic/excluded attributes, rewrites single-
// valued-attribute add/delete into replace/soft-delete, and rewrites
// DN-syntax values through the configured suffix rule.
func applyPolicies(list mod.List, p Policies) (mod.List, error) {
	// Track, per attribute, whether an add was seen in this record so a
	// later delete on the same attribute is softened (an add may
	// collide with an existing value; the delete must not undo the
	// replace it was rewritten into).
	addSeen := map[string]bool{}

	var out mod.List
	for _, m := range list {
		if p.isDynamic(m.Attr) || p.isExcluded(m.Attr) {
			continue
		}
		if p.isDNSyntax(m.Attr) && p.SuffixRewrite != (dn.Rule{}) {
			for i, v := range m.Values {
				m.Values[i] = dn.Rewrite(v, p.SuffixRewrite)
				m.NormValues[i] = dn.Normalize(m.Values[i])
			}
		}
		if p.isSingleValued(m.Attr) {
			switch m.Op {
			case mod.Add:
				m.Op = mod.Replace
				addSeen[m.Attr] = true
			case mod.Delete:
				if addSeen[m.Attr] {
					m.Op = mod.SoftDelete
				}
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// accessLogDecoder reads a subtree of access-log entries instead of
// the provider's live entries (§4.3 "Access-log", §6 "syncdata
// accesslog").
type accessLogDecoder struct{ cfg DecoderConfig }

func (d accessLogDecoder) DecodeMessage(raw RawMessage) (reconciler.Message, error) {
	rec := raw.AccessLog
	u, err := entryuuid.Normalize(rec.EntryUUID)
	if err != nil {
		return reconciler.Message{}, errors.Wrap(err, "access-log entryUUID")
	}
	msg := reconciler.Message{
		DN:   dn.Rewrite(rec.DN, d.cfg.SuffixRewrite),
		UUID: u,
		CSN:  csn.CSN(rec.CSN),
	}

	switch strings.ToLower(rec.ReqType) {
	case "add":
		mods, err := BuildFromAccessLog(rec.ReqMod, d.cfg.Policies)
		if err != nil {
			return reconciler.Message{}, err
		}
		msg.State = reconciler.StateAdd
		msg.Attrs = map[string][]string{}
		for _, m := range mods {
			msg.Attrs[m.Attr] = m.Values
		}
	case "delete":
		msg.State = reconciler.StateDelete
	case "modrdn":
		mods, err := BuildFromAccessLog(rec.ReqMod, d.cfg.Policies)
		if err != nil {
			return reconciler.Message{}, err
		}
		msg.State = reconciler.StateModify
		msg.Mods = mods
		msg.NewRDN = rec.NewRDN
		msg.DeleteOldRDN = rec.DeleteOldRDN
		msg.NewSuperior = rec.NewSuperior
		msg.RenameDetected = true
	default: // modify
		mods, err := BuildFromAccessLog(rec.ReqMod, d.cfg.Policies)
		if err != nil {
			return reconciler.Message{}, err
		}
		msg.State = reconciler.StateModify
		msg.Mods = mods
	}
	return msg, nil
}

func (d accessLogDecoder) IsDeleteMarker(raw RawMessage) bool {
	return strings.EqualFold(raw.AccessLog.ReqType, "delete")
}

func (d accessLogDecoder) EncodeCookie(state CookieState) string {
	return composeVectorCookie(d.cfg.RID, state.Vector)
}

func (d accessLogDecoder) InitialSearchControl(state CookieState) SearchControl {
	filter := d.cfg.LogFilter
	if filter == "" {
		filter = "(objectClass=auditWriteObject)"
	}
	return SearchControl{Kind: ControlNone, Filter: filter}
}
