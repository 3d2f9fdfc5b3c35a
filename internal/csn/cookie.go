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

package csn

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Cookie is the wire-level replication state carried by the sync
// control: a replica id, an optional server id, and a CSN vector.
type Cookie struct {
	RID    int
	SID    int // 0 if unset
	HasSID bool
	Vector Vector
}

// Parse decodes the canonical wire form produced by Compose:
//
//	rid=<rid>,sid=<sid>,csn=<sid1>#<csn1>,csn=<sid2>#<csn2>,...
//
// sid= is optional. Parse is tolerant of field re-ordering but rejects
// duplicate rid/sid fields and malformed csn= pairs.
func Parse(wire string) (Cookie, error) {
	var c Cookie
	if wire == "" {
		return c, nil
	}
	seenRID, seenSID := false, false
	for _, field := range strings.Split(wire, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return Cookie{}, errors.Wrapf(ErrMalformedCookie, "field %q has no '='", field)
		}
		switch k {
		case "rid":
			if seenRID {
				return Cookie{}, errors.Wrap(ErrMalformedCookie, "duplicate rid")
			}
			seenRID = true
			n, err := strconv.Atoi(v)
			if err != nil {
				return Cookie{}, errors.Wrapf(ErrMalformedCookie, "bad rid %q", v)
			}
			c.RID = n
		case "sid":
			if seenSID {
				return Cookie{}, errors.Wrap(ErrMalformedCookie, "duplicate sid")
			}
			seenSID = true
			n, err := strconv.Atoi(v)
			if err != nil {
				return Cookie{}, errors.Wrapf(ErrMalformedCookie, "bad sid %q", v)
			}
			c.SID, c.HasSID = n, true
		case "csn":
			sidStr, csnStr, ok := strings.Cut(v, "#")
			if !ok {
				return Cookie{}, errors.Wrapf(ErrMalformedCookie, "bad csn entry %q", v)
			}
			sid, err := strconv.Atoi(sidStr)
			if err != nil {
				return Cookie{}, errors.Wrapf(ErrMalformedCookie, "bad csn sid %q", sidStr)
			}
			c.Vector = append(c.Vector, Entry{SID: sid, CSN: CSN(csnStr)})
		default:
			return Cookie{}, errors.Wrapf(ErrMalformedCookie, "unknown field %q", k)
		}
	}
	sortVector(c.Vector)
	return c, nil
}

func sortVector(v Vector) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1].SID > v[j].SID; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// Compose produces the canonical wire form consumed by Parse. It is the
// inverse of Parse for every well-formed cookie: Compose(Parse(c)) == c
// up to field ordering, and Parse(Compose(c)) == c exactly.
func (c Cookie) Compose() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rid=%d", c.RID)
	if c.HasSID {
		fmt.Fprintf(&b, ",sid=%d", c.SID)
	}
	for _, e := range c.Vector {
		fmt.Fprintf(&b, ",csn=%d#%s", e.SID, e.CSN)
	}
	return b.String()
}

// String implements fmt.Stringer for log lines.
func (c Cookie) String() string { return c.Compose() }
