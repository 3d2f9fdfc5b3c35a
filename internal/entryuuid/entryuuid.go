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

// Package entryuuid normalizes the entryUUID attribute and synthesizes
// it from the vendor nsUniqueId attribute (§4.3 retro-change-log
// record). It is built on github.com/google/uuid rather than a
// hand-rolled hex parser, following the rest of the example corpus's
// use of that library for identifier handling.
package entryuuid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UUID is a 16-octet entry-UUID. It is interchangeable with
// github.com/google/uuid.UUID, and with internal/present.UUID, since
// all three are defined as [16]byte.
type UUID [16]byte

// Normalize parses the canonical string form
// "12345678-1234-1234-1234-123456789abc" into 16 raw octets.
func Normalize(s string) (UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, errors.Wrapf(err, "invalid entryUUID %q", s)
	}
	return UUID(u), nil
}

// Compose is the inverse of Normalize: it produces the lowercased
// canonical string form. Normalize(Compose(u)) == u for every UUID, and
// Compose(must(Normalize(s))) == strings.ToLower(s) for every
// well-formed s (§8 "UUID normalize" round-trip law).
func Compose(u UUID) string {
	return uuid.UUID(u).String()
}

// FromNsUniqueID converts a 389-DS/NDS style nsUniqueId — four 8-hex-
// digit blocks separated by hyphens (32 hex digits, 3 hyphens) — into
// the standard entryUUID string form by inserting the missing hyphen
// and re-grouping into the 8-4-4-4-12 layout (§4.3 "insert the missing
// hyphen, then normalize through the UUID syntax").
func FromNsUniqueID(nsUniqueID string) (string, error) {
	hex := strings.ReplaceAll(nsUniqueID, "-", "")
	if len(hex) != 32 {
		return "", errors.Errorf("nsUniqueId %q does not decode to 32 hex digits", nsUniqueID)
	}
	for _, r := range hex {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return "", errors.Errorf("nsUniqueId %q contains non-hex digit %q", nsUniqueID, r)
		}
	}
	return strings.ToLower(hex[0:8] + "-" + hex[8:12] + "-" + hex[12:16] + "-" + hex[16:20] + "-" + hex[20:32]), nil
}
