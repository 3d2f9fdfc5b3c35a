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

package changelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/mod"
)

func TestNewerModsFiltersBySinceCSN(t *testing.T) {
	l := New(8)
	l.Record("cn=x,dc=example,dc=com", csn.CSN("1"), mod.List{{Op: mod.Add, Attr: "mail", Values: []string{"a"}}})
	l.Record("cn=x,dc=example,dc=com", csn.CSN("3"), mod.List{{Op: mod.Add, Attr: "mail", Values: []string{"b"}}})

	got, err := l.NewerMods(context.Background(), "cn=x,dc=example,dc=com", csn.CSN("2"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"b"}, got[0].Values)
}

func TestNewerModsScopedByDN(t *testing.T) {
	l := New(8)
	l.Record("cn=x,dc=example,dc=com", csn.CSN("1"), mod.List{{Op: mod.Add, Attr: "mail", Values: []string{"a"}}})

	got, err := l.NewerMods(context.Background(), "cn=y,dc=example,dc=com", csn.CSN("0"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordEvictsOldestBeyondMaxKept(t *testing.T) {
	l := New(2)
	l.Record("cn=x,dc=example,dc=com", csn.CSN("1"), mod.List{{Op: mod.Add, Attr: "a", Values: []string{"1"}}})
	l.Record("cn=x,dc=example,dc=com", csn.CSN("2"), mod.List{{Op: mod.Add, Attr: "a", Values: []string{"2"}}})
	l.Record("cn=x,dc=example,dc=com", csn.CSN("3"), mod.List{{Op: mod.Add, Attr: "a", Values: []string{"3"}}})

	got, err := l.NewerMods(context.Background(), "cn=x,dc=example,dc=com", csn.CSN("0"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"2"}, got[0].Values)
	assert.Equal(t, []string{"3"}, got[1].Values)
}
