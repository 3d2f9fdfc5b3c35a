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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
)

func TestBuildFromRetroChangeLogSynthesizesUUID(t *testing.T) {
	rec := RetroChangeLogRecord{
		TargetDN:   "uid=x,dc=example,dc=com",
		ChangeType: "modify",
		Changes: []RetroChangeMod{
			{ModOp: "replace", ModType: "cn", Values: []string{"new cn"}},
		},
		TargetUniqueID: "12345678-12341234-12341234-56789abc",
	}
	list, err := BuildFromRetroChangeLog(rec, Policies{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cn", list[0].Attr)
	uuidMod := list[1]
	assert.Equal(t, "entryuuid", uuidMod.Attr)
	_, err = entryuuid.Normalize(uuidMod.Values[0])
	assert.NoError(t, err, "synthesized value must be a valid entryUUID string")
}

func TestBuildFromRetroChangeLogRejectsUnknownOp(t *testing.T) {
	_, err := BuildFromRetroChangeLog(RetroChangeLogRecord{
		Changes: []RetroChangeMod{{ModOp: "frobnicate", ModType: "cn"}},
	}, Policies{})
	require.Error(t, err)
}

func TestBuildFromSyncEntryStripsContextCSNAndNsUniqueID(t *testing.T) {
	entry := RawEntry{
		DN: "cn=config,dc=example,dc=com",
		Attrs: map[string][]string{
			"contextCSN": {"20230101000000.000000Z#000000#001#000000"},
			"nsUniqueId": {"ignored"},
			"cn":         {"config"},
		},
		UUID: "12345678-1234-1234-1234-123456789abc",
	}
	list, err := BuildFromSyncEntry(entry, SyncEntryConfig{ContextDN: "cn=config,dc=example,dc=com"})
	require.NoError(t, err)
	attrs := map[string]bool{}
	for _, m := range list {
		attrs[m.Attr] = true
	}
	assert.False(t, attrs["contextcsn"])
	assert.False(t, attrs["nsuniqueid"])
	assert.True(t, attrs["cn"])
	assert.True(t, attrs["entryuuid"])
}

func TestBuildFromDirSyncMapsMarkersAndRanges(t *testing.T) {
	rec := DirSyncRecord{
		DN: "cn=x,dc=example,dc=com",
		Attrs: []DirSyncAttr{
			{Name: "isDeleted", Values: []string{"TRUE"}},
			{Name: "member", Values: []string{"cn=new,dc=example,dc=com"}, RangeAdd: true},
			{Name: "member", Values: []string{"cn=old,dc=example,dc=com"}, RangeDelete: true},
		},
	}
	list, isDelete, isAdd, err := BuildFromDirSync(rec, Policies{})
	require.NoError(t, err)
	assert.True(t, isDelete)
	assert.False(t, isAdd)
	require.Len(t, list, 2)
	assert.Equal(t, mod.SoftAdd, list[0].Op)
	assert.Equal(t, mod.SoftDelete, list[1].Op)
}

func TestUUIDNormalizeRoundTrip(t *testing.T) {
	s := "12345678-1234-1234-1234-123456789abc"
	u, err := entryuuid.Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, s, entryuuid.Compose(u))
}

func TestFromNsUniqueIDInsertsHyphen(t *testing.T) {
	s, err := entryuuid.FromNsUniqueID("aaaaaaaa-bbbbbbbb-cccccccc-dddddddd")
	require.NoError(t, err)
	_, err = entryuuid.Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa-bbbb-bbbb-cccc-ccccdddddddd", s)
}
