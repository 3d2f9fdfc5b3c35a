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

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/reconciler"
)

func TestSyncEntryDecoderDecodesAddAndDelete(t *testing.T) {
	d := NewDecoder(ModeSyncEntry, DecoderConfig{RID: 1})

	add, err := d.DecodeMessage(RawMessage{
		SyncState: SyncAdd,
		Entry: RawEntry{
			DN:    "cn=x,dc=example,dc=com",
			Attrs: map[string][]string{"cn": {"x"}},
			UUID:  "12345678-1234-1234-1234-123456789abc",
		},
		CSN: "20230101000000.000000Z#000000#001#000000",
	})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateAdd, add.State)
	assert.Equal(t, []string{"x"}, add.Attrs["cn"])
	assert.False(t, d.IsDeleteMarker(RawMessage{SyncState: SyncAdd}))

	del, err := d.DecodeMessage(RawMessage{SyncState: SyncDelete, Entry: RawEntry{UUID: "12345678-1234-1234-1234-123456789abc"}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateDelete, del.State)
	assert.True(t, d.IsDeleteMarker(RawMessage{SyncState: SyncDelete}))
}

func TestSyncEntryDecoderEncodesVectorCookie(t *testing.T) {
	d := NewDecoder(ModeSyncEntry, DecoderConfig{RID: 7})
	vec := csn.Insert(nil, 7, csn.CSN("20230101000000.000000Z#000000#007#000000"))
	sc := d.InitialSearchControl(CookieState{Vector: vec})
	assert.Equal(t, ControlSyncRequest, sc.Kind)
	assert.Equal(t, d.EncodeCookie(CookieState{Vector: vec}), sc.Cookie)

	parsed, err := csn.Parse(sc.Cookie)
	require.NoError(t, err)
	assert.Equal(t, 7, parsed.RID)
}

func TestAccessLogDecoderDispatchesByReqType(t *testing.T) {
	d := NewDecoder(ModeAccessLog, DecoderConfig{RID: 2})

	add, err := d.DecodeMessage(RawMessage{AccessLog: RawAccessLogRecord{
		DN:        "uid=a,dc=example,dc=com",
		ReqType:   "add",
		ReqMod:    []string{"cn:+ a"},
		EntryUUID: "12345678-1234-1234-1234-123456789abc",
	}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateAdd, add.State)
	assert.Equal(t, []string{"a"}, add.Attrs["cn"])

	del, err := d.DecodeMessage(RawMessage{AccessLog: RawAccessLogRecord{
		DN: "uid=a,dc=example,dc=com", ReqType: "delete",
		EntryUUID: "12345678-1234-1234-1234-123456789abc",
	}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateDelete, del.State)
	assert.True(t, d.IsDeleteMarker(RawMessage{AccessLog: RawAccessLogRecord{ReqType: "delete"}}))

	rename, err := d.DecodeMessage(RawMessage{AccessLog: RawAccessLogRecord{
		DN: "uid=a,dc=example,dc=com", ReqType: "modrdn",
		NewRDN: "uid=b", DeleteOldRDN: true,
		EntryUUID: "12345678-1234-1234-1234-123456789abc",
	}})
	require.NoError(t, err)
	assert.True(t, rename.RenameDetected)
	assert.Equal(t, "uid=b", rename.NewRDN)
}

func TestAccessLogDecoderFallsBackToLogFilter(t *testing.T) {
	d := NewDecoder(ModeAccessLog, DecoderConfig{LogFilter: "(reqType=modify)"})
	sc := d.InitialSearchControl(CookieState{})
	assert.Equal(t, ControlNone, sc.Kind)
	assert.Equal(t, "(reqType=modify)", sc.Filter)
}

func TestRetroChangeLogDecoderEncodesChangeNumberCookie(t *testing.T) {
	d := NewDecoder(ModeRetroChangeLog, DecoderConfig{})
	assert.Equal(t, "41", d.EncodeCookie(CookieState{LastChangeNumber: 41}))
	sc := d.InitialSearchControl(CookieState{LastChangeNumber: 41})
	assert.Equal(t, "(changeNumber>=42)", sc.Filter)

	msg, err := d.DecodeMessage(RawMessage{RetroChangeLog: RetroChangeLogRecord{
		TargetDN:   "uid=x,dc=example,dc=com",
		ChangeType: "modify",
		Changes:    []RetroChangeMod{{ModOp: "replace", ModType: "cn", Values: []string{"new"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateModify, msg.State)
	assert.NotEmpty(t, msg.CSN)
}

func TestDirSyncDecoderMapsDeleteAndModify(t *testing.T) {
	d := NewDecoder(ModeDirSync, DecoderConfig{})

	del, err := d.DecodeMessage(RawMessage{DirSync: DirSyncRecord{
		DN:    "cn=x,dc=example,dc=com",
		Attrs: []DirSyncAttr{{Name: "isDeleted", Values: []string{"TRUE"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateDelete, del.State)
	assert.True(t, d.IsDeleteMarker(RawMessage{DirSync: DirSyncRecord{Attrs: []DirSyncAttr{{Name: "isDeleted"}}}}))

	modify, err := d.DecodeMessage(RawMessage{DirSync: DirSyncRecord{
		DN: "cn=x,dc=example,dc=com",
		Attrs: []DirSyncAttr{
			{Name: "member", Values: []string{"cn=new,dc=example,dc=com"}, RangeAdd: true},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, reconciler.StateDirSyncModify, modify.State)
	require.Len(t, modify.Mods, 1)

	sc := d.InitialSearchControl(CookieState{DirSyncCookie: "opaque-blob"})
	assert.Equal(t, ControlDirSync, sc.Kind)
	assert.True(t, sc.ShowDeleted)
}
