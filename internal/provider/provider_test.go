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

package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/config"
	"github.com/opendirectory/replicad/internal/cookiestore"
	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/modbuilder"
	"github.com/opendirectory/replicad/internal/session"
	"github.com/opendirectory/replicad/internal/storage"
)

func TestDataModeForSelectsByTypeThenSyncData(t *testing.T) {
	assert.Equal(t, modbuilder.ModeDirSync, dataModeFor(config.ReplicaConfig{Type: session.TypeDirSync}))
	assert.Equal(t, modbuilder.ModeAccessLog, dataModeFor(config.ReplicaConfig{SyncData: config.SyncDataAccessLog}))
	assert.Equal(t, modbuilder.ModeRetroChangeLog, dataModeFor(config.ReplicaConfig{SyncData: config.SyncDataChangeLog}))
	assert.Equal(t, modbuilder.ModeSyncEntry, dataModeFor(config.ReplicaConfig{}))

	// A DirSync replica always gets the DirSync decoder regardless of
	// whatever syncdata directive also happened to be set.
	assert.Equal(t, modbuilder.ModeDirSync, dataModeFor(config.ReplicaConfig{
		Type:     session.TypeDirSync,
		SyncData: config.SyncDataAccessLog,
	}))
}

func TestProvideDecoderLowercasesExcludedAttrs(t *testing.T) {
	d := ProvideDecoder(config.ReplicaConfig{
		RID:     3,
		ExAttrs: []string{"userPassword", "PWDHISTORY"},
	})
	require.NotNil(t, d)

	// Build a sync-entry add where an excluded attribute is present
	// alongside a kept one, and confirm the excluded attribute never
	// reaches the decoded message.
	msg, err := d.DecodeMessage(modbuilder.RawMessage{
		SyncState: modbuilder.SyncAdd,
		Entry: modbuilder.RawEntry{
			DN:   "cn=x,dc=example,dc=com",
			UUID: "12345678-1234-1234-1234-123456789abc",
			Attrs: map[string][]string{
				"cn":           {"x"},
				"userpassword": {"secret"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, msg.Attrs["cn"])
	assert.Nil(t, msg.Attrs["userpassword"])
}

func TestLoadCookieStateReadsAllThreeRepresentations(t *testing.T) {
	eng := storage.NewMemStore("dc=com")
	store := &cookiestore.Store{Engine: eng, ContextDN: "dc=example,dc=com"}

	require.NoError(t, eng.Add(context.Background(), "dc=example,dc=com", map[string][]string{
		"objectclass": {"top"},
	}, storage.ApplyOptions{}))

	vec := csn.Insert(nil, 1, csn.CSN("20230101000000.000000Z#000000#001#000000"))
	require.NoError(t, store.WriteVector(context.Background(), vec))
	require.NoError(t, store.WriteDirSyncCookie(context.Background(), "opaque-blob"))
	require.NoError(t, store.WriteLastChangeNumber(context.Background(), 41))

	state := loadCookieState(context.Background(), store, 9)
	assert.Equal(t, 9, state.RID)
	assert.Equal(t, vec, state.Vector)
	assert.Equal(t, "opaque-blob", state.DirSyncCookie)
	assert.Equal(t, int64(41), state.LastChangeNumber)
}
