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

package cookiestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	eng := storage.NewMemStore("cn=config")
	return &Store{Engine: eng, ContextDN: "cn=config"}
}

func TestWriteThenReadVectorRoundTrips(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	vec := csn.Insert(nil, 1, csn.CSN("20230101000000.000000Z#000000#001#000000"))
	vec = csn.Insert(vec, 3, csn.CSN("20230101000000.000000Z#000000#003#000000"))

	require.NoError(t, s.WriteVector(ctx, vec))
	got, err := s.ReadVector(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].SID)
	assert.Equal(t, 3, got[1].SID)
}

func TestReadVectorEmptyBeforeFirstWrite(t *testing.T) {
	s := newStore(t)
	vec, err := s.ReadVector(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vec)
}

func TestReadVectorUsesCacheHookOnHit(t *testing.T) {
	s := newStore(t)
	cached := csn.Insert(nil, 7, csn.CSN("20230101000000.000000Z#000000#007#000000"))
	s.CacheHook = func(ctx context.Context) (csn.Vector, bool, error) {
		return cached, true, nil
	}

	// Write a different vector straight to the engine; ReadVector must
	// not see it while the cache hook reports a hit.
	require.NoError(t, s.WriteVector(context.Background(), csn.Insert(nil, 1, csn.CSN("20230101000000.000000Z#000000#001#000000"))))

	got, err := s.ReadVector(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cached, got)
}

func TestReadVectorFallsBackOnCacheMiss(t *testing.T) {
	s := newStore(t)
	var hookCalled bool
	s.CacheHook = func(ctx context.Context) (csn.Vector, bool, error) {
		hookCalled = true
		return nil, false, nil
	}
	vec := csn.Insert(nil, 1, csn.CSN("20230101000000.000000Z#000000#001#000000"))
	require.NoError(t, s.WriteVector(context.Background(), vec))

	got, err := s.ReadVector(context.Background())
	require.NoError(t, err)
	assert.True(t, hookCalled)
	assert.Equal(t, vec, got)
}

func TestDirSyncCookieRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteDirSyncCookie(ctx, "opaque-blob"))
	got, err := s.ReadDirSyncCookie(ctx)
	require.NoError(t, err)
	assert.Equal(t, "opaque-blob", got)
}

func TestLastChangeNumberRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteLastChangeNumber(ctx, 4242))
	got, err := s.ReadLastChangeNumber(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4242, got)
}
