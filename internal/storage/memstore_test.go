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

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
)

func TestAddRejectsMissingParent(t *testing.T) {
	m := NewMemStore("")
	err := m.Add(context.Background(), "cn=x,dc=example,dc=com", map[string][]string{"cn": {"x"}}, ApplyOptions{})
	assert.ErrorIs(t, err, ErrNoSuchObject)
}

func TestAddThenSearchByUUID(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	u, err := entryuuid.Normalize("aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee")
	require.NoError(t, err)

	require.NoError(t, m.Add(context.Background(), "cn=x,dc=example,dc=com", map[string][]string{
		"cn":        {"x"},
		"entryuuid": {entryuuid.Compose(u)},
	}, ApplyOptions{}))

	e, err := m.SearchByUUID(context.Background(), "dc=example,dc=com", u)
	require.NoError(t, err)
	assert.Equal(t, "cn=x,dc=example,dc=com", e.DN)
	assert.True(t, e.HasUUID)
}

func TestAddDuplicateDNFails(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "cn=x,dc=example,dc=com", map[string][]string{"cn": {"x"}}, ApplyOptions{}))
	err := m.Add(ctx, "cn=x,dc=example,dc=com", map[string][]string{"cn": {"x"}}, ApplyOptions{})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestModifyAddReplaceDelete(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "cn=x,dc=example,dc=com", map[string][]string{"mail": {"a@y"}}, ApplyOptions{}))

	require.NoError(t, m.Modify(ctx, "cn=x,dc=example,dc=com", mod.List{
		{Attr: "mail", Op: mod.Add, Values: []string{"b@y"}},
	}, ApplyOptions{}))
	e, err := m.SearchByDN(ctx, "cn=x,dc=example,dc=com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@y", "b@y"}, e.Attrs["mail"])

	require.NoError(t, m.Modify(ctx, "cn=x,dc=example,dc=com", mod.List{
		{Attr: "mail", Op: mod.Delete, Values: []string{"a@y"}},
	}, ApplyOptions{}))
	e, err = m.SearchByDN(ctx, "cn=x,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, []string{"b@y"}, e.Attrs["mail"])

	require.NoError(t, m.Modify(ctx, "cn=x,dc=example,dc=com", mod.List{
		{Attr: "mail", Op: mod.Replace, Values: []string{"c@y"}},
	}, ApplyOptions{}))
	e, err = m.SearchByDN(ctx, "cn=x,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, []string{"c@y"}, e.Attrs["mail"])
}

func TestModifyMissingEntryFails(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	err := m.Modify(context.Background(), "cn=ghost,dc=example,dc=com", mod.List{}, ApplyOptions{})
	assert.ErrorIs(t, err, ErrNoSuchObject)
}

func TestModRenameMovesEntryAndChildCount(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "ou=people,dc=example,dc=com", map[string][]string{"ou": {"people"}}, ApplyOptions{}))
	require.NoError(t, m.Add(ctx, "ou=staff,dc=example,dc=com", map[string][]string{"ou": {"staff"}}, ApplyOptions{}))
	require.NoError(t, m.Add(ctx, "cn=x,ou=people,dc=example,dc=com", map[string][]string{"cn": {"x"}}, ApplyOptions{}))

	n, err := m.ChildCount(ctx, "ou=people,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.ModRename(ctx, "cn=x,ou=people,dc=example,dc=com", "cn=y", true, "ou=staff,dc=example,dc=com", mod.List{}, ApplyOptions{}))

	_, err = m.SearchByDN(ctx, "cn=x,ou=people,dc=example,dc=com")
	assert.ErrorIs(t, err, ErrNoSuchObject)

	e, err := m.SearchByDN(ctx, "cn=y,ou=staff,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, "ou=staff,dc=example,dc=com", e.ParentDN)

	n, err = m.ChildCount(ctx, "ou=people,dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteMissingEntryFails(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	err := m.Delete(context.Background(), "cn=ghost,dc=example,dc=com", ApplyOptions{})
	assert.ErrorIs(t, err, ErrNoSuchObject)
}

func TestListUUIDsUnderExcludesGlueAndForeignSubtrees(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	ctx := context.Background()
	u1, err := entryuuid.Normalize("aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee")
	require.NoError(t, err)
	u2, err := entryuuid.Normalize("bbbbbbbb-bbbb-4ccc-8ddd-eeeeeeeeeeee")
	require.NoError(t, err)

	require.NoError(t, m.Add(ctx, "ou=people,dc=example,dc=com", map[string][]string{"ou": {"people"}}, ApplyOptions{}))
	require.NoError(t, m.Add(ctx, "cn=x,ou=people,dc=example,dc=com", map[string][]string{
		"cn": {"x"}, "entryuuid": {entryuuid.Compose(u1)},
	}, ApplyOptions{}))
	require.NoError(t, m.Add(ctx, "o=other", map[string][]string{}, ApplyOptions{}))
	require.NoError(t, m.Add(ctx, "cn=y,o=other", map[string][]string{
		"cn": {"y"}, "entryuuid": {entryuuid.Compose(u2)},
	}, ApplyOptions{}))

	got, err := m.ListUUIDsUnder(ctx, "dc=example,dc=com")
	require.NoError(t, err)
	assert.Equal(t, []entryuuid.UUID{u1}, got)
}

func TestGetAttributeNormalizesValues(t *testing.T) {
	m := NewMemStore("dc=example,dc=com")
	ctx := context.Background()
	require.NoError(t, m.Add(ctx, "cn=x,dc=example,dc=com", map[string][]string{"mail": {"Mixed@Case"}}, ApplyOptions{}))
	values, norm, err := m.GetAttribute(ctx, "cn=x,dc=example,dc=com", "mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"Mixed@Case"}, values)
	assert.Equal(t, []string{"mixed@case"}, norm)
}
