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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/session"
)

func TestParseDirectiveMinimal(t *testing.T) {
	cfg, err := ParseDirective(`rid=1 provider=ldap://dc1.example.com searchbase="dc=example,dc=com"`)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RID)
	assert.Equal(t, "ldap://dc1.example.com", cfg.Provider)
	assert.Equal(t, "dc=example,dc=com", cfg.SearchBase)
	assert.True(t, cfg.SchemaChecking)
	assert.Equal(t, session.TypeRefreshOnly, cfg.Type)
	assert.True(t, cfg.ChaseReferrals, "chasereferrals defaults on")
	assert.False(t, cfg.LazyCommit)
}

func TestParseDirectiveChaseReferralsExplicitFalse(t *testing.T) {
	cfg, err := ParseDirective(`rid=1 provider=ldap://dc1.example.com searchbase="dc=example,dc=com" chasereferrals=false`)
	require.NoError(t, err)
	assert.False(t, cfg.ChaseReferrals)
}

func TestParseDirectiveLazyCommit(t *testing.T) {
	cfg, err := ParseDirective(`rid=1 provider=ldap://dc1.example.com searchbase="dc=example,dc=com" lazycommit=true`)
	require.NoError(t, err)
	assert.True(t, cfg.LazyCommit)
}

func TestParseDirectiveMissingRequiredKey(t *testing.T) {
	_, err := ParseDirective(`rid=1 provider=ldap://dc1.example.com`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "searchbase")
}

func TestParseDirectiveDuplicateKeyRejected(t *testing.T) {
	_, err := ParseDirective(`rid=1 rid=2 provider=ldap://dc1 searchbase=dc=example,dc=com`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseDirectiveUnterminatedQuote(t *testing.T) {
	_, err := ParseDirective(`rid=1 provider=ldap://dc1 searchbase="dc=example,dc=com`)
	require.Error(t, err)
}

func TestParseDirectiveTypeAndRetry(t *testing.T) {
	cfg, err := ParseDirective(`rid=2 provider=ldap://dc1 searchbase=dc=example,dc=com type=refreshAndPersist retry="60 5 300 +"`)
	require.NoError(t, err)
	assert.Equal(t, session.TypeRefreshAndPersist, cfg.Type)
	require.Len(t, cfg.Retry, 2)
	assert.Equal(t, 60*time.Second, cfg.Retry[0].Interval)
	assert.Equal(t, 5, cfg.Retry[0].Remaining)
	assert.Equal(t, 300*time.Second, cfg.Retry[1].Interval)
	assert.Equal(t, -1, cfg.Retry[1].Remaining)
}

func TestParseDirectiveIntervalColonForm(t *testing.T) {
	cfg, err := ParseDirective(`rid=3 provider=ldap://dc1 searchbase=dc=example,dc=com interval=00:01:00:00`)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Interval)
}

func TestParseDirectiveSuffixMassage(t *testing.T) {
	cfg, err := ParseDirective(`rid=4 provider=ldap://dc1 searchbase=dc=old,dc=com suffixmassage="dc=old,dc=com->dc=new,dc=com"`)
	require.NoError(t, err)
	assert.Equal(t, "dc=old,dc=com", cfg.SuffixMassage.From)
	assert.Equal(t, "dc=new,dc=com", cfg.SuffixMassage.To)
}

func TestParseDirectiveUnrecognizedType(t *testing.T) {
	_, err := ParseDirective(`rid=5 provider=ldap://dc1 searchbase=dc=example,dc=com type=bogus`)
	require.Error(t, err)
}

func TestProcessConfigPreflightRequiresDatabaseURL(t *testing.T) {
	c := &ProcessConfig{ConfigFile: "/etc/replicad/replicad.conf"}
	err := c.Preflight(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "databaseURL")
}

func TestProcessConfigPreflightOK(t *testing.T) {
	c := &ProcessConfig{ConfigFile: "/etc/replicad/replicad.conf", DatabaseURL: "postgres://localhost/replicad"}
	require.NoError(t, c.Preflight(nil))
}

func TestParseFileMultipleReplicas(t *testing.T) {
	contents := `
# two providers feeding the same database
replica rid=1 provider=ldap://dc1.example.com searchbase="dc=example,dc=com"

replica rid=2 provider=ldap://dc2.example.com searchbase="dc=example,dc=com" type=refreshAndPersist
`
	cfgs, err := ParseFile(contents)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, 1, cfgs[0].RID)
	assert.Equal(t, 2, cfgs[1].RID)
	assert.Equal(t, session.TypeRefreshAndPersist, cfgs[1].Type)
}

func TestParseFileRejectsNonDirectiveLine(t *testing.T) {
	_, err := ParseFile("bogus line\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
