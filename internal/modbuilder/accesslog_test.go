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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/mod"
)

func serializeAccessLogLine(attr string, op mod.Op, value string, hasValue bool) string {
	char := map[mod.Op]byte{mod.Add: '+', mod.Delete: '-', mod.Replace: '=', mod.Increment: '#'}[op]
	if !hasValue {
		return fmt.Sprintf("%s:%c", attr, char)
	}
	return fmt.Sprintf("%s:%c %s", attr, char, value)
}

func TestAccessLogLineRoundTrip(t *testing.T) {
	cases := []string{
		"mail:+ foo@example.com",
		"description:- old value",
		"cn:= newcn",
		"loginCount:# 1",
	}
	for _, line := range cases {
		t.Run(line, func(t *testing.T) {
			attr, op, value, hasValue, err := ParseAccessLogLine(line)
			require.NoError(t, err)
			got := serializeAccessLogLine(attr, op, value, hasValue)
			attr2, op2, value2, hasValue2, err := ParseAccessLogLine(got)
			require.NoError(t, err)
			assert.Equal(t, attr, attr2)
			assert.Equal(t, op, op2)
			assert.Equal(t, value, value2)
			assert.Equal(t, hasValue, hasValue2)
		})
	}
}

func TestParseAccessLogLineRejectsBadGrammar(t *testing.T) {
	_, _, _, _, err := ParseAccessLogLine("nodelimiter")
	require.Error(t, err)

	_, _, _, _, err = ParseAccessLogLine("mail:?foo")
	require.Error(t, err)
}

func TestBuildFromAccessLogAccumulatesConsecutiveValues(t *testing.T) {
	list, err := BuildFromAccessLog([]string{
		"mail:+ a@example.com",
		"mail:+ b@example.com",
		"cn:= newcn",
	}, Policies{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "mail", list[0].Attr)
	assert.Equal(t, mod.Add, list[0].Op)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, list[0].Values)
	assert.Equal(t, "cn", list[1].Attr)
	assert.Equal(t, mod.Replace, list[1].Op)
}

func TestBuildFromAccessLogDropsDynamicAndExcluded(t *testing.T) {
	list, err := BuildFromAccessLog([]string{
		"modifytimestamp:= 20230101000000Z",
		"secret:= hunter2",
		"cn:= kept",
	}, Policies{
		Dynamic:  map[string]bool{"modifytimestamp": true},
		Excluded: map[string]bool{"secret": true},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cn", list[0].Attr)
}

func TestBuildFromAccessLogSingleValuedRewrite(t *testing.T) {
	list, err := BuildFromAccessLog([]string{
		"uidnumber:+ 1001",
		"uidnumber:- 1000",
	}, Policies{SingleValued: map[string]bool{"uidnumber": true}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mod.Replace, list[0].Op, "add on single-valued attr becomes replace")
	assert.Equal(t, mod.SoftDelete, list[1].Op, "delete after an add-turned-replace must be soft")
}

func TestBuildFromAccessLogSuffixRewrite(t *testing.T) {
	rule := dn.Rule{From: "dc=old,dc=com", To: "dc=new,dc=com"}
	list, err := BuildFromAccessLog([]string{
		"manager:+ cn=boss,dc=old,dc=com",
	}, Policies{
		DNSyntax:      map[string]bool{"manager": true},
		SuffixRewrite: rule,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cn=boss,dc=new,dc=com", list[0].Values[0])
}
