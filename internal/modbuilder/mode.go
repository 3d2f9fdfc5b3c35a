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
	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// DataMode names one of the four wire shapes a session can consume
// (§6 "type"/"syncdata", §9 "the data-mode branches"). The branches
// differ only in message-to-modification conversion and cookie
// encoding, so every mode is expressed as a Decoder.
type DataMode int

const (
	ModeSyncEntry DataMode = iota
	ModeAccessLog
	ModeRetroChangeLog
	ModeDirSync
)

func (m DataMode) String() string {
	switch m {
	case ModeSyncEntry:
		return "sync-entry"
	case ModeAccessLog:
		return "access-log"
	case ModeRetroChangeLog:
		return "retro-change-log"
	case ModeDirSync:
		return "dirsync"
	default:
		return "unknown"
	}
}

// SyncEntryState tags a raw LDAP Sync Content entry with the state its
// sync state control carried.
type SyncEntryState int

const (
	SyncPresent SyncEntryState = iota
	SyncAdd
	SyncModify
	SyncDelete
)

// RawAccessLogRecord is one reqType/reqMod access-log entry (§4.3's
// "Access-log" wire shape).
type RawAccessLogRecord struct {
	DN           string
	ReqType      string // add, modify, delete, modrdn
	ReqMod       []string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string
	EntryUUID    string
	CSN          string
}

// RawMessage is the wire-level record a Transport hands to a Decoder.
// Only the fields belonging to the active DataMode are populated.
type RawMessage struct {
	SyncState SyncEntryState
	Entry     RawEntry
	// CSN is the entryCSN or equivalent carried alongside Entry; only
	// meaningful for ModeSyncEntry since the other modes derive their
	// own ordering value from their record (§4.3).
	CSN string

	AccessLog RawAccessLogRecord

	RetroChangeLog RetroChangeLogRecord

	DirSync DirSyncRecord
}

// CookieState is everything the persistor (internal/cookiestore) knows
// about one replica's position in its provider's change stream. A
// Decoder's EncodeCookie and InitialSearchControl read whichever field
// their mode actually uses (§4.8's three persisted representations).
type CookieState struct {
	RID              int
	Vector           csn.Vector
	LastChangeNumber int64
	DirSyncCookie    string
}

// SearchControlKind names the LDAP control, if any, InitialSearchControl
// asks the transport to attach to the replica's search.
type SearchControlKind int

const (
	ControlSyncRequest SearchControlKind = iota
	ControlDirSync
	ControlNone
)

// SearchControl is the transport-facing product of
// Decoder.InitialSearchControl: the control to attach, or the filter
// to search with when the mode polls a log subtree instead (§6
// "Search dispatch").
type SearchControl struct {
	Kind        SearchControlKind
	Cookie      string
	Filter      string
	ShowDeleted bool
}

// Decoder is the per-data-mode capability set described in §9: it
// converts wire records to the reconciler's Message shape, encodes the
// persisted cookie state back to what the transport must send, and
// recognizes that mode's delete marker and initial search parameters.
type Decoder interface {
	DecodeMessage(raw RawMessage) (reconciler.Message, error)
	EncodeCookie(state CookieState) string
	IsDeleteMarker(raw RawMessage) bool
	InitialSearchControl(state CookieState) SearchControl
}

// DecoderConfig configures a Decoder: the attribute policies every
// mode applies, plus the bits individual modes need (schema checking
// and context-entry identification for raw sync entries, the log
// search base for the two log-based modes).
type DecoderConfig struct {
	Policies
	RID       int
	ContextDN string
	Schema    SchemaChecker
	LogBase   string
	LogFilter string
}

// NewDecoder returns the Decoder for mode, configured by cfg.
func NewDecoder(mode DataMode, cfg DecoderConfig) Decoder {
	switch mode {
	case ModeAccessLog:
		return accessLogDecoder{cfg}
	case ModeRetroChangeLog:
		return retroChangeLogDecoder{cfg}
	case ModeDirSync:
		return dirSyncDecoder{cfg}
	default:
		return syncEntryDecoder{cfg}
	}
}

func composeVectorCookie(rid int, vec csn.Vector) string {
	return csn.Cookie{RID: rid, Vector: vec}.Compose()
}
