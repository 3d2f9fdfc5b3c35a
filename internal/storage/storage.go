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

// Package storage defines the narrow façade the entry reconciler and
// cookie persistor use to reach the storage engine that holds the
// replicated entries (§1: "assumed as a library exposing search / add /
// modify / modrename / delete / attribute-get operations with
// transactional semantics per call").
package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
)

// Sentinel errors mirroring the LDAP result codes the reconciler
// branches on (§4.5, §7).
var (
	ErrNoSuchObject  = errors.New("no such object")
	ErrAlreadyExists = errors.New("already exists")
)

// Entry is a materialized local entry as returned by search.
type Entry struct {
	DN       string
	UUID     entryuuid.UUID
	HasUUID  bool
	Attrs    map[string][]string
	CSN      csn.CSN
	IsGlue   bool
	ParentDN string
}

// ApplyOptions carries per-apply behavior flags threaded down from the
// session/replica configuration.
type ApplyOptions struct {
	// SuppressOpAttrs means the engine should not stamp its own
	// modifiersName/modifyTimestamp/entryCSN values; the caller supplies
	// them explicitly (§4.5 "the change's own opattrs are carried
	// explicitly").
	SuppressOpAttrs bool
	// LazyCommit permits a relaxed, non-durable commit mode during a
	// strictrefresh fallback (§6 "lazycommit").
	LazyCommit bool
}

// Engine is the storage-engine façade. Every method is individually
// transactional.
type Engine interface {
	// SearchByUUID finds the entry with the given entryUUID under base,
	// returning ErrNoSuchObject if none exists.
	SearchByUUID(ctx context.Context, base string, uuid entryuuid.UUID) (*Entry, error)
	// SearchByDN finds the entry at dn exactly, returning
	// ErrNoSuchObject if none exists.
	SearchByDN(ctx context.Context, dn string) (*Entry, error)
	// Add creates a new entry. It returns ErrNoSuchObject if dn's parent
	// does not exist, or ErrAlreadyExists if dn is already occupied.
	Add(ctx context.Context, dn string, attrs map[string][]string, opts ApplyOptions) error
	// Modify applies a modification list to dn. It returns
	// ErrNoSuchObject if dn does not exist.
	Modify(ctx context.Context, dn string, mods mod.List, opts ApplyOptions) error
	// ModRename renames dn, optionally deleting the old RDN value and/or
	// moving it under newSuperior, then applies mods. It returns
	// ErrNoSuchObject if dn or the new parent does not exist.
	ModRename(ctx context.Context, dn, newRDN string, deleteOldRDN bool, newSuperior string, mods mod.List, opts ApplyOptions) error
	// Delete removes dn. It returns ErrNoSuchObject if dn does not
	// exist.
	Delete(ctx context.Context, dn string, opts ApplyOptions) error
	// GetAttribute returns the raw and normalized values currently
	// stored for attr on dn.
	GetAttribute(ctx context.Context, dn, attr string) (values, normValues []string, err error)
	// ChildCount reports how many entries have dn as their immediate
	// parent, used to decide whether a glue ancestor became childless
	// (§4.5 delete dispatch).
	ChildCount(ctx context.Context, dn string) (int, error)
	// ListUUIDsUnder returns the entryUUID of every non-glue entry at or
	// below base, for the refresh-done non-present sweep (§4.4).
	ListUUIDsUnder(ctx context.Context, base string) ([]entryuuid.UUID, error)
}
