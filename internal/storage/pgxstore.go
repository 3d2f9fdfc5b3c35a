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
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/mod"
)

// schema backs a minimal entries table. A real deployment points this
// package at the directory's native storage engine; this table exists
// so the consumer has a concrete, transactional target to drive while
// that engine is supplied externally (§1).
const schema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  dn          TEXT PRIMARY KEY,
  parent_dn   TEXT NOT NULL DEFAULT '',
  entry_uuid  UUID,
  attrs       JSONB NOT NULL DEFAULT '{}',
  entry_csn   TEXT NOT NULL DEFAULT '',
  is_glue     BOOLEAN NOT NULL DEFAULT FALSE
)`

// PgxPool is the pgx-backed Engine, wrapping a connection pool the way
// internal/types.TargetPool wraps one in the teacher repo.
type PgxPool struct {
	*pgxpool.Pool
	Table string
}

var _ Engine = (*PgxPool)(nil)

// Open creates a PgxPool and ensures its backing table exists.
func Open(ctx context.Context, connString, table string) (*PgxPool, func(), error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening storage pool")
	}
	if _, err := pool.Exec(ctx, fmtSchema(table)); err != nil {
		pool.Close()
		return nil, nil, errors.Wrap(err, "creating entries table")
	}
	return &PgxPool{Pool: pool, Table: table}, pool.Close, nil
}

func fmtSchema(table string) string {
	return sprintfOnce(schema, table)
}

// sprintfOnce avoids importing fmt twice across this small file set;
// kept local since the only substitution is the table name.
func sprintfOnce(tmpl, table string) string {
	out := make([]byte, 0, len(tmpl)+len(table))
	for i := 0; i < len(tmpl); i++ {
		if i+4 <= len(tmpl) && tmpl[i:i+4] == "%[1]" && i+5 <= len(tmpl) && tmpl[i+4] == 's' {
			out = append(out, table...)
			i += 4
			continue
		}
		out = append(out, tmpl[i])
	}
	return string(out)
}

func (p *PgxPool) SearchByUUID(ctx context.Context, base string, uuid entryuuid.UUID) (*Entry, error) {
	row := p.QueryRow(ctx,
		`SELECT dn, parent_dn, entry_uuid, attrs, entry_csn, is_glue FROM `+p.Table+
			` WHERE entry_uuid = $1 AND dn LIKE '%' || $2 LIMIT 1`,
		entryuuid.Compose(uuid), base)
	return scanEntry(row)
}

func (p *PgxPool) SearchByDN(ctx context.Context, d string) (*Entry, error) {
	row := p.QueryRow(ctx,
		`SELECT dn, parent_dn, entry_uuid, attrs, entry_csn, is_glue FROM `+p.Table+` WHERE dn = $1`, d)
	return scanEntry(row)
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var rawUUID *string
	var attrsJSON []byte
	if err := row.Scan(&e.DN, &e.ParentDN, &rawUUID, &attrsJSON, &e.CSN, &e.IsGlue); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoSuchObject
		}
		return nil, errors.WithStack(err)
	}
	if rawUUID != nil {
		if u, err := entryuuid.Normalize(*rawUUID); err == nil {
			e.UUID, e.HasUUID = u, true
		}
	}
	e.Attrs = map[string][]string{}
	if len(attrsJSON) > 0 {
		_ = json.Unmarshal(attrsJSON, &e.Attrs)
	}
	return &e, nil
}

// applyLazyCommit relaxes a transaction's durability guarantee for the
// backlog-catch-up path (§9 supplemented feature 5 "lazycommit"): the
// WAL write still happens, but the commit doesn't block on it reaching
// disk. SET LOCAL scopes the change to tx, so it never leaks to a
// caller's next transaction on the same pooled connection.
func applyLazyCommit(ctx context.Context, tx pgx.Tx, opts ApplyOptions) error {
	if !opts.LazyCommit {
		return nil
	}
	_, err := tx.Exec(ctx, `SET LOCAL synchronous_commit = off`)
	return errors.WithStack(err)
}

func (p *PgxPool) Add(ctx context.Context, d string, attrs map[string][]string, opts ApplyOptions) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := applyLazyCommit(ctx, tx, opts); err != nil {
		return err
	}

	parent := parentOf(d)
	if parent != "" {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM `+p.Table+` WHERE dn = $1`, parent).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoSuchObject
			}
			return errors.WithStack(err)
		}
	}

	body, err := json.Marshal(attrs)
	if err != nil {
		return errors.WithStack(err)
	}
	uuidStr, csnStr := extractUUIDAndCSN(attrs)
	isGlue := false
	for _, oc := range attrs["objectclass"] {
		if strings.EqualFold(oc, "glue") {
			isGlue = true
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+p.Table+` (dn, parent_dn, entry_uuid, attrs, entry_csn, is_glue) VALUES ($1,$2,$3,$4,$5,$6)`,
		d, parent, nullableUUID(uuidStr), body, csnStr, isGlue)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return errors.WithStack(err)
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (p *PgxPool) Modify(ctx context.Context, d string, mods mod.List, opts ApplyOptions) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := applyLazyCommit(ctx, tx, opts); err != nil {
		return err
	}

	e, err := p.txSearchByDN(ctx, tx, d)
	if err != nil {
		return err
	}
	applyMods(e, mods)

	if err := p.txUpdate(ctx, tx, e); err != nil {
		return err
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (p *PgxPool) ModRename(ctx context.Context, d, newRDN string, deleteOldRDN bool, newSuperior string, mods mod.List, opts ApplyOptions) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := applyLazyCommit(ctx, tx, opts); err != nil {
		return err
	}

	e, err := p.txSearchByDN(ctx, tx, d)
	if err != nil {
		return err
	}
	parent := newSuperior
	if parent == "" {
		parent = parentOf(d)
	}
	if parent != "" {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM `+p.Table+` WHERE dn = $1`, parent).Scan(&exists); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoSuchObject
			}
			return errors.WithStack(err)
		}
	}
	newDN := newRDN
	if parent != "" {
		newDN = newRDN + "," + parent
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+p.Table+` WHERE dn = $1`, d); err != nil {
		return errors.WithStack(err)
	}
	e.DN, e.ParentDN = newDN, parent
	applyMods(e, mods)
	if err := p.txInsert(ctx, tx, e); err != nil {
		return err
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (p *PgxPool) Delete(ctx context.Context, d string, opts ApplyOptions) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := applyLazyCommit(ctx, tx, opts); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM `+p.Table+` WHERE dn = $1`, d)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSuchObject
	}
	return errors.WithStack(tx.Commit(ctx))
}

func (p *PgxPool) GetAttribute(ctx context.Context, d, attr string) ([]string, []string, error) {
	e, err := p.SearchByDN(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	values := e.Attrs[attr]
	norm := make([]string, len(values))
	for i, v := range values {
		norm[i] = dn.Normalize(v)
	}
	return values, norm, nil
}

func (p *PgxPool) ChildCount(ctx context.Context, d string) (int, error) {
	var n int
	err := p.QueryRow(ctx, `SELECT count(*) FROM `+p.Table+` WHERE parent_dn = $1`, d).Scan(&n)
	return n, errors.WithStack(err)
}

func (p *PgxPool) ListUUIDsUnder(ctx context.Context, base string) ([]entryuuid.UUID, error) {
	rows, err := p.Query(ctx,
		`SELECT entry_uuid FROM `+p.Table+` WHERE NOT is_glue AND entry_uuid IS NOT NULL AND (dn = $1 OR dn LIKE '%,' || $1)`,
		base)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []entryuuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.WithStack(err)
		}
		u, err := entryuuid.Normalize(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, errors.WithStack(rows.Err())
}

func (p *PgxPool) txSearchByDN(ctx context.Context, tx pgx.Tx, d string) (*Entry, error) {
	row := tx.QueryRow(ctx,
		`SELECT dn, parent_dn, entry_uuid, attrs, entry_csn, is_glue FROM `+p.Table+` WHERE dn = $1`, d)
	return scanEntry(row)
}

func (p *PgxPool) txUpdate(ctx context.Context, tx pgx.Tx, e *Entry) error {
	body, err := json.Marshal(e.Attrs)
	if err != nil {
		return errors.WithStack(err)
	}
	var uuidStr *string
	if e.HasUUID {
		s := entryuuid.Compose(e.UUID)
		uuidStr = &s
	}
	_, err = tx.Exec(ctx,
		`UPDATE `+p.Table+` SET attrs=$2, entry_uuid=$3, entry_csn=$4 WHERE dn=$1`,
		e.DN, body, uuidStr, e.CSN)
	return errors.WithStack(err)
}

func (p *PgxPool) txInsert(ctx context.Context, tx pgx.Tx, e *Entry) error {
	body, err := json.Marshal(e.Attrs)
	if err != nil {
		return errors.WithStack(err)
	}
	var uuidStr *string
	if e.HasUUID {
		s := entryuuid.Compose(e.UUID)
		uuidStr = &s
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+p.Table+` (dn, parent_dn, entry_uuid, attrs, entry_csn, is_glue) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.DN, e.ParentDN, uuidStr, body, e.CSN, e.IsGlue)
	return errors.WithStack(err)
}

func extractUUIDAndCSN(attrs map[string][]string) (uuidStr, csnStr string) {
	if v, ok := attrs["entryuuid"]; ok && len(v) == 1 {
		uuidStr = v[0]
	}
	if v, ok := attrs["entrycsn"]; ok && len(v) == 1 {
		csnStr = v[0]
	}
	return
}

func nullableUUID(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
