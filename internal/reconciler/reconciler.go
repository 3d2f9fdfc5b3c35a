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

// Package reconciler implements the entry reconciler (§4.5): it takes a
// decoded replication message and an already-built modification list
// and drives the storage engine to bring the local entry in line,
// handling glue-ancestor synthesis, rename redundancy, and idempotent
// retries along the way.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/opendirectory/replicad/internal/changelog"
	"github.com/opendirectory/replicad/internal/conflict"
	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/metrics"
	"github.com/opendirectory/replicad/internal/mod"
	"github.com/opendirectory/replicad/internal/present"
	"github.com/opendirectory/replicad/internal/storage"
)

// State is the kind of local operation a decoded message asks for.
type State int

const (
	StatePresent State = iota
	StateAdd
	StateModify
	StateDelete
	StateDirSyncModify
	StateDSEEAdd
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateAdd:
		return "add"
	case StateModify:
		return "modify"
	case StateDelete:
		return "delete"
	case StateDirSyncModify:
		return "dirsync-modify"
	case StateDSEEAdd:
		return "dsee-add"
	default:
		return "unknown"
	}
}

// Message is one decoded replication event, already converted to a
// modification list by the modbuilder package.
type Message struct {
	State State
	UUID  entryuuid.UUID
	DN    string
	Attrs map[string][]string // for add
	Mods  mod.List            // for modify / rename / dirsync-modify
	CSN   csn.CSN

	NewRDN         string
	DeleteOldRDN   bool
	NewSuperior    string
	RenameDetected bool
}

// Outcome reports what the reconciler actually did, for metrics and
// logging at the call site.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeNoop
	OutcomeStale
	OutcomeDriftRestart
)

// Reconciler drives a storage.Engine on behalf of one replica session.
type Reconciler struct {
	Engine      storage.Engine
	CookieState *csn.State
	Present     *present.Set // non-nil only while a refresh is in progress
	BaseDN      string
	SID         int

	// PastRefreshDone is set once the session has completed its initial
	// refresh; it gates the state-drift detection of §4.5 step 4.
	PastRefreshDone bool

	// Conflict, when non-nil, runs every modify through the §4.4 conflict
	// resolution pipeline before applying it. It is set for replicas
	// configured in an access-log or retro-change-log delta mode; the
	// LDAP Sync Content protocol's own refresh+persist ordering makes it
	// unnecessary there.
	Conflict *conflict.Resolver
	// ChangeLog records every modification this reconciler actually
	// applies, feeding Conflict's "newer mods" lookups. Nil when Conflict
	// is nil.
	ChangeLog *changelog.Log

	// LazyCommit permits the storage engine to use a relaxed, non-durable
	// commit mode while applying (§6 "lazycommit"), for a strictrefresh
	// fallback's backlog of applies where durability of each individual
	// commit matters less than keeping up with the provider.
	LazyCommit bool
}

// applyOptions builds the per-apply options every Engine call in this
// file shares: op attributes are always suppressed (the message already
// carries its own CSN/modifiersName), and LazyCommit follows the
// reconciler's configured mode.
func (r *Reconciler) applyOptions() storage.ApplyOptions {
	return storage.ApplyOptions{SuppressOpAttrs: true, LazyCommit: r.LazyCommit}
}

// Apply runs the full dispatch algorithm of §4.5 for one message.
func (r *Reconciler) Apply(ctx context.Context, msg Message) (Outcome, error) {
	if msg.State == StateAdd || msg.State == StatePresent {
		if r.Present != nil {
			r.Present.Insert(msg.UUID)
		}
		if msg.State == StatePresent {
			return OutcomeNoop, nil
		}
	}

	status, _ := r.CookieState.CheckFreshness(r.SID, msg.CSN)
	if status == csn.StatusTooOld {
		log.WithFields(log.Fields{"dn": msg.DN, "csn": string(msg.CSN)}).Trace("dropping stale message")
		metrics.MessagesDropped.WithLabelValues(r.sidLabel()).Inc()
		return OutcomeStale, nil
	}

	local, err := r.Engine.SearchByUUID(ctx, r.BaseDN, msg.UUID)
	var outcome Outcome
	switch {
	case err == nil:
		outcome, err = r.dispatchExisting(ctx, msg, local)
	case isNoSuchObject(err):
		outcome, err = r.dispatchMissing(ctx, msg)
	default:
		return OutcomeApplied, err
	}
	if err == nil {
		switch outcome {
		case OutcomeApplied:
			metrics.MessagesApplied.WithLabelValues(r.sidLabel(), msg.State.String()).Inc()
		case OutcomeDriftRestart:
			metrics.StateDriftRestarts.WithLabelValues(r.sidLabel()).Inc()
		}
	}
	return outcome, err
}

// SweepNonPresent deletes every locally stored entry under BaseDN whose
// UUID never appeared in the current refresh's present set (§4.4
// refresh-done reconciliation). It must be called only after the
// search has signaled refresh-done and before the present set is
// discarded.
func (r *Reconciler) SweepNonPresent(ctx context.Context) (int, error) {
	if r.Present == nil {
		return 0, errors.New("SweepNonPresent called without an in-progress refresh")
	}
	local, err := r.Engine.ListUUIDsUnder(ctx, r.BaseDN)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, u := range local {
		if r.Present.Find(u) {
			continue
		}
		entry, err := r.Engine.SearchByUUID(ctx, r.BaseDN, u)
		if err != nil {
			if isNoSuchObject(err) {
				continue
			}
			return deleted, err
		}
		if _, err := r.delete(ctx, entry.DN); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		metrics.NonPresentDeletes.WithLabelValues(r.sidLabel()).Add(float64(deleted))
	}
	return deleted, nil
}

func (r *Reconciler) sidLabel() string {
	return strconv.Itoa(r.SID)
}

func (r *Reconciler) dispatchMissing(ctx context.Context, msg Message) (Outcome, error) {
	switch msg.State {
	case StateAdd, StateDSEEAdd:
		return r.add(ctx, msg)
	case StateDelete:
		// Already gone locally: nothing to do, but still walk glue
		// ancestors in case a prior partial apply left them behind.
		return OutcomeNoop, r.cleanupGlueAncestors(ctx, parentOf(msg.DN))
	case StateModify, StateDirSyncModify:
		if r.PastRefreshDone {
			log.WithFields(log.Fields{"dn": msg.DN}).Warn("state drift: modify target missing past refresh-done")
			r.CookieState.Reset()
			return OutcomeDriftRestart, nil
		}
		return OutcomeNoop, nil
	default:
		return OutcomeNoop, nil
	}
}

func (r *Reconciler) dispatchExisting(ctx context.Context, msg Message, local *storage.Entry) (Outcome, error) {
	if msg.State == StateAdd || msg.State == StateDSEEAdd {
		if !csn.IsNewer(local.CSN, msg.CSN) {
			return OutcomeNoop, nil // idempotent refresh re-add
		}
		return OutcomeNoop, nil
	}

	renamed := msg.RenameDetected || (msg.DN != "" && !strings.EqualFold(local.DN, msg.DN))

	switch {
	case msg.State == StateDelete:
		return r.delete(ctx, local.DN)
	case renamed:
		return r.rename(ctx, local.DN, msg)
	default:
		return r.modify(ctx, local, msg)
	}
}

func (r *Reconciler) add(ctx context.Context, msg Message) (Outcome, error) {
	attrs := cloneAttrs(msg.Attrs)
	attrs["entryuuid"] = []string{entryuuid.Compose(msg.UUID)}

	err := r.Engine.Add(ctx, msg.DN, attrs, r.applyOptions())
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case isNoSuchObject(err):
		if gerr := r.materializeGlueAncestors(ctx, parentOf(msg.DN)); gerr != nil {
			return OutcomeApplied, gerr
		}
		return r.add(ctx, msg)
	case isAlreadyExists(err):
		existing, serr := r.Engine.SearchByDN(ctx, msg.DN)
		if serr != nil {
			return OutcomeApplied, serr
		}
		if !existing.HasUUID || existing.UUID != msg.UUID {
			// Entry occupying this DN predates our UUID (e.g. glue); fall
			// through to a direct apply, attaching the UUID. Conflict
			// resolution does not apply here: this is UUID attachment on
			// what the directory already holds, not a replayed delta.
			mods := mod.List{{Op: mod.Replace, Attr: "entryuuid", Values: []string{entryuuid.Compose(msg.UUID)}}}
			return r.applyMods(ctx, msg.DN, append(mods, attrsToReplaceMods(attrs)...))
		}
		if !csn.IsNewer(existing.CSN, msg.CSN) {
			return OutcomeNoop, nil
		}
		return OutcomeNoop, nil
	default:
		return OutcomeApplied, err
	}
}

// modify runs msg.Mods through conflict resolution (when configured for
// this replica's sync mode) before applying the result to local.DN.
func (r *Reconciler) modify(ctx context.Context, local *storage.Entry, msg Message) (Outcome, error) {
	mods := msg.Mods
	if r.Conflict != nil {
		resolved, outcome, err := r.Conflict.Resolve(ctx, local.DN, local.CSN, msg.CSN, mods)
		if err != nil {
			return OutcomeApplied, err
		}
		if outcome == conflict.OutcomeDuplicate {
			return OutcomeNoop, nil
		}
		if csn.Compare(msg.CSN, local.CSN) < 0 {
			metrics.ConflictsResolved.WithLabelValues(r.sidLabel(), "rewritten").Inc()
		}
		mods = resolved
	}
	outcome, err := r.applyMods(ctx, local.DN, mods)
	if err == nil && outcome == OutcomeApplied && r.ChangeLog != nil {
		r.ChangeLog.Record(local.DN, msg.CSN, mods)
	}
	return outcome, err
}

func (r *Reconciler) applyMods(ctx context.Context, dn string, mods mod.List) (Outcome, error) {
	if len(mods) == 0 {
		return OutcomeNoop, nil
	}
	err := r.Engine.Modify(ctx, dn, mods, r.applyOptions())
	if err != nil {
		return OutcomeApplied, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) rename(ctx context.Context, oldDN string, msg Message) (Outcome, error) {
	mods := dropRedundantRenameMods(msg.Mods, msg.NewRDN, msg.DeleteOldRDN)

	err := r.Engine.ModRename(ctx, oldDN, msg.NewRDN, msg.DeleteOldRDN, msg.NewSuperior, mods, r.applyOptions())
	switch {
	case err == nil:
		return OutcomeApplied, nil
	case isNoSuchObject(err):
		parent := msg.NewSuperior
		if parent == "" {
			parent = parentOf(msg.DN)
		}
		if gerr := r.materializeGlueAncestors(ctx, parent); gerr != nil {
			return OutcomeApplied, gerr
		}
		return r.rename(ctx, oldDN, msg)
	default:
		return OutcomeApplied, err
	}
}

func (r *Reconciler) delete(ctx context.Context, dn string) (Outcome, error) {
	parent := parentOf(dn)
	err := r.Engine.Delete(ctx, dn, r.applyOptions())
	if err != nil {
		if isNoSuchObject(err) {
			return OutcomeNoop, nil
		}
		return OutcomeApplied, err
	}
	if parent != "" && !strings.EqualFold(parent, r.BaseDN) {
		if cerr := r.cleanupGlueAncestors(ctx, parent); cerr != nil {
			return OutcomeApplied, cerr
		}
	}
	return OutcomeApplied, nil
}

// materializeGlueAncestors walks up from dn, creating objectClass
// {top, glue} entries for every missing ancestor, stopping at the
// first ancestor that already exists.
func (r *Reconciler) materializeGlueAncestors(ctx context.Context, dn string) error {
	if dn == "" {
		return nil
	}
	var missing []string
	cur := dn
	for cur != "" {
		if _, err := r.Engine.SearchByDN(ctx, cur); err == nil {
			break
		} else if !isNoSuchObject(err) {
			return err
		}
		missing = append(missing, cur)
		cur = parentOf(cur)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		glueDN := missing[i]
		err := r.Engine.Add(ctx, glueDN, map[string][]string{
			"objectclass": {"top", "glue"},
		}, r.applyOptions())
		if err != nil && !isAlreadyExists(err) {
			return err
		}
		metrics.GlueEntriesMaterialized.WithLabelValues(r.sidLabel()).Inc()
	}
	return nil
}

// cleanupGlueAncestors walks up from dn, deleting glue entries that
// became childless, stopping at the suffix or at a non-glue ancestor.
func (r *Reconciler) cleanupGlueAncestors(ctx context.Context, dn string) error {
	cur := dn
	for cur != "" && !strings.EqualFold(cur, r.BaseDN) {
		e, err := r.Engine.SearchByDN(ctx, cur)
		if isNoSuchObject(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !e.IsGlue {
			return nil
		}
		n, err := r.Engine.ChildCount(ctx, cur)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		parent := parentOf(cur)
		if err := r.Engine.Delete(ctx, cur, r.applyOptions()); err != nil && !isNoSuchObject(err) {
			return err
		}
		cur = parent
	}
	return nil
}

func parentOf(dn string) string {
	idx := strings.IndexByte(dn, ',')
	if idx < 0 {
		return ""
	}
	return dn[idx+1:]
}

func cloneAttrs(attrs map[string][]string) map[string][]string {
	out := make(map[string][]string, len(attrs))
	for k, v := range attrs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func attrsToReplaceMods(attrs map[string][]string) mod.List {
	out := make(mod.List, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, mod.Mod{Op: mod.Replace, Attr: k, Values: v})
	}
	return out
}

// dropRedundantRenameMods removes add-new-RDN-value / delete-old-RDN-
// value modifications that would duplicate what the rename itself
// already does (§4.5 rename dispatch).
func dropRedundantRenameMods(mods mod.List, newRDN string, deleteOldRDN bool) mod.List {
	newAttr, newVal, ok := splitRDN(newRDN)
	if !ok {
		return mods
	}
	out := make(mod.List, 0, len(mods))
	for _, m := range mods {
		if strings.EqualFold(m.Attr, newAttr) {
			if (m.Op == mod.Add || m.Op == mod.SoftAdd) && m.HasValue(strings.ToLower(newVal)) {
				continue
			}
			if deleteOldRDN && (m.Op == mod.Delete || m.Op == mod.SoftDelete) {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func splitRDN(rdn string) (attr, value string, ok bool) {
	idx := strings.IndexByte(rdn, '=')
	if idx < 0 {
		return "", "", false
	}
	return rdn[:idx], rdn[idx+1:], true
}

func isNoSuchObject(err error) bool {
	return errors.Is(err, storage.ErrNoSuchObject)
}

func isAlreadyExists(err error) bool {
	return errors.Is(err, storage.ErrAlreadyExists)
}
