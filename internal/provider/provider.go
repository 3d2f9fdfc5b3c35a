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

// Package provider wires the replication engine's components together
// with Wire, the way internal/source/logical.Set wires a logical
// replication loop in the teacher repo.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/google/wire"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/opendirectory/replicad/internal/changelog"
	"github.com/opendirectory/replicad/internal/conflict"
	"github.com/opendirectory/replicad/internal/config"
	"github.com/opendirectory/replicad/internal/cookiestore"
	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/modbuilder"
	"github.com/opendirectory/replicad/internal/reconciler"
	"github.com/opendirectory/replicad/internal/scheduler"
	"github.com/opendirectory/replicad/internal/session"
	"github.com/opendirectory/replicad/internal/storage"
)

// Set is used by Wire to build a Replica from a ProcessConfig and one
// ReplicaConfig.
var Set = wire.NewSet(
	ProvideEngine,
	ProvideCookieState,
	ProvideCookieStore,
	ProvideChangeLog,
	ProvideConflictResolver,
	ProvideReconciler,
	ProvideDecoder,
	ProvideSessionConfig,
	ProvideSession,
)

// TransportFactory builds the network-facing collaborator for one
// replica. The state machine in internal/session treats Transport as
// an opaque dependency (§1); this module supplies no concrete LDAP
// client, so callers must inject one.
type TransportFactory func(config.ReplicaConfig) (session.Transport, error)

// Replica bundles everything one configured replica needs to run.
type Replica struct {
	Config      config.ReplicaConfig
	Session     *session.Session
	Reconciler  *reconciler.Reconciler
	CookieStore *cookiestore.Store
	Decoder     modbuilder.Decoder
}

// ProvideEngine opens a storage engine from proc's database URL. Each
// call opens a new pool; replicas built by separate BuildReplica calls
// do not share one.
func ProvideEngine(ctx context.Context, proc *config.ProcessConfig) (storage.Engine, func(), error) {
	pool, cleanup, err := storage.Open(ctx, proc.DatabaseURL, "replicad_entries")
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening storage engine")
	}
	return pool, cleanup, nil
}

// ProvideCookieState constructs a new, empty cookie state. Each call
// returns a separate State: replicas built by separate BuildReplica
// calls do not share one, even when they target the same context DN,
// and the refresh gate does not serialize across them.
func ProvideCookieState() *csn.State {
	return csn.NewState()
}

// ProvideCookieStore wires the cookie persistor against the same
// engine and a replica's context entry. Its CacheHook reads state's
// already-committed vector (§9 supplemented feature "two-phase cookie
// read at startup"): a process that has already merged at least one
// message into state this run serves the startup cookie read from
// memory rather than re-querying the engine.
func ProvideCookieStore(engine storage.Engine, state *csn.State, cfg config.ReplicaConfig) *cookiestore.Store {
	store := &cookiestore.Store{Engine: engine, ContextDN: cfg.SearchBase}
	store.CacheHook = func(ctx context.Context) (csn.Vector, bool, error) {
		vec, age := state.Committed()
		return vec, age > 0, nil
	}
	return store
}

// ProvideChangeLog returns the in-process change log conflict
// resolution reads from. It is always constructed; ProvideReconciler
// only wires it into the Reconciler when the replica's sync mode calls
// for delta-mode conflict resolution.
func ProvideChangeLog() *changelog.Log {
	return changelog.New(64)
}

// ProvideConflictResolver returns nil for a replica running the LDAP
// Sync Content protocol, and a configured Resolver for a replica
// running an access-log or retro-change-log delta mode (§4.4's scope).
func ProvideConflictResolver(cfg config.ReplicaConfig, engine storage.Engine, log *changelog.Log) *conflict.Resolver {
	if cfg.SyncData == config.SyncDataDefault {
		return nil
	}
	return &conflict.Resolver{
		ChangeLog: log,
		EntryValues: func(ctx context.Context, targetDN, attr string) ([]string, []string, error) {
			return engine.GetAttribute(ctx, targetDN, attr)
		},
	}
}

// ProvideReconciler assembles the entry reconciler for one replica.
func ProvideReconciler(
	engine storage.Engine,
	state *csn.State,
	cfg config.ReplicaConfig,
	resolver *conflict.Resolver,
	log *changelog.Log,
) *reconciler.Reconciler {
	r := &reconciler.Reconciler{
		Engine:      engine,
		CookieState: state,
		BaseDN:      cfg.SearchBase,
		SID:         cfg.RID,
		LazyCommit:  cfg.LazyCommit,
	}
	if resolver != nil {
		r.Conflict = resolver
		r.ChangeLog = log
	}
	return r
}

// dataModeFor maps a parsed directive's type/syncdata combination onto
// the modbuilder data mode it selects (§9's data-mode branches).
func dataModeFor(cfg config.ReplicaConfig) modbuilder.DataMode {
	if cfg.Type == session.TypeDirSync {
		return modbuilder.ModeDirSync
	}
	switch cfg.SyncData {
	case config.SyncDataAccessLog:
		return modbuilder.ModeAccessLog
	case config.SyncDataChangeLog:
		return modbuilder.ModeRetroChangeLog
	default:
		return modbuilder.ModeSyncEntry
	}
}

// ProvideDecoder builds the message-to-modification Decoder for one
// replica's configured data mode.
func ProvideDecoder(cfg config.ReplicaConfig) modbuilder.Decoder {
	excluded := map[string]bool{}
	for _, a := range cfg.ExAttrs {
		excluded[strings.ToLower(a)] = true
	}
	return modbuilder.NewDecoder(dataModeFor(cfg), modbuilder.DecoderConfig{
		Policies: modbuilder.Policies{
			Excluded:      excluded,
			SuffixRewrite: cfg.SuffixMassage,
		},
		RID:       cfg.RID,
		ContextDN: cfg.SearchBase,
		LogBase:   cfg.LogBase,
		LogFilter: cfg.LogFilter,
	})
}

// ProvideSessionConfig translates a parsed directive into the session
// state machine's narrower Config.
func ProvideSessionConfig(cfg config.ReplicaConfig, decoder modbuilder.Decoder) session.Config {
	return session.Config{
		RID:            cfg.RID,
		SID:            cfg.RID,
		Type:           cfg.Type,
		BaseDN:         cfg.SearchBase,
		Interval:       cfg.Interval,
		Retry:          cfg.Retry,
		StrictRefresh:  cfg.StrictRefresh,
		ChaseReferrals: cfg.ChaseReferrals,
		Decoder:        decoder,
	}
}

// ProvideSession builds the Session for one replica, given a transport
// built by the caller's TransportFactory.
func ProvideSession(
	sessCfg session.Config,
	transport session.Transport,
	rec *reconciler.Reconciler,
	state *csn.State,
) *session.Session {
	return session.New(sessCfg, transport, rec, state)
}

// BuildReplica runs the provider set by hand for one directive,
// equivalent to calling a Wire-generated injector (see wire_gen.go).
func BuildReplica(ctx context.Context, proc *config.ProcessConfig, cfg config.ReplicaConfig, transportFactory TransportFactory) (*Replica, func(), error) {
	return buildReplica(ctx, proc, cfg, transportFactory)
}

// NewScheduler returns one process-wide scheduler; every replica registers
// itself with it via RegisterReplica.
func NewScheduler() *scheduler.Scheduler {
	return scheduler.New()
}

// loadCookieState reads every persisted cookie representation
// cookiestore knows about; the active Decoder picks whichever one its
// mode actually encodes (§4.8's three persisted forms).
func loadCookieState(ctx context.Context, store *cookiestore.Store, rid int) modbuilder.CookieState {
	state := modbuilder.CookieState{RID: rid}
	var err error
	if state.Vector, err = store.ReadVector(ctx); err != nil {
		log.WithFields(log.Fields{"rid": rid}).WithError(err).Warn("reading persisted contextCSN")
	}
	if state.LastChangeNumber, err = store.ReadLastChangeNumber(ctx); err != nil {
		log.WithFields(log.Fields{"rid": rid}).WithError(err).Warn("reading persisted lastChangeNumber")
	}
	if state.DirSyncCookie, err = store.ReadDirSyncCookie(ctx); err != nil {
		log.WithFields(log.Fields{"rid": rid}).WithError(err).Warn("reading persisted dirSyncCookie")
	}
	return state
}

// RegisterReplica registers a replica's RunOnce loop with sched. Each
// tick reads the last-persisted cookie (so a fresh process resumes
// where it left off, per §8 "Empty cookie on first connect uses the
// stored contextCSN or nothing"), runs one session cycle, and persists
// whatever the committed vector advanced to afterward.
func RegisterReplica(sched *scheduler.Scheduler, rep *Replica, self csn.ReplicaID) {
	store := rep.CookieStore
	sched.Register(rep.Config.RID, rep.Config.Interval, func(ctx context.Context) (time.Duration, bool) {
		state := loadCookieState(ctx, store, rep.Config.RID)
		cookie := rep.Decoder.EncodeCookie(state)

		phase, wait, err := rep.Session.RunOnce(ctx, self, cookie)

		if committed, _ := rep.Reconciler.CookieState.Committed(); len(committed) > 0 {
			if werr := store.WriteVector(ctx, committed); werr != nil {
				log.WithFields(log.Fields{"rid": rep.Config.RID}).WithError(werr).Warn("persisting committed cookie")
			}
		}

		switch phase {
		case session.PhaseShutdown:
			return 0, false
		case session.PhaseClosed:
			if err != nil {
				// retry schedule exhausted (§8 "Retry schedule exhaustion
				// removes the replica exactly once"): the scheduler is the
				// caller that performs the removal, by returning ok=false.
				return 0, false
			}
			return rep.Config.Interval, true
		case session.PhaseRetryWait:
			return wait, true
		default:
			return rep.Config.Interval, true
		}
	})
}
