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

// Package session implements the replication session state machine
// (§4.6): the sequence a single replica's connection walks through from
// initial connect to persist-phase streaming, including refresh-gate
// serialization, retry scheduling, and cooperative shutdown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/entryuuid"
	"github.com/opendirectory/replicad/internal/modbuilder"
	"github.com/opendirectory/replicad/internal/present"
	"github.com/opendirectory/replicad/internal/reconciler"
)

// Phase is one state in the session state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseSearching
	PhaseRefreshing
	PhaseRefreshDone
	PhasePersisting
	PhaseDraining
	PhaseClosed

	PhaseRetryWait
	PhaseShutdown
	PhasePaused
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSearching:
		return "searching"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseRefreshDone:
		return "refresh-done"
	case PhasePersisting:
		return "persisting"
	case PhaseDraining:
		return "draining"
	case PhaseClosed:
		return "closed"
	case PhaseRetryWait:
		return "retry-wait"
	case PhaseShutdown:
		return "shutdown"
	case PhasePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ReplicationType selects the search-control / cookie mode used by
// Session, per §6 "type" directive.
type ReplicationType int

const (
	TypeRefreshOnly ReplicationType = iota
	TypeRefreshAndPersist
	TypeDirSync
)

// Transport is the external collaborator that performs the network
// side of a session: connect, bind, search, and message delivery. The
// state machine treats it as an opaque dependency, per §1's framing of
// the LDAP client as an external collaborator.
type Transport interface {
	Connect(ctx context.Context) error
	Bind(ctx context.Context) error
	Search(ctx context.Context, cookie string, refreshHint bool) (<-chan Envelope, error)
	Abandon()
	Close()
}

// MessageKind tags one decoded unit arriving from Transport.
type MessageKind int

const (
	MsgSearchEntry MessageKind = iota
	MsgIntermediate
	MsgSearchResult
)

// IntermediateKind distinguishes the sync-control intermediate response
// types of §6.
type IntermediateKind int

const (
	IntNewCookie IntermediateKind = iota
	IntRefreshPresent
	IntRefreshDelete
	IntSyncIDSet
	IntDirSyncEnd
)

// Envelope is one message handed from Transport to the session loop.
type Envelope struct {
	Kind MessageKind

	// search-entry: the wire-level record, in whatever shape the
	// session's active DataMode expects. Config.Decoder converts it to
	// a reconciler.Message.
	Raw modbuilder.RawMessage

	// intermediate response
	Intermediate     IntermediateKind
	Cookie           string
	SyncUUIDs        []string // sync-id-set payload
	RefreshDeletes   bool
	DirSyncContinue  bool

	// search-result
	Err             error
	RefreshRequired bool
}

// RetryStep is one entry of the retry schedule (§4.6, §6 "retry").
type RetryStep struct {
	Interval  time.Duration
	Remaining int // -1 means forever
}

// Config carries the per-replica knobs the state machine consults.
type Config struct {
	RID           int
	SID           int
	Type          ReplicationType
	BaseDN        string
	Interval      time.Duration
	Retry         []RetryStep
	StrictRefresh bool

	// ChaseReferrals gates referral chasing on bind (§9 supplemented
	// feature 1): when a bind attempt returns a referral, RunOnce redials
	// the referred URI and retries the bind once, carrying the same
	// credentials. Defaults on at the configuration layer
	// (internal/config's "chasereferrals", default "true").
	ChaseReferrals bool

	// Decoder converts the active DataMode's wire records into
	// reconciler messages (§9's decode_message capability). It must be
	// non-nil.
	Decoder modbuilder.Decoder
}

// Session drives one replica's connection lifecycle.
type Session struct {
	Config      Config
	Transport   Transport
	Reconciler  *reconciler.Reconciler
	CookieState *csn.State

	mu           sync.Mutex
	phase        Phase
	retrySched   []RetryStep
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a Session ready to Run.
func New(cfg Config, t Transport, r *reconciler.Reconciler, state *csn.State) *Session {
	return &Session{
		Config:      cfg,
		Transport:   t,
		Reconciler:  r,
		CookieState: state,
		phase:       PhaseIdle,
		retrySched:  cloneRetrySchedule(cfg.Retry),
		shutdown:    make(chan struct{}),
	}
}

func cloneRetrySchedule(steps []RetryStep) []RetryStep {
	return append([]RetryStep(nil), steps...)
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Shutdown raises the cooperative shutdown flag; it is safe to call
// more than once and from any goroutine.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

func (s *Session) isShuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// RunOnce performs one full connect -> refresh [-> persist] -> close
// cycle. It returns the phase the session ended in: PhaseClosed on a
// clean disconnect, PhaseRetryWait if the caller should reschedule
// after the returned duration, or PhaseShutdown if the global shutdown
// flag was observed.
func (s *Session) RunOnce(ctx context.Context, self csn.ReplicaID, cookie string) (Phase, time.Duration, error) {
	if s.isShuttingDown() {
		return PhaseShutdown, 0, nil
	}

	if s.Config.Type != TypeRefreshAndPersist || cookie == "" {
		acquired, wait := s.CookieState.TryAcquireRefresh(self)
		if !acquired {
			s.setPhase(PhasePaused)
			select {
			case <-wait:
			case <-s.shutdown:
				return PhaseShutdown, 0, nil
			case <-ctx.Done():
				return PhaseShutdown, 0, ctx.Err()
			}
		}
		defer s.CookieState.ReleaseRefresh(self)
	}

	s.setPhase(PhaseConnecting)
	if err := s.Transport.Connect(ctx); err != nil {
		return s.fail(errors.Wrap(err, "connect"))
	}
	defer s.Transport.Close()

	s.setPhase(PhaseAuthenticating)
	if err := s.bindWithReferralChase(ctx); err != nil {
		return s.fail(errors.Wrap(err, "bind"))
	}

	s.setPhase(PhaseSearching)
	refreshHint := cookie != ""
	msgs, err := s.searchWithReferralChase(ctx, cookie, refreshHint)
	if err != nil {
		return s.fail(errors.Wrap(err, "search"))
	}

	s.Reconciler.Present = present.New()
	s.setPhase(PhaseRefreshing)

	for {
		if s.isShuttingDown() {
			s.Transport.Abandon()
			return PhaseShutdown, 0, nil
		}

		select {
		case env, ok := <-msgs:
			if !ok {
				s.onSuccess()
				return PhaseClosed, 0, nil
			}
			done, fallback, err := s.dispatch(ctx, env)
			if err != nil {
				return s.fail(err)
			}
			if fallback {
				return s.fail(errors.New("refresh-required: fallback requested"))
			}
			if done {
				s.setPhase(PhaseRefreshDone)
				if _, serr := s.Reconciler.SweepNonPresent(ctx); serr != nil {
					return s.fail(errors.Wrap(serr, "non-present sweep"))
				}
				if s.Config.Type == TypeRefreshAndPersist {
					s.setPhase(PhasePersisting)
					s.Reconciler.Present = nil
					s.Reconciler.PastRefreshDone = true
					continue
				}
				s.Reconciler.Present = nil
				s.onSuccess()
				return PhaseClosed, 0, nil
			}
		case <-ctx.Done():
			return PhaseShutdown, 0, ctx.Err()
		case <-s.shutdown:
			s.Transport.Abandon()
			return PhaseShutdown, 0, nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env Envelope) (done, fallback bool, err error) {
	switch env.Kind {
	case MsgSearchEntry:
		msg, err := s.Config.Decoder.DecodeMessage(env.Raw)
		if err != nil {
			return false, false, errors.Wrap(err, "decoding message")
		}
		_, err = s.Reconciler.Apply(ctx, msg)
		return false, false, err

	case MsgIntermediate:
		switch env.Intermediate {
		case IntNewCookie:
			return false, false, nil
		case IntSyncIDSet:
			for _, raw := range env.SyncUUIDs {
				u, perr := entryuuid.Normalize(raw)
				if perr != nil {
					return false, false, perr
				}
				if env.RefreshDeletes {
					_, aerr := s.Reconciler.Apply(ctx, reconciler.Message{State: reconciler.StateDelete, UUID: u})
					if aerr != nil {
						return false, false, aerr
					}
				} else if s.Reconciler.Present != nil {
					s.Reconciler.Present.Insert(u)
				}
			}
			return false, false, nil
		case IntDirSyncEnd:
			if env.DirSyncContinue {
				return false, false, nil // caller re-polls immediately, not a full session end
			}
			return true, false, nil
		default:
			return false, false, nil
		}

	case MsgSearchResult:
		if env.RefreshRequired {
			return false, true, nil
		}
		if env.Err != nil {
			return false, false, env.Err
		}
		return true, false, nil

	default:
		return false, false, nil
	}
}

func (s *Session) onSuccess() {
	s.mu.Lock()
	s.retrySched = cloneRetrySchedule(s.Config.Retry)
	s.mu.Unlock()
}

// bindWithReferralChase performs the bind step, redialing and retrying
// once when the bind returns a referral and chasing is enabled (§9
// supplemented feature 1). A Transport that doesn't support Redial, or
// a bind error that isn't a referral, is returned unchanged.
func (s *Session) bindWithReferralChase(ctx context.Context) error {
	err := s.Transport.Bind(ctx)
	if err == nil {
		return nil
	}
	if !s.Config.ChaseReferrals {
		return err
	}
	ref, ok := asReferral(err)
	if !ok {
		return err
	}
	redialer, ok := s.Transport.(Redialer)
	if !ok {
		return err
	}
	log.WithFields(log.Fields{"rid": s.Config.RID, "uri": firstURI(ref.URIs)}).Info("bind returned referral, chasing")
	if cerr := ChaseWrite(ctx, redialer, ref.URIs); cerr != nil {
		return errors.Wrap(err, cerr.Error())
	}
	return s.Transport.Bind(ctx)
}

func firstURI(uris []string) string {
	if len(uris) == 0 {
		return ""
	}
	return uris[0]
}

// searchWithReferralChase performs the search step, redialing through
// every referral URI in order when the search returns a referral and
// chasing is enabled — search gets the "try every URI" half of chain.c's
// asymmetry (§9 supplemented feature 2), unlike bind's try-once.
func (s *Session) searchWithReferralChase(ctx context.Context, cookie string, refreshHint bool) (<-chan Envelope, error) {
	msgs, err := s.Transport.Search(ctx, cookie, refreshHint)
	if err == nil {
		return msgs, nil
	}
	if !s.Config.ChaseReferrals {
		return nil, err
	}
	ref, ok := asReferral(err)
	if !ok {
		return nil, err
	}
	redialer, ok := s.Transport.(Redialer)
	if !ok {
		return nil, err
	}
	log.WithFields(log.Fields{"rid": s.Config.RID}).Info("search returned referral, chasing")
	if cerr := ChaseSearch(ctx, redialer, ref.URIs); cerr != nil {
		return nil, errors.Wrap(err, cerr.Error())
	}
	return s.Transport.Search(ctx, cookie, refreshHint)
}

func (s *Session) fail(err error) (Phase, time.Duration, error) {
	log.WithFields(log.Fields{"rid": s.Config.RID}).WithError(err).Warn("session failed, entering retry-wait")
	s.setPhase(PhaseRetryWait)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.retrySched) == 0 {
		return PhaseClosed, 0, errors.Wrap(err, "retry schedule exhausted")
	}
	step := &s.retrySched[0]
	wait := step.Interval
	if step.Remaining > 0 {
		step.Remaining--
		if step.Remaining == 0 {
			s.retrySched = s.retrySched[1:]
		}
	}
	return PhaseRetryWait, wait, err
}
