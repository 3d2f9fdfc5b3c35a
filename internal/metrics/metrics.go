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

// Package metrics declares the Prometheus counters and histograms
// emitted by the replication engine, all declared in this one file in
// the teacher's staging/stage/metrics.go shape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is shared across every duration histogram so the
// scrape surface stays comparable component to component.
var LatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// ReplicaLabels tags a metric with the replica that produced it.
var ReplicaLabels = []string{"rid"}

var (
	MessagesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_messages_applied_total",
		Help: "the number of replication messages successfully applied to local storage",
	}, append(ReplicaLabels, "state"))

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_messages_dropped_total",
		Help: "the number of replication messages dropped as stale or idempotent no-ops",
	}, ReplicaLabels)

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_conflicts_resolved_total",
		Help: "the number of attribute-level conflicts resolved in favor of the incoming or the committed value",
	}, append(ReplicaLabels, "winner"))

	NonPresentDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_refresh_nonpresent_deletes_total",
		Help: "the number of local entries deleted because they were absent from a refresh's present set",
	}, ReplicaLabels)

	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_session_retries_total",
		Help: "the number of times a session entered retry-wait after a transport failure",
	}, ReplicaLabels)

	RefreshDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicad_refresh_duration_seconds",
		Help:    "the length of time a refresh phase took from search start to refresh-done",
		Buckets: LatencyBuckets,
	}, ReplicaLabels)

	GlueEntriesMaterialized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_glue_entries_materialized_total",
		Help: "the number of synthetic glue ancestors created to satisfy an out-of-order add or rename",
	}, ReplicaLabels)

	StateDriftRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicad_state_drift_restarts_total",
		Help: "the number of times a session reset its cookie state after detecting local storage diverged from the cookie",
	}, ReplicaLabels)
)
