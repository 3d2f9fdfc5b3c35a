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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opendirectory/replicad/internal/config"
	"github.com/opendirectory/replicad/internal/csn"
	"github.com/opendirectory/replicad/internal/provider"
	"github.com/opendirectory/replicad/internal/session"
)

// errTransportNotConfigured is returned by noTransportFactory, the
// default TransportFactory this command wires in. replicad ships the
// session state machine, conflict resolution, and storage apply
// pipeline, but the LDAP wire client is the one external collaborator
// §1 assumes as a library; a deployment embeds internal/provider with
// its own session.Transport rather than running this binary unmodified.
var errTransportNotConfigured = errors.New("replicad: no LDAP transport configured; embed internal/provider with a concrete session.Transport factory")

func noTransportFactory(config.ReplicaConfig) (session.Transport, error) {
	return nil, errTransportNotConfigured
}

var errNoReplicasConfigured = errors.New("no replica directives found in config file")

func runCmd(proc *config.ProcessConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "start replicad, driving every configured replica until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicas(cmd.Context(), proc)
		},
	}
}

type runningReplica struct {
	replica *provider.Replica
	cleanup func()
}

func runReplicas(ctx context.Context, proc *config.ProcessConfig) error {
	contents, err := os.ReadFile(proc.ConfigFile)
	if err != nil {
		return errors.Wrap(err, "reading config file")
	}
	replicaCfgs, err := config.ParseFile(string(contents))
	if err != nil {
		return err
	}
	if len(replicaCfgs) == 0 {
		return errNoReplicasConfigured
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sched := provider.NewScheduler()

	var running []runningReplica
	defer func() {
		for i := len(running) - 1; i >= 0; i-- {
			running[i].cleanup()
		}
	}()

	for _, rc := range replicaCfgs {
		rep, cleanup, err := provider.BuildReplica(ctx, proc, rc, noTransportFactory)
		if err != nil {
			return errors.Wrapf(err, "building replica rid=%d", rc.RID)
		}
		running = append(running, runningReplica{rep, cleanup})
		provider.RegisterReplica(sched, rep, csn.ReplicaID(fmt.Sprintf("rid=%d", rep.Config.RID)))
		log.WithFields(log.Fields{"rid": rc.RID, "provider": rc.Provider}).Info("replica registered")
	}

	metricsServer := startMetricsServer(proc.MetricsAddr)
	defer metricsServer.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutdown signal received")
	case <-ctx.Done():
	}

	for _, r := range running {
		r.replica.Session.Shutdown()
	}
	sched.Shutdown()
	return nil
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return srv
}
