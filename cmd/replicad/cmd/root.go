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

// Package cmd implements the replicad command-line surface: run,
// configtest, and version.
package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opendirectory/replicad/internal/config"
)

// Version is stamped by the release build via -ldflags.
var Version = "dev"

// Root builds the replicad root command.
func Root() *cobra.Command {
	proc := &config.ProcessConfig{}
	v := viper.New()
	v.SetEnvPrefix("replicad")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "replicad",
		Short:         "replicad follows one or more LDAP providers and keeps a local directory in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := proc.Preflight(v); err != nil {
				return err
			}
			configureLogging(proc)
			return nil
		},
	}
	proc.Bind(root.PersistentFlags())
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(runCmd(proc), configTestCmd(proc), versionCmd())
	return root
}

func configureLogging(proc *config.ProcessConfig) {
	if proc.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	lvl, err := log.ParseLevel(proc.LogVerbosity)
	if err != nil {
		log.WithError(err).WithField("logVerbosity", proc.LogVerbosity).Warn("unrecognized log level, defaulting to info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if proc.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   proc.LogFile,
			MaxSize:    proc.LogMaxSizeMB,
			MaxAge:     proc.LogMaxAgeDay,
			MaxBackups: proc.LogBackups,
		})
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the replicad version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(Version)
			return nil
		},
	}
}
