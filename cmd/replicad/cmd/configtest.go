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
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/opendirectory/replicad/internal/config"
)

// configTestCmd parses and validates a replicad config file without
// connecting to any provider, mirroring the "configuration" error
// class of §7 ("reject at startup").
func configTestCmd(proc *config.ProcessConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configtest",
		Short: "parse the replica directive file and report any errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			file := proc.ConfigFile
			contents, err := os.ReadFile(file)
			if err != nil {
				return errors.Wrap(err, "reading config file")
			}
			replicas, err := config.ParseFile(string(contents))
			if err != nil {
				return err
			}
			seen := map[int]bool{}
			for _, r := range replicas {
				if seen[r.RID] {
					return errors.Errorf("duplicate rid %d across replica directives", r.RID)
				}
				seen[r.RID] = true
			}
			cmd.Printf("%s: %d replica(s) configured, no errors\n", file, len(replicas))
			return nil
		},
	}
	return cmd
}
