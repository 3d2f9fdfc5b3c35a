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

// Package config parses the per-replica directive syntax of §6 and
// exposes a pflag/viper-bound process configuration in the teacher's
// Bind/Preflight idiom.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/opendirectory/replicad/internal/dn"
	"github.com/opendirectory/replicad/internal/session"
)

// SyncDataMode selects the message source for a replica, per §6
// "syncdata".
type SyncDataMode int

const (
	SyncDataDefault SyncDataMode = iota
	SyncDataAccessLog
	SyncDataChangeLog
)

// ReplicaConfig is one parsed replica directive (§6 "Configuration
// surface").
type ReplicaConfig struct {
	RID            int
	Provider       string
	SearchBase     string
	SuffixMassage  dn.Rule
	Scope          string
	Filter         string
	Attrs          []string
	ExAttrs        []string
	Type           session.ReplicationType
	Interval       time.Duration
	Retry          []session.RetryStep
	SizeLimit      int
	TimeLimit      int
	SchemaChecking bool
	SyncData       SyncDataMode
	LogBase        string
	LogFilter      string
	ManageDSAIT    bool
	StrictRefresh  bool
	LazyCommit     bool
	ChaseReferrals bool
	BindOpts       map[string]string // passed through to the transport unmodified
}

var requiredKeys = []string{"rid", "provider", "searchbase"}

// ParseDirective parses one "keyword=value" directive line (§6). Spaces
// separate keyword=value pairs; values may be double-quoted to contain
// spaces. Duplicate keys on the same line are rejected.
func ParseDirective(line string) (ReplicaConfig, error) {
	fields, err := splitDirectiveFields(line)
	if err != nil {
		return ReplicaConfig{}, err
	}

	seen := map[string]bool{}
	raw := map[string]string{}
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return ReplicaConfig{}, errors.Errorf("malformed directive field %q: expected keyword=value", f)
		}
		key = strings.ToLower(key)
		if seen[key] {
			return ReplicaConfig{}, errors.Errorf("duplicate directive key %q", key)
		}
		seen[key] = true
		raw[key] = value
	}

	for _, req := range requiredKeys {
		if _, ok := raw[req]; !ok {
			return ReplicaConfig{}, errors.Errorf("missing required directive key %q", req)
		}
	}

	cfg := ReplicaConfig{
		SchemaChecking: true,
		ChaseReferrals: true,
		BindOpts:       map[string]string{},
	}

	rid, err := strconv.Atoi(raw["rid"])
	if err != nil || rid < 0 || rid > 999 {
		return ReplicaConfig{}, errors.Errorf("rid must be an integer in [0, 999], got %q", raw["rid"])
	}
	cfg.RID = rid
	cfg.Provider = raw["provider"]
	cfg.SearchBase = raw["searchbase"]

	if v, ok := raw["suffixmassage"]; ok {
		from, to, ok := strings.Cut(v, "->")
		if !ok {
			return ReplicaConfig{}, errors.Errorf("suffixmassage must be \"<from>-><to>\", got %q", v)
		}
		cfg.SuffixMassage = dn.Rule{From: strings.TrimSpace(from), To: strings.TrimSpace(to)}
	}

	cfg.Scope = raw["scope"]
	cfg.Filter = raw["filter"]
	if v, ok := raw["attrs"]; ok {
		cfg.Attrs = splitCommaList(v)
	}
	if v, ok := raw["exattrs"]; ok {
		cfg.ExAttrs = splitCommaList(v)
	}

	switch strings.ToLower(raw["type"]) {
	case "", "refreshonly":
		cfg.Type = session.TypeRefreshOnly
	case "refreshandpersist":
		cfg.Type = session.TypeRefreshAndPersist
	case "dirsync":
		cfg.Type = session.TypeDirSync
	default:
		return ReplicaConfig{}, errors.Errorf("unrecognized type %q", raw["type"])
	}

	if v, ok := raw["interval"]; ok {
		d, err := parseInterval(v)
		if err != nil {
			return ReplicaConfig{}, err
		}
		cfg.Interval = d
	}

	if v, ok := raw["retry"]; ok {
		steps, err := parseRetry(v)
		if err != nil {
			return ReplicaConfig{}, err
		}
		cfg.Retry = steps
	}

	if v, ok := raw["sizelimit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ReplicaConfig{}, errors.Wrap(err, "parsing sizelimit")
		}
		cfg.SizeLimit = n
	}
	if v, ok := raw["timelimit"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ReplicaConfig{}, errors.Wrap(err, "parsing timelimit")
		}
		cfg.TimeLimit = n
	}

	if v, ok := raw["schemachecking"]; ok {
		cfg.SchemaChecking = strings.EqualFold(v, "on")
	}

	switch strings.ToLower(raw["syncdata"]) {
	case "", "default":
		cfg.SyncData = SyncDataDefault
	case "accesslog":
		cfg.SyncData = SyncDataAccessLog
	case "changelog":
		cfg.SyncData = SyncDataChangeLog
	default:
		return ReplicaConfig{}, errors.Errorf("unrecognized syncdata %q", raw["syncdata"])
	}

	cfg.LogBase = raw["logbase"]
	cfg.LogFilter = raw["logfilter"]
	cfg.ManageDSAIT = strings.EqualFold(raw["managedsait"], "true")
	cfg.StrictRefresh = strings.EqualFold(raw["strictrefresh"], "true")
	cfg.LazyCommit = strings.EqualFold(raw["lazycommit"], "true")
	if v, ok := raw["chasereferrals"]; ok {
		cfg.ChaseReferrals = !strings.EqualFold(v, "false")
	}

	for _, passthrough := range []string{"binddn", "credentials", "starttls", "tls_cacert", "tls_cert", "tls_key"} {
		if v, ok := raw[passthrough]; ok {
			cfg.BindOpts[passthrough] = v
		}
	}

	return cfg, nil
}

// ParseFile parses every "replica" directive line out of a replicad
// configuration file. Blank lines and lines beginning with "#" are
// ignored; every other non-blank line must begin with the literal
// keyword "replica" followed by the keyword=value fields ParseDirective
// understands.
func ParseFile(contents string) ([]ReplicaConfig, error) {
	var out []ReplicaConfig
	for lineNo, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rest, ok := strings.CutPrefix(line, "replica ")
		if !ok {
			return nil, errors.Errorf("line %d: expected a \"replica\" directive, got %q", lineNo+1, line)
		}
		cfg, err := ParseDirective(rest)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo+1)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func splitDirectiveFields(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, errors.New("unterminated quote in directive")
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields, nil
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseInterval accepts either a bare seconds count or the "d:h:m:s"
// form described in §6.
func parseInterval(v string) (time.Duration, error) {
	if !strings.Contains(v, ":") {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing interval %q", v)
		}
		return time.Duration(secs) * time.Second, nil
	}
	parts := strings.Split(v, ":")
	if len(parts) != 4 {
		return 0, errors.Errorf("interval %q must have form d:h:m:s", v)
	}
	var total time.Duration
	multipliers := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing interval field %q", p)
		}
		total += time.Duration(n) * multipliers[i]
	}
	return total, nil
}

// parseRetry parses a retry directive of the form "<interval> <count>
// <interval> <count> ...", where the final count may be "+" for
// infinite (§6 "retry").
func parseRetry(v string) ([]session.RetryStep, error) {
	fields := strings.Fields(v)
	if len(fields)%2 != 0 {
		return nil, errors.Errorf("retry %q must have an even number of interval/count fields", v)
	}
	steps := make([]session.RetryStep, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		secs, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, errors.Wrapf(err, "parsing retry interval %q", fields[i])
		}
		remaining := -1
		if fields[i+1] != "+" {
			remaining, err = strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, errors.Wrapf(err, "parsing retry count %q", fields[i+1])
			}
		}
		steps = append(steps, session.RetryStep{
			Interval:  time.Duration(secs) * time.Second,
			Remaining: remaining,
		})
	}
	return steps, nil
}

// ProcessConfig is the process-wide configuration, bound to flags in
// the teacher's Config.Bind/Preflight idiom.
type ProcessConfig struct {
	ConfigFile   string
	DatabaseURL  string
	LogFormat    string
	LogVerbosity string
	LogFile      string
	LogMaxSizeMB int
	LogMaxAgeDay int
	LogBackups   int
	MetricsAddr  string
}

// Bind registers flags on flags, mirroring how internal/source/server.Config
// binds its own surface before delegating to its embedded configs.
func (c *ProcessConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConfigFile, "config", "/etc/replicad/replicad.conf", "path to the replica directive file")
	flags.StringVar(&c.DatabaseURL, "databaseURL", "", "connection string for the local storage engine")
	flags.StringVar(&c.LogFormat, "logFormat", "text", "log output format: text or json")
	flags.StringVar(&c.LogVerbosity, "logVerbosity", "info", "log level: trace, debug, info, warn, error")
	flags.StringVar(&c.LogFile, "logFile", "", "if set, write logs to this file (rotated) instead of stderr")
	flags.IntVar(&c.LogMaxSizeMB, "logMaxSizeMB", 100, "rotate the log file once it reaches this size")
	flags.IntVar(&c.LogMaxAgeDay, "logMaxAgeDays", 28, "delete rotated log files older than this many days")
	flags.IntVar(&c.LogBackups, "logBackups", 5, "maximum number of rotated log files to retain")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9476", "address to serve Prometheus metrics on")
}

// Preflight validates required fields and layers in viper-sourced
// environment/file overrides before Bind's flag defaults take final
// effect.
func (c *ProcessConfig) Preflight(v *viper.Viper) error {
	if v != nil {
		if c.DatabaseURL == "" {
			c.DatabaseURL = v.GetString("databaseURL")
		}
		if c.ConfigFile == "" {
			c.ConfigFile = v.GetString("config")
		}
	}
	if c.DatabaseURL == "" {
		return errors.New("databaseURL unset")
	}
	if c.ConfigFile == "" {
		return errors.New("config unset")
	}
	return nil
}
