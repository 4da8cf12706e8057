// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package cluster talks to a live storage cluster: it runs admin commands,
// queries daemon state and admin sockets, and asks the daemon manager to
// start and stop daemons. It never caches server state.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/metrics"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// Admin runs cluster-wide admin commands.
type Admin struct {
	cfg     *Config
	hosts   remote.Hosts
	daemons DaemonManager
}

// NewAdmin returns an Admin for the cluster described by cfg.
func NewAdmin(cfg *Config, hosts remote.Hosts, daemons DaemonManager) *Admin {
	if cfg.Name == "" {
		cfg.Name = "ceph"
	}
	return &Admin{cfg: cfg, hosts: hosts, daemons: daemons}
}

// Config returns the cluster configuration.
func (a *Admin) Config() *Config { return a.cfg }

// Daemons returns the daemon manager.
func (a *Admin) Daemons() DaemonManager { return a.daemons }

// Hosts returns the host lookup used for remote commands.
func (a *Admin) Hosts() remote.Hosts { return a.hosts }

// opName returns the metric label of an admin command: its leading words.
func opName(tool string, args []string) string {
	words := []string{tool}
	for _, a := range args {
		if len(words) == 3 || strings.HasPrefix(a, "-") {
			break
		}
		words = append(words, a)
	}
	return strings.Join(words, " ")
}

func (a *Admin) run(ctx context.Context, host, tool string, args []string) (out string, err error) {
	op := metrics.AdminOps.Start(opName(tool, args))
	defer op.EndWithError(&err)
	argv := append([]string{"sudo", tool, "--cluster", a.cfg.Name}, args...)
	out, err = remote.Run(ctx, a.hosts.Get(host), remote.Cmd(argv...))
	if err != nil {
		log.Errorf("%s %s failed: %s", tool, strings.Join(args, " "), err)
	}
	return
}

// Ceph runs the "ceph" admin tool with args on the admin host.
func (a *Admin) Ceph(ctx context.Context, args ...string) (string, error) {
	return a.run(ctx, a.cfg.AdminHost, "ceph", args)
}

// CephJSON runs the "ceph" admin tool with JSON output and decodes it into v.
func (a *Admin) CephJSON(ctx context.Context, v interface{}, args ...string) error {
	out, err := a.Ceph(ctx, append(args, "--format=json")...)
	if err != nil {
		return err
	}
	if err = json.Unmarshal([]byte(out), v); err != nil {
		return fmt.Errorf("decoding output of ceph %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

// Rados runs the "rados" object tool with args on the admin host.
func (a *Admin) Rados(ctx context.Context, args ...string) (string, error) {
	return a.run(ctx, a.cfg.AdminHost, "rados", args)
}

// DaemonCommand sends an admin-socket command to a daemon on its host and
// returns the raw JSON reply. An empty reply is returned as nil.
func (a *Admin) DaemonCommand(ctx context.Context, d Daemon, args ...string) (json.RawMessage, error) {
	out, err := a.run(ctx, d.Host, "ceph", append([]string{"daemon", d.Name()}, args...))
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	if !json.Valid([]byte(out)) {
		return nil, fmt.Errorf("%s %s: reply is not JSON: %.200s", d.Name(), strings.Join(args, " "), out)
	}
	return json.RawMessage(out), nil
}

// SetConf sets a configuration option in the cluster's central config store.
func (a *Admin) SetConf(ctx context.Context, who, key, value string) error {
	log.Infof("setting %s %s = %s", who, key, value)
	_, err := a.Ceph(ctx, "config", "set", who, key, value)
	return err
}

// ClearConf removes a configuration option set by SetConf.
func (a *Admin) ClearConf(ctx context.Context, who, key string) error {
	log.Infof("clearing %s %s", who, key)
	_, err := a.Ceph(ctx, "config", "rm", who, key)
	return err
}

// Health is the cluster's health report.
type Health struct {
	Status        string `json:"status"`
	OverallStatus string `json:"overall_status"`
	Summary       []struct {
		Severity string `json:"severity"`
		Summary  string `json:"summary"`
	} `json:"summary"`
	Checks map[string]struct {
		Severity string `json:"severity"`
		Summary  struct {
			Message string `json:"message"`
		} `json:"summary"`
	} `json:"checks"`
}

// Messages returns every health message, whichever report format the
// cluster uses.
func (h *Health) Messages() []string {
	var msgs []string
	for _, s := range h.Summary {
		msgs = append(msgs, s.Summary)
	}
	for _, c := range h.Checks {
		msgs = append(msgs, c.Summary.Message)
	}
	return msgs
}

// Health fetches the cluster's health report.
func (a *Admin) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := a.CephJSON(ctx, &h, "health"); err != nil {
		return nil, err
	}
	return &h, nil
}
