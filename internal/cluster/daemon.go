// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cluster

import (
	"context"
	"fmt"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// DaemonManager starts and stops cluster daemons. The harness does not own
// daemon lifecycle, it only asks whatever supervises the daemons to act.
type DaemonManager interface {
	// Start starts the daemon.
	Start(ctx context.Context, d Daemon) error
	// Stop stops the daemon.
	Stop(ctx context.Context, d Daemon) error
	// Restart stops the daemon if it's running and starts it again.
	Restart(ctx context.Context, d Daemon) error
	// Running returns true if the daemon is running.
	Running(ctx context.Context, d Daemon) (bool, error)
}

// SystemdManager controls daemons through systemd units on their hosts.
type SystemdManager struct {
	hosts   remote.Hosts
	cluster string
	unit    string
}

// NewSystemdManager returns a SystemdManager. unitTemplate is a format
// string taking the daemon type and the instance name, e.g. "ceph-%s@%s".
// The instance name is "<cluster>-<id>" for non-default clusters.
func NewSystemdManager(hosts remote.Hosts, cluster, unitTemplate string) *SystemdManager {
	if unitTemplate == "" {
		unitTemplate = "ceph-%s@%s"
	}
	return &SystemdManager{hosts: hosts, cluster: cluster, unit: unitTemplate}
}

func (s *SystemdManager) unitName(d Daemon) string {
	inst := d.ID
	if s.cluster != "" && s.cluster != "ceph" {
		inst = s.cluster + "-" + d.ID
	}
	return fmt.Sprintf(s.unit, d.Type, inst)
}

func (s *SystemdManager) systemctl(ctx context.Context, d Daemon, verb string) error {
	log.Infof("%s %s", verb, d)
	_, err := remote.Run(ctx, s.hosts.Get(d.Host), remote.Cmd("sudo", "systemctl", verb, s.unitName(d)))
	return err
}

// Start implements DaemonManager.
func (s *SystemdManager) Start(ctx context.Context, d Daemon) error {
	return s.systemctl(ctx, d, "start")
}

// Stop implements DaemonManager.
func (s *SystemdManager) Stop(ctx context.Context, d Daemon) error {
	return s.systemctl(ctx, d, "stop")
}

// Restart implements DaemonManager.
func (s *SystemdManager) Restart(ctx context.Context, d Daemon) error {
	return s.systemctl(ctx, d, "restart")
}

// Running implements DaemonManager.
func (s *SystemdManager) Running(ctx context.Context, d Daemon) (bool, error) {
	p, err := s.hosts.Get(d.Host).Run(ctx, remote.Cmd("systemctl", "is-active", s.unitName(d)),
		remote.RunOptions{NoCheck: true})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(p.Stdout()) == "active", nil
}
