// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package cluster

import (
	"fmt"
	"sort"
)

// Daemon identifies one storage-system daemon.
type Daemon struct {
	Type string // "mds", "osd" or "mon".
	ID   string // e.g. "a" for mds.a.
	Host string // Host the daemon runs on.
}

// Name returns the daemon's name, e.g. "mds.a".
func (d Daemon) Name() string {
	return d.Type + "." + d.ID
}

func (d Daemon) String() string {
	return fmt.Sprintf("%s@%s", d.Name(), d.Host)
}

// Config includes configuration parameters for a cluster.
type Config struct {
	Name      string   // Cluster name, "ceph" by default.
	AdminHost string   // Host with an admin keyring, used for "ceph" commands.
	MDS       []Daemon // Metadata daemons. The first one is the primary.
	OSD       []Daemon // Object storage daemons.
	Clients   []string // Hosts with client mounts.
}

// Primary returns the metadata daemon whose state the harness follows.
func (c *Config) Primary() Daemon {
	return c.MDS[0]
}

// MDSHosts returns the distinct hosts running metadata daemons.
func (c *Config) MDSHosts() []string {
	return distinct(daemonHosts(c.MDS))
}

// AllHosts returns every distinct host the cluster knows about.
func (c *Config) AllHosts() []string {
	hosts := append(daemonHosts(c.MDS), daemonHosts(c.OSD)...)
	hosts = append(hosts, c.Clients...)
	if c.AdminHost != "" {
		hosts = append(hosts, c.AdminHost)
	}
	return distinct(hosts)
}

func daemonHosts(ds []Daemon) []string {
	var hosts []string
	for _, d := range ds {
		hosts = append(hosts, d.Host)
	}
	return hosts
}

func distinct(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
