// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"time"
)

// Global constants that several components need to agree on are defined here.
// If a constant is only needed for single component, probably it should not be
// placed here.
const (
	// MDSRestartGrace bounds how long a metadata daemon may take to come back
	// up after a restart or failover.
	MDSRestartGrace = 60 * time.Second

	// PollInterval is the period of every state and visibility poll.
	PollInterval = time.Second

	// VisibleTimeout is the default bound when waiting for a file to show up
	// in another client's mount.
	VisibleTimeout = 30 * time.Second

	// MountTimeout bounds how long a freshly started mount may take to
	// become usable.
	MountTimeout = 30 * time.Second

	// ReapTimeout bounds the wait for a background operation after its
	// stdin has been closed.
	ReapTimeout = 60 * time.Second

	// StateActive is the lifecycle state of a metadata daemon serving clients.
	StateActive = "up:active"

	// StateReconnect is the lifecycle state in which a restarted metadata
	// daemon waits for clients to reconnect.
	StateReconnect = "up:reconnect"

	// StateStopped is the lifecycle state of a daemon that is not running.
	StateStopped = "down:stopped"

	// SessionOpen is the state of a healthy client session.
	SessionOpen = "open"

	// SessionStale is the state of a session whose client stopped renewing
	// its lease.
	SessionStale = "stale"

	// FirewallTag is attached as a comment to every iptables rule this
	// harness installs so that they can be removed without touching others.
	FirewallTag = "testfs-block"
)
