// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"time"

	"github.com/westerndigitalcorporation/testfs/internal/core"
)

// TestConfig includes configuration parameters for testing.
type TestConfig struct {
	TestPattern    string        // Regex matching tests to run.
	RestartGrace   time.Duration // How long a metadata daemon may take to become active after a restart.
	EvictGrace     time.Duration // How long a contending write must stay blocked before we evict the holder.
	PollInterval   time.Duration // Period of state and visibility polls.
	VisibleTimeout time.Duration // How long a file may take to become visible from another client.
	ReapTimeout    time.Duration // How long we wait for a terminated background operation.
	CapsTimeout    time.Duration // How long a client's capability count may take to settle.
	LimitsPoll     time.Duration // Period of capability count and health polls.
	Interactive    bool          // Whether to enter the debug shell on failure.
}

// DefaultTestConfig returns the configuration used against real clusters.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		TestPattern:    ".*",
		RestartGrace:   core.MDSRestartGrace,
		EvictGrace:     5 * time.Second,
		PollInterval:   core.PollInterval,
		VisibleTimeout: core.VisibleTimeout,
		ReapTimeout:    core.ReapTimeout,
		CapsTimeout:    600 * time.Second,
		LimitsPoll:     5 * time.Second,
	}
}

// Timeouts are the live daemon settings the recovery windows derive from.
type Timeouts struct {
	Reconnect  time.Duration // mds_reconnect_timeout
	Session    time.Duration // mds_session_timeout
	MaxBackoff time.Duration // ms_max_backoff
}
