// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/internal/results"
)

// Filesystem is the control surface of the cluster under test.
// *cluster.Filesystem implements it.
type Filesystem interface {
	cluster.SessionLister

	MDSStop(ctx context.Context) error
	MDSFail(ctx context.Context) error
	MDSRestart(ctx context.Context) error
	MDSState(ctx context.Context) (string, error)
	MDSStates(ctx context.Context) (map[string]string, error)
	WaitForState(ctx context.Context, goal, reject string, timeout time.Duration) (time.Duration, error)
	WaitForDaemons(ctx context.Context, timeout time.Duration) error
	MDSAsok(ctx context.Context, args ...string) (json.RawMessage, error)
	GetConfigInt(ctx context.Context, key string) (int, error)
	GetConfigSeconds(ctx context.Context, key string) (time.Duration, error)
	EvictSession(ctx context.Context, id int64) error
	SetClientsBlock(ctx context.Context, on bool) error
	ClearFirewall(ctx context.Context) error
	SetConf(ctx context.Context, who, key, value string) error
	ClearConf(ctx context.Context, who, key string) error
	Health(ctx context.Context) (*cluster.Health, error)
	GetMDSHostnames() []string
}

// Recorder persists scenario results. *results.Store implements it.
type Recorder interface {
	Record(runID string, rec results.Record) error
}

// Failure describes a failed scenario to a FailureHandler.
type Failure struct {
	Suite       string
	Test        string
	Err         error
	Diagnostics string
}

// FailureHandler is invoked after a scenario fails and before its teardown
// runs, so the cluster is still in the failed state.
type FailureHandler interface {
	HandleFailure(ctx context.Context, rc *RunContext, f *Failure)
}

// NopHandler ignores failures.
type NopHandler struct{}

// HandleFailure implements FailureHandler.
func (NopHandler) HandleFailure(context.Context, *RunContext, *Failure) {}

// LogHandler notes the failure and lets the run go on. The diagnostics
// were already logged by the runner.
type LogHandler struct{}

// HandleFailure implements FailureHandler.
func (LogHandler) HandleFailure(ctx context.Context, rc *RunContext, f *Failure) {
	log.Warningf("[%s.%s] failed, tearing down and continuing", f.Suite, f.Test)
}

// RunContext is everything a scenario needs: the cluster, the mounts, the
// live timeouts and where failures and results go. It is built once per run
// and passed to suites explicitly.
type RunContext struct {
	RunID    string
	Config   TestConfig
	FS       Filesystem
	Sessions *cluster.SessionObserver
	Mounts   []mount.Mount
	Hosts    remote.Hosts // May be nil, in which case mount hosts are unreachable from the debug shell.
	Timeouts Timeouts
	Results  Recorder // May be nil.
	Handler  FailureHandler
}

// NewRunContext creates a RunContext that logs failures and records nothing.
func NewRunContext(fs Filesystem, mounts []mount.Mount, cfg TestConfig) *RunContext {
	return &RunContext{
		Config:   cfg,
		FS:       fs,
		Sessions: cluster.NewSessionObserver(fs),
		Mounts:   mounts,
		Handler:  LogHandler{},
	}
}

// LoadTimeouts reads the recovery windows from the running daemons.
func (rc *RunContext) LoadTimeouts(ctx context.Context) error {
	read := func(key string) (time.Duration, error) {
		d, err := rc.FS.GetConfigSeconds(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", key, err)
		}
		return d, nil
	}
	var err error
	if rc.Timeouts.Reconnect, err = read("mds_reconnect_timeout"); err != nil {
		return err
	}
	if rc.Timeouts.Session, err = read("mds_session_timeout"); err != nil {
		return err
	}
	if rc.Timeouts.MaxBackoff, err = read("ms_max_backoff"); err != nil {
		return err
	}
	log.Infof("reconnect timeout %s, session timeout %s, max backoff %s",
		rc.Timeouts.Reconnect, rc.Timeouts.Session, rc.Timeouts.MaxBackoff)
	return nil
}

// Remote returns the command runner of a host, nil if unknown.
func (rc *RunContext) Remote(host string) remote.Remote {
	if rc.Hosts == nil {
		return nil
	}
	return rc.Hosts.Get(host)
}
