// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"fmt"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// twoClients is what suites using a pair of mounts share.
type twoClients struct {
	rc       *RunContext
	fs       Filesystem
	sessions *cluster.SessionObserver
	cfg      TestConfig

	mountA mount.Mount
	mountB mount.Mount
}

func newTwoClients(rc *RunContext) twoClients {
	tc := twoClients{rc: rc, fs: rc.FS, sessions: rc.Sessions, cfg: rc.Config}
	if len(rc.Mounts) >= 2 {
		tc.mountA, tc.mountB = rc.Mounts[0], rc.Mounts[1]
	}
	return tc
}

// restartAndMount restarts the metadata daemon, waits for it and makes
// sure both clients are mounted.
func (tc *twoClients) restartAndMount(ctx context.Context) error {
	if tc.mountA == nil || tc.mountB == nil {
		return fmt.Errorf("need 2 mounts, have %d", len(tc.rc.Mounts))
	}
	if err := tc.fs.MDSRestart(ctx); err != nil {
		return err
	}
	if err := tc.fs.WaitForDaemons(ctx, tc.cfg.RestartGrace); err != nil {
		return err
	}
	for _, m := range []mount.Mount{tc.mountA, tc.mountB} {
		if err := ensureMounted(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// teardownMounts reaps the background operations of both clients,
// returning the first error.
func (tc *twoClients) teardownMounts(ctx context.Context) error {
	errA := tc.mountA.Teardown(ctx)
	errB := tc.mountB.Teardown(ctx)
	if errA != nil {
		return errA
	}
	return errB
}

func ensureMounted(ctx context.Context, m mount.Mount) error {
	mounted, err := m.IsMounted(ctx)
	if err != nil {
		return err
	}
	if !mounted {
		if err := m.Mount(ctx); err != nil {
			return err
		}
	}
	return m.WaitUntilMounted(ctx)
}

// remount mounts a client that was unmounted or killed by a scenario.
func remount(ctx context.Context, m mount.Mount) error {
	if err := m.Mount(ctx); err != nil {
		return err
	}
	return m.WaitUntilMounted(ctx)
}

// runShell runs a command line in the mount.
func runShell(ctx context.Context, m mount.Mount, cmd string) error {
	_, err := m.RunShell(ctx, cmd)
	return err
}

// waitProc waits at most limit for a background operation, returning how
// long it took. An exit status other than zero is an error.
func waitProc(ctx context.Context, p *remote.Proc, limit time.Duration) (time.Duration, error) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	err := p.Wait(wctx)
	elapsed := time.Since(start)
	if err == context.DeadlineExceeded && ctx.Err() == nil {
		return elapsed, &core.TimeoutError{Kind: core.WaitCondition, What: "exit of " + p.Command(), Elapsed: elapsed, Limit: limit}
	}
	return elapsed, err
}

// sleep pauses for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	log.V(1).Infof("sleeping %s", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// check returns an assertion failure if cond does not hold.
func check(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	return &core.AssertionError{Msg: fmt.Sprintf(format, args...), Expected: true, Actual: false}
}

// checkDuration returns an assertion failure unless low <= d <= high. A zero
// bound is not checked.
func checkDuration(what string, d, low, high time.Duration) error {
	if (low > 0 && d < low) || (high > 0 && d > high) {
		return &core.AssertionError{
			Msg:      what,
			Expected: fmt.Sprintf("[%s, %s]", low, high),
			Actual:   d.Round(time.Millisecond),
		}
	}
	return nil
}
