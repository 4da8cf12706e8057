// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

const (
	pinCacheSize = 200 // Metadata cache size while pinning.
	pinOpenFiles = 250 // Files held open by the pinning client, more than the cache holds.
)

type confKey struct{ who, key string }

// LimitsSuite checks that the metadata daemon flags clients that fail to
// give back capabilities when it asks them to.
type LimitsSuite struct {
	twoClients

	confs []confKey // Set by the running scenario, cleared in TearDown.
}

// NewLimitsSuite returns a LimitsSuite over the first two mounts of rc.
func NewLimitsSuite(rc *RunContext) *LimitsSuite {
	return &LimitsSuite{twoClients: newTwoClients(rc)}
}

// Name implements Suite.
func (s *LimitsSuite) Name() string { return "limits" }

// SetUp implements Suite.
func (s *LimitsSuite) SetUp(ctx context.Context) error {
	if err := s.restartAndMount(ctx); err != nil {
		return err
	}
	return runShell(ctx, s.mountA, "rm -rf -- *")
}

// TearDown implements Suite. It also clears every option the scenario set.
func (s *LimitsSuite) TearDown(ctx context.Context) error {
	first := s.fs.ClearFirewall(ctx)
	if err := s.teardownMounts(ctx); err != nil && first == nil {
		first = err
	}
	for _, c := range s.confs {
		if err := s.fs.ClearConf(ctx, c.who, c.key); err != nil && first == nil {
			first = err
		}
	}
	s.confs = nil
	return first
}

func (s *LimitsSuite) setConf(ctx context.Context, who, key, value string) error {
	s.confs = append(s.confs, confKey{who, key})
	return s.fs.SetConf(ctx, who, key, value)
}

// TestClientPinRoot checks that a client pinning more inodes than the
// metadata cache holds is reported as failing to respond to cache
// pressure, and that its capabilities are recalled once it lets go.
func (s *LimitsSuite) TestClientPinRoot(ctx context.Context) error {
	return s.clientPin(ctx, false)
}

// TestClientPin is TestClientPinRoot with the files in a subdirectory.
func (s *LimitsSuite) TestClientPin(ctx context.Context) error {
	return s.clientPin(ctx, true)
}

func (s *LimitsSuite) clientPin(ctx context.Context, useSubdir bool) error {
	if err := s.setConf(ctx, "mds", "mds_cache_size", fmt.Sprint(pinCacheSize)); err != nil {
		return err
	}
	if err := s.fs.MDSRestart(ctx); err != nil {
		return err
	}
	if err := s.fs.WaitForDaemons(ctx, s.cfg.RestartGrace); err != nil {
		return err
	}

	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return err
	}
	path, want := "mount_a", pinOpenFiles+1
	if useSubdir {
		// The subdirectory's own capability comes on top.
		path, want = "subdir/mount_a", pinOpenFiles+2
	}
	openProc, err := s.mountA.OpenNBackground(ctx, path, pinOpenFiles)
	if err != nil {
		return err
	}

	numCaps := func() (int, error) {
		sess, err := s.sessions.GetSession(ctx, idA)
		if err != nil {
			return 0, err
		}
		return sess.NumCaps, nil
	}
	// The client holds a capability for each open file plus the root.
	if err := s.waitUntilEqual(ctx, "capabilities of "+s.mountA.String(), numCaps, want, s.cfg.CapsTimeout,
		func(x int) bool { return x > pinOpenFiles+2 }); err != nil {
		return err
	}

	recall, err := s.fs.GetConfigInt(ctx, "mds_recall_state_timeout")
	if err != nil {
		return err
	}
	if err := s.waitForHealth(ctx, "failing to respond to cache pressure", time.Duration(recall+10)*time.Second); err != nil {
		return err
	}

	// Let go of the files, the daemon then recalls capabilities down to
	// its target.
	if err := s.mountA.ReapBackground(ctx, openProc); err != nil {
		return err
	}
	target := pinCacheSize * 8 / 10
	return s.waitUntilEqual(ctx, "capabilities of "+s.mountA.String(), numCaps, target, s.cfg.CapsTimeout,
		func(x int) bool { return x < target })
}

// TestClientReleaseBug checks that a client that never releases
// capabilities is reported, and that evicting it unblocks other clients.
func (s *LimitsSuite) TestClientReleaseBug(ctx context.Context) error {
	if !s.mountA.SupportsConfigInjection() {
		return core.Skip("%s does not support config injection", s.mountA)
	}

	if err := s.setConf(ctx, "client."+s.mountA.ClientID(), "client_inject_release_failure", "true"); err != nil {
		return err
	}
	// Remount so the option takes effect.
	if err := s.mountA.Teardown(ctx); err != nil {
		return err
	}
	if err := s.mountA.UmountWait(ctx, false); err != nil {
		return err
	}
	if err := remount(ctx, s.mountA); err != nil {
		return err
	}
	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return err
	}

	if err := runShell(ctx, s.mountA, "touch file1"); err != nil {
		return err
	}
	rproc, err := s.mountB.WriteBackground(ctx, "file1")
	if err != nil {
		return err
	}

	revoke, err := s.fs.GetConfigInt(ctx, "mds_revoke_cap_timeout")
	if err != nil {
		return err
	}
	if err := s.waitForHealth(ctx, "failing to respond to capability release", time.Duration(revoke+10)*time.Second); err != nil {
		return err
	}
	if err := check(!rproc.Finished(), "write from %s blocks on the unreleased capability", s.mountB); err != nil {
		return err
	}

	if err := s.mountA.Kill(ctx); err != nil {
		return err
	}
	if err := s.mountA.KillCleanup(ctx); err != nil {
		return err
	}
	if err := s.fs.EvictSession(ctx, idA); err != nil {
		return err
	}
	_, err = waitProc(ctx, rproc, s.cfg.RestartGrace)
	return err
}

// waitUntilEqual polls get every LimitsPoll until it returns expect. A value
// for which reject holds fails the wait at once.
func (s *LimitsSuite) waitUntilEqual(ctx context.Context, what string, get func() (int, error), expect int, timeout time.Duration, reject func(int) bool) error {
	var last int
	elapsed, err := retry.Poll(ctx, s.cfg.LimitsPoll, timeout, func(time.Duration) (bool, error) {
		v, err := get()
		if err != nil {
			return false, err
		}
		last = v
		if v == expect {
			return true, nil
		}
		if reject != nil && reject(v) {
			return false, &core.AssertionError{Msg: what + " reached a rejected value", Expected: expect, Actual: v}
		}
		log.V(1).Infof("%s is %d, waiting for %d", what, v, expect)
		return false, nil
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitCondition, What: fmt.Sprintf("%s == %d (last %d)", what, expect, last), Elapsed: elapsed, Limit: timeout}
	}
	return err
}

// waitUntilTrue polls cond every LimitsPoll until it holds.
func (s *LimitsSuite) waitUntilTrue(ctx context.Context, kind core.WaitKind, what string, cond func() (bool, error), timeout time.Duration) error {
	elapsed, err := retry.Poll(ctx, s.cfg.LimitsPoll, timeout, func(time.Duration) (bool, error) {
		return cond()
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: kind, What: what, Elapsed: elapsed, Limit: timeout}
	}
	return err
}

// waitForHealth waits until the cluster reports exactly one health message
// and it contains pattern. Other messages are an error.
func (s *LimitsSuite) waitForHealth(ctx context.Context, pattern string, timeout time.Duration) error {
	return s.waitUntilTrue(ctx, core.WaitHealth, pattern, func() (bool, error) {
		h, err := s.fs.Health(ctx)
		if err != nil {
			return false, err
		}
		msgs := h.Messages()
		switch {
		case len(msgs) == 0:
			return false, nil
		case len(msgs) == 1 && strings.Contains(msgs[0], pattern):
			log.Infof("found expected health message: %s", msgs[0])
			return true, nil
		}
		return false, fmt.Errorf("unexpected health messages %q, waiting for %q", msgs, pattern)
	}, timeout)
}

