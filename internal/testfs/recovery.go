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

// RecoverySuite checks that clients recover from metadata daemon restarts,
// client death, session eviction and network loss within the windows the
// daemon configuration promises.
type RecoverySuite struct {
	twoClients
}

// NewRecoverySuite returns a RecoverySuite over the first two mounts of rc.
// rc.Timeouts must be loaded.
func NewRecoverySuite(rc *RunContext) *RecoverySuite {
	return &RecoverySuite{twoClients: newTwoClients(rc)}
}

// Name implements Suite.
func (s *RecoverySuite) Name() string { return "recovery" }

// SetUp implements Suite. It heals the network, restarts the metadata
// daemon, mounts both clients and empties the test directory.
func (s *RecoverySuite) SetUp(ctx context.Context) error {
	if err := s.fs.ClearFirewall(ctx); err != nil {
		return err
	}
	if err := s.restartAndMount(ctx); err != nil {
		return err
	}
	return runShell(ctx, s.mountA, "sudo rm -rf -- *")
}

// TearDown implements Suite.
func (s *RecoverySuite) TearDown(ctx context.Context) error {
	if err := s.fs.ClearFirewall(ctx); err != nil {
		return err
	}
	return s.teardownMounts(ctx)
}

// TestBasic checks that files and sessions survive a client remount.
//
//	1. Create files on A, check them, unmount A.
//	2. The files are visible from B.
//	3. Remount A, both sessions are listed and they are A's and B's.
//
func (s *RecoverySuite) TestBasic(ctx context.Context) error {
	err := mount.Mounted(ctx, s.mountA, func() error {
		if err := s.mountA.CreateFiles(ctx); err != nil {
			return err
		}
		return s.mountA.CheckFiles(ctx)
	})
	if err != nil {
		return err
	}

	if err := s.mountB.CheckFiles(ctx); err != nil {
		return err
	}

	if err := remount(ctx, s.mountA); err != nil {
		return err
	}
	ls, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return err
	}
	if err := s.sessions.AssertSessionCount(ctx, 2, ls); err != nil {
		return err
	}
	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return err
	}
	idB, err := s.mountB.GetGlobalID(ctx)
	if err != nil {
		return err
	}
	got := map[int64]bool{}
	for _, sess := range ls {
		got[sess.ID] = true
	}
	if !got[idA] || !got[idB] {
		return &core.AssertionError{Msg: "session ids", Expected: []int64{idA, idB}, Actual: cluster.SessionIDs(ls)}
	}
	return nil
}

// TestRestart checks that both clients carry on after the metadata daemon
// is stopped, failed over and restarted.
func (s *RecoverySuite) TestRestart(ctx context.Context) error {
	if err := s.stopAndFail(ctx); err != nil {
		return err
	}
	if err := s.fs.MDSRestart(ctx); err != nil {
		return err
	}
	if _, err := s.fs.WaitForState(ctx, core.StateActive, "", s.cfg.RestartGrace); err != nil {
		return err
	}
	if err := s.mountA.CreateDestroy(ctx); err != nil {
		return err
	}
	return s.mountB.CreateDestroy(ctx)
}

// TestReconnectTimeout checks that a restarted metadata daemon waits for
// clients to reconnect, but not longer than the reconnect timeout.
//
//	1. Stop the metadata daemon and force unmount A while it is down.
//	2. Restart; the daemon enters reconnect with both sessions, A's marked
//	   as reconnecting.
//	3. A never reconnects, so the daemon becomes active only once the
//	   reconnect window has mostly elapsed, and drops A's session.
//	4. Remounting A works and adds a session again.
//
func (s *RecoverySuite) TestReconnectTimeout(ctx context.Context) error {
	idA, err := s.reconnectWithoutA(ctx)
	if err != nil {
		return err
	}

	sess, err := s.sessions.GetSession(ctx, idA)
	if err != nil {
		return err
	}
	if err := check(sess.Reconnecting, "session %d of the unmounted client is reconnecting", idA); err != nil {
		return err
	}

	R := s.rc.Timeouts.Reconnect
	inReconnectFor, err := s.fs.WaitForState(ctx, core.StateActive, "", R*2)
	if err != nil {
		return err
	}
	// The reconnect window started before we began waiting, so only part
	// of it is observable.
	if inReconnectFor <= R/2 {
		return &core.AssertionError{Msg: "time spent in reconnect", Expected: fmt.Sprintf("> %s", R/2), Actual: inReconnectFor.Round(time.Millisecond)}
	}
	log.Infof("daemon left reconnect after %s (timeout %s)", inReconnectFor, R)
	if err := s.sessions.AssertSessionCount(ctx, 1, nil); err != nil {
		return err
	}

	if err := remount(ctx, s.mountA); err != nil {
		return err
	}
	if err := s.mountA.CreateDestroy(ctx); err != nil {
		return err
	}
	return s.sessions.AssertSessionCount(ctx, 2, nil)
}

// TestReconnectEviction checks that evicting the session of a client that
// will never reconnect ends the reconnect phase early.
func (s *RecoverySuite) TestReconnectEviction(ctx context.Context) error {
	idA, err := s.reconnectWithoutA(ctx)
	if err != nil {
		return err
	}

	if err := s.fs.EvictSession(ctx, idA); err != nil {
		return err
	}
	if err := s.sessions.AssertSessionCount(ctx, 1, nil); err != nil {
		return err
	}

	R := s.rc.Timeouts.Reconnect
	evictTilActive, err := s.fs.WaitForState(ctx, core.StateActive, "", s.cfg.RestartGrace)
	if err != nil {
		return err
	}
	if evictTilActive >= R/2 {
		return &core.AssertionError{Msg: "time from eviction to active", Expected: fmt.Sprintf("< %s", R/2), Actual: evictTilActive.Round(time.Millisecond)}
	}

	if err := remount(ctx, s.mountA); err != nil {
		return err
	}
	return s.mountA.CreateDestroy(ctx)
}

// TestStaleCaps checks that capabilities held by a dead client are
// released once its session goes stale.
//
//	1. A opens a file and holds it; B sees the file.
//	2. Kill A without unmounting.
//	3. A write from B blocks on A's capabilities and completes only once
//	   the session timeout has passed.
//	4. Clean up A and remount it.
//
func (s *RecoverySuite) TestStaleCaps(ctx context.Context) error {
	capHolder, err := s.holdAndKill(ctx)
	if err != nil {
		return err
	}

	err = s.staleCapsWhileKilled(ctx, capHolder)
	if cerr := s.mountA.KillCleanup(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return remount(ctx, s.mountA)
}

func (s *RecoverySuite) staleCapsWhileKilled(ctx context.Context, capHolder *remote.Proc) error {
	S := s.rc.Timeouts.Session
	capWaiter, err := s.mountB.WriteBackground(ctx, mount.DefaultBackgroundName)
	if err != nil {
		return err
	}
	// Wait past the upper bound so a late release is reported with how
	// late it was.
	capWaited, err := waitProc(ctx, capWaiter, S*3)
	if err != nil {
		return err
	}
	log.Infof("write from %s waited %s for capabilities (session timeout %s)", s.mountB, capWaited, S)
	if err := checkDuration("write blocked on a stale session", capWaited, S/2, S*2); err != nil {
		return err
	}
	return s.mountA.ReapBackground(ctx, capHolder)
}

// TestEvictedCaps checks that evicting a dead client's session releases its
// capabilities immediately.
func (s *RecoverySuite) TestEvictedCaps(ctx context.Context) error {
	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return err
	}
	capHolder, err := s.holdAndKill(ctx)
	if err != nil {
		return err
	}

	err = s.evictWhileKilled(ctx, idA, capHolder)
	if cerr := s.mountA.KillCleanup(ctx); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return remount(ctx, s.mountA)
}

func (s *RecoverySuite) evictWhileKilled(ctx context.Context, idA int64, capHolder *remote.Proc) error {
	S := s.rc.Timeouts.Session
	capWaiter, err := s.mountB.WriteBackground(ctx, mount.DefaultBackgroundName)
	if err != nil {
		return err
	}
	// Give the write time to block on A's capabilities.
	if err := sleep(ctx, s.cfg.EvictGrace); err != nil {
		return err
	}
	if err := check(!capWaiter.Finished(), "write from %s blocks while %s holds the file", s.mountB, s.mountA); err != nil {
		return err
	}

	if err := s.fs.EvictSession(ctx, idA); err != nil {
		return err
	}
	capWaited, err := waitProc(ctx, capWaiter, S*2)
	if err != nil {
		return err
	}
	log.Infof("write from %s completed %s after eviction", s.mountB, capWaited)
	if capWaited >= S/2 {
		return &core.AssertionError{Msg: "write blocked after eviction", Expected: fmt.Sprintf("< %s", S/2), Actual: capWaited.Round(time.Millisecond)}
	}
	return s.mountA.ReapBackground(ctx, capHolder)
}

// TestNetworkDeath checks that a client cut off from the metadata daemon
// turns stale after the session timeout, and resumes its blocked I/O soon
// after the network returns.
//
//	1. Unmount B so A's is the only session, and it is open.
//	2. Block A's traffic and start a write, which blocks.
//	3. After 1.5 session timeouts the session is stale and the write is
//	   still blocked.
//	4. Unblock; the write completes within twice the max messenger
//	   backoff and the session is open again.
//
func (s *RecoverySuite) TestNetworkDeath(ctx context.Context) error {
	if err := s.mountB.UmountWait(ctx, false); err != nil {
		return err
	}
	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return err
	}
	ls, err := s.sessions.ListSessions(ctx)
	if err != nil {
		return err
	}
	if err := s.sessions.AssertSessionCount(ctx, 1, ls); err != nil {
		return err
	}
	if ls[0].ID != idA {
		return &core.AssertionError{Msg: "only session", Expected: idA, Actual: ls[0].ID}
	}
	if err := s.sessions.AssertSessionState(ctx, idA, core.SessionOpen); err != nil {
		return err
	}

	if err := s.mountA.CreateFiles(ctx); err != nil {
		return err
	}
	if err := s.fs.SetClientsBlock(ctx, true); err != nil {
		return err
	}
	blocked, err := s.mountA.WriteBackground(ctx, mount.DefaultBackgroundName)
	if err != nil {
		return err
	}
	if err := check(!blocked.Finished(), "write blocks while the network is down"); err != nil {
		return err
	}
	if err := s.sessions.AssertSessionState(ctx, idA, core.SessionOpen); err != nil {
		return err
	}

	S := s.rc.Timeouts.Session
	if err := sleep(ctx, S*3/2); err != nil {
		return err
	}
	if err := check(!blocked.Finished(), "write still blocks after the session timeout"); err != nil {
		return err
	}
	if err := s.sessions.AssertSessionState(ctx, idA, core.SessionStale); err != nil {
		return err
	}

	if err := s.fs.SetClientsBlock(ctx, false); err != nil {
		return err
	}
	recovery, err := waitProc(ctx, blocked, s.rc.Timeouts.MaxBackoff*2)
	if err != nil {
		return err
	}
	log.Infof("write resumed %s after the network returned", recovery)
	return s.sessions.AssertSessionState(ctx, idA, core.SessionOpen)
}

// stopAndFail stops the metadata daemon and marks it failed so no standby
// takes its rank.
func (s *RecoverySuite) stopAndFail(ctx context.Context) error {
	if err := s.fs.MDSStop(ctx); err != nil {
		return err
	}
	return s.fs.MDSFail(ctx)
}

// reconnectWithoutA brings the metadata daemon back with A gone: it is
// force unmounted while the daemon is down, so its session will never
// reconnect. It returns A's session id once the daemon is in reconnect
// with both sessions.
func (s *RecoverySuite) reconnectWithoutA(ctx context.Context) (int64, error) {
	if err := s.stopAndFail(ctx); err != nil {
		return 0, err
	}
	idA, err := s.mountA.GetGlobalID(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.mountA.UmountWait(ctx, true); err != nil {
		return 0, err
	}
	if err := s.fs.MDSRestart(ctx); err != nil {
		return 0, err
	}
	if _, err := s.fs.WaitForState(ctx, core.StateReconnect, core.StateActive, s.cfg.RestartGrace); err != nil {
		return 0, err
	}
	if err := s.sessions.AssertSessionCount(ctx, 2, nil); err != nil {
		return 0, err
	}
	return idA, nil
}

// holdAndKill has A hold a file B can see, then kills A.
func (s *RecoverySuite) holdAndKill(ctx context.Context) (*remote.Proc, error) {
	capHolder, err := s.mountA.OpenBackground(ctx, mount.DefaultBackgroundName)
	if err != nil {
		return nil, err
	}
	if err := s.mountB.WaitForVisible(ctx, mount.DefaultBackgroundName, s.cfg.VisibleTimeout); err != nil {
		return nil, err
	}
	if err := s.mountA.Kill(ctx); err != nil {
		return nil, err
	}
	return capHolder, nil
}
