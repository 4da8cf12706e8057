// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mount

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// FuseMount is a userspace client process mounted through FUSE.
type FuseMount struct {
	base

	lock    sync.Mutex
	daemon  *remote.Proc
	logFile *remote.FileLogger // Client output, when Options.LogDir is set.
}

// NewFuseMount returns an unmounted FuseMount for client.<clientID> on r.
func NewFuseMount(r remote.Remote, clientID string, opts Options) *FuseMount {
	m := &FuseMount{base: newBase(r, clientID, opts)}
	m.mounted = m.IsMounted
	return m
}

// Mount implements Mount.
func (m *FuseMount) Mount(ctx context.Context) error {
	if ok, err := m.IsMounted(ctx); err != nil {
		return err
	} else if ok {
		log.Infof("%s is already mounted", m)
		return nil
	}
	log.Infof("Mounting %s at %s", m, m.mnt)
	if _, err := m.run(ctx, "mkdir", "-p", "--", m.mnt); err != nil {
		return err
	}
	argv := append(append([]string{}, backgroundWrapper...),
		"ceph-fuse", "-f", "--cluster", m.opts.Cluster, "--name", "client."+m.clientID)
	argv = append(append(argv, m.opts.ExtraArgs...), m.mnt)
	p, err := m.r.Run(ctx, remote.Cmd(argv...), remote.RunOptions{
		NoWait:  true,
		Stdin:   true,
		Name:    "ceph-fuse." + m.clientID,
		Loggers: m.loggers(),
	})
	if err != nil {
		return err
	}
	m.setKilled(false)
	m.lock.Lock()
	m.daemon = p
	m.lock.Unlock()
	return nil
}

// loggers returns where the client's output goes. With a log directory
// every run of the client appends to the same file.
func (m *FuseMount) loggers() []remote.Logger {
	loggers := []remote.Logger{&remote.GlogLogger{V: 1}}
	if m.opts.LogDir == "" {
		return loggers
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.logFile == nil {
		name := path.Join(m.opts.LogDir, fmt.Sprintf("ceph-fuse.%s.%s.log", m.clientID, m.Host()))
		f, err := remote.NewFileLogger(name)
		if err != nil {
			log.Warningf("not saving output of %s: %s", m, err)
			return loggers
		}
		m.logFile = f
	}
	return append(loggers, m.logFile)
}

func (m *FuseMount) fuseDaemon() *remote.Proc {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.daemon
}

// WaitUntilMounted implements Mount. It fails early if the client process
// exits.
func (m *FuseMount) WaitUntilMounted(ctx context.Context) error {
	d := m.fuseDaemon()
	err := m.waitMounted(ctx, func() error {
		if d != nil && d.Finished() {
			return fmt.Errorf("ceph-fuse for %s exited with %d: %s", m, d.ExitStatus(), d.Stderr())
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Let unprivileged test processes write to the mount root.
	_, err = m.run(ctx, "sudo", "chmod", "1777", m.mnt)
	return err
}

// IsMounted implements Mount. A mount whose client died still counts as
// mounted until it's unmounted.
func (m *FuseMount) IsMounted(ctx context.Context) (bool, error) {
	p, err := m.r.Run(ctx, remote.Cmd("stat", "--file-system", "--printf=%T\n", "--", m.mnt),
		remote.RunOptions{NoCheck: true})
	if err != nil {
		return false, err
	}
	if p.ExitStatus() != 0 {
		if strings.Contains(p.Stderr(), "endpoint is not connected") {
			return true, nil
		}
		log.V(1).Infof("mount point %s does not exist", m.mnt)
		return false, nil
	}
	fstype := strings.TrimSpace(p.Stdout())
	log.V(1).Infof("%s has file system type %q", m.mnt, fstype)
	return fstype == "fuseblk", nil
}

// Umount implements Mount. If fusermount fails, the FUSE connection is
// aborted and the mountpoint lazily detached.
func (m *FuseMount) Umount(ctx context.Context) error {
	log.Infof("Unmounting %s", m)
	p, err := m.r.Run(ctx, remote.Cmd("sudo", "fusermount", "-u", m.mnt), remote.RunOptions{NoCheck: true})
	if err != nil {
		return err
	}
	if p.ExitStatus() == 0 {
		return nil
	}
	log.Infof("fusermount failed on %s, aborting fuse connections", m)
	if _, err = m.r.Run(ctx, "sudo find /sys/fs/fuse/connections -name abort -exec bash -c 'echo 1 > {}' ';'",
		remote.RunOptions{}); err != nil {
		return err
	}
	_, err = m.run(ctx, "sudo", "umount", "-l", "-f", m.mnt)
	return err
}

// UmountWait implements Mount. With force the client process is killed
// rather than asked to unmount.
func (m *FuseMount) UmountWait(ctx context.Context, force bool) error {
	d := m.fuseDaemon()
	if d == nil {
		if ok, err := m.IsMounted(ctx); err != nil || !ok {
			return err
		}
	}
	if force {
		if d != nil {
			d.CloseStdin()
		}
	} else if err := m.Umount(ctx); err != nil {
		return err
	}
	if err := m.reapDaemon(ctx, force); err != nil {
		return err
	}
	if force {
		// The killed client leaves its mountpoint behind.
		if _, err := m.run(ctx, "sudo", "umount", "-l", "-f", m.mnt); err != nil {
			log.Infof("lazy unmount of %s after kill: %s", m, err)
		}
	}
	return m.Cleanup(ctx)
}

// reapDaemon waits for the client process to exit. Its failure is only
// expected when it was killed.
func (m *FuseMount) reapDaemon(ctx context.Context, killed bool) error {
	m.lock.Lock()
	d := m.daemon
	m.daemon = nil
	m.lock.Unlock()
	if d == nil {
		return nil
	}
	if killed {
		return Reap(ctx, d, m.opts.ReapTimeout)
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.ReapTimeout)
	defer cancel()
	return d.Wait(wctx)
}

// Cleanup implements Mount.
func (m *FuseMount) Cleanup(ctx context.Context) error {
	p, err := m.r.Run(ctx, remote.Cmd("rmdir", "--", m.mnt), remote.RunOptions{NoCheck: true})
	if err != nil {
		return err
	}
	if p.ExitStatus() != 0 {
		log.V(1).Infof("rmdir %s: %s", m.mnt, strings.TrimSpace(p.Stderr()))
	}
	return nil
}

// Kill implements Mount by killing the client process.
func (m *FuseMount) Kill(ctx context.Context) error {
	d := m.fuseDaemon()
	if d == nil {
		return fmt.Errorf("%s has no client process to kill", m)
	}
	log.Infof("Killing %s", m)
	m.setKilled(true)
	return d.CloseStdin()
}

// KillCleanup implements Mount.
func (m *FuseMount) KillCleanup(ctx context.Context) error {
	if err := m.Teardown(ctx); err != nil {
		return err
	}
	if err := m.Umount(ctx); err != nil {
		return err
	}
	if err := m.reapDaemon(ctx, true); err != nil {
		return err
	}
	return m.Cleanup(ctx)
}

// GetGlobalID implements Mount by asking the client's admin socket.
func (m *FuseMount) GetGlobalID(ctx context.Context) (int64, error) {
	glob := fmt.Sprintf("/var/run/ceph/%s-client.%s.*.asok", m.opts.Cluster, m.clientID)
	// Newest socket belongs to the current client process.
	out, err := remote.Run(ctx, m.r, "ls -t "+glob+" | head -n 1")
	if err != nil {
		return 0, err
	}
	asok := strings.TrimSpace(out)
	if asok == "" {
		return 0, fmt.Errorf("no admin socket for %s", m)
	}
	out, err = remote.Run(ctx, m.r, remote.Cmd("sudo", "ceph", "--admin-daemon", asok, "mds_sessions"))
	if err != nil {
		return 0, err
	}
	var reply struct {
		ID *int64 `json:"id"`
	}
	if err = json.Unmarshal([]byte(out), &reply); err != nil {
		return 0, fmt.Errorf("decoding mds_sessions of %s: %w", m, err)
	}
	if reply.ID == nil {
		return 0, &core.AssertionError{Msg: "mds_sessions reply of " + m.String(), Expected: "an id", Actual: out}
	}
	return *reply.ID, nil
}

// SupportsColocatedClients implements Mount. Killing a FUSE client only
// kills its process.
func (m *FuseMount) SupportsColocatedClients() bool { return true }

// SupportsConfigInjection implements Mount.
func (m *FuseMount) SupportsConfigInjection() bool { return true }
