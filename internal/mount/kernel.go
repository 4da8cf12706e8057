// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mount

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

// PowerController switches hosts on and off out of band.
type PowerController interface {
	PowerOff(ctx context.Context, host string) error
	PowerOn(ctx context.Context, host string) error
}

// KernelOptions are the settings specific to kernel mounts.
type KernelOptions struct {
	Monitors    []string          // Monitor addresses, host[:port].
	SecretFile  string            // Defaults to <TestDir>/data/client.<id>.secret.
	Power       PowerController   // Used by Kill and KillCleanup.
	Reconnect   func(host string) // Drops cached connections to a power cycled host.
	BootTimeout time.Duration     // Bound of the wait for a host to come back.
}

// KernelMount is the in-kernel filesystem client. Killing it powers off its
// whole host.
type KernelMount struct {
	base
	kopts KernelOptions
}

// NewKernelMount returns an unmounted KernelMount for client.<clientID> on r.
func NewKernelMount(r remote.Remote, clientID string, opts Options, kopts KernelOptions) *KernelMount {
	m := &KernelMount{base: newBase(r, clientID, opts), kopts: kopts}
	if m.kopts.SecretFile == "" {
		m.kopts.SecretFile = path.Join(m.opts.TestDir, "data", "client."+clientID+".secret")
	}
	if m.kopts.BootTimeout == 0 {
		m.kopts.BootTimeout = 10 * time.Minute
	}
	m.mounted = m.IsMounted
	return m
}

// Mount implements Mount.
func (m *KernelMount) Mount(ctx context.Context) error {
	if ok, err := m.IsMounted(ctx); err != nil {
		return err
	} else if ok {
		log.Infof("%s is already mounted", m)
		return nil
	}
	if len(m.kopts.Monitors) == 0 {
		return fmt.Errorf("no monitor addresses to mount %s", m)
	}
	log.Infof("Mounting %s at %s", m, m.mnt)
	if _, err := m.run(ctx, "mkdir", "-p", "--", m.mnt); err != nil {
		return err
	}
	src := strings.Join(m.kopts.Monitors, ",") + ":/"
	opts := fmt.Sprintf("name=%s,secretfile=%s", m.clientID, m.kopts.SecretFile)
	if _, err := m.run(ctx, "sudo", "/sbin/mount.ceph", src, m.mnt, "-v", "-o", opts); err != nil {
		return err
	}
	m.setKilled(false)
	return nil
}

// WaitUntilMounted implements Mount. Kernel mounts are attached by the time
// mount.ceph returns, so this normally succeeds on the first poll.
func (m *KernelMount) WaitUntilMounted(ctx context.Context) error {
	return m.waitMounted(ctx, func() error { return nil })
}

// IsMounted implements Mount by looking the mountpoint up in /proc/mounts.
func (m *KernelMount) IsMounted(ctx context.Context) (bool, error) {
	p, err := m.r.Run(ctx, remote.Cmd("awk", "-v", "m="+m.mnt,
		`$2 == m && $3 == "ceph" { found = 1 } END { exit !found }`, "/proc/mounts"),
		remote.RunOptions{NoCheck: true})
	if err != nil {
		return false, err
	}
	return p.ExitStatus() == 0, nil
}

// Umount implements Mount.
func (m *KernelMount) Umount(ctx context.Context) error {
	log.Infof("Unmounting %s", m)
	_, err := m.run(ctx, "sudo", "umount", m.mnt)
	return err
}

// UmountWait implements Mount. A forced unmount is bounded by the reap
// timeout and tolerates an unreachable host.
func (m *KernelMount) UmountWait(ctx context.Context, force bool) error {
	if ok, err := m.IsMounted(ctx); err != nil || !ok {
		return err
	}
	if !force {
		if err := m.Umount(ctx); err != nil {
			return err
		}
		return m.Cleanup(ctx)
	}
	fctx, cancel := context.WithTimeout(ctx, m.opts.ReapTimeout)
	defer cancel()
	_, err := m.run(fctx, "sudo", "umount", "-f", m.mnt)
	if err != nil && (core.IsExpectedDisconnection(err) || fctx.Err() != nil) {
		log.Errorf("forced unmount of %s did not complete: %s", m, err)
		return nil
	}
	if err != nil {
		return err
	}
	return m.Cleanup(ctx)
}

// Cleanup implements Mount.
func (m *KernelMount) Cleanup(ctx context.Context) error {
	p, err := m.r.Run(ctx, remote.Cmd("rmdir", "--", m.mnt), remote.RunOptions{NoCheck: true})
	if err != nil {
		return err
	}
	if p.ExitStatus() != 0 {
		log.V(1).Infof("rmdir %s: %s", m.mnt, strings.TrimSpace(p.Stderr()))
	}
	return nil
}

// Kill implements Mount by powering off the host.
func (m *KernelMount) Kill(ctx context.Context) error {
	if m.kopts.Power == nil {
		return fmt.Errorf("no power control to kill %s", m)
	}
	m.setKilled(true)
	return m.kopts.Power.PowerOff(ctx, m.Host())
}

// KillCleanup implements Mount by powering the host back on and waiting for
// it to be reachable. The mount is gone after the power cycle.
func (m *KernelMount) KillCleanup(ctx context.Context) error {
	if m.kopts.Power == nil {
		return fmt.Errorf("no power control to revive %s", m)
	}
	if err := m.Teardown(ctx); err != nil {
		return err
	}
	if err := m.kopts.Power.PowerOn(ctx, m.Host()); err != nil {
		return err
	}
	if m.kopts.Reconnect != nil {
		m.kopts.Reconnect(m.Host())
	}
	elapsed, err := retry.Poll(ctx, m.opts.PollInterval*5, m.kopts.BootTimeout, func(time.Duration) (bool, error) {
		_, err := m.r.Run(ctx, "true", remote.RunOptions{})
		return err == nil, nil
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitCondition, What: "host " + m.Host() + " to boot", Elapsed: elapsed, Limit: m.kopts.BootTimeout}
	}
	if err != nil {
		return err
	}
	return m.Cleanup(ctx)
}

var debugfsClient = regexp.MustCompile(`client(\d+)$`)

// GetGlobalID implements Mount by reading the client instance from the
// kernel's debugfs directory name.
func (m *KernelMount) GetGlobalID(ctx context.Context) (int64, error) {
	out, err := remote.Run(ctx, m.r, remote.Cmd("sudo", "ls", "/sys/kernel/debug/ceph"))
	if err != nil {
		return 0, err
	}
	var ids []int64
	for _, name := range strings.Fields(out) {
		if match := debugfsClient.FindStringSubmatch(name); match != nil {
			id, _ := strconv.ParseInt(match[1], 10, 64)
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return 0, &core.AssertionError{Msg: "kernel clients on " + m.Host(), Expected: 1, Actual: len(ids)}
	}
	return ids[0], nil
}

// SupportsColocatedClients implements Mount. Kill powers off the host.
func (m *KernelMount) SupportsColocatedClients() bool { return false }

// SupportsConfigInjection implements Mount.
func (m *KernelMount) SupportsConfigInjection() bool { return false }
