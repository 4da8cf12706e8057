// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package mount

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote/remotetest"
)

var testOpts = Options{
	TestDir:      "/home/ubuntu/cephtest",
	PollInterval: time.Millisecond,
	MountTimeout: 50 * time.Millisecond,
	ReapTimeout:  50 * time.Millisecond,
}

// fuseHost simulates the mount state of a FUSE client host.
type fuseHost struct {
	*remotetest.Fake
	lock    sync.Mutex
	mounted bool
}

func newFuseHost() *fuseHost {
	h := &fuseHost{Fake: remotetest.New("client0")}
	h.On(`^stat --file-system`).Do(func(string) (string, int) {
		if h.isMounted() {
			return "fuseblk\n", 0
		}
		return "", 1
	})
	h.On(`ceph-fuse -f`).Blocking().Exit(1).Do(func(string) (string, int) {
		h.set(true)
		return "", 1
	})
	h.On(`fusermount -u`).Do(func(string) (string, int) {
		h.set(false)
		go h.End(`ceph-fuse`, 0)
		return "", 0
	})
	return h
}

func (h *fuseHost) set(m bool) {
	h.lock.Lock()
	h.mounted = m
	h.lock.Unlock()
}

func (h *fuseHost) isMounted() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.mounted
}

func TestFuseMountLifecycle(t *testing.T) {
	h := newFuseHost()
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()

	require.Equal(t, "/home/ubuntu/cephtest/mnt.0", m.Mountpoint())
	require.NoError(t, m.Mount(ctx))
	require.NoError(t, m.WaitUntilMounted(ctx))
	require.True(t, h.Ran(`ceph-fuse -f --cluster ceph --name client\.0 /home/ubuntu/cephtest/mnt\.0`))
	require.True(t, h.Ran(`sudo chmod 1777`))

	// Mounting again is skipped.
	require.NoError(t, m.Mount(ctx))
	require.Equal(t, 1, h.Count(`ceph-fuse -f`))

	require.NoError(t, m.UmountWait(ctx, false))
	require.False(t, h.isMounted())
	require.True(t, h.Ran(`^rmdir -- `))

	// Unmounting again does nothing.
	n := len(h.Calls())
	require.NoError(t, m.UmountWait(ctx, false))
	require.Equal(t, 1, h.Count(`fusermount`))
	require.Len(t, h.Calls(), n+1)
}

func TestFuseMountExtraArgs(t *testing.T) {
	h := newFuseHost()
	opts := testOpts
	opts.ExtraArgs = []string{"--client_mountpoint=/sub", "-o", "debug"}
	m := NewFuseMount(h, "1", opts)
	require.NoError(t, m.Mount(context.Background()))
	require.True(t, h.Ran(`--name client\.1 --client_mountpoint=/sub -o debug /home/ubuntu/cephtest/mnt\.1$`))
}

func TestFuseMountLogDir(t *testing.T) {
	h := newFuseHost()
	h.On(`ceph-fuse -f`).Blocking().Exit(1).Do(func(string) (string, int) {
		h.set(true)
		return "starting fuse\nmounted\n", 1
	})
	opts := testOpts
	opts.LogDir = t.TempDir()
	m := NewFuseMount(h, "0", opts)
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))
	require.NoError(t, m.UmountWait(ctx, false))
	require.NoError(t, m.Mount(ctx))

	data, err := os.ReadFile(filepath.Join(opts.LogDir, "ceph-fuse.0.client0.log"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "ceph-fuse.0: starting fuse\n"))
}

func TestFuseMountForceUmount(t *testing.T) {
	h := newFuseHost()
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))

	// The killed client exits with an error, which is expected.
	require.NoError(t, m.UmountWait(ctx, true))
	require.False(t, h.Ran(`fusermount`))
	require.True(t, h.Ran(`umount -l -f`))
}

func TestWaitUntilMountedDaemonExit(t *testing.T) {
	h := remotetest.New("client0")
	h.On(`^stat`).Exit(1)
	h.On(`ceph-fuse`).Blocking().Stderr("fuse: bad mount point")
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))
	h.End(`ceph-fuse`, 1)
	err := m.WaitUntilMounted(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad mount point")
}

func TestWaitUntilMountedTimeout(t *testing.T) {
	h := remotetest.New("client0")
	h.On(`^stat`).Exit(1)
	h.On(`ceph-fuse`).Blocking()
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()
	require.NoError(t, m.Mount(ctx))
	var timeout *core.TimeoutError
	require.True(t, errors.As(m.WaitUntilMounted(ctx), &timeout))
	require.Equal(t, core.WaitMount, timeout.Kind)
}

func TestDeadFuseMountIsMounted(t *testing.T) {
	h := remotetest.New("client0")
	h.On(`^stat`).Exit(1).Stderr("stat: cannot read file system information for '/mnt': Transport endpoint is not connected")
	m := NewFuseMount(h, "0", testOpts)
	ok, err := m.IsMounted(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFixtures(t *testing.T) {
	h := newFuseHost()
	h.set(true)
	h.On(`^sudo ls .*/c$`).Exit(2).Stderr("No such file or directory")
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()

	require.NoError(t, m.CreateFiles(ctx))
	require.Equal(t, 3, h.Count(`^sudo touch /home/ubuntu/cephtest/mnt\.0/[abc]$`))

	var missing *core.MissingFileError
	require.True(t, errors.As(m.CheckFiles(ctx), &missing))
	require.Equal(t, "/home/ubuntu/cephtest/mnt.0/c", missing.Path)

	require.NoError(t, m.CreateDestroy(ctx))
	require.NoError(t, m.CreateDestroy(ctx))
	var created []string
	for _, c := range h.Calls() {
		if strings.HasPrefix(c, "sudo touch '") {
			created = append(created, c)
		}
	}
	require.Len(t, created, 2)
	require.NotEqual(t, created[0], created[1])
	require.True(t, strings.HasSuffix(created[0], " 0'"))
}

func TestFixturesRequireMount(t *testing.T) {
	h := newFuseHost()
	m := NewFuseMount(h, "0", testOpts)
	require.Error(t, m.CreateFiles(context.Background()))
	require.False(t, h.Ran(`touch`))
}

func TestBackgroundOps(t *testing.T) {
	h := newFuseHost()
	h.set(true)
	h.On(`daemon-helper kill bash -c`).Blocking().Exit(1)
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()

	p, err := m.OpenBackground(ctx, DefaultBackgroundName)
	require.NoError(t, err)
	require.False(t, p.Finished())
	require.Contains(t, p.Command(), "/home/ubuntu/cephtest/mnt.0/background_file")

	_, err = m.OpenNBackground(ctx, "subdir/mount_a", 250)
	require.NoError(t, err)
	require.True(t, h.Ran(`subdir/mount_a 250$`))
	require.Len(t, m.Background(), 2)

	// Reaping kills them, which they report as a failure we expect.
	require.NoError(t, m.Teardown(ctx))
	require.True(t, p.Finished())
	require.Empty(t, m.Background())
}

func TestTeardownReportsStuckProcess(t *testing.T) {
	h := newFuseHost()
	h.set(true)
	m := NewFuseMount(h, "0", testOpts)
	ctx := context.Background()
	p, err := m.WriteBackground(ctx, "f")
	require.NoError(t, err)

	// A process that ignores its stdin can't be reaped.
	p.Stdin = nopCloser{}
	var timeout *core.TimeoutError
	require.True(t, errors.As(m.Teardown(ctx), &timeout))
}

type nopCloser struct{}

func (nopCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopCloser) Close() error                { return nil }

func TestWaitForVisible(t *testing.T) {
	h := remotetest.New("client1")
	polls := 0
	h.On(`^sudo ls .*/background_file$`).Do(func(string) (string, int) {
		polls++
		if polls < 3 {
			return "", 2
		}
		return "background_file\n", 0
	})
	h.On(`/never$`).Exit(2)
	m := NewFuseMount(h, "1", testOpts)
	ctx := context.Background()
	require.NoError(t, m.WaitForVisible(ctx, DefaultBackgroundName, time.Second))
	require.Equal(t, 3, polls)

	var timeout *core.TimeoutError
	err := m.WaitForVisible(ctx, "never", 10*time.Millisecond)
	require.True(t, errors.As(err, &timeout))
	require.Equal(t, core.WaitVisibility, timeout.Kind)
	require.Contains(t, err.Error(), "never")
}

func TestFuseGlobalID(t *testing.T) {
	h := remotetest.New("client0")
	h.On(`^ls -t /var/run/ceph/ceph-client\.0\.\*\.asok`).Return("/var/run/ceph/ceph-client.0.1234.asok\n")
	h.On(`mds_sessions`).Return(`{"id": 4305, "sessions": []}`)
	id, err := NewFuseMount(h, "0", testOpts).GetGlobalID(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(4305), id)
}

func TestMounted(t *testing.T) {
	h := newFuseHost()
	m := NewFuseMount(h, "0", testOpts)
	called := false
	err := Mounted(context.Background(), m, func() error {
		called = true
		require.True(t, h.isMounted())
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
	require.False(t, h.isMounted())
}
