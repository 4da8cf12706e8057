// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package mount drives client mounts of the shared filesystem on remote
// hosts: attach and detach, fixture I/O, background operations that hold
// capabilities, and simulated client death.
package mount

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

// Mount is a client attachment to the shared filesystem on some host.
// Mounted state is always queried from the host, never cached.
type Mount interface {
	fmt.Stringer

	// ClientID returns the client's id, the "0" in client.0.
	ClientID() string
	// Host returns the host the client runs on.
	Host() string
	// Mountpoint returns the absolute path of the mount on its host.
	Mountpoint() string

	// Mount attaches the client. It does nothing if already mounted.
	Mount(ctx context.Context) error
	// WaitUntilMounted polls until the mount is usable or returns a
	// *core.TimeoutError.
	WaitUntilMounted(ctx context.Context) error
	// Umount detaches the client gracefully.
	Umount(ctx context.Context) error
	// UmountWait detaches the client and waits for it to go away. With
	// force it succeeds in bounded time even if the client is wedged.
	// It does nothing if not mounted.
	UmountWait(ctx context.Context, force bool) error
	// IsMounted queries whether the mount is attached.
	IsMounted(ctx context.Context) (bool, error)
	// Cleanup removes the mountpoint directory.
	Cleanup(ctx context.Context) error

	// Kill simulates abrupt client death without unmounting.
	Kill(ctx context.Context) error
	// KillCleanup brings a killed client back to a clean unmounted state
	// and reaps its background operations.
	KillCleanup(ctx context.Context) error
	// Teardown reaps every background operation.
	Teardown(ctx context.Context) error

	// GetGlobalID returns the session id the metadata daemon assigned.
	GetGlobalID(ctx context.Context) (int64, error)

	// CreateFiles creates the fixture files.
	CreateFiles(ctx context.Context) error
	// CheckFiles checks the fixture files exist, returning a
	// *core.MissingFileError for the first one that does not.
	CheckFiles(ctx context.Context) error
	// CreateDestroy creates and deletes a uniquely named file.
	CreateDestroy(ctx context.Context) error
	// RunShell runs a shell command line in the mountpoint.
	RunShell(ctx context.Context, cmd string) (*remote.Proc, error)

	// OpenBackground opens name, writes to it and holds it open.
	OpenBackground(ctx context.Context, name string) (*remote.Proc, error)
	// WriteBackground writes to name and closes it.
	WriteBackground(ctx context.Context, name string) (*remote.Proc, error)
	// OpenNBackground opens n files "<relPath>_<i>" and holds them open.
	OpenNBackground(ctx context.Context, relPath string, n int) (*remote.Proc, error)
	// Background returns the background operations not yet reaped.
	Background() []*remote.Proc
	// ReapBackground terminates p, one of this mount's background
	// operations, and stops tracking it. Once the client was killed, an
	// operation that doesn't exit in time is abandoned, not reported.
	ReapBackground(ctx context.Context, p *remote.Proc) error
	// WaitForVisible polls once per interval until name exists in the
	// mount, or returns a *core.TimeoutError.
	WaitForVisible(ctx context.Context, name string, timeout time.Duration) error

	// SupportsColocatedClients returns false if Kill takes down the whole
	// host, so clients must not share one.
	SupportsColocatedClients() bool
	// SupportsConfigInjection returns true if client-side failure
	// injection options take effect on this kind of mount.
	SupportsConfigInjection() bool
}

// DefaultBackgroundName is the file used by background operations when the
// caller doesn't care.
const DefaultBackgroundName = "background_file"

// fixtureFiles are created by CreateFiles and checked by CheckFiles.
var fixtureFiles = []string{"a", "b", "c"}

// backgroundWrapper runs background operations with raised limits, killing
// them when their stdin is closed.
var backgroundWrapper = []string{"sudo", "adjust-ulimits", "daemon-helper", "kill"}

// Options are shared by all mount kinds.
type Options struct {
	TestDir      string        // Mountpoints are <TestDir>/mnt.<id>.
	Cluster      string        // Cluster name, "ceph" by default.
	PollInterval time.Duration // Period of mount and visibility polls.
	MountTimeout time.Duration // Bound of WaitUntilMounted.
	ReapTimeout  time.Duration // Bound of the wait for a reaped operation.
	ExtraArgs    []string      // Appended to the userspace client's command line.
	LogDir       string        // If set, userspace client output is also saved here on the harness host.
}

func (o *Options) setDefaults() {
	if o.Cluster == "" {
		o.Cluster = "ceph"
	}
	if o.PollInterval == 0 {
		o.PollInterval = core.PollInterval
	}
	if o.MountTimeout == 0 {
		o.MountTimeout = core.MountTimeout
	}
	if o.ReapTimeout == 0 {
		o.ReapTimeout = core.ReapTimeout
	}
}

// base implements what is common to all mount kinds.
type base struct {
	opts     Options
	clientID string
	r        remote.Remote
	mnt      string

	// Queries the concrete mount.
	mounted func(ctx context.Context) (bool, error)

	lock       sync.Mutex
	background []*remote.Proc
	killed     bool
}

func newBase(r remote.Remote, clientID string, opts Options) base {
	opts.setDefaults()
	return base{
		opts:     opts,
		clientID: clientID,
		r:        r,
		mnt:      path.Join(opts.TestDir, "mnt."+clientID),
	}
}

func (b *base) ClientID() string   { return b.clientID }
func (b *base) Host() string       { return b.r.Host() }
func (b *base) Mountpoint() string { return b.mnt }

func (b *base) String() string {
	return fmt.Sprintf("client.%s@%s", b.clientID, b.r.Host())
}

func (b *base) run(ctx context.Context, args ...string) (*remote.Proc, error) {
	return b.r.Run(ctx, remote.Cmd(args...), remote.RunOptions{})
}

func (b *base) requireMounted(ctx context.Context) error {
	ok, err := b.mounted(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not mounted", b)
	}
	return nil
}

func (b *base) setKilled(killed bool) {
	b.lock.Lock()
	b.killed = killed
	b.lock.Unlock()
}

// CreateFiles implements Mount.
func (b *base) CreateFiles(ctx context.Context) error {
	if err := b.requireMounted(ctx); err != nil {
		return err
	}
	for _, f := range fixtureFiles {
		log.Infof("Creating file %s on %s", f, b)
		if _, err := b.run(ctx, "sudo", "touch", path.Join(b.mnt, f)); err != nil {
			return err
		}
	}
	return nil
}

// CheckFiles implements Mount.
func (b *base) CheckFiles(ctx context.Context) error {
	if err := b.requireMounted(ctx); err != nil {
		return err
	}
	for _, f := range fixtureFiles {
		log.Infof("Checking file %s on %s", f, b)
		p := path.Join(b.mnt, f)
		proc, err := b.r.Run(ctx, remote.Cmd("sudo", "ls", p), remote.RunOptions{NoCheck: true})
		if err != nil {
			return err
		}
		if proc.ExitStatus() != 0 {
			return &core.MissingFileError{Path: p, Err: fmt.Errorf("ls exited with %d: %s", proc.ExitStatus(), proc.Stderr())}
		}
	}
	return nil
}

// CreateDestroy implements Mount.
func (b *base) CreateDestroy(ctx context.Context) error {
	if err := b.requireMounted(ctx); err != nil {
		return err
	}
	p := path.Join(b.mnt, fmt.Sprintf("%s %s", time.Now().Format(time.RFC3339Nano), b.clientID))
	log.V(1).Infof("Creating test file %q", p)
	if _, err := b.run(ctx, "sudo", "touch", p); err != nil {
		return err
	}
	log.V(1).Infof("Deleting test file %q", p)
	_, err := b.run(ctx, "sudo", "rm", "-f", p)
	return err
}

// RunShell implements Mount.
func (b *base) RunShell(ctx context.Context, cmd string) (*remote.Proc, error) {
	return b.r.Run(ctx, "cd "+remote.Quote(b.mnt)+" && "+cmd, remote.RunOptions{})
}

const openScript = `exec 3>"$1"
printf content >&3
printf content2 >&3
while true; do sleep 1; done`

const writeScript = `exec 3>"$1"
printf content >&3
exec 3>&-`

const openNScript = `mkdir -p "$(dirname "$1")"
for i in $(seq 0 $(($2 - 1))); do
  exec {fd}>"${1}_${i}"
done
while true; do sleep 1; done`

// startBackground runs a bash script under the background wrapper and
// tracks it until it's reaped.
func (b *base) startBackground(ctx context.Context, script string, args ...string) (*remote.Proc, error) {
	if err := b.requireMounted(ctx); err != nil {
		return nil, err
	}
	argv := append(append([]string{}, backgroundWrapper...), "bash", "-c", script, "bg")
	cmd := remote.Cmd(append(argv, args...)...)
	p, err := b.r.Run(ctx, cmd, remote.RunOptions{NoWait: true, Stdin: true})
	if err != nil {
		return nil, err
	}
	b.lock.Lock()
	b.background = append(b.background, p)
	b.lock.Unlock()
	return p, nil
}

// OpenBackground implements Mount.
func (b *base) OpenBackground(ctx context.Context, name string) (*remote.Proc, error) {
	return b.startBackground(ctx, openScript, path.Join(b.mnt, name))
}

// WriteBackground implements Mount.
func (b *base) WriteBackground(ctx context.Context, name string) (*remote.Proc, error) {
	return b.startBackground(ctx, writeScript, path.Join(b.mnt, name))
}

// OpenNBackground implements Mount.
func (b *base) OpenNBackground(ctx context.Context, relPath string, n int) (*remote.Proc, error) {
	return b.startBackground(ctx, openNScript, path.Join(b.mnt, relPath), fmt.Sprint(n))
}

// Background implements Mount.
func (b *base) Background() []*remote.Proc {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]*remote.Proc(nil), b.background...)
}

// WaitForVisible implements Mount.
func (b *base) WaitForVisible(ctx context.Context, name string, timeout time.Duration) error {
	p := path.Join(b.mnt, name)
	elapsed, err := retry.Poll(ctx, b.opts.PollInterval, timeout, func(time.Duration) (bool, error) {
		proc, err := b.r.Run(ctx, remote.Cmd("sudo", "ls", p), remote.RunOptions{NoCheck: true})
		if err != nil {
			return false, err
		}
		return proc.ExitStatus() == 0, nil
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitVisibility, What: name + " from " + b.String(), Elapsed: elapsed, Limit: timeout}
	}
	if err == nil {
		log.V(1).Infof("File %s became visible from %s after %s", name, b, elapsed.Round(time.Millisecond))
	}
	return err
}

// Teardown implements Mount.
func (b *base) Teardown(ctx context.Context) error {
	b.lock.Lock()
	procs, killed := b.background, b.killed
	b.background = nil
	b.lock.Unlock()

	var first error
	for _, p := range procs {
		log.Infof("Terminating background process on %s", b)
		if err := b.reap(ctx, p, killed); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReapBackground implements Mount.
func (b *base) ReapBackground(ctx context.Context, p *remote.Proc) error {
	b.lock.Lock()
	for i, q := range b.background {
		if q == p {
			b.background = append(b.background[:i:i], b.background[i+1:]...)
			break
		}
	}
	killed := b.killed
	b.lock.Unlock()
	return b.reap(ctx, p, killed)
}

// reap is Reap with a timeout tolerated if the client was killed: a host
// that is powered off never reports the exit.
func (b *base) reap(ctx context.Context, p *remote.Proc, killed bool) error {
	err := Reap(ctx, p, b.opts.ReapTimeout)
	if _, ok := err.(*core.TimeoutError); ok && killed {
		log.Errorf("%s: abandoning background process of killed client: %s", b, err)
		return nil
	}
	return err
}

// Reap terminates a background operation: it closes its stdin and waits at
// most timeout for it to exit. Exits caused by the termination itself, and
// by the client's host going away, are expected and not returned.
func Reap(ctx context.Context, p *remote.Proc, timeout time.Duration) error {
	p.CloseStdin()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.Wait(wctx)
	switch {
	case err == nil:
		return nil
	case core.IsExpectedDisconnection(err):
		log.V(1).Infof("background process on %s ended: %s", p.Host(), err)
		return nil
	case err == context.DeadlineExceeded && ctx.Err() == nil:
		return &core.TimeoutError{Kind: core.WaitCondition, What: "exit of " + p.Command(), Elapsed: timeout, Limit: timeout}
	default:
		return err
	}
}

// Mounted mounts m, waits for it, runs fn and unmounts m again.
func Mounted(ctx context.Context, m Mount, fn func() error) error {
	if err := m.Mount(ctx); err != nil {
		return err
	}
	if err := m.WaitUntilMounted(ctx); err != nil {
		return err
	}
	ferr := fn()
	if err := m.UmountWait(ctx, false); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// waitMounted polls isMounted until it holds. alive may report an early,
// unrecoverable failure.
func (b *base) waitMounted(ctx context.Context, alive func() error) error {
	elapsed, err := retry.Poll(ctx, b.opts.PollInterval, b.opts.MountTimeout, func(time.Duration) (bool, error) {
		if err := alive(); err != nil {
			return false, err
		}
		return b.mounted(ctx)
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitMount, What: b.mnt, Elapsed: elapsed, Limit: b.opts.MountTimeout}
	}
	return err
}
