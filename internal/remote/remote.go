// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package remote runs shell commands on cluster hosts and tracks the
// resulting processes.
package remote

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/metrics"
)

// Remote is a host we can run shell commands on.
type Remote interface {
	// Host returns the host name commands are run on.
	Host() string

	// Run starts cmd through a shell on the host. Unless opts.NoWait is
	// set, Run waits for the command and returns a *core.CommandFailedError
	// if it exits with a nonzero status (suppressed by opts.NoCheck).
	Run(ctx context.Context, cmd string, opts RunOptions) (*Proc, error)
}

// RunOptions controls how a command is run.
type RunOptions struct {
	NoWait  bool     // Return as soon as the command has started.
	Stdin   bool     // Open a pipe to the command's stdin (see Proc.Stdin).
	NoCheck bool     // Don't treat a nonzero exit status as an error.
	Name    string   // Name used when logging output lines.
	Loggers []Logger // If non-empty, output lines are also sent here.
}

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_./:=,@%+\-]+$`)

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	if safeArg.MatchString(s) {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// Cmd joins args into a shell command line, quoting each one.
func Cmd(args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

// Run is a convenience wrapper that runs cmd on r and returns its stdout.
func Run(ctx context.Context, r Remote, cmd string) (string, error) {
	p, err := r.Run(ctx, cmd, RunOptions{})
	if err != nil {
		return "", err
	}
	return p.Stdout(), nil
}

// Proc is a command started on a remote host.
type Proc struct {
	// Stdin is non-nil if the command was started with RunOptions.Stdin.
	// Closing it signals EOF to the command; commands run under
	// daemon-helper are killed when that happens.
	Stdin io.WriteCloser

	host    string
	cmd     string
	check   bool
	stdout  syncBuffer
	stderr  syncBuffer
	outW    io.Writer
	errW    io.Writer
	done    chan struct{}
	lock    sync.Mutex
	exit    int
	err     error
	closeIn sync.Once
}

// NewProc creates a Proc for cmd on host. It's used by Remote
// implementations, which must call Finish exactly once.
func NewProc(host, cmd string, opts RunOptions) *Proc {
	p := &Proc{host: host, cmd: cmd, check: !opts.NoCheck, done: make(chan struct{})}
	p.outW, p.errW = &p.stdout, &p.stderr
	if len(opts.Loggers) > 0 {
		name := opts.Name
		if name == "" {
			name = host
		}
		p.outW = io.MultiWriter(&p.stdout, NewLogDemuxer(name, opts.Loggers))
		p.errW = io.MultiWriter(&p.stderr, NewLogDemuxer(name, opts.Loggers))
	}
	return p
}

// OutputWriters returns the writers a Remote implementation should attach to
// the command's stdout and stderr.
func (p *Proc) OutputWriters() (stdout, stderr io.Writer) {
	return p.outW, p.errW
}

// Finish records the command's exit. A non-nil transportErr means the exit
// status could not be obtained and is reported as a lost connection.
func (p *Proc) Finish(exitStatus int, transportErr error) {
	p.lock.Lock()
	p.exit = exitStatus
	switch {
	case transportErr != nil:
		p.err = &core.ConnectionLostError{Host: p.host, Command: p.cmd, Err: transportErr}
	case exitStatus != 0 && p.check:
		p.err = &core.CommandFailedError{Host: p.host, Command: p.cmd, ExitStatus: exitStatus, Stderr: p.stderr.String()}
	}
	p.lock.Unlock()
	log.V(2).Infof("[%s] %q exited with %d", p.host, p.cmd, exitStatus)
	close(p.done)
}

// Host returns the host the command runs on.
func (p *Proc) Host() string { return p.host }

// Command returns the command line.
func (p *Proc) Command() string { return p.cmd }

// Finished returns true if the command has exited. It never blocks.
func (p *Proc) Finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that's closed when the command exits.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Wait blocks until the command exits or ctx is done. It returns the
// command's error, or the context's error if ctx expired first.
func (p *Proc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.lock.Lock()
		defer p.lock.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitStatus returns the exit status. It's only meaningful after Finished.
func (p *Proc) ExitStatus() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exit
}

// Stdout returns what the command wrote to stdout so far.
func (p *Proc) Stdout() string { return p.stdout.String() }

// Stderr returns what the command wrote to stderr so far.
func (p *Proc) Stderr() string { return p.stderr.String() }

// CloseStdin closes the command's stdin, if it has one. It's safe to call
// more than once.
func (p *Proc) CloseStdin() (err error) {
	if p.Stdin == nil {
		return nil
	}
	p.closeIn.Do(func() { err = p.Stdin.Close() })
	return
}

// Result applies RunOptions.NoWait for Remote implementations: it returns p
// right away for background commands and waits for it otherwise.
func (p *Proc) Result(ctx context.Context, opts RunOptions) (*Proc, error) {
	if opts.NoWait {
		return p, nil
	}
	return p, p.Wait(ctx)
}

// measure wraps a command with the remote ops metric.
func measure(host string, p *Proc) {
	op := metrics.RemoteOps.Start(host)
	go func() {
		<-p.done
		if p.ExitStatus() != 0 {
			op.Failed()
		}
		op.End()
	}()
}

type syncBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}
