// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"context"
	"os"
	"os/exec"
	"time"

	log "github.com/golang/glog"
)

// LocalRemote runs commands on the harness host.
type LocalRemote struct{}

// waitDelay bounds how long output is drained after a cancelled command is
// killed, in case its children keep the pipes open.
const waitDelay = 2 * time.Second

// Host implements Remote.
func (LocalRemote) Host() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// Run implements Remote by running cmd through bash on this host. The
// process is killed when ctx is done, background commands included.
func (l LocalRemote) Run(ctx context.Context, cmd string, opts RunOptions) (*Proc, error) {
	log.V(1).Infof("[local] running %s", cmd)
	p := NewProc(l.Host(), cmd, opts)
	c := exec.CommandContext(ctx, "bash", "-c", cmd)
	c.WaitDelay = waitDelay
	c.Stdout, c.Stderr = p.OutputWriters()
	if opts.Stdin {
		w, err := c.StdinPipe()
		if err != nil {
			return nil, err
		}
		p.Stdin = w
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	measure("local", p)
	go func() {
		err := c.Wait()
		ee, exited := err.(*exec.ExitError)
		switch {
		case err == nil:
			p.Finish(0, nil)
		case ctx.Err() != nil:
			p.Finish(-1, ctx.Err())
		case exited:
			p.Finish(ee.ExitCode(), nil)
		default:
			p.Finish(-1, err)
		}
	}()
	return p.Result(ctx, opts)
}
