// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

func TestQuote(t *testing.T) {
	tests := []struct{ in, out string }{
		{"ls", "ls"},
		{"/mnt/cephfs/a", "/mnt/cephfs/a"},
		{"a b", "'a b'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, test := range tests {
		if got := Quote(test.in); got != test.out {
			t.Errorf("Quote(%q) = %q, want %q", test.in, got, test.out)
		}
	}
	if got := Cmd("sudo", "touch", "x y"); got != "sudo touch 'x y'" {
		t.Errorf("unexpected command %q", got)
	}
}

func TestProcFinish(t *testing.T) {
	p := NewProc("h", "false", RunOptions{})
	if p.Finished() {
		t.Fatalf("proc finished before Finish")
	}
	p.Finish(1, nil)
	if !p.Finished() {
		t.Fatalf("proc should be finished")
	}
	var cf *core.CommandFailedError
	if err := p.Wait(context.Background()); !errors.As(err, &cf) || cf.ExitStatus != 1 {
		t.Fatalf("expected command failure, got %v", err)
	}

	p = NewProc("h", "false", RunOptions{NoCheck: true})
	p.Finish(1, nil)
	if err := p.Wait(context.Background()); err != nil || p.ExitStatus() != 1 {
		t.Fatalf("nocheck proc: err=%v status=%d", err, p.ExitStatus())
	}

	p = NewProc("h", "sleep", RunOptions{})
	p.Finish(-1, errors.New("eof"))
	if err := p.Wait(context.Background()); !core.IsExpectedDisconnection(err) {
		t.Fatalf("expected lost connection, got %v", err)
	}
}

func TestProcWaitContext(t *testing.T) {
	p := NewProc("h", "sleep 100", RunOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline, got %v", err)
	}
}

type collectLogger struct {
	lock  sync.Mutex
	lines []string
}

func (c *collectLogger) Log(name, line string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lines = append(c.lines, name+": "+line)
}

func (c *collectLogger) Close() {}

func TestLogDemuxer(t *testing.T) {
	c := &collectLogger{}
	d := NewLogDemuxer("mds.a", []Logger{c})
	d.Write([]byte("one\ntw"))
	d.Write([]byte("o\nthree"))
	want := []string{"mds.a: one", "mds.a: two"}
	if strings.Join(c.lines, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", c.lines, want)
	}
}

func TestLocalRemote(t *testing.T) {
	ctx := context.Background()
	out, err := Run(ctx, LocalRemote{}, "echo hello")
	if err != nil || strings.TrimSpace(out) != "hello" {
		t.Fatalf("got %q, %v", out, err)
	}

	if _, err = Run(ctx, LocalRemote{}, "exit 3"); err == nil {
		t.Fatalf("expected failure")
	}

	p, err := LocalRemote{}.Run(ctx, "cat", RunOptions{NoWait: true, Stdin: true})
	if err != nil {
		t.Fatal(err)
	}
	p.Stdin.Write([]byte("piped"))
	p.CloseStdin()
	if err = p.Wait(ctx); err != nil || p.Stdout() != "piped" {
		t.Fatalf("got %q, %v", p.Stdout(), err)
	}
}

func TestLocalRemoteCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, err := LocalRemote{}.Run(ctx, "sleep 30", RunOptions{NoWait: true})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	err = p.Wait(wctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the command to be cancelled, got %v", err)
	}
	if !core.IsExpectedDisconnection(err) {
		t.Errorf("cancellation is not a disconnection: %v", err)
	}
}

func TestConnectRetries(t *testing.T) {
	var lock sync.Mutex
	var dials []string
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		lock.Lock()
		defer lock.Unlock()
		dials = append(dials, addr)
		return nil, errors.New("connection refused")
	}
	cc := newConnectionCache(nil, "22", dial, 0)
	cc.retrier = retry.Retrier{MinSleep: time.Millisecond, MaxNumRetries: 3}

	_, err := cc.Remote("mds0").Run(context.Background(), "true", RunOptions{})
	var connErr *ConnectError
	if !errors.As(err, &connErr) || connErr.Host != "mds0" {
		t.Fatalf("expected a ConnectError, got %v", err)
	}
	if len(dials) != 3 || dials[0] != "mds0:22" {
		t.Errorf("unexpected dials %v", dials)
	}
}
