// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package remotetest provides a scripted remote.Remote for tests.
package remotetest

import (
	"context"
	"io"
	"io/ioutil"
	"regexp"
	"sync"

	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// Rule describes how the fake answers commands matching a pattern.
type Rule struct {
	re       *regexp.Regexp
	stdout   string
	stderr   string
	exit     int
	lost     error
	blocking bool
	fn       func(cmd string) (stdout string, exit int)
}

// Return sets the command's stdout.
func (r *Rule) Return(stdout string) *Rule { r.stdout = stdout; return r }

// Stderr sets the command's stderr.
func (r *Rule) Stderr(stderr string) *Rule { r.stderr = stderr; return r }

// Exit sets the command's exit status.
func (r *Rule) Exit(status int) *Rule { r.exit = status; return r }

// Lose makes the command report a lost connection.
func (r *Rule) Lose(err error) *Rule { r.lost = err; return r }

// Blocking makes a command without stdin run until Fake.KillAll is called.
// Commands started with stdin always run until it's closed, or until
// KillAll if they are blocking.
func (r *Rule) Blocking() *Rule { r.blocking = true; return r }

// Do computes stdout and exit status from the command line.
func (r *Rule) Do(fn func(cmd string) (string, int)) *Rule { r.fn = fn; return r }

// Fake is a remote.Remote that answers commands from rules. Rules added
// later take precedence. Commands that match no rule succeed silently.
type Fake struct {
	host string

	lock   sync.Mutex
	rules  []*Rule
	calls  []string
	inputs map[int]string
	live   []*liveProc
}

type liveProc struct {
	p    *remote.Proc
	rule *Rule
	once sync.Once
}

func (l *liveProc) finish(exit int, err error) {
	l.once.Do(func() { l.p.Finish(exit, err) })
}

// New returns a Fake for host.
func New(host string) *Fake {
	return &Fake{host: host, inputs: make(map[int]string)}
}

// On adds a rule for commands matching the regexp pattern.
func (f *Fake) On(pattern string) *Rule {
	r := &Rule{re: regexp.MustCompile(pattern)}
	f.lock.Lock()
	f.rules = append(f.rules, r)
	f.lock.Unlock()
	return r
}

// Host implements remote.Remote.
func (f *Fake) Host() string { return f.host }

// Run implements remote.Remote.
func (f *Fake) Run(ctx context.Context, cmd string, opts remote.RunOptions) (*remote.Proc, error) {
	f.lock.Lock()
	f.calls = append(f.calls, cmd)
	idx := len(f.calls) - 1
	rule := &Rule{}
	for i := len(f.rules) - 1; i >= 0; i-- {
		if f.rules[i].re.MatchString(cmd) {
			rule = f.rules[i]
			break
		}
	}
	f.lock.Unlock()

	p := remote.NewProc(f.host, cmd, opts)
	stdout, stderr := p.OutputWriters()
	out, exit := rule.stdout, rule.exit
	if rule.fn != nil {
		out, exit = rule.fn(cmd)
	}
	io.WriteString(stdout, out)
	io.WriteString(stderr, rule.stderr)

	lp := &liveProc{p: p, rule: rule}
	if opts.Stdin {
		// Commands reading stdin end when it's closed.
		in, w := io.Pipe()
		p.Stdin = w
		if rule.blocking {
			f.track(lp)
		}
		go func() {
			data, _ := ioutil.ReadAll(in)
			f.lock.Lock()
			f.inputs[idx] = string(data)
			f.lock.Unlock()
			lp.finish(exit, rule.lost)
		}()
	} else if rule.blocking {
		f.track(lp)
	} else {
		lp.finish(exit, rule.lost)
	}
	return p.Result(ctx, opts)
}

func (f *Fake) track(lp *liveProc) {
	f.lock.Lock()
	f.live = append(f.live, lp)
	f.lock.Unlock()
}

// KillAll ends every blocking command as if the host went away.
func (f *Fake) KillAll(err error) {
	f.lock.Lock()
	live := f.live
	f.live = nil
	f.lock.Unlock()
	for _, lp := range live {
		lp.finish(-1, err)
	}
}

// End makes blocking commands matching pattern exit with status, as if
// they finished on their own.
func (f *Fake) End(pattern string, status int) {
	re := regexp.MustCompile(pattern)
	f.lock.Lock()
	var keep, end []*liveProc
	for _, lp := range f.live {
		if re.MatchString(lp.p.Command()) {
			end = append(end, lp)
		} else {
			keep = append(keep, lp)
		}
	}
	f.live = keep
	f.lock.Unlock()
	for _, lp := range end {
		lp.finish(status, nil)
	}
}

// Calls returns every command run so far.
func (f *Fake) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}

// Inputs returns what was written to the stdin of commands matching pattern,
// in the order they were run.
func (f *Fake) Inputs(pattern string) []string {
	re := regexp.MustCompile(pattern)
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []string
	for i, c := range f.calls {
		if re.MatchString(c) {
			out = append(out, f.inputs[i])
		}
	}
	return out
}

// Count returns how many commands matched pattern.
func (f *Fake) Count(pattern string) int {
	re := regexp.MustCompile(pattern)
	n := 0
	for _, c := range f.Calls() {
		if re.MatchString(c) {
			n++
		}
	}
	return n
}

// Ran returns true if any command matched pattern.
func (f *Fake) Ran(pattern string) bool {
	return f.Count(pattern) > 0
}

// Pool is a set of fakes keyed by host, satisfying the host lookup used by
// cluster and mount code.
type Pool map[string]*Fake

// Get returns the fake for host, creating it if necessary.
func (p Pool) Get(host string) remote.Remote {
	return p.Fake(host)
}

// Fake returns the concrete fake for host.
func (p Pool) Fake(host string) *Fake {
	f, ok := p[host]
	if !ok {
		f = New(host)
		p[host] = f
	}
	return f
}
