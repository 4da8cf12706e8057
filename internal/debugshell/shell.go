// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package debugshell provides an interactive failure handler: when a
// scenario fails it stops the run and lets the operator inspect and poke
// the cluster before teardown.
package debugshell

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/testfs/internal/failimpl"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/internal/testfs"
)

const prompt = "(testfs) "

// LineReader reads command lines. *liner.State implements it.
type LineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// Handler is a testfs.FailureHandler that starts a shell on each failure.
// The run continues with teardown once the shell exits.
type Handler struct {
	// NewReader returns the source of command lines. If nil a terminal
	// line editor is used.
	NewReader func() LineReader
	// Out is where command output goes, os.Stdout if nil.
	Out io.Writer
	// Failer, if set, enables the heal, pkill and power commands.
	Failer *failimpl.Failer
}

// HandleFailure implements testfs.FailureHandler.
func (h *Handler) HandleFailure(ctx context.Context, rc *testfs.RunContext, f *testfs.Failure) {
	out := h.Out
	if out == nil {
		out = os.Stdout
	}
	var r LineReader
	if h.NewReader != nil {
		r = h.NewReader()
	} else {
		r = newLiner()
	}
	defer r.Close()

	s := newShell(ctx, rc, f, out)
	s.failer = h.Failer
	fmt.Fprintf(out, "%s.%s failed: %s\nType 'help' for commands, 'continue' to tear down and go on.\n", f.Suite, f.Test, f.Err)
	for {
		input, err := r.Prompt(prompt)
		if err != nil {
			if err != io.EOF {
				log.Errorf("error: %v", err)
			}
			return
		}
		quit, err := s.dispatch(input)
		if quit {
			return
		}
		if err == nil && strings.TrimSpace(input) != "" {
			r.AppendHistory(input)
		}
	}
}

func newLiner() *liner.State {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	l.SetCompleter(func(line string) (c []string) {
		for _, name := range commandNames() {
			if strings.HasPrefix(name, line) {
				c = append(c, name)
			}
		}
		return
	})
	return l
}

// shell holds what commands act on.
type shell struct {
	ctx     context.Context
	rc      *testfs.RunContext
	failure *testfs.Failure
	out     io.Writer
	app     *cli.App
	failer  *failimpl.Failer
}

func newShell(ctx context.Context, rc *testfs.RunContext, f *testfs.Failure, out io.Writer) *shell {
	s := &shell{ctx: ctx, rc: rc, failure: f, out: out}

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	app := cli.NewApp()
	app.Name = "testfs"
	app.Usage = "inspect the cluster after a failed scenario"
	app.HideVersion = true
	app.Writer = out
	app.ErrWriter = out
	app.CommandNotFound = func(c *cli.Context, name string) {
		fmt.Fprintf(out, "unknown command %q, try 'help'\n", name)
	}
	app.Commands = s.commands()
	s.app = app
	return s
}

func (s *shell) commands() []cli.Command {
	return []cli.Command{
		{
			Name:   "error",
			Usage:  "Prints the error the scenario failed with.",
			Action: s.cmdError,
		},
		{
			Name:   "diag",
			Usage:  "Prints the diagnostics collected at failure time.",
			Action: s.cmdDiag,
		},
		{
			Name:    "sessions",
			Aliases: []string{"ls"},
			Usage:   "Lists the client sessions of the metadata daemon.",
			Action:  s.cmdSessions,
		},
		{
			Name:   "state",
			Usage:  "Prints the state of the metadata daemon.",
			Action: s.cmdState,
		},
		{
			Name:            "asok",
			SkipFlagParsing: true,
			Usage:           "Runs an admin socket command on the metadata daemon.",
			ArgsUsage:       "<command> [args...]",
			Action:          s.cmdAsok,
		},
		{
			Name:      "evict",
			Usage:     "Evicts a client session.",
			ArgsUsage: "<session id>",
			Action:    s.cmdEvict,
		},
		{
			Name:      "block",
			Usage:     "Blocks or unblocks client traffic to the metadata hosts.",
			ArgsUsage: "on|off",
			Action:    s.cmdBlock,
		},
		{
			Name:   "mounts",
			Usage:  "Lists the client mounts and their background operations.",
			Action: s.cmdMounts,
		},
		{
			Name:            "run",
			SkipFlagParsing: true,
			Usage:           "Runs a shell command in the mountpoint of a client.",
			ArgsUsage:       "<client id> <command...>",
			Action:          s.cmdRun,
		},
		{
			Name:      "heal",
			Usage:     "Clears injected firewall rules and kills injected processes on a host.",
			ArgsUsage: "<host>",
			Action:    s.cmdHeal,
		},
		{
			Name:      "pkill",
			Usage:     "Kills processes by exact name on a host.",
			ArgsUsage: "<host> <name>",
			Action:    s.cmdPkill,
		},
		{
			Name:      "power",
			Usage:     "Controls the power of a host through its BMC.",
			ArgsUsage: "<host> on|off|cycle|status",
			Action:    s.cmdPower,
		},
		{
			Name:            "host",
			SkipFlagParsing: true,
			Usage:           "Runs a shell command on a host.",
			ArgsUsage:       "<host> <command...>",
			Action:          s.cmdHost,
		},
	}
}

// commandNames returns every command the shell understands.
func commandNames() []string {
	names := []string{"continue", "exit", "help"}
	for _, c := range (&shell{}).commands() {
		names = append(names, c.Name)
	}
	return names
}

// dispatch runs one input line. It returns true when the shell should exit.
func (s *shell) dispatch(input string) (bool, error) {
	// Split with shell-style rules for quoting and commenting.
	args, err := shlex.Split(input)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return false, err
	}
	if len(args) == 0 {
		return false, nil
	}
	switch args[0] {
	case "continue", "c", "exit", "quit":
		return true, nil
	}
	if err := s.app.Run(append([]string{s.app.Name}, args...)); err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return false, err
	}
	return false, nil
}

func (s *shell) cmdError(c *cli.Context) error {
	fmt.Fprintf(s.out, "%s.%s: %s\n", s.failure.Suite, s.failure.Test, s.failure.Err)
	return nil
}

func (s *shell) cmdDiag(c *cli.Context) error {
	fmt.Fprintln(s.out, s.failure.Diagnostics)
	return nil
}

func (s *shell) cmdSessions(c *cli.Context) error {
	sessions, err := s.rc.Sessions.ListSessions(s.ctx)
	if err != nil {
		return err
	}
	for _, ss := range sessions {
		fmt.Fprintf(s.out, "%d\t%s\tcaps=%d\t%s\n", ss.ID, ss.State, ss.NumCaps, ss.Inst)
	}
	fmt.Fprintf(s.out, "%d sessions\n", len(sessions))
	return nil
}

func (s *shell) cmdState(c *cli.Context) error {
	state, err := s.rc.FS.MDSState(s.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, state)
	return nil
}

func (s *shell) cmdAsok(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("asok needs a command")
	}
	raw, err := s.rc.FS.MDSAsok(s.ctx, c.Args()...)
	if err != nil {
		return err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(s.out, string(raw))
		return nil
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(s.out, string(pretty))
	return nil
}

func (s *shell) cmdEvict(c *cli.Context) error {
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("bad session id %q", c.Args().First())
	}
	return s.rc.FS.EvictSession(s.ctx, id)
}

func (s *shell) cmdBlock(c *cli.Context) error {
	switch c.Args().First() {
	case "on":
		return s.rc.FS.SetClientsBlock(s.ctx, true)
	case "off":
		return s.rc.FS.SetClientsBlock(s.ctx, false)
	}
	return fmt.Errorf("block takes on or off")
}

func (s *shell) cmdMounts(c *cli.Context) error {
	for _, m := range s.rc.Mounts {
		mounted, err := m.IsMounted(s.ctx)
		state := fmt.Sprint(mounted)
		if err != nil {
			state = err.Error()
		}
		fmt.Fprintf(s.out, "%s\tmounted=%s\n", m, state)
		for _, p := range m.Background() {
			fmt.Fprintf(s.out, "\t%q finished=%v\n", p.Command(), p.Finished())
		}
	}
	return nil
}

func (s *shell) mount(id string) (mount.Mount, error) {
	for _, m := range s.rc.Mounts {
		if m.ClientID() == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no client %q", id)
}

func (s *shell) cmdRun(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("run needs a client id and a command")
	}
	m, err := s.mount(c.Args().First())
	if err != nil {
		return err
	}
	p, err := m.RunShell(s.ctx, strings.Join(c.Args().Tail(), " "))
	s.printProc(p)
	return err
}

func (s *shell) cmdHost(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("host needs a host name and a command")
	}
	r := s.rc.Remote(c.Args().First())
	if r == nil {
		return fmt.Errorf("no remote access to hosts")
	}
	p, err := r.Run(s.ctx, strings.Join(c.Args().Tail(), " "), remote.RunOptions{NoCheck: true})
	s.printProc(p)
	if err == nil && p.ExitStatus() != 0 {
		err = fmt.Errorf("exit status %d", p.ExitStatus())
	}
	return err
}

func (s *shell) requireFailer(c *cli.Context, args int) error {
	if s.failer == nil {
		return fmt.Errorf("no fault injection available")
	}
	if c.NArg() != args {
		return fmt.Errorf("%s takes %d arguments", c.Command.Name, args)
	}
	return nil
}

func (s *shell) cmdHeal(c *cli.Context) error {
	if err := s.requireFailer(c, 1); err != nil {
		return err
	}
	return s.failer.Heal(s.ctx, c.Args().First())
}

func (s *shell) cmdPkill(c *cli.Context) error {
	if err := s.requireFailer(c, 2); err != nil {
		return err
	}
	return s.failer.KillTask(s.ctx, c.Args().Get(0), c.Args().Get(1))
}

func (s *shell) cmdPower(c *cli.Context) error {
	if err := s.requireFailer(c, 2); err != nil {
		return err
	}
	host := c.Args().Get(0)
	switch c.Args().Get(1) {
	case "on":
		return s.failer.PowerOn(s.ctx, host)
	case "off":
		return s.failer.PowerOff(s.ctx, host)
	case "cycle":
		return s.failer.PowerCycle(s.ctx, host)
	case "status":
		on, err := s.failer.PowerIsOn(s.ctx, host)
		if err != nil {
			return err
		}
		state := "off"
		if on {
			state = "on"
		}
		fmt.Fprintf(s.out, "%s is %s\n", host, state)
		return nil
	}
	return fmt.Errorf("power takes on, off, cycle or status")
}

func (s *shell) printProc(p *remote.Proc) {
	if p == nil {
		return
	}
	io.WriteString(s.out, p.Stdout())
	io.WriteString(s.out, p.Stderr())
}
