// Copyright (c) 2016 Western Digital Corporation or its affiliates. All Rights Reserved
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"fmt"
	"strings"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

const (
	// The special environment variable that is used to identify the chaos
	// processes that were started by the harness.
	evilEnv = "_proc_tag=testfs"
)

// IPMIConfig holds the credentials for out-of-band power control.
type IPMIConfig struct {
	User     string
	Password string
	Domain   string // BMC names are <short host>.ipmi.<Domain>.
}

// Failer provides recipes of chaos that can be injected to cluster hosts.
// Recipes run over the hosts' Remotes, some of them under sudo, so the
// remote user must have sudo privileges. Power control runs ipmitool on the
// harness host.
//
// Network recipes never touch the ssh port so hosts can still be reached to
// clean up.
type Failer struct {
	hosts remote.Hosts
	local remote.Remote
	ipmi  IPMIConfig
}

// NewFailer creates a new Failer.
func NewFailer(hosts remote.Hosts, local remote.Remote, ipmi IPMIConfig) *Failer {
	return &Failer{hosts: hosts, local: local, ipmi: ipmi}
}

// BlockPort adds (on) or deletes (!on) rules on 'host' that reject all TCP
// traffic to and from its local 'port'. Rules are tagged so ClearTagged can
// remove them.
func (f *Failer) BlockPort(ctx context.Context, host string, port int, on bool) error {
	if port == 22 {
		return fmt.Errorf("can't block port 22")
	}
	action, verb := "-D", "Unblocking"
	if on {
		action, verb = "-A", "Blocking"
	}
	rule := "-p tcp %s %d -m comment --comment " + core.FirewallTag + " -j REJECT"
	script := fmt.Sprintf("sudo iptables %s OUTPUT "+rule+"\nsudo iptables %s INPUT "+rule+"\n",
		action, "--sport", port, action, "--dport", port)
	log.V(1).Infof("%s port number %d on host %s", verb, port, host)
	return f.runScript(ctx, host, script, "")
}

// ClearTagged removes every rule installed by BlockPort on 'host', leaving
// other rules alone.
func (f *Failer) ClearTagged(ctx context.Context, host string) error {
	script := fmt.Sprintf("sudo iptables-save | grep -v -- '--comment %s' | sudo iptables-restore\n", core.FirewallTag)
	log.V(1).Infof("Clearing tagged firewall rules on host %s", host)
	return f.runScript(ctx, host, script, "")
}

// KillTask kills a task on a remote machine.
func (f *Failer) KillTask(ctx context.Context, host, task string) error {
	log.V(1).Infof("Killing task %s on host %s", task, host)
	return f.runWithEvilTag(ctx, host, "sudo pkill -x "+remote.Quote(task)+" || true")
}

// Heal clears tagged firewall rules and kills every tagged process on 'host'.
func (f *Failer) Heal(ctx context.Context, host string) error {
	if err := f.ClearTagged(ctx, host); err != nil {
		return err
	}
	script := `
for pid in $(ls /proc | egrep '^[0-9]+$'); do
  if [ -f /proc/$pid/environ ]; then
    if sudo cat /proc/$pid/environ 2>/dev/null | tr '\0' '\n' | grep -qx %s; then
      sudo kill -SIGKILL $pid
    fi
  fi
done
true
`
	log.V(1).Infof("Healing host %s", host)
	return f.runScript(ctx, host, fmt.Sprintf(script, evilEnv), "")
}

// PowerOff cuts power to 'host' through its BMC.
func (f *Failer) PowerOff(ctx context.Context, host string) error {
	log.Infof("Powering off host %s", host)
	_, err := f.ipmitool(ctx, host, "power", "off")
	return err
}

// PowerOn powers 'host' back on through its BMC.
func (f *Failer) PowerOn(ctx context.Context, host string) error {
	log.Infof("Powering on host %s", host)
	_, err := f.ipmitool(ctx, host, "power", "on")
	return err
}

// PowerCycle turns 'host' off and on again in one BMC request.
func (f *Failer) PowerCycle(ctx context.Context, host string) error {
	log.Infof("Power cycling host %s", host)
	_, err := f.ipmitool(ctx, host, "power", "cycle")
	return err
}

// PowerIsOn reports whether the BMC says 'host' is powered.
func (f *Failer) PowerIsOn(ctx context.Context, host string) (bool, error) {
	out, err := f.ipmitool(ctx, host, "power", "status")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "is on"), nil
}

func (f *Failer) ipmitool(ctx context.Context, host string, args ...string) (string, error) {
	if f.ipmi.Domain == "" {
		return "", fmt.Errorf("no ipmi domain configured, can't control power of %s", host)
	}
	short := host
	if i := strings.IndexByte(host, '.'); i > 0 {
		short = host[:i]
	}
	argv := append([]string{"ipmitool", "-H", short + ".ipmi." + f.ipmi.Domain,
		"-I", "lanplus", "-U", f.ipmi.User, "-P", f.ipmi.Password}, args...)
	return remote.Run(ctx, f.local, remote.Cmd(argv...))
}

// Runs a shell script on a remote machine, tagging it and every process
// spawned under it so that Heal can find them.
func (f *Failer) runWithEvilTag(ctx context.Context, host, script string) error {
	return f.runScript(ctx, host, script, evilEnv)
}

// Runs a shell script on a remote machine by feeding it to bash on stdin, and
// waits for it to finish.
func (f *Failer) runScript(ctx context.Context, host, script, env string) error {
	cmd := "bash -s"
	if env != "" {
		cmd = "env " + env + " " + cmd
	}
	r := f.hosts.Get(host)
	p, err := r.Run(ctx, cmd, remote.RunOptions{NoWait: true, Stdin: true})
	if err != nil {
		return err
	}
	if _, err = p.Stdin.Write([]byte(script)); err != nil {
		p.CloseStdin()
		return fmt.Errorf("sending script to %s: %w", host, err)
	}
	p.CloseStdin()
	return p.Wait(ctx)
}
