// Copyright (c) 2016 Western Digital Corporation or its affiliates. All Rights Reserved
// SPDX-License-Identifier: MIT

package failimpl

import (
	"context"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/testfs/internal/remote/remotetest"
)

func TestBlockPort(t *testing.T) {
	hosts := remotetest.Pool{}
	f := NewFailer(hosts, remotetest.New("local"), IPMIConfig{})
	ctx := context.Background()

	if err := f.BlockPort(ctx, "mds0", 6800, true); err != nil {
		t.Fatal(err)
	}
	if err := f.BlockPort(ctx, "mds0", 6800, false); err != nil {
		t.Fatal(err)
	}
	scripts := hosts.Fake("mds0").Inputs("bash -s")
	if len(scripts) != 2 {
		t.Fatalf("expected two scripts, got %d", len(scripts))
	}
	for _, want := range []string{
		"sudo iptables -A OUTPUT -p tcp --sport 6800 -m comment --comment testfs-block -j REJECT",
		"sudo iptables -A INPUT -p tcp --dport 6800 -m comment --comment testfs-block -j REJECT",
	} {
		if !strings.Contains(scripts[0], want) {
			t.Errorf("block script %q lacks %q", scripts[0], want)
		}
	}
	if !strings.Contains(scripts[1], "iptables -D OUTPUT") || !strings.Contains(scripts[1], "iptables -D INPUT") {
		t.Errorf("unblock script should delete rules: %q", scripts[1])
	}

	if err := f.BlockPort(ctx, "mds0", 22, true); err == nil {
		t.Errorf("blocking ssh should be refused")
	}
}

func TestHealClearsTaggedRules(t *testing.T) {
	hosts := remotetest.Pool{}
	f := NewFailer(hosts, remotetest.New("local"), IPMIConfig{})
	if err := f.Heal(context.Background(), "mds0"); err != nil {
		t.Fatal(err)
	}
	scripts := hosts.Fake("mds0").Inputs("bash -s")
	if len(scripts) != 2 || !strings.Contains(scripts[0], "grep -v -- '--comment testfs-block'") {
		t.Fatalf("unexpected scripts %q", scripts)
	}
}

func TestPower(t *testing.T) {
	local := remotetest.New("local")
	local.On(`power status`).Return("Chassis Power is on\n")
	f := NewFailer(remotetest.Pool{}, local, IPMIConfig{User: "admin", Password: "pw", Domain: "lab.example.com"})
	ctx := context.Background()
	if err := f.PowerOff(ctx, "client1.front.example.com"); err != nil {
		t.Fatal(err)
	}
	if !local.Ran(`ipmitool -H client1\.ipmi\.lab\.example\.com -I lanplus -U admin -P pw power off`) {
		t.Errorf("unexpected commands %q", local.Calls())
	}
	if err := f.PowerCycle(ctx, "client2"); err != nil {
		t.Fatal(err)
	}
	if !local.Ran(`-H client2\.ipmi\.lab\.example\.com .* power cycle$`) {
		t.Errorf("unexpected commands %q", local.Calls())
	}
	on, err := f.PowerIsOn(ctx, "client1")
	if err != nil || !on {
		t.Errorf("expected power on, got %v %v", on, err)
	}

	if err := NewFailer(remotetest.Pool{}, local, IPMIConfig{}).PowerOn(ctx, "client1"); err == nil {
		t.Errorf("expected error without ipmi configuration")
	}
}
