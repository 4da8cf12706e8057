// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objectstore

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/remote/remotetest"
)

type fakeDaemons struct {
	lock    sync.Mutex
	actions []string
}

func (f *fakeDaemons) record(verb string, d cluster.Daemon) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.actions = append(f.actions, verb+" "+d.Name())
	return nil
}

func (f *fakeDaemons) Start(ctx context.Context, d cluster.Daemon) error   { return f.record("start", d) }
func (f *fakeDaemons) Stop(ctx context.Context, d cluster.Daemon) error    { return f.record("stop", d) }
func (f *fakeDaemons) Restart(ctx context.Context, d cluster.Daemon) error { return f.record("restart", d) }
func (f *fakeDaemons) Running(ctx context.Context, d cluster.Daemon) (bool, error) {
	return true, nil
}

const dataDir = "/data"

var pgArg = regexp.MustCompile(`--pgid (\S+)`)

func objJSON(name string) string {
	return `{"oid":"` + name + `","key":"","snapid":-2,"pool":3}`
}

// newTestCluster returns a cluster of two OSDs sharing both pgs of pool 3,
// whose tool behaves as a healthy store holding two objects in pg 3.0.
func newTestCluster() (*cluster.Admin, remotetest.Pool, *fakeDaemons) {
	hosts := remotetest.Pool{}
	cfg := &cluster.Config{
		Name:      "ceph",
		AdminHost: "mon0",
		OSD: []cluster.Daemon{
			{Type: "osd", ID: "0", Host: "osd0"},
			{Type: "osd", ID: "1", Host: "osd1"},
		},
	}

	mon := hosts.Fake("mon0")
	mon.On(`osd pool stats`).Return("pool rep_pool id 3\n  nothing is going on\n")
	mon.On(`osd stat`).Return(`{"num_osds":2,"num_up_osds":2,"num_in_osds":2}`)
	mon.On(`pg dump`).Return(`{"pg_stats":[
		{"pgid":"3.0","acting":[0,1]},
		{"pgid":"3.1","acting":[1,0]},
		{"pgid":"2.0","acting":[0,1]}]}`)

	for _, host := range []string{"osd0", "osd1"} {
		f := hosts.Fake(host)
		f.On(`--op list --pgid 3\.0`).Return(objJSON("REPobject1") + "\n" + objJSON("REPobject2") + "\n")
		f.On(`--op info`).Do(func(cmd string) (string, int) {
			return `{"pgid":"` + pgArg.FindStringSubmatch(cmd)[1] + `"}`, 0
		})
		f.On(`--op log --pgid 3\.0`).Return(`{"log":[{"op":"modify"}]}`)
		f.On(`get-bytes -$`).Do(func(cmd string) (string, int) {
			name := regexp.MustCompile(`"oid":"(\w+)"`).FindStringSubmatch(cmd)[1]
			return "put-bytes going into " + dataDir + "/" + name + "\n", 0
		})
		f.On(`list-attrs$`).Do(func(cmd string) (string, int) {
			if strings.Contains(cmd, "REPobject2") {
				return "_\n_key2-1\nsnapset\n", 0
			}
			return "_\nsnapset\n", 0
		})
		f.On(`get-attr _key2-1$`).Return("val2-1")
	}

	daemons := &fakeDaemons{}
	return cluster.NewAdmin(cfg, hosts, daemons), hosts, daemons
}

func testOptions() Options {
	opts := DefaultOptions(dataDir)
	opts.Objects = 2
	opts.LineCount = 3
	opts.Settle = time.Millisecond
	opts.PollInterval = time.Millisecond
	opts.UpTimeout = time.Second
	return opts
}

func runVerifier(t *testing.T, admin *cluster.Admin) (*Verifier, int) {
	db, err := NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	v := NewVerifier(admin, db, testOptions())
	errs, err := v.Run(context.Background())
	require.NoError(t, err)
	return v, errs
}

func TestVerifierHealthy(t *testing.T) {
	admin, hosts, daemons := newTestCluster()
	v, errs := runVerifier(t, admin)
	require.Equal(t, 0, errs)

	mon := hosts.Fake("mon0")
	require.True(t, mon.Ran(`osd pool create rep_pool 12 12 replicated`))
	require.True(t, mon.Ran(`osd set noout`))
	require.Equal(t, 1, mon.Count(`rados .*setomapheader`))
	require.Equal(t, 1, mon.Count(`rados .*setxattr REPobject2 key2-1 val2-1`))
	require.Equal(t, 2, mon.Count(`rados .*-p rep_pool get`))

	// Reference data reaches every host.
	require.Equal(t, []string{"This is the replicated data for REPobject1\n" +
		"This is the replicated data for REPobject1\n" +
		"This is the replicated data for REPobject1\n"}, hosts.Fake("osd1").Inputs(`/data/REPobject1$`))

	for _, host := range []string{"osd0", "osd1"} {
		f := hosts.Fake(host)
		require.Equal(t, 2, f.Count(`--op export`))
		require.Equal(t, 2, f.Count(`--op remove`))
		require.Equal(t, 2, f.Count(`--op import --file /data/osd[01]\.3\.[01]`))
		require.False(t, f.Ran(`--pgid 2\.0`))
	}
	require.Equal(t, []string{"stop osd.0", "stop osd.1", "start osd.0", "start osd.1"}, daemons.actions)

	o, err := v.db.Get("REPobject2")
	require.NoError(t, err)
	require.Equal(t, "3.0", o.PGID)
	require.Equal(t, "hdr2", o.Header)
}

func TestVerifierBadLog(t *testing.T) {
	// Every pg claims a modify, including the empty one.
	admin, hosts, _ := newTestCluster()
	for _, host := range []string{"osd0", "osd1"} {
		hosts.Fake(host).On(`--op log`).Return("modify")
	}
	_, errs := runVerifier(t, admin)
	require.Equal(t, 2, errs)
}

func TestVerifierExportFailureSkipsImport(t *testing.T) {
	admin, hosts, daemons := newTestCluster()
	hosts.Fake("osd1").On(`--op export`).Exit(1)
	_, errs := runVerifier(t, admin)
	require.Equal(t, 2, errs)

	for _, host := range []string{"osd0", "osd1"} {
		require.False(t, hosts.Fake(host).Ran(`--op import`))
	}
	require.Equal(t, []string{"stop osd.0", "stop osd.1"}, daemons.actions)
}

func TestVerifierMissingObject(t *testing.T) {
	admin, hosts, _ := newTestCluster()
	for _, host := range []string{"osd0", "osd1"} {
		hosts.Fake(host).On(`--op list --pgid 3\.0`).Return(objJSON("REPobject1") + "\n")
	}
	_, errs := runVerifier(t, admin)
	require.Equal(t, 1, errs)
}
