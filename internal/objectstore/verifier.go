// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objectstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/pkg/retry"
)

// Options configure a verification run.
type Options struct {
	Pool         string        // Replicated pool the objects go to.
	Prefix       string        // Object names are <Prefix><n>.
	Objects      int           // How many objects to create.
	PGNum        int           // Placement groups of the pool.
	DataDir      string        // Where reference data is kept on every host.
	LineCount    int           // Lines of reference data per object.
	Settle       time.Duration // Pause after stopping or starting OSDs.
	UpTimeout    time.Duration // How long OSDs may take to be up and in.
	PollInterval time.Duration // Period of the up and in poll.
}

// DefaultOptions returns the options of a full-size run.
func DefaultOptions(dataDir string) Options {
	return Options{
		Pool:         "rep_pool",
		Prefix:       "REPobject",
		Objects:      10,
		PGNum:        12,
		DataDir:      dataDir,
		LineCount:    10000,
		Settle:       5 * time.Second,
		UpTimeout:    10 * time.Minute,
		PollInterval: 10 * time.Second,
	}
}

// Verifier stores objects with attributes and omap data in a pool, stops
// every OSD and checks the offline tool sees and round-trips all of it:
// listing, object bytes, attributes, pg info and log, and pg export,
// removal and import. Finally it restarts the OSDs and reads the objects
// back through the cluster.
type Verifier struct {
	admin *cluster.Admin
	opts  Options
	db    *DB

	errors int32
	poolID string

	// PGs of our pool on each OSD, and those holding objects.
	pgs         map[string][]string
	lock        sync.Mutex
	withObjects map[string]bool
}

// NewVerifier returns a Verifier recording into db.
func NewVerifier(admin *cluster.Admin, db *DB, opts Options) *Verifier {
	return &Verifier{admin: admin, opts: opts, db: db, pgs: make(map[string][]string), withObjects: make(map[string]bool)}
}

// fail logs a check failure and counts it.
func (v *Verifier) fail(format string, args ...interface{}) {
	log.Errorf(format, args...)
	atomic.AddInt32(&v.errors, 1)
}

// Errors returns the number of failed checks so far.
func (v *Verifier) Errors() int {
	return int(atomic.LoadInt32(&v.errors))
}

func (v *Verifier) osds() []cluster.Daemon {
	return v.admin.Config().OSD
}

func (v *Verifier) tool(osd cluster.Daemon) Tool {
	return Tool{Cluster: v.admin.Config().Name, OSD: osd.ID}
}

// run runs cmd on host without checking its exit status.
func (v *Verifier) run(ctx context.Context, host, cmd string) (*remote.Proc, error) {
	return v.admin.Hosts().Get(host).Run(ctx, cmd, remote.RunOptions{NoCheck: true})
}

func (v *Verifier) objectName(i int) string {
	return fmt.Sprintf("%s%d", v.opts.Prefix, i)
}

func (v *Verifier) refPath(name string) string {
	return path.Join(v.opts.DataDir, name)
}

// Run performs the whole verification and returns the number of failed
// checks. An error means the run could not proceed at all.
func (v *Verifier) Run(ctx context.Context) (int, error) {
	if err := v.setup(ctx); err != nil {
		return v.Errors(), err
	}
	if err := v.mapPGs(ctx); err != nil {
		return v.Errors(), err
	}
	for _, osd := range v.osds() {
		if err := v.admin.Daemons().Stop(ctx, osd); err != nil {
			return v.Errors(), fmt.Errorf("stopping %s: %w", osd, err)
		}
	}
	if err := sleep(ctx, v.opts.Settle); err != nil {
		return v.Errors(), err
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"list", v.list},
		{"get-bytes and set-bytes", v.checkBytes},
		{"list-attrs and get-attr", v.checkAttrs},
		{"pg info", v.checkInfo},
		{"pg log", v.checkLog},
	}
	for _, s := range steps {
		log.Infof("Test %s", s.name)
		if err := s.fn(ctx); err != nil {
			return v.Errors(), err
		}
	}

	log.Infof("Test pg export")
	expErrors := v.forEachPG(ctx, func(osd cluster.Daemon, pg string) string {
		return v.tool(osd).Op("export", pg, "--file", v.exportPath(osd, pg))
	})
	log.Infof("Test pg removal")
	rmErrors := v.forEachPG(ctx, func(osd cluster.Daemon, pg string) string {
		return v.tool(osd).Op("remove", pg)
	})
	impErrors := 0
	if expErrors == 0 && rmErrors == 0 {
		log.Infof("Test pg import")
		impErrors = v.forEachPG(ctx, func(osd cluster.Daemon, pg string) string {
			return v.tool(osd).Op("import", "", "--file", v.exportPath(osd, pg))
		})
	} else {
		log.Warningf("skipping import tests due to previous failures")
	}

	if expErrors == 0 && rmErrors == 0 && impErrors == 0 {
		if err := v.verifyImported(ctx); err != nil {
			return v.Errors(), err
		}
	}

	if n := v.Errors(); n != 0 {
		log.Errorf("object store verification failed with %d errors", n)
		return n, nil
	}
	log.Infof("object store verification passed")
	return 0, nil
}

// setup creates the pool, waits for the OSDs, writes reference data to
// every host and stores the objects.
func (v *Verifier) setup(ctx context.Context) error {
	pgNum := fmt.Sprint(v.opts.PGNum)
	if _, err := v.admin.Ceph(ctx, "osd", "pool", "create", v.opts.Pool, pgNum, pgNum, "replicated"); err != nil {
		return err
	}
	out, err := v.admin.Ceph(ctx, "osd", "pool", "stats", v.opts.Pool)
	if err != nil {
		return err
	}
	// "pool <name> id <id>"
	fields := strings.Fields(out)
	if len(fields) < 4 {
		return fmt.Errorf("bad pool stats %q", out)
	}
	v.poolID = fields[3]
	log.V(1).Infof("pool %s has id %s", v.opts.Pool, v.poolID)

	if err := v.waitOSDs(ctx); err != nil {
		return err
	}
	for _, flag := range []string{"noout", "nodown"} {
		if _, err := v.admin.Ceph(ctx, "osd", "set", flag); err != nil {
			return err
		}
	}

	hosts := []string{v.admin.Config().AdminHost}
	for _, osd := range v.osds() {
		hosts = append(hosts, osd.Host)
	}
	sort.Strings(hosts)
	for i, h := range hosts {
		if i > 0 && h == hosts[i-1] {
			continue
		}
		if err := v.writeReference(ctx, h); err != nil {
			return err
		}
	}

	log.Infof("Creating %d objects in replicated pool", v.opts.Objects)
	return v.createObjects(ctx)
}

type osdStat struct {
	NumOSDs   int `json:"num_osds"`
	NumUpOSDs int `json:"num_up_osds"`
	NumInOSDs int `json:"num_in_osds"`
	OSDMap    *struct {
		NumOSDs   int `json:"num_osds"`
		NumUpOSDs int `json:"num_up_osds"`
		NumInOSDs int `json:"num_in_osds"`
	} `json:"osdmap"`
}

// waitOSDs waits until every OSD is up and in.
func (v *Verifier) waitOSDs(ctx context.Context) error {
	elapsed, err := retry.Poll(ctx, v.opts.PollInterval, v.opts.UpTimeout, func(time.Duration) (bool, error) {
		var st osdStat
		if err := v.admin.CephJSON(ctx, &st, "osd", "stat"); err != nil {
			return false, err
		}
		if m := st.OSDMap; m != nil {
			st.NumOSDs, st.NumUpOSDs, st.NumInOSDs = m.NumOSDs, m.NumUpOSDs, m.NumInOSDs
		}
		log.V(1).Infof("%d osds, %d up, %d in", st.NumOSDs, st.NumUpOSDs, st.NumInOSDs)
		return st.NumUpOSDs == st.NumOSDs && st.NumInOSDs == st.NumUpOSDs, nil
	})
	if err == retry.ErrTimeout {
		return &core.TimeoutError{Kind: core.WaitCondition, What: "all osds up and in", Elapsed: elapsed, Limit: v.opts.UpTimeout}
	}
	return err
}

func (v *Verifier) reference(name string) []byte {
	line := "This is the replicated data for " + name + "\n"
	return []byte(strings.Repeat(line, v.opts.LineCount))
}

func (v *Verifier) writeReference(ctx context.Context, host string) error {
	r := v.admin.Hosts().Get(host)
	if _, err := remote.Run(ctx, r, remote.Cmd("mkdir", "-p", v.opts.DataDir)); err != nil {
		return err
	}
	for i := 1; i <= v.opts.Objects; i++ {
		name := v.objectName(i)
		if err := remote.WriteFile(ctx, r, v.refPath(name), v.reference(name), false); err != nil {
			return err
		}
	}
	return nil
}

// createObjects stores object i with i-1 xattrs and omap values, and an
// omap header on all but the first.
func (v *Verifier) createObjects(ctx context.Context) error {
	pool := v.opts.Pool
	for i := 1; i <= v.opts.Objects; i++ {
		name := v.objectName(i)
		if _, err := v.admin.Rados(ctx, "-p", pool, "put", name, v.refPath(name)); err != nil {
			return fmt.Errorf("rados put failed: %w", err)
		}
		if err := v.db.Put(name); err != nil {
			return err
		}

		for k := 1; k < i; k++ {
			key, val := fmt.Sprintf("key%d-%d", i, k), fmt.Sprintf("val%d-%d", i, k)
			if _, err := v.admin.Rados(ctx, "-p", pool, "setxattr", name, key, val); err != nil {
				v.fail("setxattr failed with %s", err)
			}
			if err := v.db.SetXattr(name, key, val); err != nil {
				return err
			}
		}

		if i != 1 {
			hdr := fmt.Sprintf("hdr%d", i)
			if _, err := v.admin.Rados(ctx, "-p", pool, "setomapheader", name, hdr); err != nil {
				v.fail("setomapheader failed with %s", err)
			}
			if err := v.db.SetHeader(name, hdr); err != nil {
				return err
			}
		}

		for k := 1; k < i; k++ {
			key, val := fmt.Sprintf("okey%d-%d", i, k), fmt.Sprintf("oval%d-%d", i, k)
			if _, err := v.admin.Rados(ctx, "-p", pool, "setomapval", name, key, val); err != nil {
				v.fail("setomapval failed with %s", err)
			}
			if err := v.db.SetOmap(name, key, val); err != nil {
				return err
			}
		}
	}
	return nil
}

type pgStat struct {
	PGID   string `json:"pgid"`
	Acting []int  `json:"acting"`
}

type pgDump struct {
	PGStats []pgStat `json:"pg_stats"`
	PGMap   *struct {
		PGStats []pgStat `json:"pg_stats"`
	} `json:"pg_map"`
}

// mapPGs finds the placement groups of our pool on each OSD.
func (v *Verifier) mapPGs(ctx context.Context) error {
	var dump pgDump
	if err := v.admin.CephJSON(ctx, &dump, "pg", "dump"); err != nil {
		return err
	}
	stats := dump.PGStats
	if dump.PGMap != nil {
		stats = dump.PGMap.PGStats
	}
	for _, st := range stats {
		if !strings.HasPrefix(st.PGID, v.poolID+".") {
			continue
		}
		for _, osd := range st.Acting {
			id := fmt.Sprint(osd)
			v.pgs[id] = append(v.pgs[id], st.PGID)
		}
	}
	log.Infof("placement groups by osd: %v", v.pgs)
	return nil
}

// list runs "--op list" on every pg of every OSD, OSDs in parallel, and
// records where each object lives.
func (v *Verifier) list(ctx context.Context) error {
	var g errgroup.Group
	for _, osd := range v.osds() {
		osd := osd
		g.Go(func() error {
			log.Infof("process %s on %s", osd, osd.Host)
			for _, pg := range v.pgs[osd.ID] {
				p, err := v.run(ctx, osd.Host, v.tool(osd).Op("list", pg))
				if err != nil {
					return err
				}
				if p.ExitStatus() != 0 {
					v.fail("bad exit status %d from --op list request", p.ExitStatus())
					continue
				}
				if err := v.recordListing(pg, p.Stdout()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	names, err := v.db.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		if o, err := v.db.Get(name); err != nil {
			return err
		} else if o.PGID == "" {
			v.fail("object %s not listed by any osd", name)
		}
	}
	return nil
}

func (v *Verifier) recordListing(pg, out string) error {
	listed, err := ParseList(out)
	if err != nil {
		v.fail("%s", err)
		return nil
	}
	if len(listed) == 0 {
		return nil
	}
	// All copies of a pg are the same, later listings just overwrite.
	v.lock.Lock()
	v.withObjects[pg] = true
	v.lock.Unlock()
	for _, l := range listed {
		ok, err := v.db.SetLocation(l.OID, pg, l.JSON)
		if err != nil {
			return err
		}
		if !ok {
			log.Warningf("ignoring unknown object %s in pg %s", l.OID, pg)
		}
	}
	return nil
}

// holders returns the OSDs holding pg.
func (v *Verifier) holders(pg string) (ret []cluster.Daemon) {
	for _, osd := range v.osds() {
		for _, p := range v.pgs[osd.ID] {
			if p == pg {
				ret = append(ret, osd)
				break
			}
		}
	}
	return
}

// forEachObjectCopy calls fn for every listed object on every OSD holding it.
func (v *Verifier) forEachObjectCopy(ctx context.Context, fn func(o *Object, osd cluster.Daemon) error) error {
	names, err := v.db.Names()
	if err != nil {
		return err
	}
	for _, name := range names {
		o, err := v.db.Get(name)
		if err != nil {
			return err
		}
		if o.PGID == "" {
			continue
		}
		for _, osd := range v.holders(o.PGID) {
			if err := fn(o, osd); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkBytes reads each copy back, overwrites it, reads the overwrite back
// and restores the original.
func (v *Verifier) checkBytes(ctx context.Context) error {
	getName, setName := path.Join(v.opts.DataDir, "get"), path.Join(v.opts.DataDir, "set")
	return v.forEachObjectCopy(ctx, func(o *Object, osd cluster.Daemon) error {
		t, host, ref := v.tool(osd), osd.Host, v.refPath(o.Name)

		p, err := v.run(ctx, host, t.Object(o.PGID, o.JSON, "get-bytes", getName))
		if err != nil {
			return err
		}
		if p.ExitStatus() != 0 {
			v.run(ctx, host, remote.Cmd("rm", "-f", getName))
			v.fail("bad exit status %d from get-bytes of %s on %s", p.ExitStatus(), o.Name, osd)
			return nil
		}
		if p, err = v.run(ctx, host, remote.Cmd("diff", "-q", ref, getName)); err != nil {
			return err
		} else if p.ExitStatus() != 0 {
			v.fail("data from get-bytes of %s on %s differ", o.Name, osd)
		}
		v.run(ctx, host, remote.Cmd("rm", "-f", getName))

		data := "put-bytes going into " + ref + "\n"
		if err := remote.WriteFile(ctx, v.admin.Hosts().Get(host), setName, []byte(data), false); err != nil {
			return err
		}
		if p, err = v.run(ctx, host, t.Object(o.PGID, o.JSON, "set-bytes", setName)); err != nil {
			return err
		} else if p.ExitStatus() != 0 {
			v.fail("set-bytes failed for object %s in pg %s %s ret=%d", o.Name, o.PGID, osd, p.ExitStatus())
		}

		if p, err = v.run(ctx, host, t.Object(o.PGID, o.JSON, "get-bytes", "-")); err != nil {
			return err
		} else if p.ExitStatus() != 0 {
			v.fail("get-bytes after set-bytes ret=%d", p.ExitStatus())
		} else if p.Stdout() != data {
			v.fail("data inconsistent after set-bytes, got: %q", p.Stdout())
		}

		if p, err = v.run(ctx, host, t.Object(o.PGID, o.JSON, "set-bytes", ref)); err != nil {
			return err
		} else if p.ExitStatus() != 0 {
			v.fail("set-bytes failed for object %s in pg %s %s ret=%d", o.Name, o.PGID, osd, p.ExitStatus())
		}
		return nil
	})
}

// checkAttrs compares the attributes of each copy with those we set.
func (v *Verifier) checkAttrs(ctx context.Context) error {
	return v.forEachObjectCopy(ctx, func(o *Object, osd cluster.Daemon) error {
		t, host := v.tool(osd), osd.Host
		p, err := v.run(ctx, host, t.Object(o.PGID, o.JSON, "list-attrs"))
		if err != nil {
			return err
		}
		if p.ExitStatus() != 0 {
			v.fail("bad exit status %d from list-attrs of %s", p.ExitStatus(), o.Name)
			return nil
		}
		values := make(map[string]string)
		for k, val := range o.Xattrs {
			values[k] = val
		}
		for _, key := range strings.Fields(p.Stdout()) {
			if key == "_" || key == "snapset" {
				continue
			}
			key = strings.Trim(key, "_")
			exp, ok := values[key]
			if !ok {
				v.fail("the key %s of %s should not be present", key, o.Name)
				continue
			}
			delete(values, key)
			ap, err := v.run(ctx, host, t.Object(o.PGID, o.JSON, "get-attr", "_"+key))
			if err != nil {
				return err
			}
			if ap.ExitStatus() != 0 {
				v.fail("get-attr failed with %d", ap.ExitStatus())
				continue
			}
			if got := ap.Stdout(); got != exp {
				v.fail("for key %s got value %q instead of %q", key, got, exp)
			}
		}
		if len(values) != 0 {
			v.fail("not all keys of %s found, remaining keys: %v", o.Name, values)
		}
		return nil
	})
}

func (v *Verifier) checkInfo(ctx context.Context) error {
	return v.forEachPGCheck(ctx, "info", func(pg, out string) {
		if !strings.Contains(out, pg) {
			v.fail("bad data from info of %s: %s", pg, out)
		}
	})
}

// checkLog checks that exactly the pgs holding objects logged a modify.
func (v *Verifier) checkLog(ctx context.Context) error {
	return v.forEachPGCheck(ctx, "log", func(pg, out string) {
		hasObj := v.withObjects[pg]
		if modObj := strings.Contains(out, "modify"); hasObj != modObj {
			not := ""
			if !hasObj {
				not = "NOT "
			}
			v.fail("bad log for pg %s, it should %shave a modify entry", pg, not)
		}
	})
}

// forEachPGCheck runs a pg operation on every pg of every OSD and passes
// successful output to check.
func (v *Verifier) forEachPGCheck(ctx context.Context, op string, check func(pg, out string)) error {
	for _, osd := range v.osds() {
		for _, pg := range v.pgs[osd.ID] {
			p, err := v.run(ctx, osd.Host, v.tool(osd).Op(op, pg))
			if err != nil {
				return err
			}
			if p.ExitStatus() != 0 {
				v.fail("--op %s failed for pg %s on %s with %d", op, pg, osd, p.ExitStatus())
				continue
			}
			check(pg, p.Stdout())
		}
	}
	return nil
}

// forEachPG runs the command built by cmd for every pg of every OSD and
// returns how many failed.
func (v *Verifier) forEachPG(ctx context.Context, cmd func(osd cluster.Daemon, pg string) string) int {
	failed := 0
	for _, osd := range v.osds() {
		for _, pg := range v.pgs[osd.ID] {
			c := cmd(osd, pg)
			p, err := v.run(ctx, osd.Host, c)
			if err == nil && p.ExitStatus() != 0 {
				err = fmt.Errorf("exit status %d", p.ExitStatus())
			}
			if err != nil {
				v.fail("%q on %s failed: %s", c, osd, err)
				failed++
			}
		}
	}
	return failed
}

func (v *Verifier) exportPath(osd cluster.Daemon, pg string) string {
	return path.Join(v.opts.DataDir, fmt.Sprintf("osd%s.%s", osd.ID, pg))
}

// verifyImported restarts the OSDs and reads every object back through the
// cluster.
func (v *Verifier) verifyImported(ctx context.Context) error {
	log.Infof("Restarting OSDs....")
	for _, osd := range v.osds() {
		if err := v.admin.Daemons().Start(ctx, osd); err != nil {
			return fmt.Errorf("starting %s: %w", osd, err)
		}
	}
	if err := sleep(ctx, v.opts.Settle); err != nil {
		return err
	}

	log.Infof("Verify replicated import data")
	adminHost := v.admin.Config().AdminHost
	testName := path.Join(v.opts.DataDir, "gettest")
	for i := 1; i <= v.opts.Objects; i++ {
		name := v.objectName(i)
		if _, err := v.admin.Rados(ctx, "-p", v.opts.Pool, "get", name, testName); err != nil {
			v.fail("after import, rados get of %s failed with %s", name, err)
			continue
		}
		p, err := v.run(ctx, adminHost, remote.Cmd("diff", "-q", testName, v.refPath(name)))
		if err != nil {
			return err
		}
		if p.ExitStatus() != 0 {
			v.fail("data comparison failed for %s", name)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
