// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/westerndigitalcorporation/testfs/internal/cluster"
	"github.com/westerndigitalcorporation/testfs/internal/config"
	"github.com/westerndigitalcorporation/testfs/internal/debugshell"
	"github.com/westerndigitalcorporation/testfs/internal/failimpl"
	"github.com/westerndigitalcorporation/testfs/internal/metrics"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/objectstore"
	"github.com/westerndigitalcorporation/testfs/internal/remote"
	"github.com/westerndigitalcorporation/testfs/internal/results"
	"github.com/westerndigitalcorporation/testfs/internal/testfs"
)

// Flags for config parameters.
var (
	configFile  = flag.String("config", "testfs.yaml", "Run file describing the cluster under test")
	suiteName   = flag.String("suite", "recovery", "Suite to run: recovery, limits or objectstore")
	testPattern = flag.String("tests", ".*", "Regex matching tests to run")
	interactive = flag.Bool("interactive", false, "Start a debug shell when a test fails, before its teardown")
	resultsDB   = flag.String("results_db", "", "If set, record results in this boltdb file")
	metricsAddr = flag.String("metrics_addr", "", "If set, serve prometheus metrics on this address while running")
	history     = flag.Bool("history", false, "Print the runs recorded in -results_db and exit")
	logDir      = flag.String("client_log_dir", "", "If set, save the output of userspace clients in this directory")
)

func main() {
	flag.Parse()

	// Set ourself to log to stderr.
	flag.Set("logtostderr", "true")

	if *history {
		if err := printHistory(*resultsDB); err != nil {
			log.Fatalf("%s", err)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("%s", err)
	}
	if *logDir != "" {
		if err := os.MkdirAll(*logDir, 0755); err != nil {
			log.Fatalf("%s", err)
		}
	}

	// Cancel the run on INT or TERM so teardown still happens.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Errorf("interrupted, stopping after the current step")
		cancel()
	}()

	if *metricsAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Errorf("metrics server: %s", http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	ok, err := run(ctx, cfg)
	cancel()
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) (bool, error) {
	cache, err := remote.NewConnectionCache(cfg.RemoteConfig())
	if err != nil {
		return false, err
	}
	hosts := remote.NewPool(cache)
	defer hosts.Close()

	topo := cfg.Topology()
	admin := cluster.NewAdmin(topo, hosts, cluster.NewSystemdManager(hosts, topo.Name, cfg.Cluster.UnitTemplate))
	failer := failimpl.NewFailer(hosts, remote.LocalRemote{}, cfg.PowerConfig())

	var store *results.Store
	if *resultsDB != "" {
		if store, err = results.Open(*resultsDB); err != nil {
			return false, err
		}
		defer store.Close()
	}

	if *suiteName == "objectstore" {
		return runObjectStore(ctx, cfg, admin, store)
	}

	fs, err := cluster.NewFilesystem(admin, failer)
	if err != nil {
		return false, err
	}
	if cfg.Timeouts.PollInterval != 0 {
		fs.PollInterval = cfg.Timeouts.PollInterval
	}

	testCfg := testfs.DefaultTestConfig()
	testCfg.TestPattern = *testPattern
	testCfg.Interactive = *interactive
	override(&testCfg.PollInterval, cfg.Timeouts.PollInterval)
	override(&testCfg.ReapTimeout, cfg.Timeouts.ReapTimeout)
	override(&testCfg.RestartGrace, cfg.Timeouts.RestartGrace)
	override(&testCfg.EvictGrace, cfg.Timeouts.EvictGrace)
	override(&testCfg.VisibleTimeout, cfg.Timeouts.VisibleTimeout)

	rc := testfs.NewRunContext(fs, newMounts(cfg, hosts, failer), testCfg)
	rc.Hosts = hosts
	if testCfg.Interactive {
		rc.Handler = &debugshell.Handler{Failer: failer}
	}

	var suite testfs.Suite
	switch *suiteName {
	case "recovery":
		suite = testfs.NewRecoverySuite(rc)
	case "limits":
		suite = testfs.NewLimitsSuite(rc)
	default:
		return false, fmt.Errorf("unknown suite %q", *suiteName)
	}

	// Only the recovery scenarios cut the first client off the metadata
	// daemons, which must not cut off the harness's own access to them.
	if err := testfs.CheckTopology(rc.Mounts, fs.GetMDSHostnames(), suite.Name() == "recovery"); err != nil {
		return false, err
	}
	if err := rc.LoadTimeouts(ctx); err != nil {
		return false, err
	}
	if store != nil {
		if rc.RunID, err = store.BeginRun(suite.Name()); err != nil {
			return false, err
		}
		rc.Results = store
		log.Infof("recording results as run %s", rc.RunID)
	}

	res, runErr := testfs.RunSuite(ctx, rc, suite)
	ok := summarize(suite.Name(), res)
	return ok && runErr == nil, runErr
}

func override(d *time.Duration, v time.Duration) {
	if v != 0 {
		*d = v
	}
}

func newMounts(cfg *config.Config, hosts *remote.Pool, failer *failimpl.Failer) []mount.Mount {
	opts := mount.Options{
		TestDir:      cfg.TestDir,
		Cluster:      cfg.Cluster.Name,
		PollInterval: cfg.Timeouts.PollInterval,
		MountTimeout: cfg.Timeouts.MountTimeout,
		ReapTimeout:  cfg.Timeouts.ReapTimeout,
		LogDir:       *logDir,
	}
	var mounts []mount.Mount
	for _, cl := range cfg.Clients {
		r := hosts.Get(cl.Host)
		switch cl.Driver {
		case config.DriverKernel:
			mounts = append(mounts, mount.NewKernelMount(r, cl.ID, opts, mount.KernelOptions{
				Monitors:    cfg.Cluster.Monitors,
				Power:       failer,
				Reconnect:   hosts.Reconnect,
				BootTimeout: cfg.Timeouts.BootTimeout,
			}))
		default:
			o := opts
			o.ExtraArgs = cl.ExtraArgs()
			mounts = append(mounts, mount.NewFuseMount(r, cl.ID, o))
		}
	}
	return mounts
}

func runObjectStore(ctx context.Context, cfg *config.Config, admin *cluster.Admin, store *results.Store) (bool, error) {
	db, err := objectstore.NewDB(":memory:")
	if err != nil {
		return false, err
	}
	defer db.Close()

	opts := objectstore.DefaultOptions(cfg.ObjectStore.DataDir)
	if c := cfg.ObjectStore; c.Pool != "" {
		opts.Pool = c.Pool
	}
	if c := cfg.ObjectStore; c.Objects != 0 {
		opts.Objects = c.Objects
	}
	if c := cfg.ObjectStore; c.PGNum != 0 {
		opts.PGNum = c.PGNum
	}
	if c := cfg.ObjectStore; c.LineCount != 0 {
		opts.LineCount = c.LineCount
	}

	start := time.Now()
	errs, err := objectstore.NewVerifier(admin, db, opts).Run(ctx)
	if store != nil {
		rec := results.Record{Suite: "objectstore", Test: "verify", Outcome: results.Passed, Started: start, Elapsed: time.Since(start)}
		if err != nil || errs != 0 {
			rec.Outcome = results.Failed
			rec.Error = fmt.Sprintf("%d failed checks", errs)
			if err != nil {
				rec.Error = err.Error()
			}
		}
		if runID, serr := store.BeginRun("objectstore"); serr == nil {
			serr = store.Record(runID, rec)
			if serr != nil {
				log.Errorf("recording result: %s", serr)
			}
		}
	}
	if err != nil {
		return false, err
	}
	return errs == 0, nil
}

func summarize(suite string, res []testfs.TestResult) bool {
	var passed, skipped []string
	var failed []testfs.TestResult
	for _, r := range res {
		log.Infof("%s.%s: %s", suite, r.Name, metrics.Scenarios.String(suite, r.Name))
		switch {
		case r.Skipped:
			skipped = append(skipped, r.Name)
		case r.Err == nil:
			passed = append(passed, r.Name)
		default:
			failed = append(failed, r)
		}
	}
	log.Infof("Test summary: %d passed, %d skipped, %d failed", len(passed), len(skipped), len(failed))
	log.Infof("Passed: %s", strings.Join(passed, ", "))
	if len(skipped) > 0 {
		log.Infof("Skipped: %s", strings.Join(skipped, ", "))
	}
	if len(failed) > 0 {
		log.Infof("Failed:")
		for _, r := range failed {
			log.Infof("  %s (%.0fs): %s", r.Name, r.Elapsed.Seconds(), r.Err)
		}
		return false
	}
	return true
}

func printHistory(path string) error {
	if path == "" {
		return fmt.Errorf("-history needs -results_db")
	}
	store, err := results.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		fmt.Printf("%s %s %s\n", r.Started.Format(time.RFC3339), r.ID, r.Suite)
		recs, err := store.Results(r.ID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			line := fmt.Sprintf("  %-8s %s (%.0fs)", rec.Outcome, rec.Test, rec.Elapsed.Seconds())
			if rec.Error != "" {
				line += ": " + rec.Error
			}
			fmt.Println(line)
		}
	}
	return nil
}
