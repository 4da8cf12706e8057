// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"runtime/debug"
	"time"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/testfs/internal/core"
	"github.com/westerndigitalcorporation/testfs/internal/metrics"
	"github.com/westerndigitalcorporation/testfs/internal/mount"
	"github.com/westerndigitalcorporation/testfs/internal/results"
)

// Suite is a group of scenarios sharing per-scenario setup and teardown.
// Scenarios are the suite's methods named "TestXXX" that take a context and
// return a single error.
type Suite interface {
	Name() string
	SetUp(ctx context.Context) error
	TearDown(ctx context.Context) error
}

// TestResult is the outcome of one scenario.
type TestResult struct {
	Name    string
	Err     error
	Skipped bool
	Elapsed time.Duration

	Diagnostics string // Collected when Err is set by the scenario itself.
}

var (
	testMethod = regexp.MustCompile("^Test.+")
	ctxType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType    = reflect.TypeOf((*error)(nil)).Elem()
)

// TestNames returns the scenarios of suite that match pattern, in order.
func TestNames(suite Suite, pattern string) ([]string, error) {
	// Make the user's pattern case-insensitive.
	userMatch, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("bad test pattern %q: %w", pattern, err)
	}
	var names []string
	tt := reflect.TypeOf(suite)
	for i := 0; i < tt.NumMethod(); i++ {
		method := tt.Method(i)
		if !testMethod.MatchString(method.Name) || !userMatch.MatchString(method.Name) {
			continue
		}
		mt := method.Type
		if mt.NumIn() != 2 || mt.In(1) != ctxType || mt.NumOut() != 1 || mt.Out(0) != errType {
			continue
		}
		names = append(names, method.Name)
	}
	return names, nil
}

// RunSuite runs the scenarios of suite that match the configured pattern,
// one at a time. A failed scenario is diagnosed and handed to the failure
// handler before its teardown. A setup or teardown failure leaves the
// cluster in an unknown state, so the remaining scenarios are not run and
// an error is returned along with the results so far.
func RunSuite(ctx context.Context, rc *RunContext, suite Suite) ([]TestResult, error) {
	names, err := TestNames(suite, rc.Config.TestPattern)
	if err != nil {
		return nil, err
	}
	log.Infof("running %d tests of suite %s", len(names), suite.Name())

	var ret []TestResult
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		res, abort := runOne(ctx, rc, suite, name)
		ret = append(ret, res)
		if abort != nil {
			log.Errorf("aborting suite %s: %s", suite.Name(), abort)
			return ret, abort
		}
	}
	return ret, nil
}

// runOne runs a single scenario bracketed by the suite's setup and
// teardown. The returned abort error is non-nil if the remaining scenarios
// must not run.
func runOne(ctx context.Context, rc *RunContext, suite Suite, name string) (res TestResult, abort error) {
	res.Name = name
	start := time.Now()
	op := metrics.Scenarios.Start(suite.Name(), name)
	defer func() {
		res.Elapsed = time.Since(start)
		switch {
		case res.Skipped:
			op.Skipped()
		case res.Err != nil:
			op.Failed()
		}
		op.End()
		record(rc, suite.Name(), start, res, abort)
	}()

	log.Infof("[%s] started", name)
	if err := suite.SetUp(ctx); err != nil {
		res.Err = fmt.Errorf("set up: %w", err)
		log.Errorf("[%s] failed: %s", name, res.Err)
		return res, fmt.Errorf("set up of %s failed: %w", name, err)
	}

	err := call(ctx, suite, name)
	switch {
	case err == nil:
		log.Infof("[%s] passed", name)
	case core.IsSkip(err):
		res.Skipped = true
		log.Infof("[%s] %s", name, err)
	default:
		res.Err = err
		res.Diagnostics = Diagnose(ctx, rc, err)
		log.Errorf("[%s] failed: %s", name, err)
		logDiagnostics(suite.Name(), name, res.Diagnostics)
		f := &Failure{Suite: suite.Name(), Test: name, Err: err, Diagnostics: res.Diagnostics}
		if rc.Handler != nil {
			rc.Handler.HandleFailure(ctx, rc, f)
		}
	}

	if err := suite.TearDown(ctx); err != nil {
		log.Errorf("[%s] tear down failed: %s", name, err)
		if res.Err == nil {
			res.Err = fmt.Errorf("tear down: %w", err)
		}
		return res, fmt.Errorf("tear down of %s failed: %w", name, err)
	}
	return res, nil
}

// logDiagnostics records the diagnostics of a failed scenario before any
// failure handler runs.
var logDiagnostics = func(suite, test, diagnostics string) {
	log.Errorf("[%s.%s] diagnostics:\n%s", suite, test, diagnostics)
}

// call invokes the named scenario method, turning a panic into an error.
func call(ctx context.Context, suite Suite, name string) (err error) {
	method := reflect.ValueOf(suite).MethodByName(name)
	if !method.IsValid() {
		return fmt.Errorf("Failed to find test %q method", name)
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] panicked: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if v := method.Call([]reflect.Value{reflect.ValueOf(ctx)})[0]; !v.IsNil() {
		return v.Interface().(error)
	}
	return nil
}

func record(rc *RunContext, suite string, start time.Time, res TestResult, abort error) {
	if rc.Results == nil {
		return
	}
	rec := results.Record{
		Suite:       suite,
		Test:        res.Name,
		Outcome:     results.Passed,
		Started:     start,
		Elapsed:     res.Elapsed,
		Diagnostics: res.Diagnostics,
	}
	switch {
	case res.Skipped:
		rec.Outcome = results.Skipped
	case abort != nil:
		rec.Outcome = results.Aborted
		rec.Error = abort.Error()
	case res.Err != nil:
		rec.Outcome = results.Failed
		rec.Error = res.Err.Error()
	}
	if err := rc.Results.Record(rc.RunID, rec); err != nil {
		log.Errorf("failed to record result of %s: %s", res.Name, err)
	}
}

// CheckTopology verifies the mounts can run the scenarios: there are at
// least two, the first two share a host only if both tolerate it, and if
// remoteFirst is set the first one is not on a metadata daemon host.
func CheckTopology(mounts []mount.Mount, mdsHosts []string, remoteFirst bool) error {
	if len(mounts) < 2 {
		return fmt.Errorf("need at least 2 clients, have %d", len(mounts))
	}
	a, b := mounts[0], mounts[1]
	if (!a.SupportsColocatedClients() || !b.SupportsColocatedClients()) && a.Host() == b.Host() {
		return errors.New("mounts " + a.String() + " and " + b.String() + " cannot share host " + a.Host())
	}
	if remoteFirst {
		for _, h := range mdsHosts {
			if h == a.Host() {
				return fmt.Errorf("client %s must not run on metadata daemon host %s", a.ClientID(), h)
			}
		}
	}
	return nil
}
