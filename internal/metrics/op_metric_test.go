// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package metrics

import (
	"errors"
	"strings"
	"testing"
)

var testOps = NewOpMetric("testfs_test_ops", "op")

func TestOpMetricCounts(t *testing.T) {
	op := testOps.Start("a")
	if p := testOps.Pending("a"); p != 1 {
		t.Fatalf("expected 1 pending, got %d", p)
	}
	op.End()

	err := errors.New("bad")
	op = testOps.Start("a")
	op.EndWithError(&err)

	if c := testOps.Count("all", "a"); c != 2 {
		t.Errorf("expected 2 ops, got %d", c)
	}
	if c := testOps.Count("failed", "a"); c != 1 {
		t.Errorf("expected 1 failure, got %d", c)
	}
	if p := testOps.Pending("a"); p != 0 {
		t.Errorf("expected nothing pending, got %d", p)
	}
	if s := testOps.String("a"); !strings.Contains(s, "count=1") || !strings.Contains(s, "1 failed") {
		t.Errorf("unexpected summary %q", s)
	}
}
