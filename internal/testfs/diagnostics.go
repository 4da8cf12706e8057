// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testfs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"
)

const (
	mb = 1024 * 1024

	diagnosticsTimeout = 30 * time.Second // Bound of all queries made while collecting diagnostics.
)

// Diagnose collects what an operator needs to understand a failure: the
// error, the metadata daemon state, the session table, the mounts and their
// background operations, and the harness host's memory and load. Queries
// that fail are reported inline.
func Diagnose(ctx context.Context, rc *RunContext, failure error) string {
	ctx, cancel := context.WithTimeout(ctx, diagnosticsTimeout)
	defer cancel()

	var b strings.Builder
	if failure != nil {
		fmt.Fprintf(&b, "error (%T): %s\n", failure, failure)
	}

	if state, err := rc.FS.MDSState(ctx); err != nil {
		fmt.Fprintf(&b, "mds state: <%s>\n", err)
	} else {
		fmt.Fprintf(&b, "mds state: %s\n", state)
	}
	if states, err := rc.FS.MDSStates(ctx); err == nil && len(states) > 1 {
		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  mds.%s: %s\n", name, states[name])
		}
	}

	if sessions, err := rc.FS.ListSessions(ctx); err != nil {
		fmt.Fprintf(&b, "sessions: <%s>\n", err)
	} else {
		out, _ := json.MarshalIndent(sessions, "", "  ")
		fmt.Fprintf(&b, "sessions (%d): %s\n", len(sessions), out)
	}

	for _, m := range rc.Mounts {
		mounted, err := m.IsMounted(ctx)
		if err != nil {
			fmt.Fprintf(&b, "mount %s: <%s>\n", m, err)
		} else {
			fmt.Fprintf(&b, "mount %s: mounted=%t\n", m, mounted)
		}
		for _, p := range m.Background() {
			status := "running"
			if p.Finished() {
				status = fmt.Sprintf("exited %d", p.ExitStatus())
			}
			fmt.Fprintf(&b, "  background %q: %s\n", p.Command(), status)
		}
	}

	mem := sigar.Mem{}
	if err := mem.Get(); err != nil {
		log.Errorf("failed to get memory info: %s", err)
	} else {
		fmt.Fprintf(&b, "harness memory: %d MB free of %d MB\n", mem.ActualFree/mb, mem.Total/mb)
	}
	load := sigar.LoadAverage{}
	if err := load.Get(); err == nil {
		fmt.Fprintf(&b, "harness load: %.2f %.2f %.2f\n", load.One, load.Five, load.Fifteen)
	}
	return b.String()
}
