// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package objectstore exercises the offline object store tool against the
// stopped OSDs of a cluster.
package objectstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/westerndigitalcorporation/testfs/internal/remote"
)

// Tool builds ceph-objectstore-tool command lines for one OSD.
type Tool struct {
	Cluster string // Cluster name, "ceph" if empty.
	OSD     string // OSD id.
}

// DataPath returns the OSD's data directory.
func (t Tool) DataPath() string {
	cluster := t.Cluster
	if cluster == "" {
		cluster = "ceph"
	}
	return fmt.Sprintf("/var/lib/ceph/osd/%s-%s", cluster, t.OSD)
}

func (t Tool) prefix() []string {
	return []string{
		"sudo", "ceph-objectstore-tool",
		"--data-path", t.DataPath(),
		"--journal-path", t.DataPath() + "/journal",
	}
}

// Op returns the command running a placement group operation: list, info,
// log, export, remove or import. Import takes no pgid.
func (t Tool) Op(op, pgid string, extra ...string) string {
	args := append(t.prefix(), "--op", op)
	if pgid != "" {
		args = append(args, "--pgid", pgid)
	}
	return remote.Cmd(append(args, extra...)...)
}

// Object returns the command running an object operation (get-bytes,
// set-bytes, list-attrs, get-attr) on the object described by objJSON as
// printed by "--op list".
func (t Tool) Object(pgid, objJSON string, op ...string) string {
	args := append(t.prefix(), "--pgid", pgid, objJSON)
	return remote.Cmd(append(args, op...)...)
}

// Listed is one object printed by "--op list".
type Listed struct {
	PGID string // Set if the tool printed it.
	OID  string
	JSON string // The object's description, to pass back to Object.
}

// ParseList parses the output of "--op list". Each line is either an
// object description or a [pgid, description] pair, depending on the
// tool's version. Blank lines are skipped.
func ParseList(out string) ([]Listed, error) {
	var ret []Listed
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		l := Listed{JSON: line}
		if strings.HasPrefix(line, "[") {
			var pair []json.RawMessage
			if err := json.Unmarshal([]byte(line), &pair); err != nil || len(pair) != 2 {
				return nil, fmt.Errorf("bad list entry %q", line)
			}
			if err := json.Unmarshal(pair[0], &l.PGID); err != nil {
				return nil, fmt.Errorf("bad pgid in list entry %q: %s", line, err)
			}
			l.JSON = string(pair[1])
		}
		var obj struct {
			OID string `json:"oid"`
		}
		if err := json.Unmarshal([]byte(l.JSON), &obj); err != nil || obj.OID == "" {
			return nil, fmt.Errorf("bad object in list entry %q", line)
		}
		l.OID = obj.OID
		ret = append(ret, l)
	}
	return ret, nil
}
