// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package objectstore

import (
	"testing"
)

func TestToolCommands(t *testing.T) {
	tool := Tool{OSD: "3"}
	if got, want := tool.Op("list", "1.2"), "sudo ceph-objectstore-tool --data-path /var/lib/ceph/osd/ceph-3 --journal-path /var/lib/ceph/osd/ceph-3/journal --op list --pgid 1.2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	tool.Cluster = "test"
	if got, want := tool.Op("import", "", "--file", "/d/osd3.1.2"), "sudo ceph-objectstore-tool --data-path /var/lib/ceph/osd/test-3 --journal-path /var/lib/ceph/osd/test-3/journal --op import --file /d/osd3.1.2"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	obj := `{"oid":"REPobject1","snapid":-2}`
	if got, want := tool.Object("1.2", obj, "get-bytes", "-"), "sudo ceph-objectstore-tool --data-path /var/lib/ceph/osd/test-3 --journal-path /var/lib/ceph/osd/test-3/journal --pgid 1.2 '"+obj+"' get-bytes -"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseList(t *testing.T) {
	out := `{"oid":"REPobject1","key":"","snapid":-2}

["1.2",{"oid":"REPobject2","key":"","snapid":-2}]
`
	listed, err := ParseList(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d entries", len(listed))
	}
	if listed[0].OID != "REPobject1" || listed[0].PGID != "" || listed[0].JSON != `{"oid":"REPobject1","key":"","snapid":-2}` {
		t.Errorf("bad first entry %+v", listed[0])
	}
	if listed[1].OID != "REPobject2" || listed[1].PGID != "1.2" || listed[1].JSON != `{"oid":"REPobject2","key":"","snapid":-2}` {
		t.Errorf("bad second entry %+v", listed[1])
	}

	for _, bad := range []string{"not json", `{"key":""}`, `["1.2"]`, `[1,{"oid":"x"}]`} {
		if _, err := ParseList(bad); err == nil {
			t.Errorf("expected an error parsing %q", bad)
		}
	}
	if listed, err := ParseList("\n\n"); err != nil || len(listed) != 0 {
		t.Errorf("empty listing: %v %v", listed, err)
	}
}
