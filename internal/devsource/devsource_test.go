// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devsource

import "testing"

func TestFilterMatches_Subsystem(t *testing.T) {
	f := Filter{Subsystems: []string{"block", "net"}}
	d := NewDescriptor("/sys/block/sda", "block", "sda", ActionAdd)
	if !f.Matches(d) {
		t.Fatal("expected match on subsystem")
	}
	d2 := NewDescriptor("/sys/class/tty/ttyS0", "tty", "ttyS0", ActionAdd)
	if f.Matches(d2) {
		t.Fatal("expected no match for untracked subsystem")
	}
}

func TestFilterMatches_Tag(t *testing.T) {
	f := Filter{Tags: []string{"chimera"}}
	d := NewDescriptor("/sys/x", "disk", "x", ActionAdd).WithTag("chimera")
	if !f.Matches(d) {
		t.Fatal("expected match on tag")
	}
	d2 := NewDescriptor("/sys/y", "disk", "y", ActionAdd).WithTag("other")
	if f.Matches(d2) {
		t.Fatal("expected no match for unrelated tag")
	}
}

func TestFilterMatches_ExcludeSubsystemsSuppressesTagDuplicate(t *testing.T) {
	f := Filter{Tags: []string{"chimera"}, ExcludeSubsystems: []string{"block", "net", "tty", "usb"}}
	d := NewDescriptor("/sys/block/sda", "block", "sda", ActionAdd).WithTag("chimera")
	if f.Matches(d) {
		t.Fatal("expected tag match on an excluded subsystem to be discarded")
	}
	d2 := NewDescriptor("/sys/x", "disk", "x", ActionAdd).WithTag("chimera")
	if !f.Matches(d2) {
		t.Fatal("expected tag match on a non-excluded subsystem to still match")
	}
}

func TestFilterMatches_ExcludeSubsystemsDoesNotAffectSubsystemPath(t *testing.T) {
	f := Filter{Subsystems: []string{"block"}, ExcludeSubsystems: []string{"block"}}
	d := NewDescriptor("/sys/block/sda", "block", "sda", ActionAdd)
	if !f.Matches(d) {
		t.Fatal("ExcludeSubsystems must never suppress a subsystem-path match")
	}
}

func TestDescriptorProperties(t *testing.T) {
	d := NewDescriptor("/sys/x", "disk", "x", ActionAdd).WithProperty("WAITS_FOR", "a b")
	v, ok := d.Property("WAITS_FOR")
	if !ok || v != "a b" {
		t.Fatalf("got (%q, %v), want (\"a b\", true)", v, ok)
	}
	if _, ok := d.Property("MISSING"); ok {
		t.Fatal("expected missing property to report not-ok")
	}
}

func TestDummySource(t *testing.T) {
	src := NewDummySource()
	if !src.Dummy() {
		t.Fatal("expected Dummy() true")
	}
	descs, err := src.Enumerate(nil, Filter{Subsystems: []string{"block"}})
	if err != nil || len(descs) != 0 {
		t.Fatalf("expected empty enumeration, got %v, %v", descs, err)
	}
	mon, err := src.Monitor(Filter{Subsystems: []string{"block"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer mon.Close()
	if mon.FD() < 0 {
		t.Fatal("expected a valid fd")
	}
	_, ok, err := mon.NextEvent()
	if ok || err != nil {
		t.Fatalf("expected no event, got ok=%v err=%v", ok, err)
	}
}
