// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devsource adapts the kernel device model (via a netlink uevent
// stream on Linux, or a no-op stand-in everywhere else) to the narrow
// interface the device availability broker needs: a restartable initial
// enumeration and a readiness-multiplexable event monitor.
//
// Two Source instances run side by side in production: one filtered to the
// broker's closed set of always-tracked subsystems, one filtered to the
// opt-in tags a device may carry. See Filter.
package devsource

import "context"

// Action is the kind of event a Descriptor represents.
type Action string

// The five event kinds the kernel device model can produce. "bind" and
// "unbind" are driver (un)binding events; the broker treats them like
// "change" for table-mutation purposes but they are kept distinct so a
// future caller can tell them apart.
const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionRemove Action = "remove"
	ActionBind   Action = "bind"
	ActionUnbind Action = "unbind"
)

// DeviceNumber is a kernel device number (major:minor), used to key the
// USB devset.
type DeviceNumber struct {
	Major uint32
	Minor uint32
}

// Descriptor is one device event or enumeration entry, exposing exactly the
// accessors the broker's DeviceTable needs.
type Descriptor struct {
	Syspath   string
	Subsystem string
	Sysname   string
	Action    Action

	// Devnode is nil when the device currently has no device node.
	Devnode *string
	// Devnum is nil for devices without a kernel device number (not all
	// subsystems allocate one).
	Devnum *DeviceNumber

	tags       map[string]bool
	properties map[string]string
}

// NewDescriptor builds a Descriptor with empty tag/property sets; adapters
// populate them with WithTag/WithProperty while parsing a uevent.
func NewDescriptor(syspath, subsystem, sysname string, action Action) Descriptor {
	return Descriptor{
		Syspath:   syspath,
		Subsystem: subsystem,
		Sysname:   sysname,
		Action:    action,
	}
}

// WithTag marks the descriptor as carrying the named tag.
func (d Descriptor) WithTag(name string) Descriptor {
	if d.tags == nil {
		d.tags = make(map[string]bool, 1)
	}
	d.tags[name] = true
	return d
}

// WithProperty attaches a udev-style property (e.g. WAITS_FOR) to the
// descriptor.
func (d Descriptor) WithProperty(key, value string) Descriptor {
	if d.properties == nil {
		d.properties = make(map[string]string, 1)
	}
	d.properties[key] = value
	return d
}

// HasTag reports whether the descriptor carries the named opt-in tag.
func (d Descriptor) HasTag(name string) bool {
	return d.tags[name]
}

// Property returns the named property and whether it was present.
func (d Descriptor) Property(name string) (string, bool) {
	v, ok := d.properties[name]
	return v, ok
}

// Filter selects which devices an enumeration or monitor should yield.
// Exactly one of Subsystems or Tags should be non-empty: the broker never
// needs a filter that is both, and a filter with neither matches nothing.
type Filter struct {
	// Subsystems, when non-empty, restricts results to descriptors whose
	// Subsystem is in this set.
	Subsystems []string
	// Tags, when non-empty, restricts results to descriptors carrying at
	// least one of these tags.
	Tags []string
	// ExcludeSubsystems names subsystems the tag filter must never match,
	// even when a descriptor carries a matching tag. The broker's two
	// Sources share the same kernel multicast group, so a device that is
	// both tagged and a member of the closed subsystem set would
	// otherwise arrive on both monitors; the tag-filtered Source sets
	// this to the subsystem-filtered Source's Subsystems so it can
	// discard the duplicate, mirroring how the subsystem-filtered
	// Source already owns that device unconditionally.
	ExcludeSubsystems []string
}

// Matches reports whether d satisfies f.
func (f Filter) Matches(d Descriptor) bool {
	for _, s := range f.Subsystems {
		if d.Subsystem == s {
			return true
		}
	}
	for _, excluded := range f.ExcludeSubsystems {
		if d.Subsystem == excluded {
			return false
		}
	}
	for _, tag := range f.Tags {
		if d.HasTag(tag) {
			return true
		}
	}
	return false
}

// Source is the contract the broker consumes: a finite enumeration at
// startup plus a long-lived monitor stream.
type Source interface {
	// Enumerate returns every currently-present device matching filter.
	// It is restartable: calling it again produces a fresh, independent
	// pass over current state.
	Enumerate(ctx context.Context, filter Filter) ([]Descriptor, error)

	// Monitor opens an event stream for filter. The returned Monitor's
	// file descriptor is presented to the event loop as a single
	// readable descriptor.
	Monitor(filter Filter) (Monitor, error)

	// Dummy reports whether this Source is the no-op stand-in (see
	// NewDummySource). It changes no behavior, since a dummy Source's
	// Enumerate/Monitor already produce no devices.
	Dummy() bool

	// Close releases any resources held by the Source itself (as
	// opposed to monitors it has produced, which are closed
	// independently).
	Close() error
}

// Monitor is a single readable event stream produced by Source.Monitor.
type Monitor interface {
	// FD returns the file descriptor to register with the event loop's
	// poller. It must remain valid until Close is called.
	FD() int

	// NextEvent performs one non-blocking draw from the monitor. ok is
	// false when there is currently nothing more to read (the caller
	// should return to the poller); err is non-nil only for a genuine
	// decode or I/O failure, which the broker treats as fatal per the
	// device-source error taxonomy.
	NextEvent() (desc Descriptor, ok bool, err error)

	// Close releases the monitor's resources.
	Close() error
}
