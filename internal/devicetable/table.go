// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package devicetable maintains the canonical table of currently-present
// devices and the secondary indexes (devnode, ifname, mac address) used to
// resolve client queries, per spec.md §4.3. It owns no goroutines and no
// locks: every method is called synchronously from the broker's event
// loop.
package devicetable

import (
	"path/filepath"

	"github.com/dinit-contrib/devicebroker/internal/devsource"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
)

// Device is one entry in the canonical table: either a regular kernel
// device keyed by its syspath, or — for the usb subsystem — the merged
// record for a vendor:product pair, keyed by the synthetic "vendor:product"
// string (spec.md §9's fixed answer to the syspath open question).
type Device struct {
	Syspath   string
	Subsystem string

	// Name is the device node path for block/tty devices, or the
	// interface name for net devices. Empty if the device currently has
	// no node.
	Name string

	// Mac is set only for net devices.
	Mac string

	// Devset holds the kernel device numbers currently backing this
	// record. Only meaningful (and ever non-empty) for usb.
	Devset map[devsource.DeviceNumber]struct{}

	// HasTag is sticky: once a descriptor for this device carries one of
	// the configured opt-in tags, HasTag stays true for the life of the
	// record, even across events that no longer carry the tag. This
	// keeps removal events flowing through the supervisor bridge for
	// devices that were ever tagged (spec.md §9).
	HasTag bool

	// Removed is true between the final remove event and full teardown.
	Removed bool
}

func newDevice(syspath, subsystem string) *Device {
	return &Device{Syspath: syspath, Subsystem: subsystem}
}

// Notifier receives a status byte for every subscriber whose query of the
// given tag/value currently matches the device that just transitioned.
// Implemented by internal/subscriber.Registry.
type Notifier interface {
	Notify(tag protocol.Tag, value string, status protocol.Status)
}

// BridgeIntake is called for every add/change/remove concerning a device,
// tagged or not; the supervisor bridge decides for itself whether the
// device is (or was ever) tagged and therefore worth acting on. Passing
// every event — not just tagged ones — lets the bridge apply the sticky
// has_tag rule from spec.md §9 without the table needing to know bridge
// internals.
type BridgeIntake interface {
	HandleEvent(syspath string, hasTag bool, removal bool, desc devsource.Descriptor)
}

// Config names the opt-in tags the table watches for when deciding whether
// a descriptor should set a Device's sticky HasTag flag.
type Config struct {
	Tags []string
}

// Table is the canonical device map plus its secondary indexes.
type Table struct {
	cfg Config

	devices      map[string]*Device // keyed by Syspath (or usb's vendor:product)
	devnodeIndex map[string]string  // devnode -> syspath
	ifnameIndex  map[string]string  // ifname -> syspath
	macIndex     map[string]string  // mac -> syspath

	notifier Notifier
	bridge   BridgeIntake

	enumerating bool
}

// New constructs an empty Table. notifier and bridge must both be non-nil.
// cmd/devicebroker passes a proxy notifier whose target is set to the
// subscriber registry only after initial enumeration.
func New(cfg Config, notifier Notifier, bridge BridgeIntake) *Table {
	return &Table{
		cfg:          cfg,
		devices:      make(map[string]*Device),
		devnodeIndex: make(map[string]string),
		ifnameIndex:  make(map[string]string),
		macIndex:     make(map[string]string),
		notifier:     notifier,
		bridge:       bridge,
	}
}

// Get returns the device currently keyed by syspath, or nil.
func (t *Table) Get(syspath string) *Device {
	return t.devices[syspath]
}

// ResolveDevNode resolves a "dev" query value exactly as spec.md §4.3
// requires: if the literal path is a devnode index key, it is used as-is;
// otherwise, if the path is a symlink, it is resolved with the OS realpath
// operation and the result is looked up instead. This function is shared by
// the table's own resolution and by internal/subscriber, which re-applies
// it when matching a notification to outstanding "dev" subscriptions.
func (t *Table) ResolveDevNode(literal string) string {
	if _, ok := t.devnodeIndex[literal]; ok {
		return literal
	}
	if resolved, err := filepath.EvalSymlinks(literal); err == nil && resolved != literal {
		return resolved
	}
	return literal
}

// Available reports whether a query of the given tag/value currently
// matches an available (present, not removed) device. It does not account
// for the supervisor bridge's "processing" gate — see
// internal/subscriber.Registry, which combines this with a
// BridgeProcessingProbe for tagged devices.
func (t *Table) Available(tag protocol.Tag, value string) bool {
	dev := t.lookup(tag, value)
	return dev != nil && !dev.Removed
}

// HasTag reports whether the device matching tag/value has ever carried an
// opt-in tag. Used by internal/subscriber to decide whether the processing
// gate applies at all.
func (t *Table) HasTag(tag protocol.Tag, value string) bool {
	dev := t.lookup(tag, value)
	return dev != nil && dev.HasTag
}

// Resolve looks up the device matching tag/value and reports its syspath
// (for the supervisor bridge's processing probe), whether it is currently
// available (present and not removed), and whether it has ever carried an
// opt-in tag. The empty string/false/false result means no device matches.
func (t *Table) Resolve(tag protocol.Tag, value string) (syspath string, available bool, hasTag bool) {
	dev := t.lookup(tag, value)
	if dev == nil {
		return "", false, false
	}
	return dev.Syspath, !dev.Removed, dev.HasTag
}

func (t *Table) lookup(tag protocol.Tag, value string) *Device {
	switch tag {
	case protocol.TagSys, protocol.TagUsb:
		return t.devices[value]
	case protocol.TagDev:
		if syspath, ok := t.devnodeIndex[t.ResolveDevNode(value)]; ok {
			return t.devices[syspath]
		}
		return nil
	case protocol.TagNetif:
		if syspath, ok := t.ifnameIndex[value]; ok {
			return t.devices[syspath]
		}
		return nil
	case protocol.TagMac:
		if syspath, ok := t.macIndex[value]; ok {
			return t.devices[syspath]
		}
		return nil
	default:
		return nil
	}
}

// OnEnumerate seeds the table during startup. It behaves exactly like
// OnAdd — including invoking the supervisor bridge — except that it never
// writes notifications, since spec.md §8 invariant 5 requires that initial
// enumeration be silent (no subscribers are connected yet at that point).
func (t *Table) OnEnumerate(desc devsource.Descriptor) {
	t.enumerating = true
	defer func() { t.enumerating = false }()
	t.OnAdd(desc)
}

// OnAdd creates or updates the device record for desc. For usb, the
// descriptor is merged into the existing vendor:product record (if any),
// registering the new device number in its devset; for everything else, a
// record is created or updated directly. Secondary indexes are refreshed
// and the supervisor bridge is invoked regardless of tag status.
func (t *Table) OnAdd(desc devsource.Descriptor) {
	key := t.keyFor(desc)
	dev, existed := t.devices[key]
	if !existed {
		dev = newDevice(key, desc.Subsystem)
		t.devices[key] = dev
	}
	wasAvailable := existed && !dev.Removed
	dev.Removed = false

	if desc.Subsystem == "usb" {
		if desc.Devnum != nil {
			if dev.Devset == nil {
				dev.Devset = make(map[devsource.DeviceNumber]struct{}, 1)
			}
			dev.Devset[*desc.Devnum] = struct{}{}
		}
	}

	t.applyTag(dev, desc)
	t.reindexName(dev, desc)
	t.notifyIfUntagged(dev, !wasAvailable)

	t.bridge.HandleEvent(dev.Syspath, dev.HasTag, false, desc)
}

// OnChange treats the event as an add, but first detects a devnode/ifname
// or mac transition and emits the 0-then-1 pair spec.md §4.3 requires:
// subscribers of the old name/mac see Unavailable before subscribers of
// the new name/mac see Available. This happens independent of tag status,
// since a rename does not reflect a change in whether the device itself is
// wired into the supervisor.
func (t *Table) OnChange(desc devsource.Descriptor) {
	key := t.keyFor(desc)
	dev := t.devices[key]
	if dev == nil {
		t.OnAdd(desc)
		return
	}

	oldName, oldMac := dev.Name, dev.Mac
	newName := newNameFor(desc)
	newMac := macFor(desc)

	if oldName != "" && oldName != newName {
		t.notifier.Notify(devTagFor(dev.Subsystem), oldName, protocol.Unavailable)
	}
	if oldMac != "" && oldMac != newMac {
		t.notifier.Notify(protocol.TagMac, oldMac, protocol.Unavailable)
	}

	t.OnAdd(desc)

	if newName != "" && oldName != newName {
		t.notifier.Notify(devTagFor(dev.Subsystem), newName, protocol.Available)
	}
	if newMac != "" && oldMac != newMac {
		t.notifier.Notify(protocol.TagMac, newMac, protocol.Available)
	}
}

// OnRemove handles a remove event. For usb, the device number is dropped
// from the devset; only when the set becomes empty does the parent record
// get marked removed and torn down. For everything else, the record (if
// present and not already removed) is marked removed, the supervisor
// bridge is invoked for teardown, and the secondary-index entries are
// dropped.
func (t *Table) OnRemove(desc devsource.Descriptor) {
	key := t.keyFor(desc)
	dev := t.devices[key]
	if dev == nil {
		return
	}

	if desc.Subsystem == "usb" {
		if desc.Devnum != nil {
			delete(dev.Devset, *desc.Devnum)
		}
		if len(dev.Devset) > 0 {
			return
		}
	}

	if dev.Removed {
		return
	}
	dev.Removed = true

	t.notifyIfUntagged(dev, true)
	t.bridge.HandleEvent(dev.Syspath, dev.HasTag, true, desc)

	t.dropIndexes(dev)
}

// keyFor computes the canonical map key for desc: the synthetic
// "vendor:product" identifier for usb, the syspath otherwise.
func (t *Table) keyFor(desc devsource.Descriptor) string {
	if desc.Subsystem == "usb" {
		vendor, _ := desc.Property("ID_VENDOR_ID")
		product, _ := desc.Property("ID_MODEL_ID")
		if vendor != "" && product != "" {
			return vendor + ":" + product
		}
	}
	return desc.Syspath
}

// macFor returns a net device's lowercase colon-form MAC address, if the
// adapter populated one. Raw kernel uevents do not carry the hardware
// address, so real adapters read it from the "address" sysfs attribute and
// attach it as the "MAC" property (see internal/devsource/real_linux.go).
func macFor(desc devsource.Descriptor) string {
	if desc.Subsystem != "net" {
		return ""
	}
	mac, _ := desc.Property("MAC")
	return mac
}

func newNameFor(desc devsource.Descriptor) string {
	if desc.Subsystem == "net" {
		return desc.Sysname
	}
	if desc.Devnode != nil {
		return *desc.Devnode
	}
	return ""
}

func devTagFor(subsystem string) protocol.Tag {
	if subsystem == "net" {
		return protocol.TagNetif
	}
	return protocol.TagDev
}

func (t *Table) applyTag(dev *Device, desc devsource.Descriptor) {
	if dev.HasTag {
		return
	}
	for _, tag := range t.cfg.Tags {
		if desc.HasTag(tag) {
			dev.HasTag = true
			return
		}
	}
}

// reindexName updates dev.Name/dev.Mac and the secondary indexes to match
// desc, without emitting any notification itself (that is the caller's
// responsibility — OnChange emits the rename transition explicitly; OnAdd
// relies on notifyIfUntagged for a first-time index).
func (t *Table) reindexName(dev *Device, desc devsource.Descriptor) {
	newName := newNameFor(desc)
	if dev.Name != "" && dev.Name != newName {
		t.deleteNameIndex(dev)
	}
	dev.Name = newName
	t.indexName(dev)

	newMac := macFor(desc)
	if dev.Mac != "" && dev.Mac != newMac {
		delete(t.macIndex, dev.Mac)
	}
	dev.Mac = newMac
	if dev.Mac != "" {
		t.macIndex[dev.Mac] = dev.Syspath
	}
}

func (t *Table) indexName(dev *Device) {
	if dev.Name == "" {
		return
	}
	if dev.Subsystem == "net" {
		t.ifnameIndex[dev.Name] = dev.Syspath
	} else {
		t.devnodeIndex[dev.Name] = dev.Syspath
	}
}

func (t *Table) deleteNameIndex(dev *Device) {
	if dev.Subsystem == "net" {
		delete(t.ifnameIndex, dev.Name)
	} else {
		delete(t.devnodeIndex, dev.Name)
	}
}

func (t *Table) dropIndexes(dev *Device) {
	if dev.Name != "" {
		t.deleteNameIndex(dev)
	}
	if dev.Mac != "" {
		delete(t.macIndex, dev.Mac)
	}
}

// notifyIfUntagged emits the sys/usb and dev/netif availability
// notification directly, but only for devices that have never carried an
// opt-in tag. Tagged devices instead have their availability notification
// driven by the supervisor bridge, once wiring actually completes — see
// spec.md §4.3's "processing" rule.
func (t *Table) notifyIfUntagged(dev *Device, changed bool) {
	if t.enumerating || dev.HasTag || !changed {
		return
	}
	status := protocol.Available
	if dev.Removed {
		status = protocol.Unavailable
	}
	// usb devices notify TagUsb only: usb syspaths are not exposed as a
	// device-path query, so TagSys would notify a query nothing can
	// match.
	if dev.Subsystem == "usb" {
		t.notifier.Notify(protocol.TagUsb, dev.Syspath, status)
		return
	}
	t.notifier.Notify(protocol.TagSys, dev.Syspath, status)
	if dev.Name != "" {
		t.notifier.Notify(devTagFor(dev.Subsystem), dev.Name, status)
	}
	if dev.Mac != "" {
		t.notifier.Notify(protocol.TagMac, dev.Mac, status)
	}
}
