// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisorbridge maintains, for every device carrying the
// broker's opt-in tag, a synthetic "device-service" in the Init Supervisor
// and wires its soft dependencies to match the device's WAITS_FOR
// property. It implements spec.md §4.5's per-device state machine and
// seven-step process() protocol on top of internal/supervisorclient.
package supervisorbridge

import (
	"strings"

	"github.com/dinit-contrib/devicebroker/internal/devsource"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
	"github.com/dinit-contrib/devicebroker/internal/supervisorclient"
)

// Notifier is the same contract internal/devicetable notifies through;
// the bridge uses it to emit the deferred availability transition for
// tagged devices once wiring actually completes.
type Notifier interface {
	Notify(tag protocol.Tag, value string, status protocol.Status)
}

// deviceState is the per-device record of spec.md §4.5, keyed by syspath
// in Bridge.devices — the "arena + index" pattern spec.md §9 recommends
// in place of a self-referential pointer graph.
type deviceState struct {
	syspath   string
	subsystem string
	name      string // devnode/ifname at last event, for the deferred Notify

	processing bool
	pending    bool
	removal    bool

	currentDeps map[string]bool
	pendingDeps map[string]bool
	nextDeps    map[string]bool

	deviceHandle supervisorclient.Handle
	hasHandle    bool
	inFlight     int

	// started tracks whether the current deviceHandle's service is
	// already running: true from the load response's Started flag, kept
	// current afterward by the event callback registered in
	// onDeviceServiceLoaded. Step 5 skips wake_service when this is true
	// at load-callback time, per spec.md line 155. Step 1 of the next
	// cycle closes the handle and resets this to false.
	started bool
}

// Bridge implements devicetable.BridgeIntake and subscriber.ProcessingProbe.
type Bridge struct {
	client     supervisorclient.Client
	notifier   Notifier
	rootName   string
	rootHandle supervisorclient.Handle
	devices    map[string]*deviceState
}

// New constructs a Bridge. Call Start before the event loop begins
// draining DeviceSource events, per spec.md §4.5's root-service handle
// requirement.
func New(client supervisorclient.Client, notifier Notifier, rootName string) *Bridge {
	if rootName == "" {
		rootName = "system"
	}
	return &Bridge{
		client:   client,
		notifier: notifier,
		rootName: rootName,
		devices:  make(map[string]*deviceState),
	}
}

// Start obtains the root-service handle synchronously (via the client's
// synchronous test double in tests, or by draining Dispatch in
// production until the callback fires). Per spec.md §4.5: "If the load
// fails the broker exits non-zero before entering the event loop."
func (b *Bridge) Start(dispatch func() error) error {
	var loadErr error
	done := false
	b.client.LoadService(b.rootName, true, func(r supervisorclient.LoadResult) {
		done = true
		if r.Err != nil {
			loadErr = r.Err
			return
		}
		b.rootHandle = r.Handle
	})
	for !done {
		if err := dispatch(); err != nil {
			return err
		}
	}
	return loadErr
}

// IsProcessing implements subscriber.ProcessingProbe.
func (b *Bridge) IsProcessing(syspath string) bool {
	dev, ok := b.devices[syspath]
	return ok && dev.processing
}

// HandleEvent implements devicetable.BridgeIntake. It is invoked for
// every add/change/remove, tagged or not; devices that have never carried
// the opt-in tag and are not currently tracked are ignored here (they are
// handled directly by devicetable's own notification path).
func (b *Bridge) HandleEvent(syspath string, hasTag bool, removal bool, desc devsource.Descriptor) {
	dev, tracked := b.devices[syspath]
	if !hasTag && !tracked {
		return
	}
	if dev == nil {
		dev = &deviceState{
			syspath:     syspath,
			subsystem:   desc.Subsystem,
			currentDeps: map[string]bool{},
			pendingDeps: map[string]bool{},
			nextDeps:    map[string]bool{},
		}
		b.devices[syspath] = dev
	}
	dev.name = nameFor(desc)
	dev.nextDeps = parseWaitsFor(desc)
	dev.pending = true
	dev.removal = removal
	if !dev.processing {
		b.process(dev)
	}
}

// parseWaitsFor splits the WAITS_FOR property on whitespace, per spec.md
// §4.5: "whitespace-separated service names; empty or absent ⇒ empty
// set. No escaping, no ordering."
func parseWaitsFor(desc devsource.Descriptor) map[string]bool {
	raw, _ := desc.Property("WAITS_FOR")
	fields := strings.Fields(raw)
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func nameFor(desc devsource.Descriptor) string {
	if desc.Subsystem == "net" {
		return desc.Sysname
	}
	if desc.Devnode != nil {
		return *desc.Devnode
	}
	return ""
}

// tagForSubsystem mirrors devicetable's devTagFor so the bridge can
// notify subscribers of the right query tag without importing
// devicetable (which would create the cycle spec.md §9 warns about).
func tagForSubsystem(subsystem string) protocol.Tag {
	if subsystem == "net" {
		return protocol.TagNetif
	}
	return protocol.TagDev
}

// process implements spec.md §4.5's seven-step state machine. Steps 1-3
// run synchronously; steps 4-7 continue across supervisorclient
// callbacks, re-entering process() at step 1 each time in-flight work
// drains to zero.
func (b *Bridge) process(dev *deviceState) {
	// Step 1: notify the previous operation's terminal state and release
	// its device handle.
	b.notifyTerminal(dev)
	if dev.hasHandle {
		b.client.SetServiceEventCallback(dev.deviceHandle, nil)
		b.client.CloseServiceHandle(dev.deviceHandle)
		dev.hasHandle = false
		dev.started = false
	}

	// Step 2: rotate the dependency generations.
	dev.currentDeps = dev.pendingDeps
	dev.pendingDeps = dev.nextDeps
	dev.nextDeps = map[string]bool{}

	// Step 3.
	if !dev.pending {
		dev.processing = false
		b.maybeForget(dev)
		return
	}

	// Step 4.
	dev.pending = false
	removal := dev.removal
	dev.processing = true

	serviceName := "device@" + dev.syspath
	b.client.LoadService(serviceName, removal, func(r supervisorclient.LoadResult) {
		b.onDeviceServiceLoaded(dev, removal, r)
	})
}

// notifyTerminal emits the deferred availability transition for a tagged
// device once its previous wiring operation fully completed, per spec.md
// §4.5 step 1 ("1 on completed add; 0 on completed removal") and §4.3's
// note that a processing device's Available transition is held back
// until here.
func (b *Bridge) notifyTerminal(dev *deviceState) {
	if !dev.processing {
		return
	}
	status := protocol.Available
	if dev.removal {
		status = protocol.Unavailable
	}
	// usb devices notify TagUsb only; see devicetable.notifyIfUntagged.
	if dev.subsystem == "usb" {
		b.notifier.Notify(protocol.TagUsb, dev.syspath, status)
		return
	}
	b.notifier.Notify(protocol.TagSys, dev.syspath, status)
	if dev.name != "" {
		b.notifier.Notify(tagForSubsystem(dev.subsystem), dev.name, status)
	}
}

// maybeForget drops a device's state once it has no further pending work
// and was last processed as a removal, so the sticky has_tag bookkeeping
// in devicetable does not leak an ever-growing bridge-side map.
func (b *Bridge) maybeForget(dev *deviceState) {
	if dev.removal && len(dev.pendingDeps) == 0 && len(dev.nextDeps) == 0 {
		delete(b.devices, dev.syspath)
	}
}

// onDeviceServiceLoaded is the step-4 load_service callback. Per spec.md
// §4.5's failure semantics, a service that cannot be loaded is treated as
// an empty no-op rather than aborting the whole operation.
func (b *Bridge) onDeviceServiceLoaded(dev *deviceState, removal bool, r supervisorclient.LoadResult) {
	if r.Err != nil {
		b.abort(r.Err)
		return
	}
	if r.Missing {
		b.finishWiring(dev)
		return
	}
	dev.deviceHandle = r.Handle
	dev.hasHandle = true
	dev.started = r.Started
	b.client.SetServiceEventCallback(dev.deviceHandle, func(h supervisorclient.Handle, started bool) {
		if dev.hasHandle && dev.deviceHandle == h {
			dev.started = started
		}
	})

	// Step 5: wire the root service's soft dependency on the device
	// service, then issue wake_service only if the device service was
	// not already started — per spec.md line 155, wake_service is
	// conditional on removal or already-started, never unconditional. The
	// decision is taken here, on the load callback.
	wake := !removal && !dev.started
	b.client.AddRemoveServiceDependency(b.rootHandle, dev.deviceHandle, supervisorclient.DependencySoftWaitsFor, removal, true, func(err error) {
		if err != nil {
			b.abort(err)
			return
		}
		if wake {
			b.client.WakeService(dev.deviceHandle, func(err error) {
				if err != nil {
					b.abort(err)
					return
				}
				b.wireNamedDependencies(dev)
			})
			return
		}
		b.wireNamedDependencies(dev)
	})
}

// wireNamedDependencies implements step 6: for each name being removed
// (present in currentDeps, absent from pendingDeps) and each name being
// added (present in pendingDeps, absent from currentDeps), load the
// named service and add or remove the corresponding soft dependency from
// the device service.
func (b *Bridge) wireNamedDependencies(dev *deviceState) {
	var names []struct {
		name   string
		remove bool
	}
	for name := range dev.currentDeps {
		if !dev.pendingDeps[name] {
			names = append(names, struct {
				name   string
				remove bool
			}{name, true})
		}
	}
	for name := range dev.pendingDeps {
		if !dev.currentDeps[name] {
			names = append(names, struct {
				name   string
				remove bool
			}{name, false})
		}
	}

	if len(names) == 0 {
		b.finishWiring(dev)
		return
	}

	dev.inFlight += len(names)
	for _, n := range names {
		n := n
		b.client.LoadService(n.name, true, func(r supervisorclient.LoadResult) {
			b.onNamedServiceLoaded(dev, n.name, n.remove, r)
		})
	}
}

func (b *Bridge) onNamedServiceLoaded(dev *deviceState, name string, remove bool, r supervisorclient.LoadResult) {
	if r.Err != nil {
		b.abort(r.Err)
		return
	}
	if r.Missing || !dev.hasHandle {
		b.decrementInFlight(dev)
		return
	}
	b.client.AddRemoveServiceDependency(dev.deviceHandle, r.Handle, supervisorclient.DependencySoftWaitsFor, remove, true, func(err error) {
		if err != nil {
			b.abort(err)
			return
		}
		b.decrementInFlight(dev)
	})
}

func (b *Bridge) decrementInFlight(dev *deviceState) {
	dev.inFlight--
	if dev.inFlight <= 0 {
		dev.inFlight = 0
		b.finishWiring(dev)
	}
}

// finishWiring is step 7's "in_flight_count reaches zero": re-enter
// process() to either notify the terminal state and quiesce, or pick up
// a coalesced event that arrived mid-operation.
func (b *Bridge) finishWiring(dev *deviceState) {
	b.process(dev)
}

// abort implements spec.md §4.5's "any RPC that fails with a
// non-recoverable error causes the broker to abort the supervisor
// session and exit with failure." The event loop observes this through
// the returned error from the next Dispatch call after Abort tears down
// the session; cmd/devicebroker is responsible for exiting.
func (b *Bridge) abort(err error) {
	_ = b.client.Abort(err)
}
