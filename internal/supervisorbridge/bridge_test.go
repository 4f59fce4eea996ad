// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisorbridge

import (
	"testing"

	"github.com/dinit-contrib/devicebroker/internal/devsource"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
	"github.com/dinit-contrib/devicebroker/internal/supervisorclient"
)

type recordedNotify struct {
	tag    protocol.Tag
	value  string
	status protocol.Status
}

type fakeNotifier struct {
	calls []recordedNotify
}

func (f *fakeNotifier) Notify(tag protocol.Tag, value string, status protocol.Status) {
	f.calls = append(f.calls, recordedNotify{tag, value, status})
}

func TestStart_LoadsRootService(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	b := New(client, &fakeNotifier{}, "system")

	if err := b.Start(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loads := client.Loads()
	if len(loads) != 1 || loads[0].Name != "system" || !loads[0].AllowMissing {
		t.Fatalf("expected a single allow_missing load of \"system\", got %+v", loads)
	}
}

func TestHandleEvent_TaggedAdd_WiresRootAndNotifiesOnCompletion(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	notifier := &fakeNotifier{}
	b := New(client, notifier, "system")
	_ = b.Start(func() error { return nil })

	devnode := "/dev/x"
	desc := devsource.NewDescriptor("/sys/x", "disk", "x", devsource.ActionAdd).WithTag("chimera")
	desc.Devnode = &devnode

	b.HandleEvent("/sys/x", true, false, desc)

	foundDeviceLoad := false
	for _, l := range client.Loads() {
		if l.Name == "device@/sys/x" {
			foundDeviceLoad = true
		}
	}
	if !foundDeviceLoad {
		t.Fatalf("expected a load_service for the device service, got %+v", client.Loads())
	}

	found := false
	for _, n := range notifier.calls {
		if n.tag == protocol.TagSys && n.value == "/sys/x" && n.status == protocol.Available {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected terminal Available notification, got %+v", notifier.calls)
	}
	if b.IsProcessing("/sys/x") {
		t.Fatal("expected processing to have settled with AutoComplete client")
	}
}

func TestHandleEvent_TaggedAdd_WakesWhenNotAlreadyStarted(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { return nil })

	desc := devsource.NewDescriptor("/sys/x", "disk", "x", devsource.ActionAdd).WithTag("chimera")
	b.HandleEvent("/sys/x", true, false, desc)

	if len(client.Wakes()) != 1 {
		t.Fatalf("expected exactly one wake_service call, got %d", len(client.Wakes()))
	}
}

func TestHandleEvent_TaggedAdd_SkipsWakeWhenAlreadyStarted(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	client.StartedFor = map[string]bool{"device@/sys/x": true}
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { return nil })

	desc := devsource.NewDescriptor("/sys/x", "disk", "x", devsource.ActionAdd).WithTag("chimera")
	b.HandleEvent("/sys/x", true, false, desc)

	if len(client.Wakes()) != 0 {
		t.Fatalf("expected no wake_service call for an already-started service, got %d", len(client.Wakes()))
	}
	if b.IsProcessing("/sys/x") {
		t.Fatal("expected processing to have settled without the wake round-trip")
	}
}

func TestHandleEvent_EventCallback_MarksStartedAfterLoad(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	client.AutoComplete = false
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { client.Flush(); return nil })

	desc := devsource.NewDescriptor("/sys/x", "disk", "x", devsource.ActionAdd).WithTag("chimera")
	b.HandleEvent("/sys/x", true, false, desc)
	client.Flush() // device@/sys/x load resolves, registering the event callback

	var handle supervisorclient.Handle
	for _, l := range client.Loads() {
		if l.Name == "device@/sys/x" {
			handle = l.Handle
		}
	}
	client.Fire(handle, true) // supervisor reports the service started mid-wiring
	if dev := b.devices["/sys/x"]; dev == nil || !dev.started {
		t.Fatal("expected the event callback to mark the device service started")
	}
	for i := 0; i < 10 && b.IsProcessing("/sys/x"); i++ {
		client.Flush()
	}

	// The wake decision was taken on the load callback, before the event
	// fired, so this round still wakes.
	if len(client.Wakes()) == 0 {
		t.Fatalf("expected at least one wake_service call from the first cycle, got %d", len(client.Wakes()))
	}
}

func TestHandleEvent_WaitsForWiresNamedDependencies(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { return nil })

	desc := devsource.NewDescriptor("/sys/y", "disk", "y", devsource.ActionAdd).
		WithTag("chimera").
		WithProperty("WAITS_FOR", "alpha beta")

	b.HandleEvent("/sys/y", true, false, desc)

	names := map[string]bool{}
	for _, l := range client.Loads() {
		names[l.Name] = true
	}
	if !names["alpha"] || !names["beta"] {
		t.Fatalf("expected loads for alpha and beta, got %+v", client.Loads())
	}
	if len(client.Deps()) < 3 { // root wiring + 2 named
		t.Fatalf("expected at least 3 dependency wirings, got %d", len(client.Deps()))
	}
}

func TestHandleEvent_CoalescesRapidEvents(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	client.AutoComplete = false
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { client.Flush(); return nil })

	desc1 := devsource.NewDescriptor("/sys/z", "disk", "z", devsource.ActionAdd).WithTag("chimera")
	desc2 := devsource.NewDescriptor("/sys/z", "disk", "z", devsource.ActionChange).
		WithTag("chimera").WithProperty("WAITS_FOR", "svc")

	b.HandleEvent("/sys/z", true, false, desc1)
	b.HandleEvent("/sys/z", true, false, desc2) // arrives while the first op is in flight

	if !b.IsProcessing("/sys/z") {
		t.Fatal("expected device still processing before flush")
	}

	// Drain every queued callback repeatedly until the coalesced second
	// event's own wiring has also completed.
	for i := 0; i < 10 && b.IsProcessing("/sys/z"); i++ {
		client.Flush()
	}
	if b.IsProcessing("/sys/z") {
		t.Fatal("expected processing to settle after draining the fake client's queue")
	}
}

func TestHandleEvent_UntaggedUntracked_Ignored(t *testing.T) {
	client := supervisorclient.NewFakeClient()
	b := New(client, &fakeNotifier{}, "system")
	_ = b.Start(func() error { return nil })

	desc := devsource.NewDescriptor("/sys/plain", "disk", "plain", devsource.ActionAdd)
	b.HandleEvent("/sys/plain", false, false, desc)

	if len(client.Loads()) != 1 { // only the root-service load from Start
		t.Fatalf("expected no device-service load for an untagged device, got %+v", client.Loads())
	}
}
