// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisorclient

// FakeClient is a synchronous test double for Client: every call is
// recorded and, unless the test configures otherwise, its callback fires
// immediately rather than waiting for a later Dispatch — letting
// supervisorbridge tests drive callback timing explicitly by setting
// AutoComplete false and firing queued callbacks manually via Flush.
type FakeClient struct {
	AutoComplete bool

	// StartedFor, keyed by service name, reports Started on a
	// LoadService response for that name — lets a test simulate a
	// service that was already running at load-resolution time.
	StartedFor map[string]bool

	nextHandle Handle
	loads      []FakeLoadCall
	deps       []FakeDependencyCall
	wakes      []FakeWakeCall
	events     map[Handle]EventCallback

	queue []func()
}

// FakeLoadCall records one LoadService invocation.
type FakeLoadCall struct {
	Name         string
	AllowMissing bool
	Callback     LoadCallback
	Handle       Handle
}

// FakeDependencyCall records one AddRemoveServiceDependency invocation.
type FakeDependencyCall struct {
	Subject, Target Handle
	Kind            DependencyKind
	Remove          bool
	IgnoreMissing   bool
	Callback        DependencyCallback
}

// FakeWakeCall records one WakeService invocation.
type FakeWakeCall struct {
	Handle   Handle
	Callback WakeCallback
}

// NewFakeClient returns a FakeClient that completes every call
// synchronously and successfully, unless the test mutates its fields
// before or after each call.
func NewFakeClient() *FakeClient {
	return &FakeClient{AutoComplete: true, events: make(map[Handle]EventCallback)}
}

func (f *FakeClient) LoadService(name string, allowMissing bool, cb LoadCallback) {
	f.nextHandle++
	h := f.nextHandle
	call := FakeLoadCall{Name: name, AllowMissing: allowMissing, Callback: cb, Handle: h}
	f.loads = append(f.loads, call)
	started := f.StartedFor[name]
	if f.AutoComplete {
		cb(LoadResult{Handle: h, Started: started})
		return
	}
	f.queue = append(f.queue, func() { cb(LoadResult{Handle: h, Started: started}) })
}

func (f *FakeClient) CloseServiceHandle(h Handle) {}

func (f *FakeClient) AddRemoveServiceDependency(subject, target Handle, kind DependencyKind, remove, ignoreMissing bool, cb DependencyCallback) {
	f.deps = append(f.deps, FakeDependencyCall{
		Subject: subject, Target: target, Kind: kind,
		Remove: remove, IgnoreMissing: ignoreMissing, Callback: cb,
	})
	if f.AutoComplete {
		cb(nil)
		return
	}
	f.queue = append(f.queue, func() { cb(nil) })
}

func (f *FakeClient) WakeService(h Handle, cb WakeCallback) {
	f.wakes = append(f.wakes, FakeWakeCall{Handle: h, Callback: cb})
	if f.AutoComplete {
		cb(nil)
		return
	}
	f.queue = append(f.queue, func() { cb(nil) })
}

func (f *FakeClient) SetServiceEventCallback(h Handle, cb EventCallback) {
	if cb == nil {
		delete(f.events, h)
		return
	}
	f.events[h] = cb
}

// Fire invokes the registered event callback for h, simulating an
// unsolicited "service started" notification from the supervisor.
func (f *FakeClient) Fire(h Handle, started bool) {
	if cb, ok := f.events[h]; ok {
		cb(h, started)
	}
}

// Flush runs every queued callback in call order, draining the queue.
// Used when AutoComplete is false to control exactly when each
// in-flight operation completes.
func (f *FakeClient) Flush() {
	pending := f.queue
	f.queue = nil
	for _, fn := range pending {
		fn()
	}
}

func (f *FakeClient) Dispatch(budget int) (int, error) { return 0, nil }

func (f *FakeClient) GetFD() int { return -1 }

func (f *FakeClient) Abort(err error) error { return nil }

// Loads, Deps, Wakes expose the recorded calls for test assertions.
func (f *FakeClient) Loads() []FakeLoadCall      { return f.loads }
func (f *FakeClient) Deps() []FakeDependencyCall { return f.deps }
func (f *FakeClient) Wakes() []FakeWakeCall      { return f.wakes }
