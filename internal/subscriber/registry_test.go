// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/dinit-contrib/devicebroker/internal/devicetable"
	"github.com/dinit-contrib/devicebroker/internal/devsource"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
)

// fakeIO is an in-memory Writer: each fd has an inbound byte queue (fed by
// the test to simulate client writes) and an outbound byte log (what the
// Registry wrote back), so tests never touch a real socket.
type fakeIO struct {
	inbound  map[int][]byte
	outbound map[int][]byte
	closed   map[int]bool
	failNext map[int]bool
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		inbound:  make(map[int][]byte),
		outbound: make(map[int][]byte),
		closed:   make(map[int]bool),
		failNext: make(map[int]bool),
	}
}

func (f *fakeIO) feed(fd int, b []byte) {
	f.inbound[fd] = append(f.inbound[fd], b...)
}

func (f *fakeIO) Read(fd int, buf []byte) (int, error) {
	data := f.inbound[fd]
	if len(data) == 0 {
		return 0, errors.New("fakeIO: no data queued")
	}
	n := copy(buf, data)
	f.inbound[fd] = data[n:]
	return n, nil
}

func (f *fakeIO) Write(fd int, buf []byte) (int, error) {
	if f.failNext[fd] {
		return 0, errors.New("fakeIO: simulated write failure")
	}
	f.outbound[fd] = append(f.outbound[fd], buf...)
	return len(buf), nil
}

func (f *fakeIO) Close(fd int) error {
	f.closed[fd] = true
	return nil
}

func newTestTable() *devicetable.Table {
	return devicetable.New(devicetable.Config{Tags: []string{"chimera"}}, noopNotifier{}, noopBridge{})
}

type noopNotifier struct{}

func (noopNotifier) Notify(protocol.Tag, string, protocol.Status) {}

type noopBridge struct{}

func (noopBridge) HandleEvent(string, bool, bool, devsource.Descriptor) {}

func frame(tag string, length uint16) []byte {
	h := protocol.Handshake{Tag: protocol.Tag(tag), DataLength: length}
	wire := h.Encode()
	return wire[:]
}

func TestRegistry_HandshakeAndQuery_SplitAcrossReads(t *testing.T) {
	tbl := newTestTable()
	devnode := "/dev/ttyS0"
	desc := devsource.NewDescriptor("/sys/x", "tty", "ttyS0", devsource.ActionAdd)
	desc.Devnode = &devnode
	tbl.OnAdd(desc)

	io := newFakeIO()
	r := New(tbl, nil, io, slog.Default(), nil)

	const fd = 7
	r.Accept(fd)

	full := frame("dev", uint16(len(devnode)))
	io.feed(fd, full[:protocol.HeaderSize])
	r.Readable(fd)

	io.feed(fd, full[protocol.HeaderSize:])
	r.Readable(fd)

	io.feed(fd, []byte(devnode))
	r.Readable(fd)

	got := io.outbound[fd]
	if len(got) != 1 || protocol.Status(got[0]) != protocol.Available {
		t.Fatalf("expected single Available byte, got %v", got)
	}
}

func TestRegistry_UnknownDevice_InitiallyUnavailable(t *testing.T) {
	tbl := newTestTable()
	io := newFakeIO()
	r := New(tbl, nil, io, slog.Default(), nil)

	const fd = 3
	r.Accept(fd)
	full := frame("dev", 9)
	io.feed(fd, full[:])
	io.feed(fd, []byte("/dev/sda1"))
	r.Readable(fd) // header
	r.Readable(fd) // length
	r.Readable(fd) // data -> activate

	got := io.outbound[fd]
	if len(got) != 1 || protocol.Status(got[0]) != protocol.Unavailable {
		t.Fatalf("expected Unavailable, got %v", got)
	}
}

func TestRegistry_BadMagic_Evicts(t *testing.T) {
	tbl := newTestTable()
	io := newFakeIO()
	evicted := false
	r := New(tbl, nil, io, slog.Default(), func(fd int) { evicted = true })

	const fd = 9
	r.Accept(fd)
	bad := frame("dev", 9)
	bad[0] = 0x00
	io.feed(fd, bad[:protocol.HeaderSize])
	r.Readable(fd)

	if !evicted || !io.closed[fd] {
		t.Fatalf("expected eviction on bad magic")
	}
	if r.Count() != 0 {
		t.Fatalf("expected connection removed from registry")
	}
}

func TestRegistry_WriteFailure_Evicts(t *testing.T) {
	tbl := newTestTable()
	io := newFakeIO()
	r := New(tbl, nil, io, slog.Default(), nil)

	const fd = 11
	r.Accept(fd)
	io.failNext[fd] = true
	full := frame("sys", 5)
	io.feed(fd, full[:])
	io.feed(fd, []byte("/sys/"))
	r.Readable(fd)
	r.Readable(fd)
	r.Readable(fd)

	if !io.closed[fd] {
		t.Fatal("expected connection closed after write failure")
	}
}

func TestRegistry_Notify_MatchesActiveSubscription(t *testing.T) {
	tbl := newTestTable()
	io := newFakeIO()
	r := New(tbl, nil, io, slog.Default(), nil)

	const fd = 5
	r.Accept(fd)
	full := frame("netif", 4)
	io.feed(fd, full[:])
	io.feed(fd, []byte("eth0"))
	r.Readable(fd)
	r.Readable(fd)
	r.Readable(fd)
	io.outbound[fd] = nil // clear initial reply

	r.Notify(protocol.TagNetif, "eth0", protocol.Unavailable)
	r.Notify(protocol.TagNetif, "eth1", protocol.Available) // should not match

	got := io.outbound[fd]
	if len(got) != 1 || protocol.Status(got[0]) != protocol.Unavailable {
		t.Fatalf("expected exactly one Unavailable notification, got %v", got)
	}
}

type stubProbe struct{ processing bool }

func (s stubProbe) IsProcessing(string) bool { return s.processing }

func TestRegistry_TaggedDevice_ProcessingGatesInitialReply(t *testing.T) {
	tbl := devicetable.New(devicetable.Config{Tags: []string{"chimera"}}, noopNotifier{}, noopBridge{})
	desc := devsource.NewDescriptor("/sys/gated", "disk", "gated", devsource.ActionAdd).WithTag("chimera")
	tbl.OnAdd(desc)

	io := newFakeIO()
	r := New(tbl, stubProbe{processing: true}, io, slog.Default(), nil)

	const fd = 21
	r.Accept(fd)
	full := frame("sys", uint16(len(desc.Syspath)))
	io.feed(fd, full[:])
	io.feed(fd, []byte(desc.Syspath))
	r.Readable(fd)
	r.Readable(fd)
	r.Readable(fd)

	got := io.outbound[fd]
	if len(got) != 1 || protocol.Status(got[0]) != protocol.Unavailable {
		t.Fatalf("expected processing gate to force Unavailable, got %v", got)
	}
}
