// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package subscriber implements the per-connection handshake state machine
// and query resolution described in spec.md §4.4: accept a connection,
// parse its handshake and query, reply with the current status, and keep
// it updated as the matching device's availability changes.
//
// Registry is driven exclusively by internal/eventloop; it holds no locks
// and starts no goroutines, matching the broker's single-threaded model.
package subscriber

import (
	"errors"
	"io"
	"log/slog"

	"github.com/dinit-contrib/devicebroker/internal/devicetable"
	"github.com/dinit-contrib/devicebroker/internal/protocol"
)

// state is the connection's position in the four-stage handshake lifecycle
// of spec.md §4.4.
type state int

const (
	stateHandshakePending state = iota
	stateLengthPending
	stateDataPending
	stateActive
)

// Conn is one accepted connection and its accumulated protocol state.
// Only Registry reads or mutates it.
type Conn struct {
	FD int

	state state
	tag   protocol.Tag

	lengthBuf [2]byte
	lengthLen int

	dataLength int
	data       []byte

	value string // fully decoded query value, set on entering stateActive
}

// Active reports whether the connection has completed its handshake and
// query and is now an established subscription.
func (c *Conn) Active() bool { return c.state == stateActive }

// ProcessingProbe lets Registry gate a tagged device's initial reply
// behind the supervisor bridge's in-flight operation, per spec.md §4.3:
// "While processing == true the Device reports not yet ready for new
// subscriptions even if removed == false." Implemented by
// internal/supervisorbridge.Bridge.
type ProcessingProbe interface {
	IsProcessing(syspath string) bool
}

// Writer abstracts the non-blocking byte-stream write used both for the
// initial reply and for later notifications, and the close/read needed to
// drive the handshake. Implemented by a thin raw-fd wrapper in
// internal/eventloop so this package stays testable without real sockets.
type Writer interface {
	Read(fd int, buf []byte) (n int, err error)
	Write(fd int, buf []byte) (n int, err error)
	Close(fd int) error
}

// Registry tracks every active connection and resolves notifications
// against them.
type Registry struct {
	table   *devicetable.Table
	probe   ProcessingProbe
	io      Writer
	logger  *slog.Logger
	conns   map[int]*Conn
	onEvict func(fd int)
}

// New constructs a Registry. onEvict, if non-nil, is called whenever a
// connection is removed (error, disconnect, or write failure) so
// internal/eventloop can drop it from its own descriptor list.
func New(table *devicetable.Table, probe ProcessingProbe, io Writer, logger *slog.Logger, onEvict func(fd int)) *Registry {
	return &Registry{
		table:   table,
		probe:   probe,
		io:      io,
		logger:  logger,
		conns:   make(map[int]*Conn),
		onEvict: onEvict,
	}
}

// Accept registers a newly-accepted connection in stateHandshakePending.
func (r *Registry) Accept(fd int) {
	r.conns[fd] = &Conn{FD: fd}
}

// Count returns the number of tracked connections, active or not.
func (r *Registry) Count() int { return len(r.conns) }

// Disconnect removes fd unconditionally — used when the event loop sees a
// hangup/error condition on the descriptor directly, without attempting
// any further read.
func (r *Registry) Disconnect(fd int) {
	r.evict(fd, nil)
}

// Readable advances fd's state machine by one step in response to a
// readiness notification. Any protocol violation or I/O error evicts the
// connection; spec.md §7 treats all of these as connection-scoped, never
// fatal to the broker.
func (r *Registry) Readable(fd int) {
	c, ok := r.conns[fd]
	if !ok {
		return
	}
	switch c.state {
	case stateHandshakePending:
		r.readHeader(c)
	case stateLengthPending:
		r.readLength(c)
	case stateDataPending:
		r.readData(c)
	case stateActive:
		// The client never sends anything after its query; a further
		// readable event in this state means EOF/hangup.
		r.evict(fd, nil)
	}
}

func (r *Registry) readHeader(c *Conn) {
	buf := make([]byte, protocol.HeaderSize)
	n, err := r.io.Read(c.FD, buf)
	if err != nil {
		r.evict(c.FD, err)
		return
	}
	if n == 0 {
		r.evict(c.FD, io.EOF)
		return
	}
	tag, decodeErr := protocol.DecodeHeader(buf[:n])
	if decodeErr != nil {
		r.logger.Warn("rejecting connection: bad handshake header", "fd", c.FD, "error", decodeErr)
		r.evict(c.FD, decodeErr)
		return
	}
	c.tag = tag
	c.state = stateLengthPending
}

func (r *Registry) readLength(c *Conn) {
	n, err := r.io.Read(c.FD, c.lengthBuf[c.lengthLen:])
	if err != nil {
		r.evict(c.FD, err)
		return
	}
	if n == 0 {
		r.evict(c.FD, io.EOF)
		return
	}
	c.lengthLen += n
	if c.lengthLen < 2 {
		return
	}
	length, decodeErr := protocol.DecodeLength(c.lengthBuf[:])
	if decodeErr != nil {
		r.logger.Warn("rejecting connection: bad query length", "fd", c.FD, "error", decodeErr)
		r.evict(c.FD, decodeErr)
		return
	}
	c.dataLength = int(length)
	c.data = make([]byte, 0, c.dataLength)
	c.state = stateDataPending
}

func (r *Registry) readData(c *Conn) {
	remaining := c.dataLength - len(c.data)
	buf := make([]byte, remaining)
	n, err := r.io.Read(c.FD, buf)
	if err != nil {
		r.evict(c.FD, err)
		return
	}
	if n == 0 {
		r.evict(c.FD, io.EOF)
		return
	}
	if n > remaining {
		// Cannot happen with a correctly-sized read, but guards the
		// excess-data rule from spec.md §4.4 defensively.
		r.evict(c.FD, protocol.ErrExcessData)
		return
	}
	c.data = append(c.data, buf[:n]...)
	if len(c.data) < c.dataLength {
		return
	}
	c.value = string(c.data)
	c.data = nil
	c.activate(r)
}

// activate transitions c into stateActive and writes its one mandatory
// initial reply.
func (c *Conn) activate(r *Registry) {
	c.state = stateActive
	status := r.resolve(c.tag, c.value)
	r.write(c, status)
}

// resolve computes the current status for a tag/value query, applying the
// processing gate of spec.md §4.3 for devices that have ever carried an
// opt-in tag.
func (r *Registry) resolve(tag protocol.Tag, value string) protocol.Status {
	syspath, available, hasTag := r.table.Resolve(tag, value)
	if !available {
		return protocol.Unavailable
	}
	if hasTag && r.probe != nil && r.probe.IsProcessing(syspath) {
		return protocol.Unavailable
	}
	return protocol.Available
}

// Notify is called by internal/devicetable and internal/supervisorbridge
// whenever a device transitions. Every ACTIVE connection whose query
// matches tag/value receives exactly one status byte, in the order
// Registry iterates them — callers are responsible for calling Notify in
// table-mutation order so the per-mutation ordering guarantee of spec.md §5
// holds.
func (r *Registry) Notify(tag protocol.Tag, value string, status protocol.Status) {
	for _, c := range r.conns {
		if !c.Active() || c.tag != tag {
			continue
		}
		if !r.matches(c, value) {
			continue
		}
		r.write(c, status)
	}
}

// matches reports whether connection c's stored query value refers to the
// same device as the notification's value. For "dev" queries this reapplies
// the symlink-resolution rule of spec.md §4.3 so a subscription keyed by a
// symlink (e.g. /dev/disk/by-label/root) still matches a notification keyed
// by the resolved device node.
func (r *Registry) matches(c *Conn, value string) bool {
	if c.value == value {
		return true
	}
	if c.tag == protocol.TagDev {
		return r.table.ResolveDevNode(c.value) == value
	}
	return false
}

// write sends a single status byte to c. Any outcome other than a full
// immediate write — including EAGAIN, per spec.md §4.4's "never blocks on
// a slow subscriber" policy — evicts the connection rather than buffering
// or retrying.
func (r *Registry) write(c *Conn, status protocol.Status) {
	buf := [1]byte{byte(status)}
	n, err := r.io.Write(c.FD, buf[:])
	if err != nil || n != len(buf) {
		r.evict(c.FD, err)
		return
	}
}

func (r *Registry) evict(fd int, cause error) {
	if _, ok := r.conns[fd]; !ok {
		return
	}
	delete(r.conns, fd)
	if err := r.io.Close(fd); err != nil && r.logger != nil {
		r.logger.Debug("error closing connection fd", "fd", fd, "error", err)
	}
	if cause != nil && r.logger != nil && !errors.Is(cause, io.EOF) {
		r.logger.Debug("connection closed", "fd", fd, "cause", cause)
	}
	if r.onEvict != nil {
		r.onEvict(fd)
	}
}
