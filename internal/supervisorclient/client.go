// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisorclient is the asynchronous RPC client for the Init
// Supervisor referenced by spec.md §6: load_service, close_service_handle,
// add_remove_service_dependency, wake_service, set_service_event_callback,
// dispatch(budget), get_fd(), abort(err). The wire contract is external to
// this repository; this package is the Go binding for it, grounded on the
// teacher's request/callback correlation idiom in lib/command.Future,
// adapted from blocking Matrix-event polling to non-blocking fd dispatch.
package supervisorclient

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Handle is an opaque reference to a loaded service, returned by a
// successful load_service callback. The zero Handle is invalid.
type Handle uint64

// DependencyKind identifies the edge kind wired by
// add_remove_service_dependency. The broker only ever uses soft ("waits
// for") dependencies, but the field exists so the wire encoding matches
// the supervisor's general RPC surface.
type DependencyKind byte

// The one kind this client ever issues.
const DependencySoftWaitsFor DependencyKind = 0

// LoadResult is delivered to a load_service callback.
type LoadResult struct {
	Handle  Handle
	Missing bool // true when allow_missing suppressed a not-found error
	// Started reports whether the service was already in the started
	// state at load-resolution time, mirroring the supervisor's
	// synchronous service-state out-parameter. SupervisorBridge uses
	// this for its step 5 "already started" check (spec.md line 155)
	// instead of waiting on a SetServiceEventCallback notification that
	// may never arrive for a service that started before the load.
	Started bool
	Err     error // non-nil on unrecoverable failure
}

// LoadCallback is invoked exactly once per load_service call, from within
// a Dispatch call.
type LoadCallback func(LoadResult)

// DependencyCallback is invoked exactly once per
// add_remove_service_dependency call.
type DependencyCallback func(err error)

// WakeCallback is invoked exactly once per wake_service call.
type WakeCallback func(err error)

// EventCallback receives out-of-band service lifecycle notifications
// registered via SetServiceEventCallback — e.g. "service started", used
// by SupervisorBridge's step 5 ("already started") check.
type EventCallback func(handle Handle, started bool)

// Client is the RPC surface spec.md §6 requires SupervisorBridge to drive.
// Every call that produces a result is asynchronous: it returns
// immediately, queues a request frame, and invokes its callback from a
// later Dispatch call once the corresponding response frame arrives.
type Client interface {
	// LoadService requests a handle for the named service, creating it
	// synthetically if it does not already exist as a real unit.
	// allowMissing suppresses the not-found error, reporting Missing
	// instead.
	LoadService(name string, allowMissing bool, cb LoadCallback)

	// CloseServiceHandle releases a handle obtained from LoadService.
	// Fire-and-forget: the supervisor does not acknowledge this request.
	CloseServiceHandle(h Handle)

	// AddRemoveServiceDependency wires or unwires a dependency edge of
	// the given kind from subject to target. remove selects which;
	// ignoreMissing suppresses a not-found error on target.
	AddRemoveServiceDependency(subject, target Handle, kind DependencyKind, remove, ignoreMissing bool, cb DependencyCallback)

	// WakeService re-evaluates waiters blocked on h.
	WakeService(h Handle, cb WakeCallback)

	// SetServiceEventCallback registers cb to receive lifecycle events
	// for h. Passing a nil cb deregisters.
	SetServiceEventCallback(h Handle, cb EventCallback)

	// Dispatch drains up to budget complete response/event frames
	// currently available on the session without blocking, invoking
	// their callbacks. It returns the number processed. Called from
	// internal/eventloop step 5 once GetFD is readable.
	Dispatch(budget int) (int, error)

	// GetFD returns the descriptor internal/eventloop should poll for
	// readability.
	GetFD() int

	// Abort tears down the session after an unrecoverable error,
	// per spec.md §4.5's failure semantics.
	Abort(err error) error
}

// ErrAborted is returned by Session.Dispatch, and passed to the callback of
// any request, once the session has been aborted.
var ErrAborted = errors.New("supervisorclient: session aborted")

// request correlates an outgoing frame to the callback that should fire
// when its response arrives, keyed by a uuid string matching the wire
// request_id field — directly grounded on lib/command.Future's
// string-keyed request correlation, minus the blocking wait.
type request struct {
	id   string
	kind frameKind
	load LoadCallback
	dep  DependencyCallback
	wake WakeCallback
}

type frameKind byte

const (
	kindLoad frameKind = iota
	kindDependency
	kindWake
)

// Session is the concrete, non-blocking Client implementation: a
// length-prefixed binary protocol over a single fd, matching the style of
// internal/protocol (fixed header + length-prefixed payload) rather than
// introducing a second wire format philosophy.
type Session struct {
	fd      int
	rw      io.ReadWriter
	pending map[string]*request
	events  map[Handle]EventCallback
	aborted bool

	// readBuf accumulates bytes from partial frame reads across Dispatch
	// calls, since the underlying fd is non-blocking and a frame may
	// arrive split across several readiness notifications.
	readBuf []byte
}

// NewSession wraps an already-connected, non-blocking fd. rw performs the
// actual syscalls (a thin raw-fd wrapper in production, a buffer in
// tests) so Session itself never calls unix.Read/unix.Write directly.
func NewSession(fd int, rw io.ReadWriter) *Session {
	return &Session{
		fd:      fd,
		rw:      rw,
		pending: make(map[string]*request),
		events:  make(map[Handle]EventCallback),
	}
}

func (s *Session) GetFD() int { return s.fd }

func (s *Session) LoadService(name string, allowMissing bool, cb LoadCallback) {
	if s.aborted {
		cb(LoadResult{Err: ErrAborted})
		return
	}
	id := uuid.New().String()
	s.pending[id] = &request{id: id, kind: kindLoad, load: cb}
	s.send(encodeLoadRequest(id, name, allowMissing))
}

func (s *Session) CloseServiceHandle(h Handle) {
	if s.aborted {
		return
	}
	s.send(encodeCloseRequest(h))
}

func (s *Session) AddRemoveServiceDependency(subject, target Handle, kind DependencyKind, remove, ignoreMissing bool, cb DependencyCallback) {
	if s.aborted {
		cb(ErrAborted)
		return
	}
	id := uuid.New().String()
	s.pending[id] = &request{id: id, kind: kindDependency, dep: cb}
	s.send(encodeDependencyRequest(id, subject, target, kind, remove, ignoreMissing))
}

func (s *Session) WakeService(h Handle, cb WakeCallback) {
	if s.aborted {
		cb(ErrAborted)
		return
	}
	id := uuid.New().String()
	s.pending[id] = &request{id: id, kind: kindWake, wake: cb}
	s.send(encodeWakeRequest(id, h))
}

func (s *Session) SetServiceEventCallback(h Handle, cb EventCallback) {
	if cb == nil {
		delete(s.events, h)
		return
	}
	s.events[h] = cb
}

// send writes a frame. A write failure marks the session aborted: the next
// Dispatch call returns ErrAborted, and later requests fail their
// callbacks with ErrAborted at once. Callbacks already pending are not
// invoked by send.
func (s *Session) send(frame []byte) {
	if _, err := s.rw.Write(frame); err != nil {
		s.aborted = true
	}
}

// Dispatch drains up to budget complete frames without blocking. Each
// frame is either a response (matched by request_id to a pending
// callback) or an unsolicited service-event notification (matched by
// handle to a registered EventCallback).
func (s *Session) Dispatch(budget int) (int, error) {
	if s.aborted {
		return 0, ErrAborted
	}
	processed := 0
	for processed < budget {
		frame, ok, err := s.readFrame()
		if err != nil {
			return processed, err
		}
		if !ok {
			break
		}
		s.handleFrame(frame)
		processed++
	}
	return processed, nil
}

// readFrame attempts to extract one complete length-prefixed frame from
// readBuf, topping it up with a single non-blocking read first. A nil,
// false result (with nil error) means no complete frame is available
// right now — the caller should stop dispatching until the fd is ready
// again, never block waiting for more bytes.
func (s *Session) readFrame() ([]byte, bool, error) {
	buf := make([]byte, 4096)
	n, err := s.rw.Read(buf)
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	if n > 0 {
		s.readBuf = append(s.readBuf, buf[:n]...)
	}
	if len(s.readBuf) < 4 {
		return nil, false, nil
	}
	length := binary.LittleEndian.Uint32(s.readBuf[:4])
	if uint32(len(s.readBuf)) < 4+length {
		return nil, false, nil
	}
	frame := s.readBuf[4 : 4+length]
	s.readBuf = s.readBuf[4+length:]
	return frame, true, nil
}

func (s *Session) handleFrame(frame []byte) {
	if len(frame) < 1 {
		return
	}
	switch frameKind(frame[0]) {
	case frameKindEvent:
		handle, started := decodeEventFrame(frame)
		if cb, ok := s.events[handle]; ok {
			cb(handle, started)
		}
	default:
		id, result := decodeResponseFrame(frame)
		req, ok := s.pending[id]
		if !ok {
			return
		}
		delete(s.pending, id)
		dispatchResult(req, result)
	}
}

func dispatchResult(req *request, result decodedResult) {
	switch req.kind {
	case kindLoad:
		req.load(LoadResult{Handle: result.handle, Missing: result.missing, Started: result.started, Err: result.err})
	case kindDependency:
		req.dep(result.err)
	case kindWake:
		req.wake(result.err)
	}
}

// Abort fails every pending callback with err, marks the session unusable,
// and closes the underlying transport if it supports io.Closer.
func (s *Session) Abort(err error) error {
	if s.aborted {
		return nil
	}
	s.aborted = true
	for id, req := range s.pending {
		delete(s.pending, id)
		dispatchResult(req, decodedResult{err: fmt.Errorf("supervisorclient: aborted: %w", err)})
	}
	if closer, ok := s.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
