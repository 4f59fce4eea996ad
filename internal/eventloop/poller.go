// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop implements the broker's single-threaded, level-triggered
// readiness loop (spec.md §4.6): one wait call multiplexes the signal
// self-pipe, the listener socket, every DeviceSource monitor descriptor,
// the supervisor RPC session fd, and all accepted connections. No locks
// are used anywhere in this package, and the only goroutine is
// SignalPipe's signal relay (see signalpipe.go).
package eventloop

// Event reports one descriptor's readiness after a Poller.Wait call.
type Event struct {
	FD     int
	Hangup bool // peer closed or an error condition was reported
}

// Poller is the narrow epoll-equivalent contract Loop depends on, kept
// separate from the golang.org/x/sys/unix types so the loop body is
// testable with a fake poller and so only one file (poller_linux.go)
// touches raw epoll syscalls.
type Poller interface {
	// Add registers fd for read-readiness notifications.
	Add(fd int) error
	// Remove deregisters fd. Removing an fd not currently registered is
	// a no-op.
	Remove(fd int) error
	// Wait blocks until at least one registered descriptor is ready (or
	// forever, since the broker has no timeouts) and appends ready
	// events to dst, returning the extended slice.
	Wait(dst []Event) ([]Event, error)
	// Close releases the poller's own resources (e.g. the epoll fd).
	Close() error
}
