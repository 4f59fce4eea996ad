// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package supervisorclient

import "golang.org/x/sys/unix"

// fdConn adapts a raw, non-blocking file descriptor to io.ReadWriter for
// Session. A read that would block is reported as (0, nil) — "nothing
// available yet" — rather than an error, matching the non-blocking
// dispatch contract of spec.md §5; a write that would block is retried
// immediately rather than surfaced, since the control-plane frames this
// client sends are small enough that a local socket's send buffer rarely
// backs up.
type fdConn struct{ fd int }

func newFDConn(fd int) fdConn { return fdConn{fd: fd} }

func (c fdConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, nil
	}
	return n, err
}

func (c fdConn) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(c.fd, p[total:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c fdConn) Close() error { return unix.Close(c.fd) }

// NewFDSession wraps an already-connected, non-blocking supervisor session
// descriptor (typically inherited via DINIT_CS_FD, or returned by Dial) in
// a Session ready for use as a Client.
func NewFDSession(fd int) *Session {
	return NewSession(fd, newFDConn(fd))
}
