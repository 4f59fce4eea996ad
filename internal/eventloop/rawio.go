// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package eventloop

import "golang.org/x/sys/unix"

// RawIO is the internal/subscriber.Writer implementation used in
// production: every operation is a direct, non-blocking syscall on the
// given fd, with no buffering and no net.Conn involved, per spec.md §5's
// single-threaded, explicitly-non-blocking model.
type RawIO struct{}

func (RawIO) Read(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func (RawIO) Write(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

func (RawIO) Close(fd int) error {
	return unix.Close(fd)
}
