// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package supervisorclient

import "golang.org/x/sys/unix"

// Dial connects to the Init Supervisor's control socket at path, returning
// a non-blocking, close-on-exec descriptor ready for NewFDSession. Used
// when DINIT_CS_FD is not set and the broker must reach the supervisor's
// well-known socket itself.
func Dial(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
