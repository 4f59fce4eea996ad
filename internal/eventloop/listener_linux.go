// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// NewControlSocket creates, binds, and listens on a Unix-domain stream
// socket at path with access mode 0700, per spec.md §4.6. The returned
// fd is non-blocking and close-on-exec.
func NewControlSocket(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Chmod(path, 0700); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// AcceptAll drains every currently-pending connection on listenerFD with
// a non-blocking accept loop, per spec.md §4.6 step 3. It is the accept
// function cmd/devicebroker passes to New.
func AcceptAll(listenerFD int) ([]int, error) {
	var fds []int
	for {
		fd, _, err := unix.Accept4(listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return fds, nil
			}
			return fds, err
		}
		fds = append(fds, fd)
	}
}
