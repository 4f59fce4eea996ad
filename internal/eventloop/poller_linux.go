// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package eventloop

import "golang.org/x/sys/unix"

// epollPoller is the real Poller, grounded on raw golang.org/x/sys/unix
// epoll calls rather than net's runtime-managed poller, matching
// spec.md §5's single-threaded, explicitly-non-blocking model.
type epollPoller struct {
	epfd int
}

// NewPoller constructs the production epoll-backed Poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd}, nil
}

func (p *epollPoller) Add(fd int) error {
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event)
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Wait(dst []Event) ([]Event, error) {
	var raw [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, raw[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return dst, err
		}
		for i := 0; i < n; i++ {
			hangup := raw[i].Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0
			dst = append(dst, Event{FD: int(raw[i].Fd), Hangup: hangup})
		}
		return dst, nil
	}
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
