// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package eventloop

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalPipe bridges os/signal's channel-based delivery into a readable
// fd the epoll loop can multiplex, per spec.md §4.6's "signal self-pipe
// (carries byte-encoded SIGTERM/SIGINT)". One small goroutine is
// unavoidable here — Go delivers OS signals over a channel, not a file
// descriptor — but it does no work beyond translating a channel receive
// into a one-byte pipe write; all actual event handling still happens on
// the single event-loop thread that reads the other end.
type SignalPipe struct {
	readFD  int
	writeFD int
	ch      chan os.Signal
}

// NewSignalPipe creates the pipe, starts watching SIGTERM/SIGINT, and
// returns the pipe. Call Stop to undo both.
func NewSignalPipe() (*SignalPipe, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	sp := &SignalPipe{readFD: fds[0], writeFD: fds[1], ch: make(chan os.Signal, 2)}
	signal.Notify(sp.ch, syscall.SIGTERM, syscall.SIGINT)
	go sp.relay()
	return sp, nil
}

func (sp *SignalPipe) relay() {
	for range sp.ch {
		unix.Write(sp.writeFD, []byte{1})
	}
}

// FD returns the read end to register with the poller.
func (sp *SignalPipe) FD() int { return sp.readFD }

// Drain reads and discards every byte currently queued, per spec.md
// §4.6 step 2 ("read the pending bytes and drain").
func (sp *SignalPipe) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(sp.readFD, buf[:])
		if err != nil || n == 0 {
			return
		}
	}
}

// Stop deregisters the signal channel and closes both ends of the pipe.
func (sp *SignalPipe) Stop() {
	signal.Stop(sp.ch)
	close(sp.ch)
	unix.Close(sp.readFD)
	unix.Close(sp.writeFD)
}
