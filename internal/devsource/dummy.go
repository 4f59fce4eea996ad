// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devsource

import (
	"context"
	"os"
)

// NewDummySource returns a Source that enumerates no devices and never
// produces monitor events. It is selected whenever the broker determines
// it is running in a container, the real adapter's prerequisites are
// unavailable, or dummy mode is forced via configuration (see
// internal/config). In dummy mode every query against the DeviceTable
// resolves as "not available", but the control socket and supervisor
// integration remain fully functional.
func NewDummySource() Source {
	return dummySource{}
}

type dummySource struct{}

func (dummySource) Enumerate(ctx context.Context, filter Filter) ([]Descriptor, error) {
	return nil, nil
}

func (dummySource) Monitor(filter Filter) (Monitor, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	// The write end is kept open and never written to, so the read end
	// never becomes readable and the event loop has a stable, never-ready
	// file descriptor to poll.
	return &dummyMonitor{r: r, w: w}, nil
}

func (dummySource) Dummy() bool { return true }

func (dummySource) Close() error { return nil }

type dummyMonitor struct {
	r *os.File
	w *os.File
}

func (m *dummyMonitor) FD() int { return int(m.r.Fd()) }

func (m *dummyMonitor) NextEvent() (Descriptor, bool, error) {
	return Descriptor{}, false, nil
}

func (m *dummyMonitor) Close() error {
	m.w.Close()
	return m.r.Close()
}
