// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package eventloop

import "errors"

// NewPoller is unsupported outside Linux: the broker's event loop is
// fundamentally an epoll consumer, matching spec.md's non-systemd Linux
// init supervisor scope.
func NewPoller() (Poller, error) {
	return nil, errors.New("eventloop: epoll-based poller is only supported on linux")
}
