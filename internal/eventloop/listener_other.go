// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package eventloop

import "errors"

// NewControlSocket is unsupported outside Linux, matching NewPoller's
// scope restriction in poller_other.go.
func NewControlSocket(path string) (int, error) {
	return -1, errors.New("eventloop: control socket is only supported on linux")
}

// AcceptAll is unsupported outside Linux; see NewControlSocket.
func AcceptAll(listenerFD int) ([]int, error) {
	return nil, errors.New("eventloop: accept is only supported on linux")
}
