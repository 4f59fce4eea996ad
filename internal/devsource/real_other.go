// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package devsource

import "fmt"

// NewRealSource is unavailable outside Linux: there is no kernel device
// model to adapt. Callers fall back to NewDummySource, matching spec.md
// §4.2's "dummy mode" rule for hosts without the adapter library.
func NewRealSource() (Source, error) {
	return nil, fmt.Errorf("devsource: real adapter is only available on linux")
}
