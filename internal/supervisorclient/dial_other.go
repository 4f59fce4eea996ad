// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package supervisorclient

import "fmt"

// Dial is unavailable outside Linux, matching the real_other.go pattern in
// internal/devsource; without DINIT_CS_FD the broker then fails to start.
func Dial(path string) (int, error) {
	return -1, fmt.Errorf("supervisorclient: Dial is only available on linux")
}
