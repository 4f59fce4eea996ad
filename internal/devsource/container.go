// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package devsource

import "os"

// ContainerSentinelPath is the file the broker treats as proof it is
// running inside a container managed by the Init Supervisor bundle, per
// spec.md §6.
const ContainerSentinelPath = "/run/dinit/container"

// InContainer reports whether the process appears to be running inside a
// container: either the DINIT_CONTAINER environment variable is exactly
// "1", or the sentinel file exists. Neither check requires root or any
// adapter library, so it is safe to call before deciding which Source
// implementation to construct.
func InContainer() bool {
	if os.Getenv("DINIT_CONTAINER") == "1" {
		return true
	}
	_, err := os.Stat(ContainerSentinelPath)
	return err == nil
}
