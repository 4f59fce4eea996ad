// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the device availability broker's runtime
// configuration: the small set of environment variables spec.md §6 names
// as the broker's external contract, plus an optional YAML override file
// for the subsystem and tag lists, in the teacher's layered-config idiom
// (lib/config.Config: env/flag selects the file, YAML fills in the
// rest).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SocketPath is the control socket's default location, per spec.md §6.
const SocketPath = "/run/devicebroker.sock"

// ContainerSentinelPath duplicates the path internal/devsource checks; it
// is kept here too because dummy-mode resolution is ultimately a config
// decision, combining the environment with the sentinel's presence.
const ContainerSentinelPath = "/run/dinit/container"

// DefaultSupervisorSocketPath is where the broker connects when
// DINIT_CS_FD is not set, per spec.md §6's "otherwise connect to the
// system default."
const DefaultSupervisorSocketPath = "/run/dinitctl"

// Config is the broker's resolved runtime configuration.
type Config struct {
	// DummyMode forces the broker to run with no-op DeviceSource
	// adapters (spec.md §4.2's dummy mode), set by DINIT_DEVMON_DUMMY_MODE,
	// DINIT_CONTAINER=1, or the container sentinel file.
	DummyMode bool

	// SupervisorFD is the inherited supervisor session descriptor named
	// by DINIT_CS_FD, or -1 if unset (meaning: connect to the system
	// default control socket instead).
	SupervisorFD int

	// RootServiceName is the service device-services are wired under,
	// from DINIT_SYSTEM_SERVICE, defaulting to "system".
	RootServiceName string

	// SocketPath is the broker's own control socket path.
	SocketPath string

	// Subsystems is the closed set of kernel subsystems always tracked
	// by the primary DeviceSource filter (spec.md §4.2).
	Subsystems []string

	// Tags is the set of opt-in tags the secondary DeviceSource filter
	// and DeviceTable watch for (spec.md §4.3, §4.5).
	Tags []string
}

// defaultSubsystems and defaultTags match spec.md §4.2/§4.3's examples;
// deployments override them via the YAML file named by
// DINIT_DEVMON_CONFIG.
var (
	defaultSubsystems = []string{"block", "tty", "net", "usb"}
	defaultTags       = []string{"chimera"}
)

// overrideFile is the optional YAML document shape consumed from the
// path named by DINIT_DEVMON_CONFIG, matching the teacher's pattern of a
// thin override layer on top of environment-derived defaults.
type overrideFile struct {
	Subsystems []string `yaml:"subsystems"`
	Tags       []string `yaml:"tags"`
}

// Load resolves Config from the process environment and, if
// DINIT_DEVMON_CONFIG names a readable file, from its YAML contents.
func Load() (Config, error) {
	cfg := Config{
		SupervisorFD:    -1,
		RootServiceName: "system",
		SocketPath:      SocketPath,
		Subsystems:      defaultSubsystems,
		Tags:            defaultTags,
	}

	if _, set := os.LookupEnv("DINIT_DEVMON_DUMMY_MODE"); set {
		cfg.DummyMode = true
	}
	if v := os.Getenv("DINIT_CONTAINER"); v == "1" {
		cfg.DummyMode = true
	}
	if _, err := os.Stat(ContainerSentinelPath); err == nil {
		cfg.DummyMode = true
	}

	if v := os.Getenv("DINIT_CS_FD"); v != "" {
		fd, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DINIT_CS_FD=%q is not a valid descriptor: %w", v, err)
		}
		cfg.SupervisorFD = fd
	}

	if v := os.Getenv("DINIT_SYSTEM_SERVICE"); v != "" {
		cfg.RootServiceName = v
	}

	if path := os.Getenv("DINIT_DEVMON_CONFIG"); path != "" {
		if err := applyOverrideFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func applyOverrideFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var override overrideFile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if len(override.Subsystems) > 0 {
		cfg.Subsystems = override.Subsystems
	}
	if len(override.Tags) > 0 {
		cfg.Tags = override.Tags
	}
	return nil
}
