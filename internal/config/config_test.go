// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DINIT_DEVMON_DUMMY_MODE", "DINIT_CONTAINER", "DINIT_CS_FD",
		"DINIT_SYSTEM_SERVICE", "DINIT_DEVMON_CONFIG",
	} {
		old, had := os.LookupEnv(key)
		os.Unsetenv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, old)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DummyMode {
		t.Fatal("expected dummy mode false by default")
	}
	if cfg.RootServiceName != "system" {
		t.Fatalf("expected default root service \"system\", got %q", cfg.RootServiceName)
	}
	if cfg.SupervisorFD != -1 {
		t.Fatalf("expected unset supervisor fd to be -1, got %d", cfg.SupervisorFD)
	}
}

func TestLoad_ContainerEnvForcesDummyMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("DINIT_CONTAINER", "1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.DummyMode {
		t.Fatal("expected DINIT_CONTAINER=1 to force dummy mode")
	}
}

func TestLoad_CSFDParsed(t *testing.T) {
	clearEnv(t)
	os.Setenv("DINIT_CS_FD", "7")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SupervisorFD != 7 {
		t.Fatalf("expected fd 7, got %d", cfg.SupervisorFD)
	}
}

func TestLoad_InvalidCSFD(t *testing.T) {
	clearEnv(t)
	os.Setenv("DINIT_CS_FD", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric DINIT_CS_FD")
	}
}

func TestLoad_OverrideFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "devmon.yaml")
	if err := os.WriteFile(path, []byte("subsystems: [block]\ntags: [legacy, chimera]\n"), 0644); err != nil {
		t.Fatalf("unexpected error writing fixture: %v", err)
	}
	os.Setenv("DINIT_DEVMON_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Subsystems) != 1 || cfg.Subsystems[0] != "block" {
		t.Fatalf("expected override subsystems [block], got %v", cfg.Subsystems)
	}
	if len(cfg.Tags) != 2 {
		t.Fatalf("expected 2 override tags, got %v", cfg.Tags)
	}
}
