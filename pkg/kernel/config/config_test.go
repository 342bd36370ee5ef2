package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadDefaultsDriverEngineToV1(t *testing.T) {
	path := writeConfig(t, "workspace_root: /tmp/ws\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DriverEngine != DriverEngineV1 {
		t.Errorf("DriverEngine = %q, want v1", cfg.DriverEngine)
	}
	if cfg.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("WorkspaceRoot = %q", cfg.WorkspaceRoot)
	}
}

func TestLoadRejectsDriverEngineV2(t *testing.T) {
	path := writeConfig(t, "driver_engine: v2\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for unimplemented driver_engine v2, got nil")
	}
}

func TestLoadRejectsUnknownDriverEngine(t *testing.T) {
	path := writeConfig(t, "driver_engine: vortex\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for unknown driver_engine, got nil")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	os.Setenv("KERNEL_TEST_DSN", "file:test.db")
	defer os.Unsetenv("KERNEL_TEST_DSN")

	path := writeConfig(t, "domain:\n  registry_mirror_dsn: \"${KERNEL_TEST_DSN}\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Domain.RegistryMirrorDSN != "file:test.db" {
		t.Errorf("RegistryMirrorDSN = %q, want expanded env value", cfg.Domain.RegistryMirrorDSN)
	}
}

func TestToDriverConfigProjectsFields(t *testing.T) {
	path := writeConfig(t, `
max_retries: 5
per_drive_iteration_cap: 10
tool_timeout_seconds: 30
diligence:
  max_budget: 4
  generic_file: /etc/kernel/diligence.md
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	dc := cfg.ToDriverConfig()
	if dc.MaxRetries != 5 || dc.PerDriveIterationCap != 10 {
		t.Errorf("driver config = %+v", dc)
	}
	if dc.ToolTimeout.Seconds() != 30 {
		t.Errorf("ToolTimeout = %v, want 30s", dc.ToolTimeout)
	}
	if dc.DiligenceMaxBudget != 4 || dc.DiligenceFilePaths.Generic != "/etc/kernel/diligence.md" {
		t.Errorf("diligence config = %+v", dc)
	}
}

func TestReminderPollIntervalDefaultsToOneMinute(t *testing.T) {
	path := writeConfig(t, "workspace_root: /tmp/ws\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReminderPollInterval().Seconds() != 60 {
		t.Errorf("ReminderPollInterval = %v, want 60s", cfg.ReminderPollInterval())
	}
}
