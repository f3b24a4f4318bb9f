package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBootstrapsDefaults(t *testing.T) {
	workspace := t.TempDir()

	result, err := Load(workspace)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !result.Bootstrapped {
		t.Fatal("expected Bootstrapped = true on first load")
	}
	if result.Config.HTTP.Listen != ":8080" {
		t.Fatalf("HTTP.Listen = %q, want :8080", result.Config.HTTP.Listen)
	}
	if result.Config.Lanes.LaneConcurrency("default") != 3 {
		t.Fatalf("default lane concurrency = %d, want 3", result.Config.Lanes.LaneConcurrency("default"))
	}

	if _, err := os.Stat(result.SourcePath); err != nil {
		t.Fatalf("expected config file written at %s: %v", result.SourcePath, err)
	}
}

func TestLoadSecondTimeIsNotBootstrapped(t *testing.T) {
	workspace := t.TempDir()

	if _, err := Load(workspace); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	result, err := Load(workspace)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if result.Bootstrapped {
		t.Fatal("expected Bootstrapped = false on second load")
	}
}

func TestMergeJSONConfigPreservesUnspecifiedDefaults(t *testing.T) {
	workspace := t.TempDir()
	cfg := defaultConfig(workspace)

	partial := []byte(`{"http": {"listen": ":9999"}}`)
	if err := mergeJSONConfig(cfg, partial); err != nil {
		t.Fatalf("mergeJSONConfig: %v", err)
	}
	if cfg.HTTP.Listen != ":9999" {
		t.Fatalf("HTTP.Listen = %q, want :9999", cfg.HTTP.Listen)
	}
	if cfg.Heartbeat.IntervalMinutes != 15 {
		t.Fatalf("Heartbeat.IntervalMinutes = %d, want unchanged default 15", cfg.Heartbeat.IntervalMinutes)
	}
}

func TestLaneConcurrencyDefaultsToOne(t *testing.T) {
	lanes := LaneConfig{Concurrency: map[string]int{}}
	if got := lanes.LaneConcurrency("unknown"); got != 1 {
		t.Fatalf("LaneConcurrency(unknown) = %d, want 1", got)
	}
}

func TestWriteConfigWithBackupRotates(t *testing.T) {
	workspace := t.TempDir()
	path := filepath.Join(workspace, "agentcompany.json")
	cfg := defaultConfig(workspace)

	for i := 0; i < 3; i++ {
		if err := WriteConfigWithBackup(path, cfg); err != nil {
			t.Fatalf("WriteConfigWithBackup iteration %d: %v", i, err)
		}
	}

	backups := ListBackups(path)
	if len(backups) == 0 {
		t.Fatal("expected at least one backup after repeated writes")
	}
}
