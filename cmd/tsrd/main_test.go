package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/api"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/config"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/logging"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/metrics"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/reports"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("TSR_CONFIG", "/nonexistent/path/tsrd.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config error", err)
	}
}

// TestRun_InvalidDevice verifies validation rejects an unknown device type
// before anything is opened.
func TestRun_InvalidDevice(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tsrd.yaml")
	configContent := `
site:
  id: test-site
database:
  path: "` + filepath.Join(tmpDir, "tsrd.db") + `"
devices:
  - id: atem0
    type: atem
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("TSR_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail for an unknown device type")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "tsrd.db")); !os.IsNotExist(err) {
		t.Error("database should not be created when config is invalid")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("TSR_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}
	t.Setenv("TSR_CONFIG", "/etc/tsrd/tsrd.yaml")
	if got := getConfigPath(); got != "/etc/tsrd/tsrd.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestSinks(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := api.NewHub(config.WebSocketConfig{}, log)
	recorder := reports.NewRecorder(nil, 1)

	if got := len(sinks(log, hub, recorder, nil, nil)); got != 3 {
		t.Errorf("sinks without backends = %d, want 3", got)
	}
	if got := len(sinks(log, hub, recorder, metrics.New(), nil)); got != 4 {
		t.Errorf("sinks with metrics = %d, want 4", got)
	}
	if gauge(nil) != nil {
		t.Error("gauge(nil) should be a nil interface")
	}
}

func writeMigrateConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tsrd.yaml")
	configContent := `
site:
  id: test-site
database:
  path: "` + filepath.Join(tmpDir, "tsrd.db") + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("TSR_CONFIG", configPath)
	return tmpDir
}

func TestRunMigrate(t *testing.T) {
	writeMigrateConfig(t)
	ctx := context.Background()

	var out strings.Builder
	if err := runMigrate(ctx, []string{"status"}, &out); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "current: none, pending: 2") {
		t.Errorf("status on fresh database:\n%s", out.String())
	}

	out.Reset()
	if err := runMigrate(ctx, []string{"up"}, &out); err != nil {
		t.Fatalf("up error = %v", err)
	}
	if !strings.Contains(out.String(), "current: 20261019_130000, pending: 0") {
		t.Errorf("status after up:\n%s", out.String())
	}

	out.Reset()
	if err := runMigrate(ctx, []string{"down"}, &out); err != nil {
		t.Fatalf("down error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "reverted 20261019_130000") || !strings.Contains(got, "current: 20261019_120000, pending: 1") {
		t.Errorf("output after down:\n%s", got)
	}

	out.Reset()
	if err := runMigrate(ctx, []string{"down", "5"}, &out); err != nil {
		t.Fatalf("down 5 error = %v", err)
	}
	if !strings.Contains(out.String(), "current: none, pending: 2") {
		t.Errorf("output after down 5:\n%s", out.String())
	}
}

func TestRunMigrateUsage(t *testing.T) {
	dir := writeMigrateConfig(t)
	tests := [][]string{
		nil,
		{"sideways"},
		{"status", "extra"},
		{"down", "zero"},
		{"down", "0"},
		{"down", "1", "2"},
	}
	for _, args := range tests {
		if err := runMigrate(context.Background(), args, io.Discard); err == nil {
			t.Errorf("runMigrate(%q) should fail", args)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "tsrd.db")); !os.IsNotExist(err) {
		t.Error("database should not be opened for invalid arguments")
	}
}
