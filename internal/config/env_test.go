package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetSecretFile(t *testing.T) {
	// Test empty path
	result := GetSecretFile("")
	if result != "" {
		t.Errorf("Expected empty string for empty path, got %q", result)
	}

	// Test nonexistent file
	result = GetSecretFile("/nonexistent/path/to/secret")
	if result != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", result)
	}

	// Test with actual file
	tmpFile, err := os.CreateTemp("", "secret-test")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	secretValue := "my-secret-value"
	if _, err := tmpFile.WriteString(secretValue + "\n"); err != nil {
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	tmpFile.Close()

	result = GetSecretFile(tmpFile.Name())
	if result != secretValue {
		t.Errorf("Expected %q, got %q", secretValue, result)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PCE_ROOT", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %q", cfg.Port)
	}
	if cfg.Scheduler.Backend != "slurm" {
		t.Errorf("Expected slurm backend, got %q", cfg.Scheduler.Backend)
	}
	if cfg.Scheduler.CommandTimeout != 60*time.Second {
		t.Errorf("Expected 60s command timeout, got %v", cfg.Scheduler.CommandTimeout)
	}
	if cfg.ScriptTimeout != 30*time.Minute {
		t.Errorf("Expected 30m script timeout, got %v", cfg.ScriptTimeout)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Dispatcher.Workers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pce.yaml")
	content := "root: " + dir + "\nscheduler:\n  backend: sge\n  command_timeout: 5s\nscripts:\n  timeout: 2m\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("PCE_SCHEDULER_BACKEND", "docker")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.Backend != "docker" {
		t.Errorf("Expected env override 'docker', got %q", cfg.Scheduler.Backend)
	}
	if cfg.Scheduler.CommandTimeout != 5*time.Second {
		t.Errorf("Expected 5s from file, got %v", cfg.Scheduler.CommandTimeout)
	}
	if cfg.ScriptTimeout != 2*time.Minute {
		t.Errorf("Expected 2m from file, got %v", cfg.ScriptTimeout)
	}
	if cfg.StateDir() != filepath.Join(dir, "state") {
		t.Errorf("Unexpected state dir %q", cfg.StateDir())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestLoad_ServerPathsUnderRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PCE_ROOT", root)
	t.Setenv("PCE_SERVER_OUTPUT_DIR", "/srv/output")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.DBPath != filepath.Join(root, "server.db") {
		t.Errorf("Unexpected db path %q", cfg.Server.DBPath)
	}
	if cfg.Server.OutputDir != "/srv/output" {
		t.Errorf("Absolute output dir changed to %q", cfg.Server.OutputDir)
	}
}
