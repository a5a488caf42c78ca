package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeWritesLogsWhenDebugModeOn(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryBuild).Info("compiling %s", "sol.cpp")
	Get(CategoryBuild).Debug("cache miss for %s", "fingerprint-1")

	logsDir := filepath.Join(tempDir, ".judgebox", "logs")
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("expected logs dir to exist: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file for category build, got %d", len(entries))
	}
	if !strings.Contains(entries[0].Name(), "build") {
		t.Errorf("expected log filename to contain category name, got %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(logsDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "compiling sol.cpp") {
		t.Errorf("expected log content to contain the info message, got %q", data)
	}
}

func TestInitializeNoOpWhenDebugModeOff(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Config{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryBuild).Info("should not be written anywhere")

	if _, err := os.Stat(filepath.Join(tempDir, ".judgebox")); !os.IsNotExist(err) {
		t.Errorf("expected no .judgebox directory to be created in production mode")
	}
}

func TestCategoryFilterDisablesSpecificCategory(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(tempDir, Config{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{string(CategoryBuild): false, string(CategorySandbox): true},
	}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Get(CategoryBuild).Info("disabled category message")
	Get(CategorySandbox).Info("enabled category message")

	logsDir := filepath.Join(tempDir, ".judgebox", "logs")
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the sandbox category to log, got %d files", len(entries))
	}
	if !strings.Contains(entries[0].Name(), "sandbox") {
		t.Errorf("expected sandbox log file, got %q", entries[0].Name())
	}
}

func TestTimerStopLogsDuration(t *testing.T) {
	tempDir := t.TempDir()
	if err := Initialize(tempDir, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	timer := StartTimer(CategoryCache, "lookup")
	elapsed := timer.Stop()
	if elapsed < 0 {
		t.Errorf("expected non-negative elapsed duration, got %v", elapsed)
	}
}
