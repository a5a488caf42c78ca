package steps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"judgebox/internal/engine"
	"judgebox/internal/sandbox"
	"judgebox/internal/store"
	"judgebox/internal/testplan"
)

func newTestContext(t *testing.T) *engine.Context {
	t.Helper()
	root := t.TempDir()
	ec, err := engine.New(root)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { ec.Close() })
	return ec
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return p
}

func TestCompileScriptedLanguageIsSourceDigest(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "sol.py", "print(input())\n")

	item := testplan.CodeItem{Path: src, Language: "python"}
	digest, err := Compile(context.Background(), ec, item, None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	want := sha256Hex(t, src)
	if digest != want {
		t.Errorf("got digest %s, want source digest %s", digest, want)
	}
	if !ec.Store.Exists(digest) {
		t.Error("expected the source digest to exist in the store")
	}
}

func TestCompileCProgramAndRun(t *testing.T) {
	if _, err := os.Stat("/usr/bin/gcc"); err != nil {
		if _, err := os.Stat("/usr/bin/cc"); err != nil {
			t.Skip("no C compiler available in this environment")
		}
	}
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "echo.c", `
#include <stdio.h>
int main(void) {
	int n;
	if (scanf("%d", &n) != 1) return 1;
	printf("%d\n", n * 2);
	return 0;
}
`)
	item := testplan.CodeItem{Path: src, Language: "c"}

	digest, err := Compile(context.Background(), ec, item, None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !ec.Store.Exists(digest) {
		t.Fatal("expected compiled executable to exist in the store")
	}

	// Second compile must hit the Dependency Cache and return the same digest.
	digest2, err := Compile(context.Background(), ec, item, None, false)
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if digest2 != digest {
		t.Errorf("expected cached compile to return the same digest, got %s vs %s", digest2, digest)
	}

	stdin := writeSource(t, dir, "stdin.txt", "21\n")
	stdoutSink := filepath.Join(dir, "run-stdout.txt")
	runLog, err := Run(context.Background(), ec, RunRequest{
		Item:             item,
		ExecutableDigest: digest,
		Stdio:            sandbox.Stdio{StdinPath: stdin, StdoutPath: "stdout.txt"},
		StdoutSink:       stdoutSink,
		Limits:           sandbox.Limits{WallTimeMS: 5000, CPUTimeMS: 2000},
		CacheRun:         true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if runLog.ExitStatus != sandbox.OK {
		t.Fatalf("expected OK, got %s (stderr=%s)", runLog.ExitStatus, runLog.Stderr)
	}
	got, err := os.ReadFile(stdoutSink)
	if err != nil {
		t.Fatalf("expected stdout to be persisted at the sink path: %v", err)
	}
	if string(got) != "42\n" {
		t.Errorf("got stdout %q, want %q", got, "42\n")
	}

	// A second run with the same fingerprint must hit the Dependency
	// Cache and still rehydrate the sink from the Store.
	if err := os.Remove(stdoutSink); err != nil {
		t.Fatalf("remove sink: %v", err)
	}
	runLog2, err := Run(context.Background(), ec, RunRequest{
		Item:             item,
		ExecutableDigest: digest,
		Stdio:            sandbox.Stdio{StdinPath: stdin, StdoutPath: "stdout.txt"},
		StdoutSink:       stdoutSink,
		Limits:           sandbox.Limits{WallTimeMS: 5000, CPUTimeMS: 2000},
		CacheRun:         true,
	})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if runLog2.ExitStatus != sandbox.OK {
		t.Fatalf("expected cached OK, got %s", runLog2.ExitStatus)
	}
	got2, err := os.ReadFile(stdoutSink)
	if err != nil {
		t.Fatalf("expected cache hit to rehydrate the sink path: %v", err)
	}
	if string(got2) != "42\n" {
		t.Errorf("got rehydrated stdout %q, want %q", got2, "42\n")
	}
}

func TestCompileUnknownLanguageFails(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "sol.weird", "whatever\n")
	item := testplan.CodeItem{Path: src}

	if _, err := Compile(context.Background(), ec, item, None, false); err == nil {
		t.Fatal("expected an error for an unresolvable language")
	}
}

func TestRunHonorsSanitizerMarker(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeSource(t, dir, "sol.py", "print('hi')\n")

	digest, err := Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, Force, true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !ec.Store.HasMarker(digest, sanitizerMarker) {
		t.Fatal("expected Force sanitization to set the sanitizer marker")
	}

	runLog, err := Run(context.Background(), ec, RunRequest{
		Item:             testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		Limits:           sandbox.Limits{AddressSpaceMB: 256, CPUTimeMS: 1000},
		CacheRun:         false,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !runLog.Metadata.IsSanitized {
		t.Error("expected Metadata.IsSanitized to be true")
	}
}

func TestWrapDiagnosticsAddsPushPop(t *testing.T) {
	wrapped := WrapDiagnostics("int x;\n")
	if !contains(wrapped, "#pragma GCC diagnostic push") || !contains(wrapped, "#pragma GCC diagnostic pop") {
		t.Errorf("expected push/pop pragmas, got %q", wrapped)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func sha256Hex(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return store.Digest(data)
}
