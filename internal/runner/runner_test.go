package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"judgebox/internal/engine"
	"judgebox/internal/outcome"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

func newTestContext(t *testing.T) *engine.Context {
	t.Helper()
	ec, err := engine.New(t.TempDir())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { ec.Close() })
	return ec
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLimitConfigEffectiveCPUTimeMS(t *testing.T) {
	lc := LimitConfig{BaseCPUTimeMS: 1000, LanguageMultiplier: 3, LanguageOverrideMS: 200, EnvOverheadMS: 50}
	if got, want := lc.effectiveCPUTimeMS(), int64(3250); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestLimitConfigDefaultsMultiplierToOne(t *testing.T) {
	lc := LimitConfig{BaseCPUTimeMS: 1000}
	if got, want := lc.effectiveCPUTimeMS(), int64(1000); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestLimitConfigEnvMultiplierScalesFullyDerivedLimit(t *testing.T) {
	lc := LimitConfig{BaseCPUTimeMS: 1000, LanguageMultiplier: 3, LanguageOverrideMS: 200, EnvOverheadMS: 50, EnvMultiplier: 2}
	if got, want := lc.effectiveCPUTimeMS(), int64(6500); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

// fixedCheck drives the checker stage with a fixed verdict, enough to
// exercise limit derivation, retries, and sanitizer propagation without
// depending on internal/checker's own behavior.
func fixedCheck(result outcome.CheckerResult) CheckFunc {
	return func(ctx context.Context, runLog *sandbox.RunLog, effectiveTimeLimitMS int64, isTimeUnbounded bool) (outcome.CheckerResult, error) {
		return result, nil
	}
}

func TestRunSolutionTestcaseAccepted(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "print(int(input())*2)\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := writeFile(t, dir, "1.in", "21\n")
	outSink := filepath.Join(dir, "1.out")

	res, err := RunSolutionTestcase(context.Background(), ec, Request{
		Solution:         testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		InputPath:        input,
		StdoutSink:       outSink,
		Limits:           LimitConfig{BaseCPUTimeMS: 2000, MemoryLimitMB: 256},
		Check:            fixedCheck(outcome.CheckerResult{Outcome: outcome.Accepted}),
	})
	if err != nil {
		t.Fatalf("RunSolutionTestcase: %v", err)
	}
	if res.RunLog.ExitStatus != sandbox.OK {
		t.Fatalf("expected OK, got %s (stderr=%s)", res.RunLog.ExitStatus, res.RunLog.Stderr)
	}
	if res.Checker.Outcome != outcome.Accepted {
		t.Errorf("expected Accepted, got %s", res.Checker.Outcome)
	}
	got, err := os.ReadFile(outSink)
	if err != nil {
		t.Fatalf("expected stdout sink to be written: %v", err)
	}
	if string(got) != "42\n" {
		t.Errorf("got %q, want %q", got, "42\n")
	}
	if res.RetriesUsed != 0 {
		t.Errorf("expected no retries, got %d", res.RetriesUsed)
	}
}

// failNTimesAdapter simulates a sandbox that reports SandboxError for the
// first N calls, then succeeds, used to exercise the retry loop without a
// flaky real sandbox.
type failNTimesAdapter struct {
	inner        sandbox.Adapter
	failuresLeft int
}

func (a *failNTimesAdapter) Execute(ctx context.Context, command []string, limits sandbox.Limits, filesIn []sandbox.FileIn, filesOut []sandbox.FileOut, stdio sandbox.Stdio) (*sandbox.RunLog, error) {
	if a.failuresLeft > 0 {
		a.failuresLeft--
		return &sandbox.RunLog{ExitStatus: sandbox.SandboxErrorState}, nil
	}
	return a.inner.Execute(ctx, command, limits, filesIn, filesOut, stdio)
}

func TestRunSolutionTestcaseRetriesTransientSandboxErrors(t *testing.T) {
	ec := newTestContext(t)
	realAdapter := ec.Sandbox
	ec.Sandbox = &failNTimesAdapter{inner: realAdapter, failuresLeft: 2}

	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "print('ok')\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := writeFile(t, dir, "1.in", "\n")

	res, err := RunSolutionTestcase(context.Background(), ec, Request{
		Solution:         testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		InputPath:        input,
		Limits:           LimitConfig{BaseCPUTimeMS: 2000},
		Check:            fixedCheck(outcome.CheckerResult{Outcome: outcome.Accepted}),
	})
	if err != nil {
		t.Fatalf("RunSolutionTestcase: %v", err)
	}
	if res.RetriesUsed != 2 {
		t.Errorf("expected 2 retries, got %d", res.RetriesUsed)
	}
	if res.RunLog.ExitStatus != sandbox.OK {
		t.Errorf("expected eventual OK, got %s", res.RunLog.ExitStatus)
	}
}

func TestRunSolutionTestcaseStressModeDisablesRetries(t *testing.T) {
	ec := newTestContext(t)
	ec.Sandbox = &failNTimesAdapter{inner: ec.Sandbox, failuresLeft: 1}

	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "print('ok')\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := writeFile(t, dir, "1.in", "\n")

	res, err := RunSolutionTestcase(context.Background(), ec, Request{
		Solution:         testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		InputPath:        input,
		Limits:           LimitConfig{BaseCPUTimeMS: 2000},
		StressMode:       true,
		Check:            fixedCheck(outcome.CheckerResult{Outcome: outcome.Accepted}),
	})
	if err != nil {
		t.Fatalf("RunSolutionTestcase: %v", err)
	}
	if res.RetriesUsed != 0 {
		t.Errorf("expected stress mode to disable retries, got %d retries", res.RetriesUsed)
	}
	if res.RunLog.ExitStatus != sandbox.SandboxErrorState {
		t.Errorf("expected the lone sandbox error to surface, got %s", res.RunLog.ExitStatus)
	}
}

func TestRunSolutionTestcasePropagatesSanitizerWarnings(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "import sys\nsys.stderr.write('leak detected\\n')\nprint('ok')\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.Force, true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := writeFile(t, dir, "1.in", "\n")

	res, err := RunSolutionTestcase(context.Background(), ec, Request{
		Solution:         testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		InputPath:        input,
		Limits:           LimitConfig{BaseCPUTimeMS: 2000},
		Check:            fixedCheck(outcome.CheckerResult{Outcome: outcome.Accepted}),
	})
	if err != nil {
		t.Fatalf("RunSolutionTestcase: %v", err)
	}
	if !res.RunLog.SanitizerWarnings {
		t.Error("expected SanitizerWarnings to be set on the run log")
	}
	if _, ok := ec.Warnings.SanitizerWarning(src); !ok {
		t.Error("expected the sanitizer stderr to be recorded on the WarningStack")
	}
}

func TestRunSolutionTestcaseSoftTLEDerivesNoTLEOutcome(t *testing.T) {
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "print('ok')\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	input := writeFile(t, dir, "1.in", "\n")

	calls := 0
	check := func(ctx context.Context, runLog *sandbox.RunLog, effectiveTimeLimitMS int64, isTimeUnbounded bool) (outcome.CheckerResult, error) {
		calls++
		if isTimeUnbounded {
			return outcome.CheckerResult{Outcome: outcome.Accepted}, nil
		}
		return outcome.CheckerResult{Outcome: outcome.TimeLimitExceeded}, nil
	}

	// Force TimeSeconds below the doubled limit by hand: the runner's
	// soft-TLE check reads runLog.TimeSeconds, which this fast python
	// program will report near zero, well under any doubled CPU budget.
	res, err := RunSolutionTestcase(context.Background(), ec, Request{
		Solution:         testplan.CodeItem{Path: src, Language: "python"},
		ExecutableDigest: digest,
		InputPath:        input,
		Limits:           LimitConfig{BaseCPUTimeMS: 2000},
		Check:            check,
	})
	if err != nil {
		t.Fatalf("RunSolutionTestcase: %v", err)
	}
	if res.Checker.Outcome != outcome.TimeLimitExceeded {
		t.Fatalf("expected primary outcome TimeLimitExceeded, got %s", res.Checker.Outcome)
	}
	if res.Checker.NoTLEOutcome == nil || *res.Checker.NoTLEOutcome != outcome.Accepted {
		t.Fatalf("expected NoTLEOutcome=Accepted, got %v", res.Checker.NoTLEOutcome)
	}
	if calls != 2 {
		t.Errorf("expected the check function to run twice (primary + soft-TLE), got %d", calls)
	}
}

func TestRunBatchPreservesOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)
	ec := newTestContext(t)
	dir := t.TempDir()
	src := writeFile(t, dir, "sol.py", "print(int(input())+1)\n")
	digest, err := steps.Compile(context.Background(), ec, testplan.CodeItem{Path: src, Language: "python"}, steps.None, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var reqs []Request
	for i := 0; i < 8; i++ {
		input := writeFile(t, dir, fmt.Sprintf("case-%d.in", i), fmt.Sprintf("%d\n", i))
		reqs = append(reqs, Request{
			Solution:         testplan.CodeItem{Path: src, Language: "python"},
			ExecutableDigest: digest,
			InputPath:        input,
			Limits:           LimitConfig{BaseCPUTimeMS: 2000},
			Check:            fixedCheck(outcome.CheckerResult{Outcome: outcome.Accepted}),
		})
	}

	results, err := RunBatch(context.Background(), ec, reqs, 4)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(results) != len(reqs) {
		t.Fatalf("got %d results, want %d", len(results), len(reqs))
	}
	for i, res := range results {
		if res == nil {
			t.Fatalf("result %d is nil", i)
		}
		if res.RunLog.ExitStatus != sandbox.OK {
			t.Errorf("result %d: expected OK, got %s", i, res.RunLog.ExitStatus)
		}
	}
}
