// Package stress implements the supplemental stress-testing feature
// (original_source rbx/box/stresses.py): a generator pattern is fed to
// two solutions whose outputs are compared — directly, or through the
// package's own checker when one is supplied — until a difference is
// found or an iteration bound is hit.
package stress

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"judgebox/internal/checker"
	"judgebox/internal/engine"
	"judgebox/internal/outcome"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

// defaultMaxIterations bounds a stress run when the manifest leaves
// MaxIterations unset or non-positive.
const defaultMaxIterations = 1000

// Verdict classifies how a stress run ended.
type Verdict string

const (
	Difference          Verdict = "Difference"
	ExhaustedIterations Verdict = "ExhaustedIterations"
)

// Finding is the result of one stress run: the iteration it stopped on
// and, for Difference, the material needed to reproduce it.
type Finding struct {
	Verdict   Verdict
	Iteration int
	InputPath string // persisted generated input, set iff Verdict == Difference
	Baseline  []byte // Solutions[0]'s stdout on InputPath
	Candidate []byte // Solutions[1]'s stdout on InputPath
	Message   string
}

// Runner drives one StressTest against a compiled generator and two
// compiled solutions.
type Runner struct {
	EC        *engine.Context
	Workdir   string // scratch directory the generated inputs/outputs live under
	Test      testplan.StressTest
	Generator testplan.CodeItem

	// Solutions holds exactly two compiled solutions: index 0 is the
	// trusted baseline (the original's "reference" side of the
	// comparison), index 1 the candidate under test.
	Solutions [2]testplan.CodeItem

	// Checker, if set, is used to compare Solutions[1]'s output against
	// Solutions[0]'s as the "expected" file (the same contract
	// checker.CheckBatch uses). When nil, outputs are compared byte for
	// byte after trimming trailing whitespace, covering the common case
	// of a deterministic problem with a single valid answer.
	Checker *testplan.CodeItem

	TimeLimitMS   int64
	MemoryLimitMB int64
}

// Run compiles the generator and both solutions once, then iterates
// generating a fresh input per round (the generator's declared call with
// "{seed}" replaced by the 1-based iteration number) and comparing the
// two solutions' outputs, stopping at the first difference or after
// MaxIterations rounds.
func (r *Runner) Run(ctx context.Context) (*Finding, error) {
	genDigest, err := steps.Compile(ctx, r.EC, r.Generator, steps.None, false)
	if err != nil {
		return nil, fmt.Errorf("stress: compile generator %s: %w", r.Generator.Path, err)
	}
	baselineDigest, err := steps.Compile(ctx, r.EC, r.Solutions[0], steps.None, false)
	if err != nil {
		return nil, fmt.Errorf("stress: compile baseline %s: %w", r.Solutions[0].Path, err)
	}
	candidateDigest, err := steps.Compile(ctx, r.EC, r.Solutions[1], steps.None, false)
	if err != nil {
		return nil, fmt.Errorf("stress: compile candidate %s: %w", r.Solutions[1].Path, err)
	}
	var checkerDigest string
	if r.Checker != nil {
		checkerDigest, err = steps.Compile(ctx, r.EC, *r.Checker, steps.None, false)
		if err != nil {
			return nil, fmt.Errorf("stress: compile checker %s: %w", r.Checker.Path, err)
		}
	}

	maxIterations := r.Test.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	if err := os.MkdirAll(r.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("stress: create workdir: %w", err)
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		inPath := filepath.Join(r.Workdir, fmt.Sprintf("stress-%04d.in", iteration))
		if err := r.generateInput(ctx, genDigest, iteration, inPath); err != nil {
			return nil, err
		}

		baselinePath := filepath.Join(r.Workdir, fmt.Sprintf("stress-%04d.baseline", iteration))
		if err := r.runSolution(ctx, r.Solutions[0], baselineDigest, inPath, baselinePath); err != nil {
			return nil, err
		}
		candidatePath := filepath.Join(r.Workdir, fmt.Sprintf("stress-%04d.candidate", iteration))
		if err := r.runSolution(ctx, r.Solutions[1], candidateDigest, inPath, candidatePath); err != nil {
			return nil, err
		}

		match, message, err := r.compare(ctx, checkerDigest, inPath, baselinePath, candidatePath)
		if err != nil {
			return nil, err
		}
		if !match {
			baseline, _ := os.ReadFile(baselinePath)
			candidate, _ := os.ReadFile(candidatePath)
			return &Finding{
				Verdict:   Difference,
				Iteration: iteration,
				InputPath: inPath,
				Baseline:  baseline,
				Candidate: candidate,
				Message:   message,
			}, nil
		}
	}

	return &Finding{Verdict: ExhaustedIterations, Iteration: maxIterations}, nil
}

func (r *Runner) generateInput(ctx context.Context, genDigest string, iteration int, inPath string) error {
	args := substituteSeed(generatorArgs(r.Test.GeneratorCall), iteration)
	runLog, err := steps.Run(ctx, r.EC, steps.RunRequest{
		Item:             r.Generator,
		ExecutableDigest: genDigest,
		ExtraArgs:        args,
		Stdio:            sandbox.Stdio{StdoutPath: "stdout.txt", StderrPath: "stderr.txt"},
		StdoutSink:       inPath,
		Limits:           sandbox.Limits{WallTimeMS: 20_000, CPUTimeMS: 10_000},
		// Each iteration's seed differs, so nothing here is cacheable.
		CacheRun: false,
	})
	if err != nil {
		return fmt.Errorf("stress: run generator (iteration %d): %w", iteration, err)
	}
	if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
		return fmt.Errorf("stress: generator exited %s on iteration %d", runLog.ExitStatus, iteration)
	}
	return nil
}

func (r *Runner) runSolution(ctx context.Context, item testplan.CodeItem, digest, inPath, outSink string) error {
	limits := sandbox.Limits{CPUTimeMS: r.TimeLimitMS, AddressSpaceMB: r.MemoryLimitMB}
	if r.TimeLimitMS > 0 {
		limits.WallTimeMS = r.TimeLimitMS * 2
	}
	runLog, err := steps.Run(ctx, r.EC, steps.RunRequest{
		Item:             item,
		ExecutableDigest: digest,
		Stdio:            sandbox.Stdio{StdinPath: inPath, StdoutPath: "stdout.txt", StderrPath: "stderr.txt"},
		StdoutSink:       outSink,
		Limits:           limits,
		CacheRun:         false,
	})
	if err != nil {
		return fmt.Errorf("stress: run %s: %w", item.Path, err)
	}
	if runLog.ExitStatus != sandbox.OK {
		return fmt.Errorf("stress: %s exited %s", item.Path, runLog.ExitStatus)
	}
	return nil
}

// compare reports whether the baseline and candidate outputs agree. With
// a checker configured it runs the full testlib contract (candidate as
// the solution's output, baseline as the expected file); otherwise it
// falls back to a whitespace-trimmed byte comparison.
func (r *Runner) compare(ctx context.Context, checkerDigest, inPath, baselinePath, candidatePath string) (bool, string, error) {
	if r.Checker == nil {
		base, err := os.ReadFile(baselinePath)
		if err != nil {
			return false, "", fmt.Errorf("stress: read baseline output: %w", err)
		}
		cand, err := os.ReadFile(candidatePath)
		if err != nil {
			return false, "", fmt.Errorf("stress: read candidate output: %w", err)
		}
		if bytes.Equal(bytes.TrimRight(base, " \t\r\n"), bytes.TrimRight(cand, " \t\r\n")) {
			return true, "", nil
		}
		return false, "outputs differ", nil
	}

	result, err := checker.CheckBatch(ctx, r.EC, *r.Checker, checkerDigest,
		inPath, candidatePath, baselinePath, 0,
		&sandbox.RunLog{ExitStatus: sandbox.OK}, 0, true)
	if err != nil {
		return false, "", fmt.Errorf("stress: checker invocation: %w", err)
	}
	return result.Outcome == outcome.Accepted, result.Message, nil
}

// generatorArgs strips the leading generator-name token off
// StressTest.GeneratorCall (the Runner's Generator field already
// identifies which compiled item to run), leaving only its arguments.
func generatorArgs(generatorCall string) string {
	_, rest, found := strings.Cut(strings.TrimSpace(generatorCall), " ")
	if !found {
		return ""
	}
	return rest
}

// substituteSeed splits args into shell-style words, replacing any
// literal "{seed}" token with the 1-based iteration number — the
// mechanism this implementation uses to vary a generator's output across
// stress-test rounds (the original schema leaves the exact substitution
// syntax to the generator script author; "{seed}" is this port's
// convention, documented in DESIGN.md).
func substituteSeed(args string, iteration int) []string {
	fields := strings.Fields(args)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "{seed}" {
			out = append(out, strconv.Itoa(iteration))
			continue
		}
		out = append(out, f)
	}
	return out
}
