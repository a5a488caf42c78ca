// Package runner implements the Solution Runner: per-(solution, testcase)
// orchestration on top of internal/steps, deriving effective time/memory
// limits, applying bounded sandbox retries, detecting soft-TLE eligibility,
// and propagating sanitizer warnings into the process-scoped WarningStack.
// A bounded worker pool runs many testcases for one solution concurrently
// while keeping the caller's output ordering.
package runner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"judgebox/internal/checker"
	"judgebox/internal/engine"
	"judgebox/internal/outcome"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

// maxSandboxRetries bounds how many fresh sandbox invocations a transient
// SandboxError gets before the runner gives up and reports it. Not exposed
// as manifest config; the original implementation does not expose it either.
const maxSandboxRetries = 2

// LimitConfig bundles everything needed to derive one run's effective
// CPU/wall limits from a package's base time limit.
type LimitConfig struct {
	BaseCPUTimeMS      int64
	MemoryLimitMB      int64
	OutputLimitKB      int64
	LanguageMultiplier float64 // <= 0 means 1 (no scaling)
	LanguageOverrideMS int64
	EnvOverheadMS      int64

	// EnvMultiplier mirrors spec.md §6's RBX_TIME_MULTIPLIER environment
	// variable: it scales the fully-derived time limit (language
	// multiplier, override and overhead already applied), not just the
	// base. <= 0 means 1 (no scaling).
	EnvMultiplier float64

	// IsDoubleTL forces the soft-timeout regime (wall = 2x cpu) even when
	// the caller would not otherwise need it, per a stricter verification
	// level. The reference sandbox always derives wall = 2x cpu when
	// WallTimeMS is left unset (see sandbox.Limits.expandedWallTimeMS), so
	// in this implementation the "sandbox only supports wall-clock timing"
	// branch of the OR and the IsDoubleTL branch collapse to the same
	// effective behavior; IsDoubleTL is kept as a distinct, named knob so a
	// future Adapter that measures CPU time less precisely has somewhere
	// to plug in a different rule.
	IsDoubleTL bool
}

// effectiveCPUTimeMS applies the language multiplier, then the language
// override, then the environment overhead, then RBX_TIME_MULTIPLIER last
// (it scales the fully-derived limit, per spec.md §6).
func (lc LimitConfig) effectiveCPUTimeMS() int64 {
	mult := lc.LanguageMultiplier
	if mult <= 0 {
		mult = 1
	}
	envMult := lc.EnvMultiplier
	if envMult <= 0 {
		envMult = 1
	}
	base := int64(float64(lc.BaseCPUTimeMS)*mult) + lc.LanguageOverrideMS + lc.EnvOverheadMS
	return int64(float64(base) * envMult)
}

// EffectiveCPUTimeMS exposes effectiveCPUTimeMS to callers outside this
// package that need to derive a Communication task's time limit directly
// — RunCommunicationPair bypasses RunSolutionTestcase entirely, so the
// driver wiring it up has nowhere else to get this number from.
func (lc LimitConfig) EffectiveCPUTimeMS() int64 { return lc.effectiveCPUTimeMS() }

// SandboxLimits exposes sandboxLimits for the same reason.
func (lc LimitConfig) SandboxLimits() sandbox.Limits { return lc.sandboxLimits() }

func (lc LimitConfig) sandboxLimits() sandbox.Limits {
	cpu := lc.effectiveCPUTimeMS()
	limits := sandbox.Limits{
		CPUTimeMS:      cpu,
		AddressSpaceMB: lc.MemoryLimitMB,
		OutputKB:       lc.OutputLimitKB,
	}
	if lc.IsDoubleTL {
		limits.WallTimeMS = cpu * 2
	}
	return limits
}

// CheckFunc runs the Checker/Interactor protocol over a produced run log.
// effectiveTimeLimitMS/isTimeUnbounded let the runner re-invoke it with
// time ignored to answer the soft-TLE "would this have passed?" question,
// exactly the knobs checker.CheckWithNoOutput and checker.CheckBatch
// already expose.
type CheckFunc func(ctx context.Context, runLog *sandbox.RunLog, effectiveTimeLimitMS int64, isTimeUnbounded bool) (outcome.CheckerResult, error)

// Request bundles one (solution, testcase) run's inputs.
type Request struct {
	Solution         testplan.CodeItem
	ExecutableDigest string
	InputPath        string
	// StdoutSink, if set, is the external path the produced stdout is
	// persisted to (e.g. the built test tree's expected-output slot, or a
	// scratch path a stress run reads back for the diff).
	StdoutSink string
	Limits     LimitConfig
	// StressMode disables retries, per spec.md §4.8 ("retries are disabled
	// in stress-testing mode").
	StressMode bool
	Check      CheckFunc
}

// Result is everything downstream reporting needs from one run.
type Result struct {
	RunLog      *sandbox.RunLog
	Checker     outcome.CheckerResult
	RetriesUsed int
}

// RunSolutionTestcase runs req.Solution against req.InputPath once (plus
// bounded retries on transient sandbox failure), then invokes req.Check to
// derive the verdict, deriving a soft-TLE NoTLEOutcome when applicable.
func RunSolutionTestcase(ctx context.Context, ec *engine.Context, req Request) (*Result, error) {
	cpuMS := req.Limits.effectiveCPUTimeMS()
	limits := req.Limits.sandboxLimits()

	maxRetries := maxSandboxRetries
	if req.StressMode {
		maxRetries = 0
	}

	var runLog *sandbox.RunLog
	var err error
	attempt := 0
	for {
		runLog, err = steps.Run(ctx, ec, steps.RunRequest{
			Item:             req.Solution,
			ExecutableDigest: req.ExecutableDigest,
			Stdio:            sandbox.Stdio{StdinPath: req.InputPath, StdoutPath: "stdout.txt", StderrPath: "stderr.txt"},
			StdoutSink:       req.StdoutSink,
			Limits:           limits,
			// Timing-sensitive runs never hit the Dependency Cache: a
			// cached run log would carry stale CPU-time measurements.
			CacheRun: false,
		})
		if err != nil {
			return nil, fmt.Errorf("runner: run %s: %w", req.Solution.Path, err)
		}
		runLog.Metadata.RetryIndex = attempt
		runLog.Metadata.TimeLimitMS = cpuMS
		runLog.Metadata.MemoryLimitMB = req.Limits.MemoryLimitMB
		if runLog.ExitStatus != sandbox.SandboxErrorState || attempt >= maxRetries {
			break
		}
		attempt++
	}

	if runLog.Metadata.IsSanitized && len(runLog.Stderr) > 0 {
		runLog.SanitizerWarnings = true
		ec.Warnings.AddSanitizerWarning(req.Solution.Path, runLog.Stderr)
	}

	result, err := req.Check(ctx, runLog, cpuMS, false)
	if err != nil {
		return nil, fmt.Errorf("runner: check %s: %w", req.Solution.Path, err)
	}
	result.SanitizerWarnings = result.SanitizerWarnings || runLog.SanitizerWarnings

	if result.Outcome == outcome.TimeLimitExceeded {
		if withinDoubled := !checker.ConvertTLE(runLog.TimeSeconds, cpuMS*2); withinDoubled {
			noTLE, err := req.Check(ctx, runLog, 0, true)
			if err == nil {
				o := noTLE.Outcome
				result.NoTLEOutcome = &o
			}
		}
	}

	return &Result{RunLog: runLog, Checker: result, RetriesUsed: attempt}, nil
}

// RunBatch runs every request in reqs against a worker pool bounded to
// concurrency slots, returning results in the same order as reqs
// regardless of completion order — the runner is the one component
// explicitly permitted to run multiple sandboxes concurrently across
// different testcases for the same solution, per spec.md §5.
func RunBatch(ctx context.Context, ec *engine.Context, reqs []Request, concurrency int) ([]*Result, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for i := range reqs {
		i := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			res, err := RunSolutionTestcase(gctx, ec, reqs[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
