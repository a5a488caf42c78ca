package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"judgebox/internal/checker"
	"judgebox/internal/engine"
	"judgebox/internal/expect"
	"judgebox/internal/judgeerr"
	"judgebox/internal/outcome"
	"judgebox/internal/runner"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "run every declared solution and match its outcomes against its declared expectation",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ws := resolveWorkspace()
	pkg, pkgRoot, err := loadPackage(packagePath)
	if err != nil {
		return err
	}

	ec, err := newEngineContext(ws)
	if err != nil {
		return fmt.Errorf("judgebox: open engine: %w", err)
	}
	defer ec.Close()

	var checkerDigest, interactorDigest string
	if pkg.Checker != nil {
		if checkerDigest, err = steps.Compile(ctx, ec, *pkg.Checker, steps.Prefer, enableSanitizers); err != nil {
			return err
		}
	}
	if pkg.Interactor != nil {
		if interactorDigest, err = steps.Compile(ctx, ec, *pkg.Interactor, steps.Prefer, enableSanitizers); err != nil {
			return err
		}
	}

	scratchDir := filepath.Join(ec.BuildRoot, "verify")

	var mismatches []*judgeerr.MatchError
	for _, sol := range pkg.Solutions {
		report, err := verifySolution(ctx, ec, pkg, sol, pkgRoot, checkerDigest, interactorDigest, scratchDir)
		if err != nil {
			return err
		}
		printReport(cmd, sol, report)
		if report.Status != expect.OK {
			mismatches = append(mismatches, &judgeerr.MatchError{
				Solution: sol.Path,
				Kind:     string(report.Status),
				Detail:   mismatchDetail(report),
			})
		}
	}

	if len(mismatches) > 0 {
		for _, m := range mismatches {
			fmt.Fprintln(cmd.ErrOrStderr(), m)
		}
		return mismatches[0]
	}
	return nil
}

func mismatchDetail(report expect.Report) string {
	if report.Status == expect.UnexpectedScore {
		if report.TotalScore != nil {
			return fmt.Sprintf("total score %.4f", *report.TotalScore)
		}
		return "score did not match"
	}
	if report.Message != "" {
		return report.Message
	}
	outcomes := expect.SortedUnexpectedOutcomes(report)
	parts := make([]string, len(outcomes))
	for i, o := range outcomes {
		parts[i] = string(o)
	}
	return strings.Join(parts, ", ")
}

func printReport(cmd *cobra.Command, sol testplan.Solution, report expect.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", sol.Path, report.Status)
	if report.TotalScore != nil {
		fmt.Fprintf(out, "  score: %.4f\n", *report.TotalScore)
	}
}

func verifySolution(ctx context.Context, ec *engine.Context, pkg *testplan.Package, sol testplan.Solution,
	pkgRoot, checkerDigest, interactorDigest, scratchDir string) (expect.Report, error) {

	language, ok := ec.Langs.Resolve(sol.Language, sol.Path)
	if !ok {
		return expect.Report{}, judgeerr.NewUser(fmt.Sprintf("verify: no language for %q", sol.Path), judgeerr.ErrCompileFailed)
	}
	solDigest, err := steps.Compile(ctx, ec, sol.CodeItem, steps.None, enableSanitizers)
	if err != nil {
		return expect.Report{}, err
	}

	lim := buildLimitConfig(pkg, language.Name)

	var results []expect.TestcaseResult
	if pkg.TaskType == testplan.Communication {
		results, err = runCommunicationTestcases(ctx, ec, pkg, sol, pkgRoot, solDigest, interactorDigest, lim)
	} else {
		results, err = runBatchTestcases(ctx, ec, pkg, sol, pkgRoot, solDigest, checkerDigest, lim, scratchDir)
	}
	if err != nil {
		return expect.Report{}, err
	}

	return expect.Evaluate(sol, pkg.Testcases, results), nil
}

// testcaseEntryOf converts a GenerationEntry's walker coordinate into the
// (Group, Subgroup, Index) shape internal/expect groups testcases by. The
// walker's own SubgroupEntry.Group carries the joined "group/sub" path
// rather than the bare subgroup name, so it is split back apart here.
func testcaseEntryOf(e testplan.GenerationEntry) testplan.TestcaseEntry {
	if e.SubgroupEntry == nil {
		return e.GroupEntry
	}
	parts := strings.SplitN(e.SubgroupEntry.Group, "/", 2)
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}
	return testplan.TestcaseEntry{Group: e.GroupEntry.Group, Subgroup: sub, Index: e.SubgroupEntry.Index}
}

type verifyItem struct {
	entry testplan.TestcaseEntry
	req   runner.Request
}

func runBatchTestcases(ctx context.Context, ec *engine.Context, pkg *testplan.Package, sol testplan.Solution,
	pkgRoot, solDigest, checkerDigest string, lim runner.LimitConfig, scratchDir string) ([]expect.TestcaseResult, error) {

	var items []verifyItem
	err := testplan.Walk(pkg, testplan.GroupFilterVisitor{VisitFn: func(e testplan.GenerationEntry) error {
		entry := testcaseEntryOf(e)
		inPath := filepath.Join(pkgRoot, e.Metadata.CopiedTo[0])
		expectedPath := filepath.Join(pkgRoot, e.Metadata.CopiedTo[1])
		candOut := filepath.Join(scratchDir, sanitizeName(sol.Path), filepath.Dir(e.Metadata.CopiedTo[0]),
			strings.TrimSuffix(filepath.Base(e.Metadata.CopiedTo[0]), ".in")+".out")

		items = append(items, verifyItem{
			entry: entry,
			req: runner.Request{
				Solution:         sol.CodeItem,
				ExecutableDigest: solDigest,
				InputPath:        inPath,
				StdoutSink:       candOut,
				Limits:           lim,
				Check: func(ctx context.Context, runLog *sandbox.RunLog, effMS int64, unbounded bool) (outcome.CheckerResult, error) {
					return checker.CheckBatch(ctx, ec, *pkg.Checker, checkerDigest, inPath, candOut, expectedPath, pkg.OutputLimitKB, runLog, effMS, unbounded)
				},
			},
		})
		return nil
	}})
	if err != nil {
		return nil, err
	}

	reqs := make([]runner.Request, len(items))
	for i, it := range items {
		reqs[i] = it.req
	}
	runResults, err := runner.RunBatch(ctx, ec, reqs, concurrency)
	if err != nil {
		return nil, err
	}

	out := make([]expect.TestcaseResult, len(items))
	for i, it := range items {
		out[i] = expect.TestcaseResult{
			Entry:        it.entry,
			Outcome:      runResults[i].Checker.Outcome,
			NoTLEOutcome: runResults[i].Checker.NoTLEOutcome,
			Message:      runResults[i].Checker.Message,
		}
	}
	return out, nil
}

func runCommunicationTestcases(ctx context.Context, ec *engine.Context, pkg *testplan.Package, sol testplan.Solution,
	pkgRoot, solDigest, interactorDigest string, lim runner.LimitConfig) ([]expect.TestcaseResult, error) {

	var out []expect.TestcaseResult
	err := testplan.Walk(pkg, testplan.GroupFilterVisitor{VisitFn: func(e testplan.GenerationEntry) error {
		entry := testcaseEntryOf(e)
		inPath := filepath.Join(pkgRoot, e.Metadata.CopiedTo[0])

		limits := lim.SandboxLimits()
		wallTimeoutMS := limits.WallTimeMS
		if wallTimeoutMS <= 0 {
			wallTimeoutMS = lim.EffectiveCPUTimeMS() * 2
		}

		pair, err := checker.RunCommunicationPair(ctx, ec, sol.CodeItem, *pkg.Interactor, solDigest, interactorDigest, inPath, wallTimeoutMS)
		if err != nil {
			return err
		}
		result, err := checker.CheckCommunication(pair.Solution, pair.Interactor, pair.InteractorStderr, lim.EffectiveCPUTimeMS(), false, nil)
		if err != nil {
			return err
		}
		out = append(out, expect.TestcaseResult{Entry: entry, Outcome: result.Outcome, NoTLEOutcome: result.NoTLEOutcome, Message: result.Message})
		return nil
	}})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sanitizeName(path string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(path)
}
