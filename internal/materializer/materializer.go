// Package materializer implements the Testcase Materializer: given the
// GenerationEntry stream from the Testplan Walker, it produces the built
// test tree on disk — copying or generating each input, validating it,
// and generating reference outputs — plus the supplemental unit-test and
// bound-hit-aggregation features.
package materializer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"judgebox/internal/checker"
	"judgebox/internal/engine"
	"judgebox/internal/genscript"
	"judgebox/internal/judgeerr"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

// BoundReport aggregates validator bound-hit signals across every
// testcase in one group (samples is excluded per spec.md §4.6).
type BoundReport struct {
	MinHit map[string]bool
	MaxHit map[string]bool
}

func newBoundReport() *BoundReport {
	return &BoundReport{MinHit: map[string]bool{}, MaxHit: map[string]bool{}}
}

// Result summarizes one Materialize run.
type Result struct {
	TestsBuilt       int
	ValidatorReports map[string]*BoundReport // keyed by top-level group name
	UnmetBounds      []string                // "group: var never hit its {min,max}" warnings
}

// Materializer builds a package's test tree under PackageRoot (the
// build/tests/... paths the Testplan Walker assigns).
type Materializer struct {
	EC               *engine.Context
	Pkg              *testplan.Package
	PackageRoot      string
	EnableSanitizers bool

	generatorDigests map[string]string // resolved generator path -> compiled digest
	generatorItems   map[string]testplan.CodeItem
	validatorDigests map[string]string // validator path -> compiled digest
	aliases          map[string]string
	paths            map[string]bool
}

// New returns a Materializer ready to build pkg's test tree, resolving
// relative CodeItem paths against packageRoot.
func New(ec *engine.Context, pkg *testplan.Package, packageRoot string, enableSanitizers bool) *Materializer {
	m := &Materializer{
		EC:               ec,
		Pkg:              pkg,
		PackageRoot:      packageRoot,
		EnableSanitizers: enableSanitizers,
		generatorDigests: map[string]string{},
		generatorItems:   map[string]testplan.CodeItem{},
		validatorDigests: map[string]string{},
		aliases:          map[string]string{},
		paths:            map[string]bool{},
	}
	for _, g := range pkg.Generators {
		stem := strings.TrimSuffix(filepath.Base(g.Path), filepath.Ext(g.Path))
		m.aliases[stem] = g.Path
		m.paths[g.Path] = true
		m.generatorItems[g.Path] = g
	}
	return m
}

func (m *Materializer) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.PackageRoot, p)
}

// Materialize builds the full test tree: it compiles referenced
// generators, walks the package's testcases producing/validating each
// input, and generates reference outputs for any testcase whose output
// was not already supplied.
func (m *Materializer) Materialize(ctx context.Context) (*Result, error) {
	referenced := map[string]bool{}
	if err := testplan.Walk(m.Pkg, testplan.GroupFilterVisitor{VisitFn: func(e testplan.GenerationEntry) error {
		if e.Metadata.GeneratorCall != nil {
			resolved, ok := genscript.ResolveGeneratorName(e.Metadata.GeneratorCall.GeneratorName, m.aliases, m.paths)
			if !ok {
				return judgeerr.NewUser(fmt.Sprintf("generator %q is not declared", e.Metadata.GeneratorCall.GeneratorName), judgeerr.ErrGeneratorNotFound)
			}
			referenced[resolved] = true
		}
		return nil
	}}); err != nil {
		return nil, err
	}

	for path := range referenced {
		item := m.generatorItems[path]
		digest, err := steps.Compile(ctx, m.EC, testplan.CodeItem{Path: m.resolve(item.Path), Language: item.Language, CompilationFiles: m.resolveAll(item.CompilationFiles)}, steps.Prefer, m.EnableSanitizers)
		if err != nil {
			return nil, fmt.Errorf("materializer: compile generator %s: %w", path, err)
		}
		m.generatorDigests[path] = digest
	}

	mainSolutionDigest, mainSolutionItem, err := m.compileMainSolution(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{ValidatorReports: map[string]*BoundReport{}}

	err = testplan.Walk(m.Pkg, testplan.GroupFilterVisitor{VisitFn: func(e testplan.GenerationEntry) error {
		return m.materializeOne(ctx, e, mainSolutionDigest, mainSolutionItem, result)
	}})
	if err != nil {
		return nil, err
	}

	for group, report := range result.ValidatorReports {
		if group == "samples" {
			continue
		}
		for v, hit := range report.MinHit {
			if !hit {
				result.UnmetBounds = append(result.UnmetBounds, fmt.Sprintf("%s: %s never hit its minimum bound", group, v))
			}
		}
		for v, hit := range report.MaxHit {
			if !hit {
				result.UnmetBounds = append(result.UnmetBounds, fmt.Sprintf("%s: %s never hit its maximum bound", group, v))
			}
		}
	}
	sort.Strings(result.UnmetBounds)

	return result, nil
}

func (m *Materializer) resolveAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = m.resolve(p)
	}
	return out
}

func (m *Materializer) compileMainSolution(ctx context.Context) (string, testplan.CodeItem, error) {
	if len(m.Pkg.Solutions) == 0 {
		return "", testplan.CodeItem{}, nil
	}
	main := m.Pkg.Solutions[0].CodeItem
	item := testplan.CodeItem{Path: m.resolve(main.Path), Language: main.Language, CompilationFiles: m.resolveAll(main.CompilationFiles)}
	digest, err := steps.Compile(ctx, m.EC, item, steps.None, m.EnableSanitizers)
	if err != nil {
		return "", testplan.CodeItem{}, fmt.Errorf("materializer: compile main solution: %w", err)
	}
	return digest, item, nil
}

func (m *Materializer) materializeOne(ctx context.Context, e testplan.GenerationEntry, mainDigest string, mainItem testplan.CodeItem, result *Result) error {
	inPath := m.resolve(e.Metadata.CopiedTo[0])
	outPath := m.resolve(e.Metadata.CopiedTo[1])
	if err := os.MkdirAll(filepath.Dir(inPath), 0o755); err != nil {
		return err
	}

	outputSupplied := false

	switch {
	case e.Metadata.CopiedFrom != "":
		srcIn := m.resolve(e.Metadata.CopiedFrom)
		if err := copyNormalized(srcIn, inPath); err != nil {
			return &judgeerr.BuildError{Stage: "generate", Testcase: inPath, Err: err}
		}
		srcOut, ok := findSiblingOutput(srcIn)
		if ok {
			if err := copyNormalized(srcOut, outPath); err != nil {
				return &judgeerr.BuildError{Stage: "generate", Testcase: inPath, Err: err}
			}
			outputSupplied = true
		}

	case e.Metadata.GeneratorCall != nil:
		resolvedPath, ok := genscript.ResolveGeneratorName(e.Metadata.GeneratorCall.GeneratorName, m.aliases, m.paths)
		if !ok {
			return judgeerr.NewUser(fmt.Sprintf("generator %q is not declared", e.Metadata.GeneratorCall.GeneratorName), judgeerr.ErrGeneratorNotFound)
		}
		digest := m.generatorDigests[resolvedPath]
		item := m.generatorItems[resolvedPath]
		genItem := testplan.CodeItem{Path: m.resolve(item.Path), Language: item.Language}
		runLog, err := steps.Run(ctx, m.EC, steps.RunRequest{
			Item:             genItem,
			ExecutableDigest: digest,
			ExtraArgs:        splitArgs(e.Metadata.GeneratorCall.Args),
			Stdio:            sandbox.Stdio{StdoutPath: "stdout.txt", StderrPath: "stderr.txt"},
			StdoutSink:       inPath,
			Limits:           sandbox.Limits{WallTimeMS: 20_000, CPUTimeMS: 10_000},
			CacheRun:         true,
		})
		if err != nil {
			return fmt.Errorf("materializer: run generator %s: %w", resolvedPath, err)
		}
		if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
			return &judgeerr.BuildError{Stage: "generate", Item: resolvedPath, Testcase: inPath, Log: string(runLog.Stderr), Err: fmt.Errorf("generator exited %s", runLog.ExitStatus)}
		}
	}

	var validator *testplan.CodeItem
	if e.Validator != nil {
		validator = e.Validator
	}
	if validator != nil {
		report := result.ValidatorReports[e.GroupEntry.Group]
		if report == nil {
			report = newBoundReport()
			result.ValidatorReports[e.GroupEntry.Group] = report
		}
		if err := m.runValidator(ctx, *validator, inPath, report); err != nil {
			return err
		}
	}

	if !outputSupplied {
		if err := m.generateReferenceOutput(ctx, e, inPath, outPath, mainDigest, mainItem); err != nil {
			return err
		}
	}

	result.TestsBuilt++
	return nil
}

func (m *Materializer) runValidator(ctx context.Context, validator testplan.CodeItem, inPath string, report *BoundReport) error {
	item := testplan.CodeItem{Path: m.resolve(validator.Path), Language: validator.Language}
	digest, err := steps.Compile(ctx, m.EC, item, steps.None, m.EnableSanitizers)
	if err != nil {
		return fmt.Errorf("materializer: compile validator: %w", err)
	}

	logPath := strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".validator.log"
	args := append(varsAsFlags(m.Pkg.Vars), "--testOverviewLogFileName", "validator.log")
	runLog, err := steps.Run(ctx, m.EC, steps.RunRequest{
		Item:             item,
		ExecutableDigest: digest,
		Stdio:            sandbox.Stdio{StdinPath: inPath, StderrPath: "stderr.txt"},
		ExtraArgs:        args,
		ExtraOutputs:     []sandbox.FileOut{{SandboxPath: "validator.log", SinkPath: logPath, Optional: true, TouchIfMissing: true}},
		Limits:           sandbox.Limits{WallTimeMS: 10_000, CPUTimeMS: 5_000},
		CacheRun:         true,
	})
	if err != nil {
		return fmt.Errorf("materializer: run validator: %w", err)
	}
	if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
		return &judgeerr.BuildError{Stage: "validate", Item: validator.Path, Testcase: inPath, Log: string(runLog.Stderr), Err: judgeerr.ErrValidatorFailed}
	}

	overview, err := os.ReadFile(logPath)
	if err != nil {
		return fmt.Errorf("materializer: read validator overview log: %w", err)
	}
	applyBoundHits(overview, report)
	return nil
}

// applyBoundHits parses a testlib --testOverviewLogFileName bounds log.
// Each line is shaped "<name>: <flags>", where flags is a free-form string
// that contains the substrings "min-value-hit"/"max-value-hit" when that
// bound was reached; a listed variable is recorded as unhit on a side
// until some line reports that side. Constant-bounds entries are not
// tunable and are skipped.
func applyBoundHits(overview []byte, report *BoundReport) {
	for _, line := range strings.Split(string(overview), "\n") {
		line = strings.TrimSpace(line)
		name, flags, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" || strings.Contains(name, "constant-bounds") {
			continue
		}
		report.MinHit[name] = report.MinHit[name] || strings.Contains(flags, "min-value-hit")
		report.MaxHit[name] = report.MaxHit[name] || strings.Contains(flags, "max-value-hit")
	}
}

func (m *Materializer) generateReferenceOutput(ctx context.Context, e testplan.GenerationEntry, inPath, outPath string, mainDigest string, mainItem testplan.CodeItem) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	solDigest, solItem := mainDigest, mainItem
	if e.GroupEntry.Group == "samples" && m.groupModelSolution() != nil {
		model := *m.groupModelSolution()
		item := testplan.CodeItem{Path: m.resolve(model.Path), Language: model.Language}
		digest, err := steps.Compile(ctx, m.EC, item, steps.None, m.EnableSanitizers)
		if err != nil {
			return fmt.Errorf("materializer: compile model solution: %w", err)
		}
		solDigest, solItem = digest, item
	}

	if m.Pkg.TaskType == testplan.Communication {
		return m.generateCommunicationReference(ctx, inPath, outPath, solDigest, solItem)
	}

	runLog, err := steps.Run(ctx, m.EC, steps.RunRequest{
		Item:             solItem,
		ExecutableDigest: solDigest,
		Stdio:            sandbox.Stdio{StdinPath: inPath, StdoutPath: "stdout.txt"},
		StdoutSink:       outPath,
		Limits:           sandbox.Limits{WallTimeMS: 20_000, CPUTimeMS: 10_000},
		CacheRun:         true,
	})
	if err != nil {
		return fmt.Errorf("materializer: run reference solution: %w", err)
	}
	if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
		return &judgeerr.BuildError{Stage: "reference-output", Item: solItem.Path, Testcase: inPath, Log: string(runLog.Stderr), Err: fmt.Errorf("reference solution exited %s", runLog.ExitStatus)}
	}
	return nil
}

func (m *Materializer) generateCommunicationReference(ctx context.Context, inPath, outPath, solDigest string, solItem testplan.CodeItem) error {
	if m.Pkg.Interactor == nil {
		return judgeerr.NewUser("communication task missing an interactor", judgeerr.ErrValidatorFailed)
	}
	interItem := testplan.CodeItem{Path: m.resolve(m.Pkg.Interactor.Path), Language: m.Pkg.Interactor.Language}
	interDigest, err := steps.Compile(ctx, m.EC, interItem, steps.None, m.EnableSanitizers)
	if err != nil {
		return fmt.Errorf("materializer: compile interactor: %w", err)
	}
	pair, err := checker.RunCommunicationPair(ctx, m.EC, solItem, interItem, solDigest, interDigest, inPath, 20_000)
	if err != nil {
		return fmt.Errorf("materializer: communication reference: %w", err)
	}
	if pair.Solution.ExitStatus != sandbox.OK {
		return &judgeerr.BuildError{Stage: "reference-output", Item: solItem.Path, Testcase: inPath, Err: fmt.Errorf("reference solution exited %s during communication", pair.Solution.ExitStatus)}
	}
	return os.WriteFile(outPath, pair.SolutionStdout, 0o644)
}

func (m *Materializer) groupModelSolution() *testplan.CodeItem {
	for _, g := range m.Pkg.Testcases {
		if g.Name == "samples" {
			return g.ModelSolution
		}
	}
	return nil
}

// RunUnitTests compiles and runs every declared unit test with no
// testcase and no checker; exit code 0 is pass, non-zero is a build
// failure (supplemental feature, see SPEC_FULL.md §3).
func (m *Materializer) RunUnitTests(ctx context.Context) error {
	for _, ut := range m.Pkg.UnitTests {
		item := testplan.CodeItem{Path: m.resolve(ut.Path), Language: ut.Language}
		digest, err := steps.Compile(ctx, m.EC, item, steps.None, m.EnableSanitizers)
		if err != nil {
			return fmt.Errorf("materializer: compile unit test %s: %w", ut.Path, err)
		}
		runLog, err := steps.Run(ctx, m.EC, steps.RunRequest{
			Item:             item,
			ExecutableDigest: digest,
			Limits:           sandbox.Limits{WallTimeMS: 20_000, CPUTimeMS: 10_000},
			CacheRun:         true,
		})
		if err != nil {
			return fmt.Errorf("materializer: run unit test %s: %w", ut.Path, err)
		}
		if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
			return &judgeerr.BuildError{Stage: "unit-test", Item: ut.Path, Log: string(runLog.Stderr), Err: fmt.Errorf("unit test failed: %s", runLog.ExitStatus)}
		}
	}
	return nil
}

func varsAsFlags(vars testplan.Vars) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, fmt.Sprintf("--%s=%v", k, vars[k]))
	}
	return flags
}

func splitArgs(args string) []string {
	if strings.TrimSpace(args) == "" {
		return nil
	}
	return strings.Fields(args)
}

func copyNormalized(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	normalized := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, normalized, 0o644)
}

// findSiblingOutput looks for srcIn's ".out" sibling, falling back to
// ".ans", returning ok=false if neither exists (caller falls back to
// generating a reference output).
func findSiblingOutput(srcIn string) (string, bool) {
	stem := strings.TrimSuffix(srcIn, filepath.Ext(srcIn))
	for _, ext := range []string{".out", ".ans"} {
		p := stem + ext
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

