// Package steps implements the Compile & Run Steps: the two operations
// that sit between the Testplan/Materializer layer and the raw Sandbox
// Adapter, composing the Artifact Store and Dependency Cache around a
// language's compile/run command templates (internal/lang).
package steps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"judgebox/internal/cache"
	"judgebox/internal/engine"
	"judgebox/internal/judgeerr"
	"judgebox/internal/lang"
	"judgebox/internal/sandbox"
	"judgebox/internal/testplan"
)

// Sanitized selects whether a Compile produces an instrumented build.
type Sanitized int

const (
	// None never appends sanitizer flags.
	None Sanitized = iota
	// Prefer appends sanitizer flags when the process-wide toggle allows
	// it (used for generators/validators/model solutions).
	Prefer
	// Force always appends sanitizer flags regardless of the toggle
	// (used when a caller explicitly asks for an instrumented run).
	Force
)

// sanitizerMarker is the Store side-marker recorded next to a compiled
// executable's digest when it was built with sanitizer instrumentation.
const sanitizerMarker = "sanitized"

// compileTimeLimitMS bounds how long any single compile command may run;
// the original implementation does not expose this as manifest config.
const compileTimeLimitMS = 20_000

// Compile resolves code_item's language, compiles it (if the language
// needs a compile step) and returns the resulting executable's Store
// digest. Scripted languages that need no compile step return the digest
// of the source file itself. enableSanitizers is the process-wide config
// toggle Prefer respects; Force ignores it.
func Compile(ctx context.Context, ec *engine.Context, item testplan.CodeItem, sanitized Sanitized, enableSanitizers bool) (string, error) {
	language, ok := ec.Langs.Resolve(item.Language, item.Path)
	if !ok {
		return "", judgeerr.NewUser(fmt.Sprintf("compile: no language registered for %q", item.Path), judgeerr.ErrCompileFailed)
	}

	wantSanitized := sanitized == Force || (sanitized == Prefer && enableSanitizers)

	if !language.IsCompiled() {
		digest, err := ec.Store.PutPath(item.Path)
		if err != nil {
			return "", fmt.Errorf("compile: store source %s: %w", item.Path, err)
		}
		if wantSanitized {
			if err := ec.Store.SetMarker(digest, sanitizerMarker); err != nil {
				return "", fmt.Errorf("compile: mark sanitized %s: %w", item.Path, err)
			}
		}
		return digest, nil
	}

	sourceDigests, err := stageDigests(ec, item)
	if err != nil {
		return "", err
	}

	commands := make([]string, len(language.CompileCommands))
	for i, tmpl := range language.CompileCommands {
		cmd := lang.Substitute(tmpl, language.Mapping)
		if wantSanitized && lang.IsCxxCommand(cmd) {
			cmd = cmd + " " + lang.SanitizerFlags
		}
		commands[i] = cmd
	}

	limits := sandbox.Limits{WallTimeMS: compileTimeLimitMS * 2, CPUTimeMS: compileTimeLimitMS}
	if wantSanitized {
		limits.AddressSpaceMB = 0
		limits.CPUTimeMS = 0
		limits.WallTimeMS = compileTimeLimitMS * 2
	}

	fp := cache.Fingerprint(cache.FingerprintInput{
		Command:       strings.Join(commands, " && ") + fmt.Sprintf(" sanitized=%v", wantSanitized),
		SortedInputs:  sourceDigests,
		SortedOutputs: []string{language.Mapping.Executable},
		Limits:        limits,
	})

	if entry, hit := ec.Cache.Lookup(ec.CacheLevel, fp); hit {
		digest, ok := entry.Outputs[language.Mapping.Executable]
		if ok {
			if wantSanitized {
				_ = ec.Store.SetMarker(digest, sanitizerMarker)
			}
			return digest, nil
		}
	}

	scratch, err := os.MkdirTemp(ec.BuildRoot, "compile-*")
	if err != nil {
		return "", fmt.Errorf("compile: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	filesIn, err := stageFilesIn(item, language.Mapping)
	if err != nil {
		return "", err
	}

	var runLog *sandbox.RunLog
	outPath := filepath.Join(scratch, language.Mapping.Executable)
	for _, cmdStr := range commands {
		runLog, err = ec.Sandbox.Execute(ctx, strings.Fields(cmdStr), limits, filesIn,
			[]sandbox.FileOut{{SandboxPath: language.Mapping.Executable, SinkPath: outPath}},
			sandbox.Stdio{})
		if err != nil {
			return "", fmt.Errorf("compile: sandbox execute: %w", err)
		}
		if runLog.ExitStatus != sandbox.OK || runLog.ExitCode != 0 {
			return "", &judgeerr.BuildError{
				Stage: "compile",
				Item:  item.Path,
				Log:   string(runLog.Stderr),
				Err:   fmt.Errorf("%w: exit status %s", judgeerr.ErrCompileFailed, runLog.ExitStatus),
			}
		}
	}

	if _, err := os.Stat(outPath); err != nil {
		return "", &judgeerr.BuildError{
			Stage: "compile",
			Item:  item.Path,
			Err:   fmt.Errorf("%w: compiler exited 0 but produced no executable", judgeerr.ErrCompileFailed),
		}
	}
	digest, err := ec.Store.PutPath(outPath)
	if err != nil {
		return "", fmt.Errorf("compile: store executable: %w", err)
	}

	if wantSanitized {
		if err := ec.Store.SetMarker(digest, sanitizerMarker); err != nil {
			return "", fmt.Errorf("compile: mark sanitized: %w", err)
		}
	}

	if err := ec.Cache.Insert(ec.CacheLevel, fp, cache.Entry{
		Outputs: map[string]string{language.Mapping.Executable: digest},
		RunLog:  *runLog,
	}); err != nil {
		// Caching is best-effort; a failure to persist never fails the compile.
		_ = err
	}

	return digest, nil
}

// stageDigests returns the sorted Store digests of item.Path and every
// entry in item.CompilationFiles, used as cache-fingerprint material. A
// manifest-declared CompilationFingerprint overrides content hashing
// entirely (used when the package author pins a fingerprint for a source
// that changes without its bytes changing, e.g. a templated generator).
func stageDigests(ec *engine.Context, item testplan.CodeItem) ([]string, error) {
	if item.CompilationFingerprint != "" {
		return []string{item.CompilationFingerprint}, nil
	}
	paths := append([]string{item.Path}, item.CompilationFiles...)
	digests := make([]string, 0, len(paths))
	for _, p := range paths {
		digest, err := ec.Store.PutPath(p)
		if err != nil {
			return nil, fmt.Errorf("compile: hash %s: %w", p, err)
		}
		digests = append(digests, digest+":"+filepath.Base(p))
	}
	sort.Strings(digests)
	return digests, nil
}

func stageFilesIn(item testplan.CodeItem, mapping lang.FileMapping) ([]sandbox.FileIn, error) {
	files := []sandbox.FileIn{{SourcePath: item.Path, SandboxPath: mapping.Compilable}}
	for _, extra := range item.CompilationFiles {
		files = append(files, sandbox.FileIn{SourcePath: extra, SandboxPath: filepath.Base(extra)})
	}
	return files, nil
}

// RunRequest bundles the inputs a Run needs beyond the executable digest.
type RunRequest struct {
	Item             testplan.CodeItem
	ExecutableDigest string
	// Stdio.StdoutPath/StderrPath, if set, are the sandbox-relative names
	// the run command writes to; RunLog.Stderr is always populated
	// directly from the sandboxed process's stderr regardless of
	// StderrPath. To retrieve stdout content (stderr is already carried
	// on the RunLog), set StdoutSink to a real external path — the
	// Dependency Cache rehydrates it on a cache hit the same way it
	// would have been written on a live run.
	Stdio      sandbox.Stdio
	StdoutSink string
	ExtraFiles []sandbox.FileIn
	// ExtraOutputs retrieves additional sandbox-relative files the run
	// command produces beyond stdout (e.g. a testlib validator's
	// --testOverviewLogFileName bounds log). Participates in the
	// Dependency Cache fingerprint and is rehydrated on a cache hit the
	// same way StdoutSink is.
	ExtraOutputs []sandbox.FileOut
	ExtraArgs    []string
	Limits       sandbox.Limits
	// CacheRun selects whether this invocation may hit/populate the
	// Dependency Cache. Solutions under timing measurement pass false;
	// deterministic compile/validate-adjacent runs pass true.
	CacheRun bool
}

// Run executes a previously compiled (or scripted) item's run command
// against ExecutableDigest, honoring the sanitizer side-marker (which
// drops address-space/time limits and forces stderr capture) and the
// Dependency Cache when req.CacheRun is set.
func Run(ctx context.Context, ec *engine.Context, req RunRequest) (*sandbox.RunLog, error) {
	language, ok := ec.Langs.Resolve(req.Item.Language, req.Item.Path)
	if !ok {
		return nil, judgeerr.NewUser(fmt.Sprintf("run: no language registered for %q", req.Item.Path), judgeerr.ErrCompileFailed)
	}

	limits := req.Limits
	isSanitized := ec.Store.HasMarker(req.ExecutableDigest, sanitizerMarker)
	stdio := req.Stdio
	if isSanitized {
		limits.AddressSpaceMB = 0
		limits.CPUTimeMS = 0
		limits.WallTimeMS = 0
		if stdio.StderrPath == "" {
			stdio.StderrPath = "stderr.txt"
		}
	}

	cmd := lang.Substitute(language.RunCommand, language.Mapping)
	if len(req.ExtraArgs) > 0 {
		cmd = cmd + " " + strings.Join(req.ExtraArgs, " ")
	}
	fields := strings.Fields(cmd)

	filesIn := append([]sandbox.FileIn{}, req.ExtraFiles...)
	scratch, err := os.MkdirTemp(ec.BuildRoot, "run-*")
	if err != nil {
		return nil, fmt.Errorf("run: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	execPath := filepath.Join(scratch, "fetched-"+language.Mapping.Executable)
	if language.IsCompiled() {
		if err := ec.Store.GetToPath(req.ExecutableDigest, execPath); err != nil {
			return nil, fmt.Errorf("run: fetch executable: %w", err)
		}
		filesIn = append(filesIn, sandbox.FileIn{SourcePath: execPath, SandboxPath: language.Mapping.Executable, ExecutableBit: true})
	} else {
		if err := ec.Store.GetToPath(req.ExecutableDigest, execPath); err != nil {
			return nil, fmt.Errorf("run: fetch source: %w", err)
		}
		filesIn = append(filesIn, sandbox.FileIn{SourcePath: execPath, SandboxPath: language.Mapping.Compilable})
	}

	level := ec.CacheLevel
	if !req.CacheRun {
		level = cache.NoCache
	}

	sortedInputs := []string{req.ExecutableDigest + ":" + language.Mapping.Executable}
	if stdio.StdinPath != "" {
		stdinDigest, err := ec.Store.PutPath(stdio.StdinPath)
		if err != nil {
			return nil, fmt.Errorf("run: hash stdin: %w", err)
		}
		sortedInputs = append(sortedInputs, stdinDigest+":stdin")
	}
	for _, f := range req.ExtraFiles {
		digest, err := ec.Store.PutPath(f.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("run: hash %s: %w", f.SourcePath, err)
		}
		sortedInputs = append(sortedInputs, digest+":"+f.SandboxPath)
	}
	sortedOutputs := []string{stdio.StdoutPath, stdio.StderrPath}
	for _, eo := range req.ExtraOutputs {
		sortedOutputs = append(sortedOutputs, eo.SandboxPath)
	}
	sort.Strings(sortedOutputs)
	fp := cache.Fingerprint(cache.FingerprintInput{
		Command:       cmd,
		SortedInputs:  sortedInputs,
		SortedOutputs: sortedOutputs,
		Limits:        limits,
	})
	if entry, hit := ec.Cache.Lookup(level, fp); hit {
		complete := true
		if req.StdoutSink != "" {
			if digest, ok := entry.Outputs["stdout"]; ok {
				if err := ec.Store.GetToPath(digest, req.StdoutSink); err != nil {
					return nil, fmt.Errorf("run: rehydrate cached stdout: %w", err)
				}
			} else {
				complete = false
			}
		}
		for _, eo := range req.ExtraOutputs {
			digest, ok := entry.Outputs[eo.SandboxPath]
			if !ok {
				complete = false
				continue
			}
			if err := ec.Store.GetToPath(digest, eo.SinkPath); err != nil {
				return nil, fmt.Errorf("run: rehydrate cached %s: %w", eo.SandboxPath, err)
			}
		}
		if complete {
			log := entry.RunLog
			return &log, nil
		}
		// Cached entry predates one of the requested outputs; fall through and re-run.
	}

	filesOut := append([]sandbox.FileOut{}, req.ExtraOutputs...)
	stdoutSink := req.StdoutSink
	if stdio.StdoutPath != "" {
		if stdoutSink == "" {
			stdoutSink = filepath.Join(scratch, "out-stdout")
		}
		filesOut = append(filesOut, sandbox.FileOut{SandboxPath: stdio.StdoutPath, SinkPath: stdoutSink})
	}

	runLog, err := ec.Sandbox.Execute(ctx, fields, limits, filesIn, filesOut, stdio)
	if err != nil {
		return nil, fmt.Errorf("run: sandbox execute: %w", err)
	}
	runLog.Metadata.Language = language.Name
	runLog.Metadata.IsSanitized = isSanitized

	if req.CacheRun && runLog.ExitStatus != sandbox.SandboxErrorState {
		outputs := map[string]string{}
		if req.StdoutSink != "" {
			if digest, err := ec.Store.PutPath(req.StdoutSink); err == nil {
				outputs["stdout"] = digest
			}
		}
		for _, eo := range req.ExtraOutputs {
			if digest, err := ec.Store.PutPath(eo.SinkPath); err == nil {
				outputs[eo.SandboxPath] = digest
			}
		}
		_ = ec.Cache.Insert(level, fp, cache.Entry{Outputs: outputs, RunLog: *runLog})
	}

	return runLog, nil
}

// WrapDiagnostics wraps the body of a .h/.hpp header in GCC/Clang
// diagnostic push/pop pragmas so warnings raised inside it do not
// propagate into the including translation unit's warning count.
func WrapDiagnostics(headerSource string) string {
	var b strings.Builder
	b.WriteString("#pragma GCC diagnostic push\n")
	b.WriteString("#pragma GCC diagnostic ignored \"-Wall\"\n")
	b.WriteString(headerSource)
	if !strings.HasSuffix(headerSource, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("#pragma GCC diagnostic pop\n")
	return b.String()
}
