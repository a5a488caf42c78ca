// Package checker implements the Checker & Interactor Protocol: sandbox
// outcome normalization (check_with_no_output), the batch checker's
// exit-code mapping, the Communication task's five-phase verdict state
// machine, and the soft-TLE conversion helper the Solution Runner uses.
//
// CheckWithNoOutput and CheckCommunication/processCheckerExitCode are
// kept as separate functions rather than folded into one "smart" helper:
// the Communication path's RTE-reinterpretation only applies to the
// interactor, never to a checker's testlib exit codes, and merging the
// two would hide that asymmetry (see DESIGN.md's Open Question log).
package checker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"judgebox/internal/engine"
	"judgebox/internal/judgeerr"
	"judgebox/internal/lang"
	"judgebox/internal/outcome"
	"judgebox/internal/sandbox"
	"judgebox/internal/steps"
	"judgebox/internal/testplan"
)

// CheckWithNoOutput maps a solution's sandbox result to a provisional
// outcome, independent of program output. timeLimitMS of 0 means
// unbounded (never flags TimeLimitExceeded on the CPU-time fallback row).
func CheckWithNoOutput(runLog *sandbox.RunLog, timeLimitMS int64, isSanitized bool, isTimeUnbounded bool) outcome.Outcome {
	if runLog == nil {
		return outcome.InternalError
	}
	switch runLog.ExitStatus {
	case sandbox.Signal, sandbox.NonZero:
		return outcome.RuntimeError
	case sandbox.Timeout:
		return outcome.TimeLimitExceeded
	case sandbox.WallTimeout:
		return outcome.IdlenessLimitExceeded
	case sandbox.MemoryExceeded:
		return outcome.MemoryLimitExceeded
	case sandbox.OutputExceeded:
		return outcome.OutputLimitExceeded
	case sandbox.SandboxErrorState:
		return outcome.InternalError
	}
	if timeLimitMS > 0 && !isSanitized && !isTimeUnbounded && runLog.TimeSeconds*1000 > float64(timeLimitMS) {
		return outcome.TimeLimitExceeded
	}
	return outcome.Accepted
}

// ConvertTLE reports whether a run that already primary-TLE'd would
// still exceed the doubled ("soft") time limit. It uses >= (inclusive)
// so a run landing exactly on the doubled boundary gets no soft-TLE
// credit, in contrast to CheckWithNoOutput's strict > on the primary
// limit (see DESIGN.md's Open Question log for why these differ).
func ConvertTLE(timeSeconds float64, doubleTimeLimitMS int64) bool {
	if doubleTimeLimitMS <= 0 {
		return false
	}
	return timeSeconds*1000 >= float64(doubleTimeLimitMS)
}

// processCheckerExitCode maps a testlib-style checker/interactor exit
// code to an Outcome: 0 Accepted, 1/2 WrongAnswer, 3 JudgeFailed, any
// other code JudgeFailed with an "unknown exit code" message.
func processCheckerExitCode(exitCode int) (outcome.Outcome, string) {
	switch exitCode {
	case 0:
		return outcome.Accepted, ""
	case 1, 2:
		return outcome.WrongAnswer, ""
	case 3:
		return outcome.JudgeFailed, ""
	default:
		return outcome.JudgeFailed, fmt.Sprintf("unknown checker exit code %d", exitCode)
	}
}

// CheckBatch runs the full batch-task check: provisional classification
// via CheckWithNoOutput, output-size check, then the staged checker
// invocation with input.txt/output.txt/expected.txt.
func CheckBatch(ctx context.Context, ec *engine.Context, checkerItem testplan.CodeItem, checkerDigest string,
	inputPath, outputPath, expectedPath string, outputLimitKB int64,
	solRunLog *sandbox.RunLog, effectiveTimeLimitMS int64, isTimeUnbounded bool) (outcome.CheckerResult, error) {

	provisional := CheckWithNoOutput(solRunLog, effectiveTimeLimitMS, solRunLog != nil && solRunLog.Metadata.IsSanitized, isTimeUnbounded)
	if provisional != outcome.Accepted {
		return outcome.CheckerResult{Outcome: provisional, SanitizerWarnings: solRunLog != nil && solRunLog.SanitizerWarnings}, nil
	}

	if outputLimitKB > 0 {
		if info, err := os.Stat(outputPath); err == nil && info.Size() > outputLimitKB*1024 {
			return outcome.CheckerResult{Outcome: outcome.OutputLimitExceeded, SanitizerWarnings: solRunLog.SanitizerWarnings}, nil
		}
	}

	runLog, err := steps.Run(ctx, ec, steps.RunRequest{
		Item:             checkerItem,
		ExecutableDigest: checkerDigest,
		ExtraFiles: []sandbox.FileIn{
			{SourcePath: inputPath, SandboxPath: "input.txt"},
			{SourcePath: outputPath, SandboxPath: "output.txt"},
			{SourcePath: expectedPath, SandboxPath: "expected.txt"},
		},
		ExtraArgs: []string{"input.txt", "output.txt", "expected.txt"},
		Limits:    sandbox.Limits{WallTimeMS: 20_000, CPUTimeMS: 10_000},
		CacheRun:  true,
	})
	if err != nil {
		return outcome.CheckerResult{}, fmt.Errorf("checker: run: %w", err)
	}
	if runLog.ExitStatus == sandbox.SandboxErrorState {
		return outcome.CheckerResult{Outcome: outcome.InternalError}, &judgeerr.BuildError{
			Stage: "checker", Item: checkerItem.Path, Testcase: inputPath,
			Err: fmt.Errorf("checker sandbox failed"),
		}
	}
	if runLog.ExitStatus != sandbox.OK && runLog.ExitStatus != sandbox.NonZero {
		return outcome.CheckerResult{Outcome: outcome.InternalError}, &judgeerr.BuildError{
			Stage: "checker", Item: checkerItem.Path, Testcase: inputPath, Log: string(runLog.Stderr),
			Err: fmt.Errorf("checker exited abnormally: %s", runLog.ExitStatus),
		}
	}

	verdict, msg := processCheckerExitCode(runLog.ExitCode)
	if msg == "" {
		msg = strings.TrimSpace(string(runLog.Stderr))
	}
	return outcome.CheckerResult{Outcome: verdict, Message: msg, SanitizerWarnings: solRunLog.SanitizerWarnings}, nil
}

// isTestlibEOF reports whether stderr looks like testlib's "unexpected
// end of file" message, used to distinguish an interactor-initiated pipe
// close from a genuine solution crash.
func isTestlibEOF(stderr []byte) bool {
	return bytes.Contains(bytes.ToLower(stderr), []byte("unexpected end of file")) ||
		bytes.Contains(bytes.ToLower(stderr), []byte("eof"))
}

func interactorVerdict(runLog *sandbox.RunLog) outcome.Outcome {
	if runLog == nil || runLog.ExitStatus == sandbox.SandboxErrorState {
		return outcome.InternalError
	}
	if runLog.ExitStatus != sandbox.OK && runLog.ExitStatus != sandbox.NonZero {
		// The interactor crashed/timed out abnormally; never a solution verdict.
		return outcome.JudgeFailed
	}
	// Exit codes outside 0-3 fall through processCheckerExitCode's default
	// branch to JudgeFailed already; this is the RTE-reinterpretation of
	// Open Question #1 (an interactor should never raise a bare
	// RuntimeError, so any out-of-band exit is treated as a judge failure
	// rather than surfaced as RuntimeError).
	v, _ := processCheckerExitCode(runLog.ExitCode)
	return v
}

// LegacyCheck is an optional re-check the caller supplies when a
// Communication task also configures a legacy checker digest.
type LegacyCheck func() (outcome.Outcome, string, error)

// CheckCommunication runs the five-phase Communication verdict machine
// over a solution run log and an interactor run log, returning on the
// first phase that yields a non-Accepted verdict.
func CheckCommunication(sol, interactor *sandbox.RunLog, interactorStderr []byte,
	effectiveTimeLimitMS int64, isTimeUnbounded bool, legacy LegacyCheck) (outcome.CheckerResult, error) {

	if sol == nil || interactor == nil || sol.ExitStatus == sandbox.SandboxErrorState || interactor.ExitStatus == sandbox.SandboxErrorState {
		return outcome.CheckerResult{Outcome: outcome.InternalError}, nil
	}

	brokenPipe := sol.ExitStatus == sandbox.Signal || sol.ExitStatus == sandbox.Terminated ||
		(sol.ExitStatus == sandbox.NonZero && !isTestlibEOF(interactorStderr))
	if brokenPipe {
		if iv := interactorVerdict(interactor); iv != outcome.Accepted {
			return outcome.CheckerResult{Outcome: iv, Message: strings.TrimSpace(string(interactorStderr)), SanitizerWarnings: sol.SanitizerWarnings}, nil
		}
	}

	solOutcome := CheckWithNoOutput(sol, effectiveTimeLimitMS, sol.Metadata.IsSanitized, isTimeUnbounded)
	if solOutcome != outcome.Accepted {
		return outcome.CheckerResult{Outcome: solOutcome, SanitizerWarnings: sol.SanitizerWarnings}, nil
	}

	if iv := interactorVerdict(interactor); iv != outcome.Accepted {
		return outcome.CheckerResult{Outcome: iv, Message: strings.TrimSpace(string(interactorStderr)), SanitizerWarnings: sol.SanitizerWarnings}, nil
	}

	if legacy != nil {
		o, msg, err := legacy()
		if err != nil {
			return outcome.CheckerResult{}, err
		}
		if o != outcome.Accepted {
			return outcome.CheckerResult{Outcome: o, Message: msg, SanitizerWarnings: sol.SanitizerWarnings}, nil
		}
	}

	return outcome.CheckerResult{Outcome: outcome.Accepted, SanitizerWarnings: sol.SanitizerWarnings}, nil
}

// CommunicationPairResult is the pair of run logs produced by running a
// solution and an interactor concurrently over a pair of pipes.
type CommunicationPairResult struct {
	Solution         *sandbox.RunLog
	Interactor       *sandbox.RunLog
	SolutionStdout   []byte
	InteractorStderr []byte
}

// RunCommunicationPair executes solItem and interactorItem concurrently,
// wiring the solution's stdout to the interactor's stdin and vice versa.
// This bypasses the one-shot Sandbox Adapter (its Execute models a single
// command; a live-communicating pair needs direct pipe wiring), so it
// shells out via os/exec the same way ProcessAdapter does internally,
// bounded by a wall-clock context timeout.
func RunCommunicationPair(ctx context.Context, ec *engine.Context, solItem, interactorItem testplan.CodeItem,
	solDigest, interactorDigest, inputPath string, wallTimeoutMS int64) (*CommunicationPairResult, error) {

	solLang, ok := ec.Langs.Resolve(solItem.Language, solItem.Path)
	if !ok {
		return nil, judgeerr.NewUser(fmt.Sprintf("communication: no language for %q", solItem.Path), judgeerr.ErrCompileFailed)
	}
	interLang, ok := ec.Langs.Resolve(interactorItem.Language, interactorItem.Path)
	if !ok {
		return nil, judgeerr.NewUser(fmt.Sprintf("communication: no language for %q", interactorItem.Path), judgeerr.ErrCompileFailed)
	}

	scratch, err := os.MkdirTemp(ec.BuildRoot, "communicate-*")
	if err != nil {
		return nil, fmt.Errorf("communication: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	solDir := filepath.Join(scratch, "sol")
	interDir := filepath.Join(scratch, "interactor")
	if err := os.MkdirAll(solDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(interDir, 0o755); err != nil {
		return nil, err
	}

	solExe := filepath.Join(solDir, solLang.Mapping.Executable)
	interExe := filepath.Join(interDir, interLang.Mapping.Executable)
	if err := ec.Store.GetToPath(solDigest, solExe); err != nil {
		return nil, fmt.Errorf("communication: fetch solution: %w", err)
	}
	if err := ec.Store.GetToPath(interactorDigest, interExe); err != nil {
		return nil, fmt.Errorf("communication: fetch interactor: %w", err)
	}
	_ = os.Chmod(solExe, 0o755)
	_ = os.Chmod(interExe, 0o755)

	testInput := filepath.Join(interDir, "input.txt")
	if err := copyFile(inputPath, testInput); err != nil {
		return nil, fmt.Errorf("communication: stage input: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if wallTimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(wallTimeoutMS)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
	}
	defer cancel()

	solFields := strings.Fields(lang.Substitute(solLang.RunCommand, solLang.Mapping))
	solCmd := exec.CommandContext(runCtx, solFields[0], solFields[1:]...)
	solCmd.Dir = solDir

	interFields := strings.Fields(lang.Substitute(interLang.RunCommand, interLang.Mapping))
	interFields = append(interFields, "input.txt")
	interCmd := exec.CommandContext(runCtx, interFields[0], interFields[1:]...)
	interCmd.Dir = interDir

	// solToInter carries the solution's stdout into the interactor's
	// stdin; interToSol carries the interactor's stdout back.
	solToInter, solToInterWrite := io.Pipe()
	interToSol, interToSolWrite := io.Pipe()

	var solStdoutCapture bytes.Buffer
	solCmd.Stdout = io.MultiWriter(solToInterWrite, &solStdoutCapture)
	solCmd.Stdin = interToSol
	interCmd.Stdin = solToInter
	interCmd.Stdout = interToSolWrite
	var interStderr bytes.Buffer
	interCmd.Stderr = &interStderr
	var solStderr bytes.Buffer
	solCmd.Stderr = &solStderr

	var wg sync.WaitGroup
	var solErr, interErr error
	var solWall, interWall time.Duration

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		solErr = solCmd.Run()
		solWall = time.Since(start)
		solToInterWrite.Close()
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		interErr = interCmd.Run()
		interWall = time.Since(start)
		interToSolWrite.Close()
	}()
	wg.Wait()

	result := &CommunicationPairResult{
		Solution:         classifyCmdResult(solCmd, solErr, runCtx, solWall, solStderr.Bytes()),
		Interactor:       classifyCmdResult(interCmd, interErr, runCtx, interWall, interStderr.Bytes()),
		SolutionStdout:   solStdoutCapture.Bytes(),
		InteractorStderr: interStderr.Bytes(),
	}
	return result, nil
}

func classifyCmdResult(cmd *exec.Cmd, runErr error, runCtx context.Context, wall time.Duration, stderr []byte) *sandbox.RunLog {
	log := &sandbox.RunLog{WallTimeSeconds: wall.Seconds(), Stderr: stderr}
	if cmd.ProcessState != nil {
		log.TimeSeconds = cmd.ProcessState.UserTime().Seconds() + cmd.ProcessState.SystemTime().Seconds()
	}
	if runCtx.Err() == context.DeadlineExceeded {
		log.ExitStatus = sandbox.WallTimeout
		log.ExitCode = -1
		return log
	}
	if runErr == nil {
		log.ExitStatus = sandbox.OK
		return log
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		if exitErr.ProcessState.Signaled() {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signal() == syscall.SIGPIPE {
				// A SIGPIPE'd solution is the expected shape of an interactor
				// that closed the pipe after it was satisfied, not a crash —
				// Terminated lets the interactor's own verdict stand instead
				// of forcing RuntimeError (spec scenario 4).
				log.ExitStatus = sandbox.Terminated
			} else {
				log.ExitStatus = sandbox.Signal
			}
		} else {
			log.ExitStatus = sandbox.NonZero
			log.ExitCode = exitErr.ExitCode()
		}
		return log
	}
	log.ExitStatus = sandbox.SandboxErrorState
	return log
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
