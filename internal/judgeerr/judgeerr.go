// Package judgeerr defines the closed set of error kinds the judging
// pipeline can raise, per the error handling design: user errors, build
// failures, sandbox failures and matcher mismatches are distinct types so
// that the top-level driver can choose an exit code without string
// matching.
package judgeerr

import (
	"errors"
	"fmt"
)

// Sentinel errors carried in the Err field of the error types below (see
// NewUser), so errors.Is finds them through Unwrap.
var (
	ErrGeneratorNotFound = errors.New("generator not found")
	ErrValidatorFailed   = errors.New("validator rejected testcase")
	ErrCompileFailed     = errors.New("compilation failed")
	ErrOutsidePackage    = errors.New("referenced file outside package root")
)

// UserError reports a problem with the package manifest or the files it
// references: invalid manifest, missing generator, a referenced file
// outside the package root.
type UserError struct {
	Msg string
	Err error
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("user error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("user error: %s", e.Msg)
}

func (e *UserError) Unwrap() error { return e.Err }

// NewUser wraps sentinel into a *UserError with additional context.
func NewUser(msg string, sentinel error) *UserError {
	return &UserError{Msg: msg, Err: sentinel}
}

// BuildError reports a fatal failure while materializing the test tree:
// a non-zero compiler/generator exit, or a checker JUDGE_FAILED verdict
// on a reference output. It always carries the command's stdout/stderr
// and, when relevant, the offending testcase paths.
type BuildError struct {
	Stage    string // "compile", "generate", "validate", "reference-output"
	Item     string // path of the offending code item
	Testcase string // offending testcase input path, if any
	Log      string // captured stdout/stderr
	Err      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build failed in %s for %s", e.Stage, e.Item)
	if e.Testcase != "" {
		msg += fmt.Sprintf(" (testcase %s)", e.Testcase)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// SandboxError reports that the sandbox itself failed to execute a
// command (EXIT_SANDBOX_ERROR). The caller is expected to retry up to a
// bound before surfacing this; it must never poison the dependency cache.
type SandboxError struct {
	Command []string
	Err     error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox error running %v: %v", e.Command, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// MatchError reports a non-fatal-for-build, fatal-for-verify mismatch
// between a solution's observed outcomes and its declared expectation.
type MatchError struct {
	Solution string
	Kind     string // "UnexpectedVerdicts" or "UnexpectedScore"
	Detail   string
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Solution, e.Kind, e.Detail)
}
