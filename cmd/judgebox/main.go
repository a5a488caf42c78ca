// Package main implements the judgebox CLI — the process-boundary driver
// that wires the Artifact Store, Dependency Cache, Testplan Walker,
// Testcase Materializer, Solution Runner, Checker/Interactor Protocol and
// Expectation Matcher into three commands: build, verify and stress.
//
// This file serves as the entry point and command registration hub. The
// actual command implementations are split across the other cmd_*.go
// files in this package.
//
// # File Index
//
//   - main.go       - entry point, rootCmd, global flags, init()
//   - common.go     - loadPackage(), newEngineContext(), exitCodeFor(), buildLimitConfig()
//   - cmd_build.go  - buildCmd, runBuild()
//   - cmd_verify.go - verifyCmd, runVerify(), verifySolution(), batch/communication dispatch
//   - cmd_stress.go - stressCmd, runStress(), resolveStressCodeItems()
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"judgebox/internal/logging"
)

var (
	// Global flags.
	verbose          bool
	workspace        string
	packagePath      string
	concurrency      int
	enableSanitizers bool
	timeout          time.Duration

	// logger is the console-facing zap logger; internal/logging is the
	// separate file-based debug trace the rest of the module writes to.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "judgebox",
	Short: "judgebox builds and verifies competitive-programming problem packages",
	Long: `judgebox materializes a problem package's test tree from a manifest,
runs its solutions against that tree and checks their observed outcomes
against their declared expectations, and drives stress tests that compare
two solutions' outputs across many generated inputs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := resolveWorkspace()
		if err := logging.Initialize(ws, logging.Config{DebugMode: verbose}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func resolveWorkspace() string {
	if workspace != "" {
		if abs, err := filepath.Abs(workspace); err == nil {
			return abs
		}
		return workspace
	}
	wd, _ := os.Getwd()
	return wd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&packagePath, "package", "p", "problem.yaml", "path to the package manifest")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 4, "max concurrent sandbox runs per solution")
	rootCmd.PersistentFlags().BoolVar(&enableSanitizers, "sanitizers", false, "compile generators/validators/model solutions with sanitizer instrumentation")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "overall operation timeout")

	rootCmd.AddCommand(buildCmd, verifyCmd, stressCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
