package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"judgebox/internal/issues"
	"judgebox/internal/logging"
	"judgebox/internal/materializer"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "materialize a package's test tree",
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
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

	timer := logging.StartTimer(logging.CategoryBuild, "materialize "+pkg.Name)
	m := materializer.New(ec, pkg, pkgRoot, enableSanitizers)
	result, err := m.Materialize(ctx)
	timer.Stop()
	if err != nil {
		return err
	}

	if len(pkg.UnitTests) > 0 {
		if err := m.RunUnitTests(ctx); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: built %d testcase(s)\n", pkg.Name, result.TestsBuilt)
	for _, line := range ec.Issues.Report(issues.LevelOverview) {
		fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %s\n", joinPath(line.Path), line.Message)
	}
	for _, unmet := range result.UnmetBounds {
		fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", unmet)
	}
	for _, p := range ec.Warnings.CompileWarningPaths() {
		fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s produced compiler warnings\n", p)
	}
	for _, p := range ec.Warnings.SanitizerWarningPaths() {
		fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s produced sanitizer warnings\n", p)
	}
	return nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}
