package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"judgebox/internal/genscript"
	"judgebox/internal/judgeerr"
	"judgebox/internal/stress"
	"judgebox/internal/testplan"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "run every declared stress test, comparing two solutions across generated inputs",
	RunE:  runStress,
}

func runStress(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ws := resolveWorkspace()
	pkg, _, err := loadPackage(packagePath)
	if err != nil {
		return err
	}
	if len(pkg.Stresses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no stress tests declared")
		return nil
	}

	ec, err := newEngineContext(ws)
	if err != nil {
		return fmt.Errorf("judgebox: open engine: %w", err)
	}
	defer ec.Close()

	aliases, paths := generatorAliases(pkg)

	var found *stress.Finding
	for _, st := range pkg.Stresses {
		generator, solutions, err := resolveStressCodeItems(pkg, st, aliases, paths)
		if err != nil {
			return err
		}

		r := &stress.Runner{
			EC:            ec,
			Workdir:       filepath.Join(ec.BuildRoot, "stress", st.Name),
			Test:          st,
			Generator:     generator,
			Solutions:     solutions,
			Checker:       pkg.Checker,
			TimeLimitMS:   pkg.TimeLimitMS,
			MemoryLimitMB: pkg.MemoryLimitMB,
		}

		finding, err := r.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %d iteration(s)\n", st.Name, finding.Verdict, finding.Iteration)
		if finding.Verdict == stress.Difference {
			fmt.Fprintf(cmd.OutOrStdout(), "  input: %s\n  %s\n", finding.InputPath, finding.Message)
			found = finding
		}
	}

	if found != nil {
		return &judgeerr.MatchError{Solution: "stress", Kind: "UnexpectedVerdicts", Detail: found.Message}
	}
	return nil
}

// generatorAliases mirrors the Materializer's own construction: a
// generator is addressable either by its declared path or by its
// filename stem, per genscript.ResolveGeneratorName's contract.
func generatorAliases(pkg *testplan.Package) (map[string]string, map[string]bool) {
	aliases := map[string]string{}
	paths := map[string]bool{}
	for _, g := range pkg.Generators {
		stem := strings.TrimSuffix(filepath.Base(g.Path), filepath.Ext(g.Path))
		aliases[stem] = g.Path
		paths[g.Path] = true
	}
	return aliases, paths
}

func resolveStressCodeItems(pkg *testplan.Package, st testplan.StressTest, aliases map[string]string, paths map[string]bool) (testplan.CodeItem, [2]testplan.CodeItem, error) {
	if len(st.Solutions) != 2 {
		return testplan.CodeItem{}, [2]testplan.CodeItem{}, judgeerr.NewUser(
			fmt.Sprintf("stress test %q must declare exactly 2 solutions", st.Name), nil)
	}

	name, _, _ := strings.Cut(strings.TrimSpace(st.GeneratorCall), " ")
	genPath, ok := genscript.ResolveGeneratorName(name, aliases, paths)
	if !ok {
		return testplan.CodeItem{}, [2]testplan.CodeItem{}, judgeerr.NewUser(
			fmt.Sprintf("stress test %q: generator %q is not declared", st.Name, name), judgeerr.ErrGeneratorNotFound)
	}
	var generator testplan.CodeItem
	for _, g := range pkg.Generators {
		if g.Path == genPath {
			generator = g
			break
		}
	}

	var solutions [2]testplan.CodeItem
	for i, path := range st.Solutions {
		item, ok := findCodeItem(pkg, path)
		if !ok {
			return testplan.CodeItem{}, [2]testplan.CodeItem{}, judgeerr.NewUser(
				fmt.Sprintf("stress test %q: solution %q is not declared", st.Name, path), judgeerr.ErrOutsidePackage)
		}
		solutions[i] = item
	}
	return generator, solutions, nil
}

func findCodeItem(pkg *testplan.Package, path string) (testplan.CodeItem, bool) {
	for _, s := range pkg.Solutions {
		if s.Path == path {
			return s.CodeItem, true
		}
	}
	for _, g := range pkg.Generators {
		if g.Path == path {
			return g, true
		}
	}
	return testplan.CodeItem{}, false
}
