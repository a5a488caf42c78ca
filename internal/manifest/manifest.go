// Package manifest decodes a problem package manifest (YAML) into the
// internal/testplan data model and enforces the schema invariants spec.md
// §3 and §9 describe as validation rather than type-system shape
// ("discriminated unions" resolved here, not via reflection).
package manifest

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"judgebox/internal/judgeerr"
	"judgebox/internal/outcome"
	"judgebox/internal/testplan"
)

// Decode parses YAML manifest bytes into a validated *testplan.Package.
func Decode(data []byte) (*testplan.Package, error) {
	var pkg testplan.Package
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("manifest: parse yaml: %w", err)
	}
	if err := Validate(&pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// Validate enforces the invariants spec.md §3 names that the YAML schema
// alone cannot: the solutions-ordering rule, the test-group mutual
// exclusion rule, and the samples-group placement rule.
func Validate(pkg *testplan.Package) error {
	if pkg.Name == "" {
		return judgeerr.NewUser("manifest: package name is required", judgeerr.ErrValidatorFailed)
	}
	if pkg.TaskType != testplan.Batch && pkg.TaskType != testplan.Communication {
		return fmt.Errorf("manifest: unknown task type %q", pkg.TaskType)
	}
	if pkg.TaskType == testplan.Communication && pkg.Interactor == nil {
		return fmt.Errorf("manifest: communication tasks require an interactor")
	}
	if pkg.TaskType == testplan.Batch && pkg.Checker == nil {
		return fmt.Errorf("manifest: batch tasks require a checker")
	}

	if err := validateSolutionOrdering(pkg.Solutions); err != nil {
		return err
	}
	if err := validateTestGroups(pkg.Testcases); err != nil {
		return err
	}
	return nil
}

// validateSolutionOrdering enforces: if any solution carries Accepted,
// the first solution in the manifest must carry Accepted (it is the
// reference/main solution).
func validateSolutionOrdering(solutions []testplan.Solution) error {
	anyAccepted := false
	for _, s := range solutions {
		if s.ExpectedOutcome == outcome.ExpAccepted {
			anyAccepted = true
		}
	}
	if anyAccepted && (len(solutions) == 0 || solutions[0].ExpectedOutcome != outcome.ExpAccepted) {
		return fmt.Errorf("manifest: an Accepted solution exists but the first declared solution is not Accepted")
	}
	return nil
}

// validateTestGroups enforces the "at most one of {manual_testcases,
// glob, generator_calls, generator_script}" invariant and the "samples,
// if present, is the first group" / "model_solution only on samples"
// invariants, over each top-level group and its direct subgroups.
func validateTestGroups(groups []testplan.TestGroup) error {
	for i, g := range groups {
		if g.Name == "samples" && i != 0 {
			return fmt.Errorf("manifest: group %q (samples) must be the first group if present", g.Name)
		}
		if g.ModelSolution != nil && g.Name != "samples" {
			return fmt.Errorf("manifest: group %q: model_solution may only be set on the samples group", g.Name)
		}
		if err := validateOneGroup(g); err != nil {
			return err
		}
		for _, sub := range g.Subgroups {
			if sub.ModelSolution != nil {
				return fmt.Errorf("manifest: subgroup %q/%q: model_solution may only be set on the top-level samples group", g.Name, sub.Name)
			}
			if err := validateOneGroup(sub); err != nil {
				return fmt.Errorf("manifest: subgroup %q: %w", g.Name, err)
			}
		}
	}
	return nil
}

func validateOneGroup(g testplan.TestGroup) error {
	kinds := 0
	if len(g.ManualTestcases) > 0 {
		kinds++
	}
	if g.Glob != "" {
		kinds++
	}
	if len(g.GeneratorCalls) > 0 {
		kinds++
	}
	if g.GeneratorScript != "" {
		kinds++
	}
	if kinds > 1 {
		return fmt.Errorf("%w: group %q declares more than one of {manual_testcases, glob, generator_calls, generator_script}", judgeerr.ErrValidatorFailed, g.Name)
	}
	return nil
}
