package main

import (
	"errors"
	"os"
	"testing"

	"judgebox/internal/testplan"
)

func TestExitCodeForNilIsZero(t *testing.T) {
	if got := exitCodeFor(nil); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestExitCodeForErrorIsNonZero(t *testing.T) {
	if got := exitCodeFor(errors.New("boom")); got == 0 {
		t.Error("expected a non-zero exit code for a non-nil error")
	}
}

func TestEnvTimeMultiplierDefaultsToOne(t *testing.T) {
	os.Unsetenv("RBX_TIME_MULTIPLIER")
	if got := envTimeMultiplier(); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
}

func TestEnvTimeMultiplierParsesOverride(t *testing.T) {
	os.Setenv("RBX_TIME_MULTIPLIER", "2.5")
	defer os.Unsetenv("RBX_TIME_MULTIPLIER")
	if got := envTimeMultiplier(); got != 2.5 {
		t.Errorf("got %v, want 2.5", got)
	}
}

func TestEnvTimeMultiplierRejectsInvalidValue(t *testing.T) {
	os.Setenv("RBX_TIME_MULTIPLIER", "not-a-number")
	defer os.Unsetenv("RBX_TIME_MULTIPLIER")
	if got := envTimeMultiplier(); got != 1 {
		t.Errorf("got %v, want 1 for an unparsable override", got)
	}
}

func TestBuildLimitConfigAppliesLanguageOverride(t *testing.T) {
	os.Unsetenv("RBX_TIME_MULTIPLIER")
	pkg := &testplan.Package{
		TimeLimitMS:   1000,
		MemoryLimitMB: 256,
		LanguageLimits: map[string]testplan.LanguageLimitModifier{
			"java": {TimeMultiplier: 3, TimeOverrideMS: 500},
		},
	}
	lc := buildLimitConfig(pkg, "java")
	if lc.BaseCPUTimeMS != 1000 || lc.LanguageMultiplier != 3 || lc.LanguageOverrideMS != 500 {
		t.Errorf("got %+v, want base 1000, multiplier 3, override 500", lc)
	}
}

func TestBuildLimitConfigLeavesUnoverriddenLanguageAtDefaults(t *testing.T) {
	os.Unsetenv("RBX_TIME_MULTIPLIER")
	pkg := &testplan.Package{TimeLimitMS: 1000, MemoryLimitMB: 256}
	lc := buildLimitConfig(pkg, "cpp")
	if lc.LanguageMultiplier != 0 || lc.LanguageOverrideMS != 0 {
		t.Errorf("got %+v, want zero-value language overrides", lc)
	}
}

func TestSanitizeNameReplacesSeparators(t *testing.T) {
	if got, want := sanitizeName("sols/wa.cpp"), "sols_wa.cpp"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTestcaseEntryOfTopLevelGroup(t *testing.T) {
	e := testplan.GenerationEntry{GroupEntry: testplan.TestcaseEntry{Group: "main", Index: 2}}
	got := testcaseEntryOf(e)
	want := testplan.TestcaseEntry{Group: "main", Index: 2}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestTestcaseEntryOfSplitsJoinedSubgroupPath(t *testing.T) {
	e := testplan.GenerationEntry{
		GroupEntry:    testplan.TestcaseEntry{Group: "main", Index: 0},
		SubgroupEntry: &testplan.TestcaseEntry{Group: "main/edge", Index: 4},
	}
	got := testcaseEntryOf(e)
	want := testplan.TestcaseEntry{Group: "main", Subgroup: "edge", Index: 4}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestGeneratorAliasesKeysByFileStem(t *testing.T) {
	pkg := &testplan.Package{
		Generators: []testplan.CodeItem{
			{Path: "gens/random.py", Language: "python"},
		},
	}
	aliases, paths := generatorAliases(pkg)
	if aliases["random"] != "gens/random.py" {
		t.Errorf("got alias map %v, want stem %q to resolve", aliases, "random")
	}
	if !paths["gens/random.py"] {
		t.Error("expected the declared path to be recorded")
	}
}

func TestFindCodeItemSearchesSolutionsThenGenerators(t *testing.T) {
	pkg := &testplan.Package{
		Solutions: []testplan.Solution{
			{CodeItem: testplan.CodeItem{Path: "sols/ac.cpp", Language: "cpp"}},
		},
		Generators: []testplan.CodeItem{
			{Path: "gens/random.py", Language: "python"},
		},
	}
	if _, ok := findCodeItem(pkg, "sols/ac.cpp"); !ok {
		t.Error("expected to find the solution")
	}
	if _, ok := findCodeItem(pkg, "gens/random.py"); !ok {
		t.Error("expected to find the generator")
	}
	if _, ok := findCodeItem(pkg, "missing.cpp"); ok {
		t.Error("expected no match for an undeclared path")
	}
}

func TestJoinPathJoinsWithSlash(t *testing.T) {
	if got, want := joinPath([]string{"main", "edge"}), "main/edge"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
