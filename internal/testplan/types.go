// Package testplan defines the §3 data model (CodeItem, TestGroup,
// GenerationEntry, Package, ...) and the Testplan Walker: a deterministic
// depth-first traversal of Package.Testcases that emits one
// GenerationEntry per testcase with stable indexing.
package testplan

import "judgebox/internal/outcome"

// CodeItem is a declared source artifact: a solution, generator, checker,
// interactor, or validator file.
type CodeItem struct {
	Path                  string   `yaml:"path"`
	Language              string   `yaml:"language,omitempty"`
	CompilationFiles      []string `yaml:"compilationFiles,omitempty"`
	CompilationFingerprint string  `yaml:"compilationFingerprint,omitempty"`
}

// Solution is a CodeItem with a declared expectation and optional score.
// A solution may declare either an exact Score or a closed [ScoreMin,
// ScoreMax] range (either bound may be omitted to leave that side open);
// declaring Score together with a range is redundant but not rejected
// here — internal/expect treats Score as taking precedence.
type Solution struct {
	CodeItem        `yaml:",inline"`
	ExpectedOutcome outcome.ExpectedOutcome `yaml:"outcome"`
	Score           *float64                `yaml:"score,omitempty"`
	ScoreMin        *float64                `yaml:"scoreMin,omitempty"`
	ScoreMax        *float64                `yaml:"scoreMax,omitempty"`
}

// GenerationEntryMetadata records how one testcase's files were produced.
type GenerationEntryMetadata struct {
	CopiedTo           [2]string // [input_path, output_path]
	CopiedFrom         string    // source stem, set iff this entry was a manual/glob copy
	GeneratorCall      *CallRef  // set iff this entry ran a direct generator_call
	GeneratorScriptRef *CallRef  // set iff this entry came from a generator script
}

// CallRef names a generator invocation: which generator and what
// arguments were passed to it.
type CallRef struct {
	GeneratorName string `yaml:"generatorName"`
	Args          string `yaml:"args,omitempty"`
	SourceLine    int    `yaml:"-"` // 1-based, only meaningful for GeneratorScriptRef; never read from YAML
}

// TestcaseEntry is a stable coordinate within the built tree.
type TestcaseEntry struct {
	Group    string
	Subgroup string // "" when the group has no subgroups
	Index    int    // dense, 0-based within its enclosing group/subgroup
}

// GenerationEntry is one emitted unit of work from the Walker.
type GenerationEntry struct {
	GroupEntry    TestcaseEntry
	SubgroupEntry *TestcaseEntry // nil when the group has no subgroups
	Metadata      GenerationEntryMetadata
	Validator     *CodeItem
	ExtraValidators []CodeItem
}

// TestGroup is one node of the Package.Testcases tree.
type TestGroup struct {
	Name             string      `yaml:"name"`
	Subgroups        []TestGroup `yaml:"subgroups,omitempty"`
	ManualTestcases  []string    `yaml:"manualTestcases,omitempty"`
	Glob             string      `yaml:"glob,omitempty"`
	GeneratorCalls   []CallRef   `yaml:"generatorCalls,omitempty"`
	GeneratorScript  string      `yaml:"generatorScript,omitempty"`
	Validator        *CodeItem   `yaml:"validator,omitempty"`
	ExtraValidators  []string    `yaml:"extraValidators,omitempty"`
	Weight           *float64    `yaml:"weight,omitempty"`
	ModelSolution    *CodeItem   `yaml:"modelSolution,omitempty"`

	// MinAggregate selects the "min_test_score" group-scoring rule
	// (weight × the lowest per-testcase score in the group) over the
	// default "all testcases must pass" rule. With this implementation's
	// binary (testlib exit-code) checker contract the two rules compute
	// the same number — a failing testcase always scores 0, which is
	// also the minimum — but the flag is kept distinct so a future
	// partial-scoring checker has somewhere to plug in.
	MinAggregate bool `yaml:"minAggregate,omitempty"`
}

// sourceKindCount returns how many of the four mutually-exclusive
// testcase sources this group declares, used to enforce the "at most one
// of {manual_testcases, glob, generator_calls, generator_script}"
// invariant.
func (g TestGroup) sourceKindCount() int {
	n := 0
	if len(g.ManualTestcases) > 0 {
		n++
	}
	if g.Glob != "" {
		n++
	}
	if len(g.GeneratorCalls) > 0 {
		n++
	}
	if g.GeneratorScript != "" {
		n++
	}
	return n
}

// StressTest is a supplemental feature (original_source rbx/box/stresses.py):
// a generator pattern fed to two solutions whose outputs are compared
// until a failing case is found or an iteration bound is hit.
type StressTest struct {
	Name          string `yaml:"name"`
	GeneratorCall string `yaml:"generatorCall"`
	Solutions     []string `yaml:"solutions"` // paths, must have exactly 2
	MaxIterations int    `yaml:"maxIterations,omitempty"`
}

// LanguageLimitModifier scales/offsets a base limit for one language.
type LanguageLimitModifier struct {
	TimeMultiplier float64 `yaml:"timeMultiplier,omitempty"`
	TimeOverrideMS int64   `yaml:"timeOverrideMs,omitempty"`
}

// TaskType distinguishes Batch (checker compares files) from
// Communication (interactor talks to the solution live) problems.
type TaskType string

const (
	Batch         TaskType = "BATCH"
	Communication TaskType = "COMMUNICATION"
)

// Vars is the package's variable tree as decoded from the manifest's vars
// mapping. Nested mappings stay nested maps; they are not flattened to
// dotted keys.
type Vars map[string]any

// Get looks dottedKey up as one top-level key. It does not descend into
// nested mappings, so "limits.time.cpp" is found only when the manifest
// declares that literal key.
func (v Vars) Get(dottedKey string) (any, bool) {
	val, ok := v[dottedKey]
	return val, ok
}

// Package is the root manifest record.
type Package struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title,omitempty"`

	TaskType TaskType `yaml:"taskType"`

	TimeLimitMS     int64 `yaml:"timeLimitMs"`
	MemoryLimitMB   int64 `yaml:"memoryLimitMb"`
	OutputLimitKB   int64 `yaml:"outputLimitKb,omitempty"`

	LanguageLimits map[string]LanguageLimitModifier `yaml:"languageLimits,omitempty"`

	Checker    *CodeItem `yaml:"checker,omitempty"`
	Interactor *CodeItem `yaml:"interactor,omitempty"`
	Validator  *CodeItem `yaml:"validator,omitempty"`

	Generators []CodeItem `yaml:"generators,omitempty"`
	Solutions  []Solution `yaml:"solutions,omitempty"`

	Testcases []TestGroup `yaml:"testcases,omitempty"`

	Vars Vars `yaml:"vars,omitempty"`

	// Supplemental fields (original_source, not in spec.md's distillation).
	UnitTests []CodeItem   `yaml:"unitTests,omitempty"`
	Stresses  []StressTest `yaml:"stresses,omitempty"`
}
