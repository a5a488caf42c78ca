package testplan

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"judgebox/internal/genscript"
)

// Visitor scopes a Walk: should_visit_group/subgroup/generator_scripts let
// a caller extract only a slice of the tree (e.g. only "samples", or only
// a single pattern like "main/sub/3").
type Visitor interface {
	Visit(entry GenerationEntry) error
	ShouldVisitGroup(groupName string) bool
	ShouldVisitSubgroup(subgroupPath string) bool
	ShouldVisitGeneratorScripts(groupName, subgroupPath string) bool
}

// AllVisitor is the base Visitor every group/subgroup/script predicate
// defaults to true for; embed it and override only what you need.
type AllVisitor struct{}

func (AllVisitor) ShouldVisitGroup(string) bool                     { return true }
func (AllVisitor) ShouldVisitSubgroup(string) bool                  { return true }
func (AllVisitor) ShouldVisitGeneratorScripts(string, string) bool  { return true }

// GroupFilterVisitor restricts a Walk to a fixed set of top-level group
// names, ported from testcase_extractors.py's TestcaseGroupVisitor.
type GroupFilterVisitor struct {
	AllVisitor
	Groups map[string]bool // nil means "visit every group"
	VisitFn func(entry GenerationEntry) error
}

func (v GroupFilterVisitor) ShouldVisitGroup(name string) bool {
	if v.Groups == nil {
		return true
	}
	return v.Groups[name]
}

func (v GroupFilterVisitor) Visit(entry GenerationEntry) error {
	return v.VisitFn(entry)
}

// TestcasePattern is a "main/sub/3"-style scoping pattern: group,
// optional subgroup, optional 0-based index.
type TestcasePattern struct {
	Group    string
	Subgroup string // "" means unconstrained
	Index    *int   // nil means unconstrained
}

// ParsePattern parses a "group", "group/subgroup" or "group/subgroup/N"
// pattern string.
func ParsePattern(s string) (TestcasePattern, error) {
	parts := strings.Split(s, "/")
	switch len(parts) {
	case 1:
		return TestcasePattern{Group: parts[0]}, nil
	case 2:
		if n, err := strconv.Atoi(parts[1]); err == nil {
			return TestcasePattern{Group: parts[0], Index: &n}, nil
		}
		return TestcasePattern{Group: parts[0], Subgroup: parts[1]}, nil
	case 3:
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return TestcasePattern{}, fmt.Errorf("testplan: invalid testcase index in pattern %q: %w", s, err)
		}
		return TestcasePattern{Group: parts[0], Subgroup: parts[1], Index: &n}, nil
	default:
		return TestcasePattern{}, fmt.Errorf("testplan: malformed testcase pattern %q", s)
	}
}

// IntersectingGroup reports whether p could match something within
// groupOrSubgroupPath ("group" or "group/subgroup").
func (p TestcasePattern) IntersectingGroup(groupOrSubgroupPath string) bool {
	parts := strings.SplitN(groupOrSubgroupPath, "/", 2)
	if parts[0] != p.Group {
		return false
	}
	if len(parts) == 1 {
		return true // top-level group path always intersects a pattern rooted at it
	}
	return p.Subgroup == "" || p.Subgroup == parts[1]
}

// Walk performs the depth-first traversal described in spec.md §4.4,
// calling visitor.Visit once per testcase in declaration/sorted order.
func Walk(pkg *Package, visitor Visitor) error {
	for _, group := range pkg.Testcases {
		if !visitor.ShouldVisitGroup(group.Name) {
			continue
		}

		groupValidator := pkg.Validator
		if group.Validator != nil {
			groupValidator = group.Validator
		}
		extraValidators := dedupPaths(group.ExtraValidators)

		subgroupIndex := 0
		if len(group.Subgroups) > 0 {
			subgroupIndex = 0 // sentinel: base group entries use index 0 when subgroups exist
		}

		if err := explore(group, subgroupHasPeers(group), subgroupIndex, []string{group.Name},
			groupValidator, extraValidators, visitor); err != nil {
			return err
		}

		for i, sub := range group.Subgroups {
			subExtra := dedupPaths(append(append([]string(nil), extraValidators...), sub.ExtraValidators...))
			if err := explore(sub, true, i+1, []string{group.Name, sub.Name},
				groupValidator, subExtra, visitor); err != nil {
				return err
			}
		}
	}
	return nil
}

func subgroupHasPeers(g TestGroup) bool {
	return len(g.Subgroups) > 0
}

func dedupPaths(paths []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// explore walks a single group or subgroup's testcase sources in the
// declared order: manual, glob, direct generator calls, then generator
// script lines.
func explore(g TestGroup, hasSubgroupIndex bool, subgroupIndex int, prefix []string,
	validator *CodeItem, extraValidators []string, visitor Visitor) error {

	groupPath := prefix[0]
	subgroupPath := strings.Join(prefix, "/")
	if !visitor.ShouldVisitSubgroup(subgroupPath) {
		return nil
	}

	groupPrefix := ""
	if hasSubgroupIndex {
		groupPrefix = strconv.Itoa(subgroupIndex) + "-"
	}
	if len(prefix) == 2 {
		groupPrefix += prefix[1] + "-"
	}

	i := 0
	emit := func(meta GenerationEntryMetadata) error {
		entry := GenerationEntry{
			GroupEntry: TestcaseEntry{Group: groupPath, Index: i},
			Metadata:   meta,
			Validator:  validator,
		}
		if len(prefix) == 2 {
			sub := TestcaseEntry{Group: subgroupPath, Index: i}
			entry.SubgroupEntry = &sub
		}
		for _, p := range extraValidators {
			entry.ExtraValidators = append(entry.ExtraValidators, CodeItem{Path: p})
		}
		entry.Metadata.CopiedTo = [2]string{
			buildPath(groupPath, groupPrefix, i, "in"),
			buildPath(groupPath, groupPrefix, i, "out"),
		}
		if err := visitor.Visit(entry); err != nil {
			return err
		}
		i++
		return nil
	}

	for _, manual := range g.ManualTestcases {
		if err := emit(GenerationEntryMetadata{CopiedFrom: manual}); err != nil {
			return err
		}
	}

	if g.Glob != "" {
		matches, err := globSortedInputs(g.Glob)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if err := emit(GenerationEntryMetadata{CopiedFrom: m}); err != nil {
				return err
			}
		}
	}

	for _, call := range g.GeneratorCalls {
		c := call
		if err := emit(GenerationEntryMetadata{GeneratorCall: &c}); err != nil {
			return err
		}
	}

	if !visitor.ShouldVisitGeneratorScripts(groupPath, subgroupPath) {
		return nil
	}

	if g.GeneratorScript != "" {
		lines, err := genscript.ParseRbx(g.GeneratorScript, groupPath)
		if err != nil {
			return err
		}
		for _, line := range lines {
			call := CallRef{GeneratorName: line.GeneratorName, Args: line.Args, SourceLine: line.SourceLine}
			ref := call
			if err := emit(GenerationEntryMetadata{
				GeneratorCall:      &call,
				GeneratorScriptRef: &ref,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

func buildPath(group, prefix string, i int, ext string) string {
	return path.Join("build", "tests", group, fmt.Sprintf("%s%03d.%s", prefix, i, ext))
}

// globFn is the glob implementation behind globSortedInputs; it defaults
// to filepath.Glob, and SetGlobFunc replaces it.
var globFn = filepath.Glob

// SetGlobFunc overrides the glob implementation the Walker uses for
// TestGroup.Glob expansion (filepath.Glob by default); tests may
// substitute a fixed fake list.
func SetGlobFunc(fn func(pattern string) ([]string, error)) {
	globFn = fn
}

func globSortedInputs(pattern string) ([]string, error) {
	matches, err := globFn(pattern)
	if err != nil {
		return nil, fmt.Errorf("testplan: glob %q: %w", pattern, err)
	}
	var ins []string
	for _, m := range matches {
		if strings.HasSuffix(m, ".in") {
			ins = append(ins, m)
		}
	}
	sort.Strings(ins)
	return ins, nil
}
