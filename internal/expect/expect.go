// Package expect implements the Expectation Matcher & Scorer: it takes
// the observed Outcome for every testcase a solution ran against and
// derives a report status (OK, UnexpectedVerdicts, UnexpectedScore) plus,
// for scored problems, the per-group and total scores.
package expect

import (
	"sort"

	"judgebox/internal/outcome"
	"judgebox/internal/testplan"
)

// ReportStatus is a solution's overall verdict against its declared
// ExpectedOutcome (and, for scored problems, its declared score).
type ReportStatus string

const (
	OK                 ReportStatus = "OK"
	UnexpectedVerdicts ReportStatus = "UnexpectedVerdicts"
	UnexpectedScore    ReportStatus = "UnexpectedScore"
)

// TestcaseResult is one (solution, testcase) verdict, keyed by the same
// TestcaseEntry coordinate the Testplan Walker assigned it.
type TestcaseResult struct {
	Entry   testplan.TestcaseEntry
	Outcome outcome.Outcome

	// NoTLEOutcome carries the soft-TLE annotation through unchanged; it
	// never participates in expectation matching or scoring (§4.9's
	// table matches on the raw Outcome, via IsSlow(), not on this field)
	// but report consumers need it to render the "double-TL note".
	NoTLEOutcome *outcome.Outcome

	Message string
}

// GroupScore is one scored group (or subgroup)'s contribution to the
// total, named "<group>" or "<group>/<subgroup>".
type GroupScore struct {
	Name         string
	Weight       float64
	MinTestScore float64
	Score        float64
}

// Report is the full Expectation Matcher & Scorer output for one
// solution.
type Report struct {
	Solution testplan.Solution
	Status   ReportStatus

	// UnexpectedOutcomes is the deduplicated set of observed outcomes
	// that did not match Solution.ExpectedOutcome, in first-seen order.
	UnexpectedOutcomes []outcome.Outcome

	GroupScores []GroupScore
	// TotalScore is nil for unscored problems (no group in the testcase
	// tree declared a Weight).
	TotalScore *float64

	// Message carries the checker/interactor stderr text from the first
	// mismatching testcase, per spec.md §8 scenario 6.
	Message string
}

// groupKey identifies one scoring node: a top-level group, or a
// (group, subgroup) pair.
type groupKey struct {
	group, subgroup string
}

// Evaluate matches every result in results against sol's declared
// ExpectedOutcome and, when groups declares any scored nodes, computes
// the per-group and total scores.
func Evaluate(sol testplan.Solution, groups []testplan.TestGroup, results []TestcaseResult) Report {
	unexpected, message := mismatches(sol, results)

	status := OK
	if len(unexpected) > 0 {
		status = UnexpectedVerdicts
	}

	byKey := map[groupKey][]outcome.Outcome{}
	for _, r := range results {
		k := groupKey{r.Entry.Group, r.Entry.Subgroup}
		byKey[k] = append(byKey[k], r.Outcome)
	}

	var groupScores []GroupScore
	for _, g := range groups {
		groupScores = append(groupScores, scoreGroup(g, byKey)...)
	}

	var totalScore *float64
	if len(groupScores) > 0 {
		total := 0.0
		for _, gs := range groupScores {
			total += gs.Score
		}
		totalScore = &total
		if status == OK && !scoreMatches(sol, total) {
			status = UnexpectedScore
		}
	}

	return Report{
		Solution:           sol,
		Status:             status,
		UnexpectedOutcomes: unexpected,
		GroupScores:        groupScores,
		TotalScore:         totalScore,
		Message:            message,
	}
}

// mismatches returns the deduplicated, first-seen-order set of outcomes
// in results that don't match sol's ExpectedOutcome, plus the message of
// the first mismatching testcase.
func mismatches(sol testplan.Solution, results []TestcaseResult) ([]outcome.Outcome, string) {
	seen := map[outcome.Outcome]bool{}
	var unexpected []outcome.Outcome
	message := ""
	for _, r := range results {
		if sol.ExpectedOutcome.Matches(r.Outcome) {
			continue
		}
		if !seen[r.Outcome] {
			seen[r.Outcome] = true
			unexpected = append(unexpected, r.Outcome)
		}
		if message == "" {
			message = r.Message
		}
	}
	return unexpected, message
}

// scoreGroup scores g (and recurses into its subgroups) against the
// observed outcomes in byKey. A group with subgroups is scored entirely
// through its subgroups — spec.md §4.9 assigns weight to the node that
// directly owns testcases, and a group that only nests subgroups owns
// none itself.
func scoreGroup(g testplan.TestGroup, byKey map[groupKey][]outcome.Outcome) []GroupScore {
	if len(g.Subgroups) > 0 {
		var out []GroupScore
		for _, sub := range g.Subgroups {
			outcomes, ok := byKey[groupKey{g.Name, sub.Name}]
			if !ok || sub.Weight == nil {
				continue
			}
			out = append(out, buildGroupScore(g.Name+"/"+sub.Name, sub.Weight, outcomes))
		}
		return out
	}
	outcomes, ok := byKey[groupKey{g.Name, ""}]
	if !ok || g.Weight == nil {
		return nil
	}
	return []GroupScore{buildGroupScore(g.Name, g.Weight, outcomes)}
}

func buildGroupScore(name string, weight *float64, outcomes []outcome.Outcome) GroupScore {
	w := 1.0
	if weight != nil {
		w = *weight
	}
	minScore := 1.0
	for _, o := range outcomes {
		if s := testScore(o); s < minScore {
			minScore = s
		}
	}
	return GroupScore{Name: name, Weight: w, MinTestScore: minScore, Score: w * minScore}
}

// testScore is the per-testcase score the testlib-compatible checker
// contract (§6: exit 0=AC, everything else a failure) can express: 1 for
// Accepted, 0 otherwise. This is also why MinAggregate and the default
// "all tests must pass" rule compute the same score here — see
// testplan.TestGroup.MinAggregate's doc comment.
func testScore(o outcome.Outcome) float64 {
	if o == outcome.Accepted {
		return 1
	}
	return 0
}

// scoreMatches reports whether total satisfies sol's declared score
// expectation. An exact Score takes precedence over a declared range; a
// solution with neither is not scored and always matches.
func scoreMatches(sol testplan.Solution, total float64) bool {
	if sol.Score != nil {
		const epsilon = 1e-6
		diff := total - *sol.Score
		return diff > -epsilon && diff < epsilon
	}
	if sol.ScoreMin != nil && total < *sol.ScoreMin {
		return false
	}
	if sol.ScoreMax != nil && total > *sol.ScoreMax {
		return false
	}
	return true
}

// SortedUnexpectedOutcomes returns r.UnexpectedOutcomes sorted
// lexicographically, for report rendering that wants a stable order
// instead of first-seen order.
func SortedUnexpectedOutcomes(r Report) []outcome.Outcome {
	out := append([]outcome.Outcome(nil), r.UnexpectedOutcomes...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
