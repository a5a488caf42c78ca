package issues

import "testing"

type testIssue struct {
	section []string
	message string
}

func (i testIssue) DetailedSection() []string { return i.section }
func (i testIssue) OverviewSection() []string { return i.section[:1] }
func (i testIssue) DetailedMessage() string   { return i.message }
func (i testIssue) OverviewMessage() string   { return "overview: " + i.message }

func TestAddIsVisibleOnEveryEnclosingScope(t *testing.T) {
	root := NewScope()
	child := root.Push()

	child.Add(testIssue{section: []string{"validator"}, message: "bound hit"})

	if len(root.Current().Issues()) != 1 {
		t.Fatalf("expected the root accumulator to also see the issue, got %d", len(root.Current().Issues()))
	}
	if len(child.Current().Issues()) != 1 {
		t.Fatalf("expected the child accumulator to see the issue, got %d", len(child.Current().Issues()))
	}
}

func TestPushLeavesParentScopeIndependent(t *testing.T) {
	root := NewScope()
	child := root.Push()
	root.Add(testIssue{section: []string{"compile"}, message: "warning"})

	if len(child.Current().Issues()) != 0 {
		t.Error("expected an issue added to the parent after Push to not appear on the pre-existing child")
	}
}

func TestReportGroupsBySection(t *testing.T) {
	s := NewScope()
	s.Add(testIssue{section: []string{"generator", "gen.cpp"}, message: "timed out"})
	s.Add(testIssue{section: []string{"generator", "gen.cpp"}, message: "second issue"})
	s.Add(testIssue{section: []string{"checker"}, message: "judge failed"})

	lines := s.Report(LevelDetailed)
	if len(lines) != 3 {
		t.Fatalf("expected 3 report lines, got %d", len(lines))
	}
}

func TestWarningStackDeduplicatesByPath(t *testing.T) {
	w := NewWarningStack()
	w.AddSanitizerWarning("sol.cpp", []byte("first"))
	w.AddSanitizerWarning("sol.cpp", []byte("second"))

	got, ok := w.SanitizerWarning("sol.cpp")
	if !ok {
		t.Fatal("expected a sanitizer warning to be recorded")
	}
	if string(got) != "first" {
		t.Errorf("expected the first capture to win, got %q", got)
	}
}

func TestWarningStackClear(t *testing.T) {
	w := NewWarningStack()
	w.AddCompileWarning("sol.cpp")
	w.Clear()
	if len(w.CompileWarningPaths()) != 0 {
		t.Error("expected Clear to empty compile warnings")
	}
}
