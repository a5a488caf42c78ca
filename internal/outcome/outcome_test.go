package outcome

import "testing"

func TestExpectedOutcomeMatchesTable(t *testing.T) {
	tests := []struct {
		name     string
		exp      ExpectedOutcome
		observed Outcome
		want     bool
	}{
		{"any matches accepted", Any, Accepted, true},
		{"any matches internal error", Any, InternalError, true},
		{"accepted matches accepted", ExpAccepted, Accepted, true},
		{"accepted rejects wrong answer", ExpAccepted, WrongAnswer, false},
		{"accepted-or-tle matches tle", AcceptedOrTLE, TimeLimitExceeded, true},
		{"accepted-or-tle matches ile", AcceptedOrTLE, IdlenessLimitExceeded, true},
		{"accepted-or-tle rejects wa", AcceptedOrTLE, WrongAnswer, false},
		{"incorrect matches rte", Incorrect, RuntimeError, true},
		{"incorrect matches mle", Incorrect, MemoryLimitExceeded, true},
		{"incorrect matches ole", Incorrect, OutputLimitExceeded, true},
		{"incorrect matches tle", Incorrect, TimeLimitExceeded, true},
		{"incorrect rejects accepted", Incorrect, Accepted, false},
		{"tle-or-rte matches rte", TleOrRte, RuntimeError, true},
		{"tle-or-rte matches tle", TleOrRte, TimeLimitExceeded, true},
		{"tle-or-rte rejects mle", TleOrRte, MemoryLimitExceeded, false},
		{"judge-failed matches only judge-failed", ExpJudgeFailed, JudgeFailed, true},
		{"judge-failed rejects accepted", ExpJudgeFailed, Accepted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.exp.Matches(tt.observed); got != tt.want {
				t.Errorf("%s.Matches(%s) = %v, want %v", tt.exp, tt.observed, got, tt.want)
			}
		})
	}
}

func TestParseExpectedOutcomeAliases(t *testing.T) {
	tests := []struct {
		input string
		want  ExpectedOutcome
	}{
		{"ac", ExpAccepted},
		{"AC", ExpAccepted},
		{"correct", ExpAccepted},
		{"wa", ExpWrongAnswer},
		{"tle/rte", TleOrRte},
		{"ac+tle", AcceptedOrTLE},
		{"jf", ExpJudgeFailed},
	}
	for _, tt := range tests {
		got, ok := ParseExpectedOutcome(tt.input)
		if !ok {
			t.Fatalf("ParseExpectedOutcome(%q) not found", tt.input)
		}
		if got != tt.want {
			t.Errorf("ParseExpectedOutcome(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseExpectedOutcomeUnknown(t *testing.T) {
	if _, ok := ParseExpectedOutcome("not-a-real-outcome"); ok {
		t.Errorf("expected unknown alias to fail to parse")
	}
}

func TestIntersect(t *testing.T) {
	if !ExpAccepted.Intersect(AcceptedOrTLE) {
		t.Errorf("expected Accepted and AcceptedOrTLE to intersect on Accepted")
	}
	if ExpAccepted.Intersect(ExpWrongAnswer) {
		t.Errorf("expected Accepted and WrongAnswer to never intersect")
	}
}
