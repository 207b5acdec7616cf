package trace

import (
	"testing"
)

func TestSimulationTrace_RecordDecision_AppendsRecord(t *testing.T) {
	// GIVEN a trace configured for decisions on household 7
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions, Households: []int64{7}})

	// WHEN a decision record is recorded
	st.RecordDecision(DecisionRecord{
		DecisionMaker: 7,
		Iteration:     1,
		Segment:       "work",
		Candidates:    []CandidateRecord{{Micro: 3, Frequency: 2, Available: true}},
		Chosen:        3,
	})

	// THEN the trace contains one record with correct data
	if len(st.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(st.Decisions))
	}
	if st.Decisions[0].Chosen != 3 {
		t.Errorf("expected chosen micro-zone 3, got %d", st.Decisions[0].Chosen)
	}
}

func TestSimulationTrace_Traces_OnlyConfiguredHouseholds(t *testing.T) {
	// GIVEN traces at several levels
	decisions := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions, Households: []int64{1, 2}})
	none := NewSimulationTrace(TraceConfig{Level: TraceLevelNone, Households: []int64{1}})
	var nilTrace *SimulationTrace

	// THEN only configured households at an active level are traced
	if !decisions.Traces(2) {
		t.Error("expected household 2 traced")
	}
	if decisions.Traces(3) {
		t.Error("expected household 3 not traced")
	}
	if none.Traces(1) {
		t.Error("expected no tracing at level none")
	}
	if nilTrace.Traces(1) || nilTrace.KeepDraws() {
		t.Error("expected nil trace to trace nothing")
	}
	if decisions.KeepDraws() {
		t.Error("expected draws dropped at decisions level")
	}
	if !NewSimulationTrace(TraceConfig{Level: TraceLevelDraws, Households: []int64{1}}).KeepDraws() {
		t.Error("expected draws kept at draws level")
	}
}

func TestSimulationTrace_MergeAndSort_Deterministic(t *testing.T) {
	// GIVEN two worker traces recorded out of order
	a := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions, Households: []int64{1, 2, 3}})
	b := NewSimulationTrace(a.Config)
	a.RecordDecision(DecisionRecord{DecisionMaker: 3, Iteration: 1})
	b.RecordDecision(DecisionRecord{DecisionMaker: 1, Iteration: 2})
	b.RecordDecision(DecisionRecord{DecisionMaker: 2, Iteration: 1})

	// WHEN merged and sorted
	merged := NewSimulationTrace(a.Config)
	merged.Merge(b)
	merged.Merge(a)
	merged.Merge(nil)
	merged.Sort()

	// THEN records are ordered by iteration then decision-maker
	want := []int64{2, 3, 1}
	if len(merged.Decisions) != len(want) {
		t.Fatalf("expected %d decisions, got %d", len(want), len(merged.Decisions))
	}
	for i, id := range want {
		if merged.Decisions[i].DecisionMaker != id {
			t.Errorf("position %d: expected decision-maker %d, got %d", i, id, merged.Decisions[i].DecisionMaker)
		}
	}
}

func TestIsValidTraceLevel(t *testing.T) {
	tests := []struct {
		level string
		valid bool
	}{
		{"none", true},
		{"decisions", true},
		{"draws", true},
		{"", true},
		{"verbose", false},
	}
	for _, tt := range tests {
		if got := IsValidTraceLevel(tt.level); got != tt.valid {
			t.Errorf("IsValidTraceLevel(%q) = %v, want %v", tt.level, got, tt.valid)
		}
	}
}
