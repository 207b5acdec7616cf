package trace

import "testing"

func TestSummarize_EmptyTrace_ZeroValues(t *testing.T) {
	// GIVEN an empty trace
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions})

	// WHEN summarized
	summary := Summarize(st)

	// THEN all counts are zero
	if summary.TotalDecisions != 0 || summary.FailedCount != 0 {
		t.Errorf("expected no decisions, got %d (%d failed)", summary.TotalDecisions, summary.FailedCount)
	}
	if summary.MeanUniqueAlternatives != 0 || summary.MaxUniqueAlternatives != 0 {
		t.Error("expected zero alternative statistics")
	}
	if summary.UniqueDestinations != 0 || len(summary.DestinationDistribution) != 0 {
		t.Error("expected empty destination distribution")
	}
}

func TestSummarize_NilTrace_ZeroValues(t *testing.T) {
	summary := Summarize(nil)
	if summary.TotalDecisions != 0 || summary.DestinationDistribution == nil {
		t.Error("expected zero-valued summary with initialized distribution")
	}
}

func TestSummarize_PopulatedTrace_CorrectCounts(t *testing.T) {
	// GIVEN three decisions, one of which failed
	st := NewSimulationTrace(TraceConfig{Level: TraceLevelDecisions, Households: []int64{1, 2, 3}})
	st.RecordDecision(DecisionRecord{DecisionMaker: 1, Chosen: 4, Candidates: make([]CandidateRecord, 3)})
	st.RecordDecision(DecisionRecord{DecisionMaker: 2, Chosen: 4, Candidates: make([]CandidateRecord, 5)})
	st.RecordDecision(DecisionRecord{DecisionMaker: 3, Failure: "no available alternative", Candidates: make([]CandidateRecord, 1)})

	// WHEN summarized
	summary := Summarize(st)

	// THEN counts match
	if summary.TotalDecisions != 3 {
		t.Errorf("expected 3 decisions, got %d", summary.TotalDecisions)
	}
	if summary.FailedCount != 1 {
		t.Errorf("expected 1 failure, got %d", summary.FailedCount)
	}
	if summary.MeanUniqueAlternatives != 3 {
		t.Errorf("expected mean 3 alternatives, got %v", summary.MeanUniqueAlternatives)
	}
	if summary.MaxUniqueAlternatives != 5 {
		t.Errorf("expected max 5 alternatives, got %d", summary.MaxUniqueAlternatives)
	}
	if summary.UniqueDestinations != 1 || summary.DestinationDistribution[4] != 2 {
		t.Errorf("expected micro-zone 4 chosen twice, got %v", summary.DestinationDistribution)
	}
}
