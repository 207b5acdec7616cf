package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	TotalDecisions          int
	FailedCount             int
	MeanUniqueAlternatives  float64
	MaxUniqueAlternatives   int
	UniqueDestinations      int
	DestinationDistribution map[int]int // micro-zone → times chosen
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		DestinationDistribution: make(map[int]int),
	}
	if st == nil {
		return summary
	}

	summary.TotalDecisions = len(st.Decisions)
	totalAlternatives := 0
	for _, d := range st.Decisions {
		totalAlternatives += len(d.Candidates)
		if len(d.Candidates) > summary.MaxUniqueAlternatives {
			summary.MaxUniqueAlternatives = len(d.Candidates)
		}
		if d.Failure != "" {
			summary.FailedCount++
			continue
		}
		summary.DestinationDistribution[d.Chosen]++
	}
	if summary.TotalDecisions > 0 {
		summary.MeanUniqueAlternatives = float64(totalAlternatives) / float64(summary.TotalDecisions)
	}

	summary.UniqueDestinations = len(summary.DestinationDistribution)

	return summary
}
