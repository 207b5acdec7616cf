package trace

import "slices"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures each traced household's sample and choice.
	TraceLevelDecisions TraceLevel = "decisions"
	// TraceLevelDraws additionally captures every composite draw.
	TraceLevelDraws TraceLevel = "draws"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	TraceLevelDraws:     true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level      TraceLevel
	Households []int64 // decision-maker ids to trace
}

// Enabled reports whether any tracing happens.
func (c TraceConfig) Enabled() bool {
	return c.Level != TraceLevelNone && c.Level != "" && len(c.Households) > 0
}

// SimulationTrace collects decision records during a calibration run. It is
// not safe for concurrent use; parallel evaluators collect into their own
// trace and Merge in a fixed order.
type SimulationTrace struct {
	Config    TraceConfig
	Decisions []DecisionRecord

	traced map[int64]bool
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(config TraceConfig) *SimulationTrace {
	traced := make(map[int64]bool, len(config.Households))
	for _, id := range config.Households {
		traced[id] = true
	}
	return &SimulationTrace{
		Config:    config,
		Decisions: make([]DecisionRecord, 0),
		traced:    traced,
	}
}

// Traces reports whether decision-maker id should be recorded.
// Safe on a nil trace.
func (st *SimulationTrace) Traces(id int64) bool {
	if st == nil || !st.Config.Enabled() {
		return false
	}
	return st.traced[id]
}

// KeepDraws reports whether individual draws should be recorded.
func (st *SimulationTrace) KeepDraws() bool {
	return st != nil && st.Config.Level == TraceLevelDraws
}

// RecordDecision appends a decision record.
func (st *SimulationTrace) RecordDecision(record DecisionRecord) {
	st.Decisions = append(st.Decisions, record)
}

// Merge appends other's records.
func (st *SimulationTrace) Merge(other *SimulationTrace) {
	if other == nil {
		return
	}
	st.Decisions = append(st.Decisions, other.Decisions...)
}

// Sort orders records by iteration, then decision-maker id.
func (st *SimulationTrace) Sort() {
	slices.SortStableFunc(st.Decisions, func(a, b DecisionRecord) int {
		if a.Iteration != b.Iteration {
			return a.Iteration - b.Iteration
		}
		switch {
		case a.DecisionMaker < b.DecisionMaker:
			return -1
		case a.DecisionMaker > b.DecisionMaker:
			return 1
		}
		return 0
	})
}
