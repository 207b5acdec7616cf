// Package trace records sampling and choice decisions for selected debug
// households. It stores pure data types and has no dependencies on the
// sampler or calibrator.
package trace

// CandidateRecord captures one sampled alternative as the evaluator saw it.
type CandidateRecord struct {
	Micro          int
	Probability    float64
	Frequency      int
	Correction     float64
	CalibratedSize float64
	Utility        float64 // systematic utility including size and correction terms; 0 if unavailable
	Available      bool
}

// DrawRecord captures one composite draw. Only kept at TraceLevelDraws.
type DrawRecord struct {
	U     float64
	Macro int
	Micro int
}

// DecisionRecord captures one decision-maker's sample and choice in one
// calibration round.
type DecisionRecord struct {
	DecisionMaker int64
	Iteration     int
	Segment       string
	HomeMicro     int
	OriginMacro   int
	Candidates    []CandidateRecord // first-selection order
	Draws         []DrawRecord      // nil below TraceLevelDraws
	Chosen        int               // chosen micro-zone; 0 on failure
	Failure       string            // empty on success
}
