// Package sampler draws a bounded sample of destination alternatives for one
// decision-maker in two stages: a macro-zone from a distance-decay cumulative
// distribution, then a member micro-zone from its share of the macro-zone's
// size. Each unique alternative carries the Monte-Carlo correction
// ln(frequency / probability) that the logit evaluator adds to its utility.
//
// Sampler and SegmentTables are immutable after construction and safe for
// concurrent use. Every goroutine needs its own Scratch.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/locsim/locsim/sim/zone"
)

var (
	// ErrMalformedTable marks a probability table that violates its
	// preconditions (shape, monotonicity, normalisation).
	ErrMalformedTable = errors.New("malformed probability table")

	// ErrDataConsistency marks a selected macro-zone with positive mass but
	// no eligible micro-zones. Never retried.
	ErrDataConsistency = errors.New("data consistency fault")

	// ErrNoProbabilityMass is returned for an origin whose distribution is
	// all zero: nothing is reachable from it.
	ErrNoProbabilityMass = errors.New("no probability mass")

	// ErrUniformOutOfRange is returned when a supplied uniform is outside [0,1).
	ErrUniformOutOfRange = errors.New("uniform draw outside [0,1)")

	// ErrInvalidArgument marks an out-of-range origin or segment.
	ErrInvalidArgument = errors.New("invalid sampler argument")
)

// Epsilon is the tolerance for cumulative tables ending at 1 and share
// tables summing to 1.
const Epsilon = 1e-7

// Uniform supplies uniform draws in [0,1). *rand.Rand satisfies it.
type Uniform interface {
	Float64() float64
}

// SegmentTables holds one segment's precomputed sampling tables.
//
// cumProb[o-1][m-1] is the cumulative probability of macro-zones 1..m from
// origin macro-zone o. share[m-1][k] is the share of macro-zone m's size held
// by its k-th member micro-zone (hierarchy ordinal order), empty when the
// macro-zone has no eligible micro-zones.
type SegmentTables struct {
	cumProb [][]float64
	share   [][]float64
}

// NewSegmentTables validates and wraps the tables. The slices are retained,
// not copied; callers must not modify them afterwards.
func NewSegmentTables(h *zone.Hierarchy, cumProb, share [][]float64) (*SegmentTables, error) {
	n := h.MaxMacro()
	if len(cumProb) != n {
		return nil, fmt.Errorf("%w: %d cumulative rows, want %d", ErrMalformedTable, len(cumProb), n)
	}
	for o, row := range cumProb {
		if err := validateCumulative(row, n); err != nil {
			return nil, fmt.Errorf("origin macro-zone %d: %w", o+1, err)
		}
	}
	if len(share) != n {
		return nil, fmt.Errorf("%w: %d share tables, want %d", ErrMalformedTable, len(share), n)
	}
	for m, shares := range share {
		if err := validateShares(shares, len(h.Members(m+1))); err != nil {
			return nil, fmt.Errorf("macro-zone %d: %w", m+1, err)
		}
	}
	return &SegmentTables{cumProb: cumProb, share: share}, nil
}

func validateCumulative(row []float64, n int) error {
	if len(row) != n {
		return fmt.Errorf("%w: row has %d entries, want %d", ErrMalformedTable, len(row), n)
	}
	prev := 0.0
	for i, v := range row {
		if math.IsNaN(v) || v < 0 || v > 1+Epsilon {
			return fmt.Errorf("%w: entry %d = %v outside [0,1]", ErrMalformedTable, i, v)
		}
		if v < prev {
			return fmt.Errorf("%w: entry %d = %v decreases from %v", ErrMalformedTable, i, v, prev)
		}
		prev = v
	}
	last := row[n-1]
	if last != 0 && math.Abs(last-1) > Epsilon {
		return fmt.Errorf("%w: cumulative total %v, want 1", ErrMalformedTable, last)
	}
	return nil
}

func validateShares(shares []float64, members int) error {
	if len(shares) == 0 {
		return nil
	}
	if len(shares) != members {
		return fmt.Errorf("%w: %d shares for %d member micro-zones", ErrMalformedTable, len(shares), members)
	}
	total := 0.0
	for k, s := range shares {
		if math.IsNaN(s) || s < 0 {
			return fmt.Errorf("%w: share %d = %v is negative", ErrMalformedTable, k, s)
		}
		total += s
	}
	if math.Abs(total-1) > Epsilon {
		return fmt.Errorf("%w: shares sum to %v, want 1", ErrMalformedTable, total)
	}
	return nil
}

// Alternative is one unique micro-zone in a sample.
type Alternative struct {
	Micro       int
	Probability float64 // macro marginal × micro share, recorded at first selection
	Frequency   int     // number of draws that selected Micro
	Correction  float64 // ln(Frequency / Probability)
}

// Draw records a single composite draw. Only kept when Scratch.KeepDraws is set.
type Draw struct {
	U           float64
	Macro       int
	Micro       int
	Probability float64
}

// Sample is the reduced choice set for one decision-maker. Alternatives are
// in order of first selection.
type Sample struct {
	Origin       int
	Segment      int
	Alternatives []Alternative
	Draws        []Draw
}

// TotalFrequency returns the number of draws behind the sample.
func (s Sample) TotalFrequency() int {
	total := 0
	for _, a := range s.Alternatives {
		total += a.Frequency
	}
	return total
}

// Scratch holds per-caller working buffers. Never share one across goroutines.
type Scratch struct {
	// KeepDraws records every composite draw in Sample.Draws.
	KeepDraws bool

	cum       []float64 // local cumulative array over one macro-zone's members
	macroProb []float64 // stop-location macro weights
	freq      []int     // [micro] draw frequency within the current call
	prob      []float64 // [micro] probability at first selection
	order     []int     // unique micro-zones in first-selection order
	draws     []Draw
}

func newScratch(h *zone.Hierarchy) *Scratch {
	widest := 0
	for m := 1; m <= h.MaxMacro(); m++ {
		widest = max(widest, len(h.Members(m)))
	}
	return &Scratch{
		cum:       make([]float64, 0, widest),
		macroProb: make([]float64, h.MaxMacro()),
		freq:      make([]int, h.MaxMicro()+1),
		prob:      make([]float64, h.MaxMicro()+1),
	}
}

func (sc *Scratch) reset() {
	for _, micro := range sc.order {
		sc.freq[micro] = 0
		sc.prob[micro] = 0
	}
	sc.order = sc.order[:0]
	sc.draws = sc.draws[:0]
}

func (sc *Scratch) record(d Draw) {
	if sc.freq[d.Micro] == 0 {
		sc.order = append(sc.order, d.Micro)
		sc.prob[d.Micro] = d.Probability
	}
	sc.freq[d.Micro]++
	if sc.KeepDraws {
		sc.draws = append(sc.draws, d)
	}
}

func (sc *Scratch) sample(origin, segment int) Sample {
	alts := make([]Alternative, len(sc.order))
	for i, micro := range sc.order {
		freq := sc.freq[micro]
		prob := sc.prob[micro]
		alts[i] = Alternative{
			Micro:       micro,
			Probability: prob,
			Frequency:   freq,
			Correction:  math.Log(float64(freq) / prob),
		}
	}
	s := Sample{Origin: origin, Segment: segment, Alternatives: alts}
	if sc.KeepDraws {
		s.Draws = append([]Draw(nil), sc.draws...)
	}
	return s
}

// Sampler is the two-stage destination sampler over all segments.
type Sampler struct {
	hierarchy  *zone.Hierarchy
	tables     []*SegmentTables
	sampleSize int
}

// New builds a sampler drawing sampleSize alternatives per call, with one
// SegmentTables per segment index.
func New(h *zone.Hierarchy, tables []*SegmentTables, sampleSize int) (*Sampler, error) {
	if sampleSize < 1 {
		return nil, fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidArgument, sampleSize)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no segment tables", ErrInvalidArgument)
	}
	for i, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("%w: segment %d has no tables", ErrInvalidArgument, i)
		}
	}
	return &Sampler{hierarchy: h, tables: tables, sampleSize: sampleSize}, nil
}

// SampleSize returns the number of draws per call.
func (s *Sampler) SampleSize() int { return s.sampleSize }

// Segments returns the number of segments the sampler holds tables for.
func (s *Sampler) Segments() int { return len(s.tables) }

// NewScratch allocates working buffers sized for the sampler's hierarchy.
func (s *Sampler) NewScratch() *Scratch { return newScratch(s.hierarchy) }

func (s *Sampler) check(origin, segment int) error {
	if segment < 0 || segment >= len(s.tables) {
		return fmt.Errorf("%w: segment %d outside 0..%d", ErrInvalidArgument, segment, len(s.tables)-1)
	}
	if origin < 1 || origin > s.hierarchy.MaxMacro() {
		return fmt.Errorf("%w: origin macro-zone %d outside 1..%d", ErrInvalidArgument, origin, s.hierarchy.MaxMacro())
	}
	return nil
}

// Draw takes sampleSize composite draws from origin for segment, consuming one
// uniform from rng per draw, and reduces them to unique alternatives.
func (s *Sampler) Draw(scratch *Scratch, origin, segment int, rng Uniform) (Sample, error) {
	if err := s.check(origin, segment); err != nil {
		return Sample{}, err
	}
	scratch.reset()
	for i := 0; i < s.sampleSize; i++ {
		d, err := s.drawOne(scratch, origin, segment, rng.Float64())
		if err != nil {
			return Sample{}, fmt.Errorf("draw %d: %w", i, err)
		}
		scratch.record(d)
	}
	return scratch.sample(origin, segment), nil
}

// DrawOne performs a single composite draw with the supplied uniform u.
func (s *Sampler) DrawOne(scratch *Scratch, origin, segment int, u float64) (Draw, error) {
	if err := s.check(origin, segment); err != nil {
		return Draw{}, err
	}
	return s.drawOne(scratch, origin, segment, u)
}

func (s *Sampler) drawOne(scratch *Scratch, origin, segment int, u float64) (Draw, error) {
	if !(u >= 0 && u < 1) {
		return Draw{}, fmt.Errorf("%w: %v", ErrUniformOutOfRange, u)
	}
	t := s.tables[segment]
	row := t.cumProb[origin-1]

	idx := upperBound(row, u)
	if idx == len(row) {
		// u sits above a total that rounded short of 1; take the last
		// macro-zone carrying mass.
		idx = lastPositiveStep(row)
		if idx < 0 {
			return Draw{}, fmt.Errorf("%w: origin macro-zone %d, segment %d", ErrNoProbabilityMass, origin, segment)
		}
	}

	lower := 0.0
	if idx > 0 {
		lower = row[idx-1]
	}
	mass := row[idx] - lower

	shares := t.share[idx]
	if len(shares) == 0 {
		return Draw{}, fmt.Errorf("%w: macro-zone %d selected with mass %v from origin %d has no eligible micro-zones (segment %d)",
			ErrDataConsistency, idx+1, mass, origin, segment)
	}
	micro, prob := pickMember(scratch, shares, s.hierarchy.Members(idx+1), lower, mass, u)
	return Draw{U: u, Macro: idx + 1, Micro: micro, Probability: prob}, nil
}

// pickMember runs the second stage: the macro-zone's shares are scaled by its
// mass and offset by its lower cumulative bound, then searched with the same
// u that selected the macro-zone. Reusing u makes the composite draw
// equivalent to one draw from the product distribution.
func pickMember(scratch *Scratch, shares []float64, members []int, lower, mass, u float64) (int, float64) {
	cum := scratch.cum[:0]
	acc := lower
	for _, sh := range shares {
		acc += sh * mass
		cum = append(cum, acc)
	}
	scratch.cum = cum

	k := upperBound(cum, u)
	if k == len(cum) {
		k = lastPositive(shares)
	}
	return members[k], shares[k] * mass
}

// upperBound returns the first index whose cumulative value exceeds u, or
// len(cum) if none does. Intervals are half-open: [cum[i-1], cum[i]).
func upperBound(cum []float64, u float64) int {
	return sort.Search(len(cum), func(i int) bool { return cum[i] > u })
}

func lastPositiveStep(cum []float64) int {
	for i := len(cum) - 1; i >= 0; i-- {
		prev := 0.0
		if i > 0 {
			prev = cum[i-1]
		}
		if cum[i] > prev {
			return i
		}
	}
	return -1
}

func lastPositive(vals []float64) int {
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] > 0 {
			return i
		}
	}
	return len(vals) - 1
}

// Probabilities returns the full product distribution over micro-zones for
// origin and segment, indexed by micro id (slot 0 unused).
func (s *Sampler) Probabilities(origin, segment int) ([]float64, error) {
	if err := s.check(origin, segment); err != nil {
		return nil, err
	}
	t := s.tables[segment]
	row := t.cumProb[origin-1]
	probs := make([]float64, s.hierarchy.MaxMicro()+1)
	for m, shares := range t.share {
		if len(shares) == 0 {
			continue
		}
		mass := row[m]
		if m > 0 {
			mass -= row[m-1]
		}
		for k, micro := range s.hierarchy.Members(m + 1) {
			probs[micro] = mass * shares[k]
		}
	}
	return probs, nil
}
