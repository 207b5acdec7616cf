package sampler

import (
	"fmt"

	"github.com/locsim/locsim/sim/zone"
)

// StopSampler samples intermediate stop locations on a tour leg from origin
// macro-zone o to destination macro-zone d. Macro-zone k is weighted by
// e[o][k]·e[k][d]/e[o][d]·macroSize[k], the detour's relative accessibility
// times its size. The macro distribution depends on both ends of the leg, so
// it is computed per call and walked linearly; the second stage is shared
// with Sampler.
type StopSampler struct {
	hierarchy  *zone.Hierarchy
	expUtils   [][]float64   // [o-1][d-1]
	macroSize  [][]float64   // [segment][macro]
	shares     [][][]float64 // [segment][macro-1][ordinal]
	sampleSize int
}

// NewStopSampler validates its inputs. macroSize and shares hold one entry per
// segment, in the shapes returned by MacroSize and MicroShares.
func NewStopSampler(h *zone.Hierarchy, expUtils [][]float64, macroSize [][]float64, shares [][][]float64, sampleSize int) (*StopSampler, error) {
	if sampleSize < 1 {
		return nil, fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidArgument, sampleSize)
	}
	n := h.MaxMacro()
	if len(expUtils) != n {
		return nil, fmt.Errorf("%w: %d utility rows, want %d", ErrMalformedTable, len(expUtils), n)
	}
	for o, row := range expUtils {
		if len(row) != n {
			return nil, fmt.Errorf("%w: utility row %d has %d entries, want %d", ErrMalformedTable, o+1, len(row), n)
		}
	}
	if len(macroSize) == 0 || len(macroSize) != len(shares) {
		return nil, fmt.Errorf("%w: %d macro size vectors for %d share tables", ErrMalformedTable, len(macroSize), len(shares))
	}
	for s := range macroSize {
		if len(macroSize[s]) != n+1 {
			return nil, fmt.Errorf("%w: segment %d macro sizes have %d entries, want %d", ErrMalformedTable, s, len(macroSize[s]), n+1)
		}
		if len(shares[s]) != n {
			return nil, fmt.Errorf("%w: segment %d has %d share tables, want %d", ErrMalformedTable, s, len(shares[s]), n)
		}
		for m, sh := range shares[s] {
			if err := validateShares(sh, len(h.Members(m+1))); err != nil {
				return nil, fmt.Errorf("segment %d macro-zone %d: %w", s, m+1, err)
			}
		}
	}
	return &StopSampler{
		hierarchy:  h,
		expUtils:   expUtils,
		macroSize:  macroSize,
		shares:     shares,
		sampleSize: sampleSize,
	}, nil
}

// NewScratch allocates working buffers sized for the sampler's hierarchy.
func (s *StopSampler) NewScratch() *Scratch { return newScratch(s.hierarchy) }

// Draw samples sampleSize stop locations for the leg origin→dest.
func (s *StopSampler) Draw(scratch *Scratch, origin, dest, segment int, rng Uniform) (Sample, error) {
	n := s.hierarchy.MaxMacro()
	if origin < 1 || origin > n || dest < 1 || dest > n {
		return Sample{}, fmt.Errorf("%w: leg %d→%d outside 1..%d", ErrInvalidArgument, origin, dest, n)
	}
	if segment < 0 || segment >= len(s.shares) {
		return Sample{}, fmt.Errorf("%w: segment %d outside 0..%d", ErrInvalidArgument, segment, len(s.shares)-1)
	}

	direct := s.expUtils[origin-1][dest-1]
	if direct == 0 {
		return Sample{}, fmt.Errorf("%w: no direct access %d→%d", ErrNoProbabilityMass, origin, dest)
	}
	weights := scratch.macroProb[:n]
	total := 0.0
	for k := 0; k < n; k++ {
		w := s.expUtils[origin-1][k] * s.expUtils[k][dest-1] / direct * s.macroSize[segment][k+1]
		weights[k] = w
		total += w
	}
	if total <= 0 {
		return Sample{}, fmt.Errorf("%w: no stop weight on leg %d→%d (segment %d)", ErrNoProbabilityMass, origin, dest, segment)
	}

	scratch.reset()
	for i := 0; i < s.sampleSize; i++ {
		u := rng.Float64()
		if !(u >= 0 && u < 1) {
			return Sample{}, fmt.Errorf("draw %d: %w: %v", i, ErrUniformOutOfRange, u)
		}
		idx, lower, mass := walk(weights, total, u)
		shares := s.shares[segment][idx]
		if len(shares) == 0 {
			return Sample{}, fmt.Errorf("draw %d: %w: stop macro-zone %d selected with mass %v has no eligible micro-zones (segment %d)",
				i, ErrDataConsistency, idx+1, mass, segment)
		}
		micro, prob := pickMember(scratch, shares, s.hierarchy.Members(idx+1), lower, mass, u)
		scratch.record(Draw{U: u, Macro: idx + 1, Micro: micro, Probability: prob})
	}
	return scratch.sample(origin, segment), nil
}

// walk finds the macro-zone whose normalised interval holds u, returning its
// index, lower cumulative bound and mass. Rounding past the end selects the
// last macro-zone with weight.
func walk(weights []float64, total, u float64) (int, float64, float64) {
	lower := 0.0
	last := -1
	for k, w := range weights {
		if w <= 0 {
			continue
		}
		last = k
		p := w / total
		if u < lower+p {
			return k, lower, p
		}
		lower += p
	}
	p := weights[last] / total
	return last, lower - p, p
}
