package sampler

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/locsim/locsim/sim/zone"
)

// NoAccessUtility is stored for origin/destination pairs absent from a
// utility file. Its exponential is treated as zero.
const NoAccessUtility = -999.0

// minExpUtility is the utility below which exp(u) is treated as zero.
const minExpUtility = -500.0

// ExpUtilities exponentiates a macro-zone distance utility matrix.
func ExpUtilities(utils [][]float64) [][]float64 {
	out := make([][]float64, len(utils))
	for o, row := range utils {
		out[o] = make([]float64, len(row))
		for d, u := range row {
			if u < minExpUtility {
				continue
			}
			out[o][d] = math.Exp(u)
		}
	}
	return out
}

// adjustedSize is the size used for sampling weights. Positive sizes get +1 so
// that very small zones keep a visible share.
func adjustedSize(v float64) float64 {
	if v > 0 {
		return v + 1
	}
	return 0
}

// MacroSize aggregates micro-zone sizes (indexed by micro id, slot 0 unused)
// into macro-zone sizes indexed by macro id.
func MacroSize(h *zone.Hierarchy, size []float64) []float64 {
	out := make([]float64, h.MaxMacro()+1)
	for m := 1; m <= h.MaxMacro(); m++ {
		for _, micro := range h.Members(m) {
			out[m] += adjustedSize(size[micro])
		}
	}
	return out
}

// MicroShares returns, per macro-zone (index m-1), each member's share of the
// macro-zone's adjusted size in ordinal order. A macro-zone with no size gets
// an empty table.
func MicroShares(h *zone.Hierarchy, size []float64) [][]float64 {
	out := make([][]float64, h.MaxMacro())
	for m := 1; m <= h.MaxMacro(); m++ {
		members := h.Members(m)
		adj := make([]float64, len(members))
		for k, micro := range members {
			adj[k] = adjustedSize(size[micro])
		}
		total := floats.Sum(adj)
		if total <= 0 {
			continue
		}
		floats.Scale(1/total, adj)
		out[m-1] = adj
	}
	return out
}

// MacroCumProbs builds per-origin cumulative macro-zone probabilities from
// exp-utilities (indexed [o-1][d-1]) weighted by macroSize (indexed by macro
// id). Rounding slack is absorbed by setting every entry from the last
// positive-weight macro-zone onward to exactly 1. An origin with no reachable
// weight gets an all-zero row.
func MacroCumProbs(expUtils [][]float64, macroSize []float64) [][]float64 {
	out := make([][]float64, len(expUtils))
	for o, row := range expUtils {
		weights := make([]float64, len(row))
		last := -1
		for d, e := range row {
			weights[d] = e * macroSize[d+1]
			if weights[d] > 0 {
				last = d
			}
		}
		cum := make([]float64, len(row))
		out[o] = cum
		if last < 0 {
			continue
		}
		total := floats.Sum(weights)
		floats.CumSum(cum, weights)
		floats.Scale(1/total, cum)
		for d := last; d < len(cum); d++ {
			cum[d] = 1
		}
	}
	return out
}

// BuildSegmentTables derives one segment's sampling tables from exp-utilities
// and the segment's micro-zone sizes.
func BuildSegmentTables(h *zone.Hierarchy, expUtils [][]float64, size []float64) (*SegmentTables, error) {
	if len(size) != h.MaxMicro()+1 {
		return nil, fmt.Errorf("%w: %d sizes, want %d", ErrMalformedTable, len(size), h.MaxMicro()+1)
	}
	if len(expUtils) != h.MaxMacro() {
		return nil, fmt.Errorf("%w: %d utility rows, want %d", ErrMalformedTable, len(expUtils), h.MaxMacro())
	}
	return NewSegmentTables(h, MacroCumProbs(expUtils, MacroSize(h, size)), MicroShares(h, size))
}

// LoadUtilities reads an "orig,dest,utility" CSV with a header row into a
// maxMacro×maxMacro matrix indexed [orig-1][dest-1]. Missing pairs get
// NoAccessUtility.
func LoadUtilities(r io.Reader, maxMacro int) ([][]float64, error) {
	utils := make([][]float64, maxMacro)
	for o := range utils {
		utils[o] = make([]float64, maxMacro)
		for d := range utils[o] {
			utils[o][d] = NoAccessUtility
		}
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading utility header: %w", err)
	}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading utility row %d: %w", line, err)
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("%w: utility row %d has %d columns, want 3", ErrMalformedTable, line, len(row))
		}
		o, errO := strconv.Atoi(strings.TrimSpace(row[0]))
		d, errD := strconv.Atoi(strings.TrimSpace(row[1]))
		u, errU := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if errO != nil || errD != nil || errU != nil {
			return nil, fmt.Errorf("%w: utility row %d: cannot parse %q", ErrMalformedTable, line, row)
		}
		if o < 1 || o > maxMacro || d < 1 || d > maxMacro {
			return nil, fmt.Errorf("%w: utility row %d: pair (%d,%d) outside 1..%d", ErrMalformedTable, line, o, d, maxMacro)
		}
		utils[o-1][d-1] = u
	}
	return utils, nil
}
