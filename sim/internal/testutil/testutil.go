// Package testutil provides shared test infrastructure for the locsim
// packages: small zone systems and floating-point assertion helpers.
package testutil

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/locsim/locsim/sim/zone"
)

// TwoMacroHierarchy returns the smallest interesting zone system: macro-zone
// 1 holds micro-zones 1 and 2, macro-zone 2 holds micro-zone 3.
func TwoMacroHierarchy(t *testing.T) *zone.Hierarchy {
	t.Helper()
	return Hierarchy(t, []int{0, 1, 1, 2}, 2)
}

// GridHierarchy returns macros macro-zones with perMacro micro-zones each,
// numbered so that micro-zone i belongs to macro-zone (i-1)/perMacro+1.
func GridHierarchy(t *testing.T, macros, perMacro int) *zone.Hierarchy {
	t.Helper()
	macroOf := make([]int, macros*perMacro+1)
	for micro := 1; micro < len(macroOf); micro++ {
		macroOf[micro] = (micro-1)/perMacro + 1
	}
	return Hierarchy(t, macroOf, macros)
}

// Hierarchy wraps zone.NewHierarchy and fails the test on error.
func Hierarchy(t *testing.T, macroOf []int, maxMacro int) *zone.Hierarchy {
	t.Helper()
	h, err := zone.NewHierarchy(macroOf, maxMacro)
	if err != nil {
		t.Fatalf("building hierarchy: %v", err)
	}
	return h
}

// UniformUtilities returns an n×n utility matrix with every entry u.
func UniformUtilities(n int, u float64) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = u
		}
	}
	return out
}

// WriteFile writes content to name inside a fresh temp directory and returns
// the full path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// FixedUniform replays a fixed sequence of uniforms, cycling when exhausted.
type FixedUniform struct {
	Values []float64
	next   int
}

// Float64 returns the next value in the sequence.
func (f *FixedUniform) Float64() float64 {
	v := f.Values[f.next%len(f.Values)]
	f.next++
	return v
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertSliceFloat64Equal compares two float64 slices element-wise with
// relative tolerance.
func AssertSliceFloat64Equal(t *testing.T, name string, want, got []float64, relTol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("%s: got %d values, want %d", name, len(got), len(want))
		return
	}
	for i := range want {
		AssertFloat64Equal(t, name, want[i], got[i], relTol)
	}
}
