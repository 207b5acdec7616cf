package sampler

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locsim/locsim/sim/internal/testutil"
)

func TestExpUtilities_TruncatesVeryNegative(t *testing.T) {
	got := ExpUtilities([][]float64{{0, -1}, {-600, NoAccessUtility}})
	assert.Equal(t, 1.0, got[0][0])
	assert.InDelta(t, math.Exp(-1), got[0][1], 1e-15)
	assert.Equal(t, 0.0, got[1][0])
	assert.Equal(t, 0.0, got[1][1])
}

func TestMacroSizeAndShares_AddOneToPositiveSizes(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	size := []float64{0, 2, 0, 5}

	assert.Equal(t, []float64{0, 3, 6}, MacroSize(h, size))

	shares := MicroShares(h, size)
	assert.Equal(t, []float64{1, 0}, shares[0])
	assert.Equal(t, []float64{1}, shares[1])
}

func TestMicroShares_EmptyForSizelessMacro(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	shares := MicroShares(h, []float64{0, 0, 0, 4})
	assert.Empty(t, shares[0])
	assert.Equal(t, []float64{1}, shares[1])
}

func TestMacroCumProbs(t *testing.T) {
	macroSize := []float64{0, 3, 6}
	tests := []struct {
		name string
		exp  []float64
		want []float64
	}{
		{"weighted by size", []float64{1, 0.5}, []float64{0.5, 1}},
		{"trailing zero weight pinned to one", []float64{1, 0}, []float64{1, 1}},
		{"unreachable origin", []float64{0, 0}, []float64{0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MacroCumProbs([][]float64{tt.exp}, macroSize)
			testutil.AssertSliceFloat64Equal(t, "cum", tt.want, got[0], 1e-12)
		})
	}
}

func TestBuildSegmentTables_ProbabilitiesSumToOne(t *testing.T) {
	h := testutil.GridHierarchy(t, 3, 3)
	size := []float64{0, 1, 2, 3, 0, 0, 7, 4, 4, 4}
	tables, err := BuildSegmentTables(h, ExpUtilities(testutil.UniformUtilities(3, -0.5)), size)
	require.NoError(t, err)
	s, err := New(h, []*SegmentTables{tables}, 10)
	require.NoError(t, err)

	for origin := 1; origin <= 3; origin++ {
		probs, err := s.Probabilities(origin, 0)
		require.NoError(t, err)
		total := 0.0
		for micro, p := range probs {
			if micro > 0 && size[micro] == 0 {
				assert.Zero(t, p, "zero-size micro-zone %d has probability", micro)
			}
			total += p
		}
		assert.InDelta(t, 1.0, total, 1e-9)
	}
}

func TestBuildSegmentTables_RejectsShapeMismatch(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	_, err := BuildSegmentTables(h, testutil.UniformUtilities(2, 1), []float64{0, 1})
	assert.True(t, errors.Is(err, ErrMalformedTable))
	_, err = BuildSegmentTables(h, testutil.UniformUtilities(3, 1), []float64{0, 1, 1, 1})
	assert.True(t, errors.Is(err, ErrMalformedTable))
}

func TestLoadUtilities(t *testing.T) {
	in := "orig,dest,utility\n1,1,0\n1,2,-0.5\n2,1,-0.7\n"
	utils, err := LoadUtilities(strings.NewReader(in), 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, -0.5}, {-0.7, NoAccessUtility}}, utils)

	_, err = LoadUtilities(strings.NewReader("orig,dest,utility\n3,1,0\n"), 2)
	assert.True(t, errors.Is(err, ErrMalformedTable))
	_, err = LoadUtilities(strings.NewReader("orig,dest,utility\n1,1,abc\n"), 2)
	assert.True(t, errors.Is(err, ErrMalformedTable))
}
