package sampler

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locsim/locsim/sim/internal/testutil"
)

func newStopSampler(t *testing.T, expUtils [][]float64, sampleSize int) *StopSampler {
	t.Helper()
	h := testutil.TwoMacroHierarchy(t)
	size := []float64{0, 2, 0, 5}
	s, err := NewStopSampler(h, expUtils,
		[][]float64{MacroSize(h, size)},
		[][][]float64{MicroShares(h, size)},
		sampleSize)
	require.NoError(t, err)
	return s
}

func TestStopSampler_WeightsBySizeAndDetour(t *testing.T) {
	// equal accessibility everywhere: weights follow macro size 3 and 6
	s := newStopSampler(t, [][]float64{{1, 1}, {1, 1}}, 4)
	sample, err := s.Draw(s.NewScratch(), 1, 2, 0, &testutil.FixedUniform{Values: []float64{0.2, 0.5, 0.9, 0.1}})
	require.NoError(t, err)

	require.Len(t, sample.Alternatives, 2)
	assert.Equal(t, 1, sample.Alternatives[0].Micro)
	assert.Equal(t, 2, sample.Alternatives[0].Frequency)
	assert.InDelta(t, 1.0/3, sample.Alternatives[0].Probability, 1e-12)
	assert.Equal(t, 3, sample.Alternatives[1].Micro)
	assert.Equal(t, 2, sample.Alternatives[1].Frequency)
	assert.InDelta(t, 2.0/3, sample.Alternatives[1].Probability, 1e-12)
}

func TestStopSampler_DetourPenaltyShiftsMass(t *testing.T) {
	// leaving through macro-zone 2 is expensive from origin 1
	s := newStopSampler(t, [][]float64{{1, 0.01}, {1, 1}}, 200)
	sample, err := s.Draw(s.NewScratch(), 1, 1, 0, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.Equal(t, 200, sample.TotalFrequency())
	near := 0
	for _, a := range sample.Alternatives {
		if a.Micro == 1 {
			near = a.Frequency
		}
	}
	assert.Greater(t, near, 150)
}

func TestStopSampler_NoDirectAccess(t *testing.T) {
	s := newStopSampler(t, [][]float64{{1, 0}, {1, 1}}, 2)
	_, err := s.Draw(s.NewScratch(), 1, 2, 0, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrNoProbabilityMass), "got %v", err)
}

func TestStopSampler_RejectsBadLeg(t *testing.T) {
	s := newStopSampler(t, [][]float64{{1, 1}, {1, 1}}, 2)
	_, err := s.Draw(s.NewScratch(), 0, 2, 0, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = s.Draw(s.NewScratch(), 1, 2, 4, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestNewStopSampler_RejectsShapeMismatch(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	_, err := NewStopSampler(h, [][]float64{{1}}, [][]float64{{0, 1, 1}}, [][][]float64{{{1}, {1}}}, 1)
	assert.True(t, errors.Is(err, ErrMalformedTable))
	_, err = NewStopSampler(h, testutil.UniformUtilities(2, 1), [][]float64{{0, 1, 1}}, nil, 1)
	assert.True(t, errors.Is(err, ErrMalformedTable))
}
