package shadow

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/internal/testutil"
)

func newCalibrator(t *testing.T, size [][]float64, opts ...Option) *Calibrator {
	t.Helper()
	names := []string{"work", "school", "univ"}[:len(size)]
	segs, err := sim.SegmentsFromNames(names...)
	require.NoError(t, err)
	c, err := New(segs, size, opts...)
	require.NoError(t, err)
	return c
}

func TestBalance_ScalesToOriginTotal(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 40, 0, 60, 0}}))

	assert.Equal(t, []float64{0, 25, 25, 25, 25}, c.ScaledSize(0))
	assert.Equal(t, []float64{0, 25, 25, 25, 25}, c.CalibratedSize(0))
	assert.Equal(t, []float64{0, 25, 25, 25, 25}, c.PreviousSize(0))
	assert.Equal(t, []float64{0, 1, 1, 1, 1}, c.ShadowPrices(0))
	assert.Equal(t, Balanced, c.State())
}

func TestBalance_AppliesExternalFactors(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 2, 2}}, WithExternalFactors([][]float64{{1, 1, 3}}))
	require.NoError(t, c.Balance([][]float64{{0, 4, 4}}))
	// raw 2 and 6 scaled to total 8
	assert.Equal(t, []float64{0, 2, 6}, c.ScaledSize(0))
}

func TestBalance_ZeroRawSizeIsNotAnError(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 0, 0}, {0, 1, 3}})
	require.NoError(t, c.Balance([][]float64{{0, 5, 5}, {0, 2, 2}}))
	assert.Equal(t, []float64{0, 0, 0}, c.ScaledSize(0))
	assert.Equal(t, []float64{0, 1, 3}, c.ScaledSize(1))
}

func TestBalance_RejectsShapeMismatch(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1}})
	err := c.Balance([][]float64{{0, 1}})
	assert.True(t, errors.Is(err, ErrShape))
}

func TestNew_RejectsBadInputs(t *testing.T) {
	segs, err := sim.SegmentsFromNames("a", "b")
	require.NoError(t, err)

	_, err = New(segs, [][]float64{{0, 1}})
	assert.True(t, errors.Is(err, ErrShape), "segment count")
	_, err = New(segs, [][]float64{{0, 1}, {0, 1, 2}})
	assert.True(t, errors.Is(err, ErrShape), "ragged")
	_, err = New(segs, [][]float64{{0, -1}, {0, 1}})
	assert.True(t, errors.Is(err, ErrShape), "negative size")
	_, err = New(segs, [][]float64{{0, 1}, {0, 1}}, WithSkipSegments(2))
	assert.Error(t, err)
	_, err = New(segs, [][]float64{{0, 1}, {0, 1}}, WithExternalFactors([][]float64{{1, 1}}))
	assert.True(t, errors.Is(err, ErrShape), "factor shape")
}

func TestUpdateShadowPrices(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 100, 0, 0, 0}}))

	// zone 1 matches its target, zone 2 over-attracts, zone 3 under-attracts,
	// zone 4 is never chosen
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 25, 50, 10, 0}}))
	assert.Equal(t, []float64{0, 1, 0.5, 2.5, 1}, c.ShadowPrices(0))
	assert.Equal(t, Calibrating, c.State())

	// calibrated size is unchanged until recompute
	assert.Equal(t, []float64{0, 25, 25, 25, 25}, c.CalibratedSize(0))
	c.RecomputeCalibratedSize()
	assert.Equal(t, []float64{0, 25, 12.5, 62.5, 25}, c.CalibratedSize(0))
}

func TestUpdateShadowPrices_ZeroCountFreezesPrice(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 10, 10}}))
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 20, 5}}))
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 0, 5}}))
	assert.Equal(t, []float64{0, 0.5, 4}, c.ShadowPrices(0))
}

func TestUpdateShadowPrices_SkipSegments(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1}, {0, 1, 1}}, WithSkipSegments(1))
	require.NoError(t, c.Balance([][]float64{{0, 10, 10}, {0, 10, 10}}))
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 20, 5}, {0, 20, 5}}))
	c.RecomputeCalibratedSize()

	assert.Equal(t, []float64{0, 0.5, 2}, c.ShadowPrices(0))
	assert.Equal(t, []float64{0, 1, 1}, c.ShadowPrices(1))
	assert.Equal(t, []float64{0, 10, 10}, c.CalibratedSize(1))
	assert.True(t, c.Skipped(1))
}

func TestUpdateShadowPrices_RequiresBalance(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1}})
	err := c.UpdateShadowPrices([][]float64{{0, 1}})
	assert.True(t, errors.Is(err, ErrNotBalanced))
}

func TestRecomputeCalibratedSize_Idempotent(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 3, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 4, 4}}))
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 3, 5}}))

	c.RecomputeCalibratedSize()
	first := c.CalibratedSize(0)
	gen := c.Generation()
	c.RecomputeCalibratedSize()
	assert.Equal(t, first, c.CalibratedSize(0))
	assert.Equal(t, gen+1, c.Generation())
}

func TestCalibration_Stabilizes(t *testing.T) {
	// a fixed preference distorts demand away from size; shadow prices must
	// absorb it so modeled counts converge on the scaled targets
	size := [][]float64{{0, 10, 20, 30, 40}}
	preference := []float64{0, 2, 0.5, 1, 1.5}
	c := newCalibrator(t, size)
	require.NoError(t, c.Balance([][]float64{{0, 250, 250, 250, 250}}))
	target := c.ScaledSize(0)

	modeled := func() [][]float64 {
		cal := c.CalibratedSize(0)
		total := 0.0
		for z := 1; z < len(cal); z++ {
			total += cal[z] * preference[z]
		}
		out := make([]float64, len(cal))
		for z := 1; z < len(cal); z++ {
			out[z] = 1000 * cal[z] * preference[z] / total
		}
		return [][]float64{out}
	}

	for i := 0; i < 30; i++ {
		require.NoError(t, c.UpdateShadowPrices(modeled()))
		c.RecomputeCalibratedSize()
	}
	testutil.AssertSliceFloat64Equal(t, "modeled", target, modeled()[0], 1e-6)

	d, err := c.DiagnoseReference(modeled(), ReferenceScaled)
	require.NoError(t, err)
	assert.Less(t, d.Overall.Percent, 0.01)
}

func TestSizeView_BlocksWriterUntilReleased(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 1, 1}}))

	view := c.Acquire()
	gen := view.Generation()
	assert.Equal(t, 1.0, view.Size(0, 1))
	assert.Equal(t, []float64{0, 1, 1}, view.Segment(0))

	done := make(chan struct{})
	go func() {
		c.RecomputeCalibratedSize()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("recompute published while a view was held")
	case <-time.After(50 * time.Millisecond):
	}

	view.Release()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recompute did not complete after release")
	}
	assert.Equal(t, gen+1, c.Generation())
	assert.Panics(t, view.Release)
}

func TestFinish(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1}})
	c.Finish(Converged)
	assert.Equal(t, Converged, c.State())
	assert.Equal(t, "converged", c.State().String())
	assert.Panics(t, func() { c.Finish(Calibrating) })
}
