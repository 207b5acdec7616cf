package shadow

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locsim/locsim/sim"
)

func TestDiagnose_BucketsBySizeAndError(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 5, 50, 500, 5000, 0}})
	require.NoError(t, c.Balance([][]float64{{0, 5555, 0, 0, 0, 0}}))

	d, err := c.Diagnose([][]float64{{0, 5, 0, 400, 10000, 3}})
	require.NoError(t, err)
	require.Len(t, d.Ranges, 4)

	assert.Equal(t, Counts{ByError: [6]int{1, 0, 0, 0, 0, 0}}, d.Ranges[0].Total)
	assert.Equal(t, Counts{NeverChosen: 1}, d.Ranges[1].Total)
	assert.Equal(t, Counts{ByError: [6]int{0, 0, 1, 0, 0, 0}}, d.Ranges[2].Total)
	assert.Equal(t, Counts{ByError: [6]int{0, 0, 0, 0, 0, 1}}, d.Ranges[3].Total)

	for _, r := range d.Ranges {
		assert.False(t, r.RMSE.Valid(), "single-zone range has no %%RMSE")
		assert.Equal(t, "N/A", r.RMSE.String())
	}

	want := 100 * math.Sqrt((0+1+0.04+1)/3.0) / (5555 / 4.0)
	assert.Equal(t, 4, d.Overall.N)
	assert.InDelta(t, want, d.Overall.Percent, 1e-9)
	assert.InDelta(t, want, d.SegmentRMSE[0].Percent, 1e-9)
}

func TestDiagnose_NeverChosenKeptOutOfErrorBuckets(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 6, 6, 6}}))

	d, err := c.Diagnose([][]float64{{0, 0, 6, 0}})
	require.NoError(t, err)

	total := d.Ranges[0].Total
	assert.Equal(t, 2, total.NeverChosen)
	assert.Equal(t, 1, total.ByError[0])
	assert.Equal(t, 3, total.Total())
}

func TestDiagnose_ReferenceSelectsComparisonSize(t *testing.T) {
	c := newCalibrator(t, [][]float64{{0, 1, 1}})
	require.NoError(t, c.Balance([][]float64{{0, 10, 10}}))
	require.NoError(t, c.UpdateShadowPrices([][]float64{{0, 5, 15}}))
	c.RecomputeCalibratedSize() // calibrated 20 and 6.67

	modeled := [][]float64{{0, 10, 10}}
	scaled, err := c.DiagnoseReference(modeled, ReferenceScaled)
	require.NoError(t, err)
	assert.Equal(t, 2, scaled.Ranges[0].Total.ByError[0])

	calibrated, err := c.Diagnose(modeled)
	require.NoError(t, err)
	assert.Equal(t, 0, calibrated.Ranges[0].Total.ByError[0])
	assert.Equal(t, 1, calibrated.Ranges[1].Total.ByError[4]) // |20-10|/20 = 0.5 falls in <100%
}

func TestDiagnose_GroupsAggregateSegments(t *testing.T) {
	segs, err := sim.NewSegments([]sim.Segment{
		{Name: "k8_a", Group: "K-8"},
		{Name: "k8_b", Group: "K-8"},
		{Name: "univ", Group: "University"},
	})
	require.NoError(t, err)
	c, err := New(segs, [][]float64{{0, 1, 1}, {0, 1, 1}, {0, 1, 1}})
	require.NoError(t, err)
	require.NoError(t, c.Balance([][]float64{{0, 2, 2}, {0, 2, 2}, {0, 2, 2}}))

	d, err := c.Diagnose([][]float64{{0, 2, 0}, {0, 2, 2}, {0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{"K-8", "University"}, d.GroupNames)
	assert.Equal(t, Counts{NeverChosen: 1, ByError: [6]int{3}}, d.Ranges[0].Groups[0])
	assert.Equal(t, Counts{NeverChosen: 2}, d.Ranges[0].Groups[1])

	d.Log(1)
}

func TestParseReference(t *testing.T) {
	for in, want := range map[string]Reference{"": ReferenceCalibrated, "calibrated": ReferenceCalibrated, "Scaled": ReferenceScaled} {
		got, err := ParseReference(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseReference("final")
	assert.Error(t, err)
}
