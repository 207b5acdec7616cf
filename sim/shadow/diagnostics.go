package shadow

import (
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SizeRanges are the upper bounds of the size buckets: (0,10], (10,100],
// (100,1000], (1000,+Inf).
var SizeRanges = []float64{10, 100, 1000, math.Inf(1)}

// ErrorThresholds are the upper bounds of the relative-error buckets:
// <5%, <10%, <25%, <50%, <100%, ≥100%.
var ErrorThresholds = []float64{0.05, 0.10, 0.25, 0.50, 1.0, math.Inf(1)}

// Reference selects the size modeled counts are compared against.
type Reference int

const (
	// ReferenceCalibrated compares against the current calibrated size.
	ReferenceCalibrated Reference = iota
	// ReferenceScaled compares against the balanced target size.
	ReferenceScaled
)

func (r Reference) String() string {
	if r == ReferenceScaled {
		return "scaled"
	}
	return "calibrated"
}

// ParseReference maps "calibrated" or "scaled" to a Reference.
func ParseReference(s string) (Reference, error) {
	switch strings.ToLower(s) {
	case "", "calibrated":
		return ReferenceCalibrated, nil
	case "scaled":
		return ReferenceScaled, nil
	}
	return 0, fmt.Errorf("unknown diagnostic reference %q", s)
}

// Counts tallies zones with positive reference size.
type Counts struct {
	// NeverChosen counts zones with no modeled destinations. Their relative
	// error is always 1, so they are kept apart from ByError.
	NeverChosen int
	// ByError[k] counts zones whose relative error falls in bucket k of
	// ErrorThresholds.
	ByError [6]int
}

// Total returns the number of zones tallied.
func (c Counts) Total() int {
	total := c.NeverChosen
	for _, n := range c.ByError {
		total += n
	}
	return total
}

func (c *Counts) add(o Counts) {
	c.NeverChosen += o.NeverChosen
	for k := range c.ByError {
		c.ByError[k] += o.ByError[k]
	}
}

// RMSE is a percent root-mean-square relative error.
type RMSE struct {
	N       int
	Mean    float64 // mean reference size
	Percent float64 // 100 × sqrt(Σ relErr² / (N−1)) / Mean
}

// Valid reports whether enough zones contributed for the figure to exist.
func (r RMSE) Valid() bool { return r.N > 1 && r.Mean > 0 }

func (r RMSE) String() string {
	if !r.Valid() {
		return "N/A"
	}
	return fmt.Sprintf("%.1f", r.Percent)
}

func newRMSE(ref, rel []float64) RMSE {
	r := RMSE{N: len(ref)}
	if len(ref) == 0 {
		return r
	}
	r.Mean = stat.Mean(ref, nil)
	if r.Valid() {
		r.Percent = 100 * math.Sqrt(floats.Dot(rel, rel)/float64(r.N-1)) / r.Mean
	}
	return r
}

// SizeRange holds the tallies for zones whose reference size lies in
// (Lower, Upper].
type SizeRange struct {
	Lower, Upper float64
	Segments     []Counts // by segment index
	Groups       []Counts // aligned with Diagnostics.GroupNames
	Total        Counts
	RMSE         RMSE
}

// Diagnostics is an advisory convergence report for one round.
//
// The %RMSE is taken over relative errors |reference-modeled|/reference, and
// a zone that was never chosen counts with relative error 1. Reports that
// drop those zones or add squared size in their place give different values,
// so compare %RMSE only between runs of this package.
type Diagnostics struct {
	Reference    Reference
	SegmentNames []string
	GroupNames   []string
	Ranges       []SizeRange
	SegmentRMSE  []RMSE
	Overall      RMSE
}

// Diagnose compares modeled destination counts with the calibrated size.
func (c *Calibrator) Diagnose(modeledCounts [][]float64) (*Diagnostics, error) {
	return c.DiagnoseReference(modeledCounts, ReferenceCalibrated)
}

// DiagnoseReference compares modeled destination counts with the chosen
// reference size. Zones with zero reference size are not counted.
func (c *Calibrator) DiagnoseReference(modeledCounts [][]float64, ref Reference) (*Diagnostics, error) {
	if err := c.checkShape("modeled counts", modeledCounts); err != nil {
		return nil, err
	}
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)

	sizes := c.buffers[c.current]
	if ref == ReferenceScaled {
		sizes = c.scaled
	}

	nseg := c.segments.Len()
	groups := c.segments.Groups()
	d := &Diagnostics{
		Reference:    ref,
		SegmentNames: c.segments.Names(),
		GroupNames:   groups,
		Ranges:       make([]SizeRange, len(SizeRanges)),
		SegmentRMSE:  make([]RMSE, nseg),
	}

	var allRef, allRel []float64
	segRef := make([][]float64, nseg)
	segRel := make([][]float64, nseg)
	lower := 0.0
	for r, upper := range SizeRanges {
		sr := SizeRange{Lower: lower, Upper: upper, Segments: make([]Counts, nseg)}
		var rangeRef, rangeRel []float64
		for s := 0; s < nseg; s++ {
			for micro := 1; micro <= c.maxMicro; micro++ {
				size := sizes[s][micro]
				if size <= lower || size > upper {
					continue
				}
				modeled := modeledCounts[s][micro]
				rel := math.Abs(size-modeled) / size
				if modeled == 0 {
					sr.Segments[s].NeverChosen++
				} else {
					sr.Segments[s].ByError[errorBucket(rel)]++
				}
				rangeRef = append(rangeRef, size)
				rangeRel = append(rangeRel, rel)
				segRef[s] = append(segRef[s], size)
				segRel[s] = append(segRel[s], rel)
			}
			sr.Total.add(sr.Segments[s])
		}
		sr.Groups = make([]Counts, len(groups))
		for g, name := range groups {
			for _, s := range c.segments.GroupMembers(name) {
				sr.Groups[g].add(sr.Segments[s])
			}
		}
		sr.RMSE = newRMSE(rangeRef, rangeRel)
		allRef = append(allRef, rangeRef...)
		allRel = append(allRel, rangeRel...)
		d.Ranges[r] = sr
		lower = upper
	}
	for s := range segRef {
		d.SegmentRMSE[s] = newRMSE(segRef[s], segRel[s])
	}
	d.Overall = newRMSE(allRef, allRel)
	return d, nil
}

func errorBucket(rel float64) int {
	for k, limit := range ErrorThresholds {
		if rel < limit {
			return k
		}
	}
	return len(ErrorThresholds) - 1
}

// Log writes the operator report for iteration.
func (d *Diagnostics) Log(iteration int) {
	logrus.Infof("shadow price iteration %d (reference: %s size)", iteration, d.Reference)
	for _, r := range d.Ranges {
		upper := "+Inf"
		if !math.IsInf(r.Upper, 1) {
			upper = fmt.Sprintf("%.1f", r.Upper)
		}
		logrus.Infof("zones with size in (%.1f, %s] by relative error of modeled destinations", r.Lower, upper)
		logrus.Infof("%-6s  %-30s %15s %15s %15s %15s %15s %15s %15s %8s",
			"index", "segment", "never chosen", "< 5%", "< 10%", "< 25%", "< 50%", "< 100%", "100% +", "total")
		for s, counts := range r.Segments {
			logrus.Info(countsRow(fmt.Sprintf("%-6d  %-30s", s, d.SegmentNames[s]), counts))
		}
		for g, counts := range r.Groups {
			logrus.Info(countsRow(fmt.Sprintf("%-6s  %-30s", "group", d.GroupNames[g]), counts))
		}
		logrus.Info(strings.Repeat("-", 160))
		logrus.Info(countsRow(fmt.Sprintf("%-6s  %-30s", "", "Total"), r.Total))
		if r.RMSE.Valid() {
			logrus.Infof("%%RMSE = %.1f, with mean %.1f, for %d observations", r.RMSE.Percent, r.RMSE.Mean, r.RMSE.N)
		} else {
			logrus.Infof("%%RMSE = N/A, %d observations", r.RMSE.N)
		}
	}
	for s, rmse := range d.SegmentRMSE {
		logrus.Infof("segment %-30s %%RMSE = %s (%d zones)", d.SegmentNames[s], rmse, rmse.N)
	}
	logrus.Infof("overall %%RMSE = %s (%d zones)", d.Overall, d.Overall.N)
}

func countsRow(label string, c Counts) string {
	var b strings.Builder
	b.WriteString(label)
	total := c.Total()
	cells := append([]int{c.NeverChosen}, c.ByError[:]...)
	for _, n := range cells {
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(n) / float64(total)
		}
		fmt.Fprintf(&b, " %6d (%5.1f%%)", n, pct)
	}
	fmt.Fprintf(&b, " %8d", total)
	return b.String()
}
