// Package shadow balances destination attractiveness to origin totals and
// iteratively calibrates per-zone shadow prices so that modeled destination
// counts approach the balanced targets.
//
// A Calibrator is driven by a single goroutine between evaluation rounds.
// During a round, any number of goroutines read the calibrated size through
// SizeViews; every mutating method waits until all outstanding views are
// released, so a reader never observes a half-written surface.
package shadow

import (
	"errors"
	"fmt"
	"math"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/locsim/locsim/sim"
)

var (
	// ErrShape marks an input array whose dimensions do not match the
	// segment registry and zone count.
	ErrShape = errors.New("array shape mismatch")

	// ErrNotBalanced is returned by operations that need balanced sizes
	// when Balance has not run.
	ErrNotBalanced = errors.New("calibrator not balanced")
)

// State is the calibration lifecycle state.
type State int

const (
	Unbalanced State = iota
	Balanced
	Calibrating
	Converged
	IterationLimit
)

func (s State) String() string {
	switch s {
	case Unbalanced:
		return "unbalanced"
	case Balanced:
		return "balanced"
	case Calibrating:
		return "calibrating"
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration-limit"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Calibrator.
type Option func(*Calibrator) error

// WithExternalFactors multiplies each raw size by a per-segment, per-zone
// factor before balancing. Missing factors default to 1.
func WithExternalFactors(factors [][]float64) Option {
	return func(c *Calibrator) error {
		if err := c.checkShape("external factors", factors); err != nil {
			return err
		}
		c.factor = copyMatrix(factors)
		return nil
	}
}

// WithSkipSegments exempts segments from shadow-price updates. Their prices
// stay at 1 and their calibrated size stays at the scaled size.
func WithSkipSegments(segments ...int) Option {
	return func(c *Calibrator) error {
		for _, s := range segments {
			if s < 0 || s >= c.segments.Len() {
				return fmt.Errorf("skip segment %d outside 0..%d", s, c.segments.Len()-1)
			}
			c.skip[s] = true
		}
		return nil
	}
}

// Calibrator owns every per-segment, per-zone array of the calibration.
// Arrays are indexed [segment][micro] with micro slot 0 unused.
type Calibrator struct {
	segments *sim.Segments
	maxMicro int

	size     [][]float64 // raw attractiveness
	factor   [][]float64
	skip     []bool
	origins  [][]float64
	scaled   [][]float64
	previous [][]float64
	modeled  [][]float64
	price    [][]float64

	// calibrated size lives in one of two buffers; readers see buffers[current].
	buffers    [2][][]float64
	current    int
	generation uint64

	state   State
	barrier *xsync.RBMutex
}

// New creates a calibrator over segments with raw sizes indexed
// [segment][micro]. The size array is copied.
func New(segments *sim.Segments, size [][]float64, opts ...Option) (*Calibrator, error) {
	if len(size) == 0 || len(size[0]) < 2 {
		return nil, fmt.Errorf("%w: size has no zones", ErrShape)
	}
	c := &Calibrator{
		segments: segments,
		maxMicro: len(size[0]) - 1,
		skip:     make([]bool, segments.Len()),
		barrier:  xsync.NewRBMutex(),
	}
	if err := c.checkShape("size", size); err != nil {
		return nil, err
	}
	for s, row := range size {
		for micro, v := range row {
			if v < 0 || math.IsNaN(v) {
				return nil, fmt.Errorf("%w: size[%s][%d] = %v is negative", ErrShape, segments.Name(s), micro, v)
			}
		}
	}
	c.size = copyMatrix(size)
	c.factor = filledMatrix(segments.Len(), c.maxMicro, 1)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.origins = filledMatrix(segments.Len(), c.maxMicro, 0)
	c.scaled = filledMatrix(segments.Len(), c.maxMicro, 0)
	c.previous = filledMatrix(segments.Len(), c.maxMicro, 0)
	c.modeled = filledMatrix(segments.Len(), c.maxMicro, 0)
	c.price = filledMatrix(segments.Len(), c.maxMicro, 1)
	c.buffers[0] = filledMatrix(segments.Len(), c.maxMicro, 0)
	c.buffers[1] = filledMatrix(segments.Len(), c.maxMicro, 0)
	return c, nil
}

func (c *Calibrator) checkShape(name string, m [][]float64) error {
	if len(m) != c.segments.Len() {
		return fmt.Errorf("%w: %s has %d segments, want %d", ErrShape, name, len(m), c.segments.Len())
	}
	for s, row := range m {
		if len(row) != c.maxMicro+1 {
			return fmt.Errorf("%w: %s[%s] has %d entries, want %d", ErrShape, name, c.segments.Name(s), len(row), c.maxMicro+1)
		}
	}
	return nil
}

// Segments returns the segment registry.
func (c *Calibrator) Segments() *sim.Segments { return c.segments }

// MaxMicro returns the number of micro-zones.
func (c *Calibrator) MaxMicro() int { return c.maxMicro }

// Skipped reports whether segment is exempt from shadow pricing.
func (c *Calibrator) Skipped(segment int) bool { return c.skip[segment] }

// Balance scales each segment's size times external factor so that its total
// equals the segment's total origin count, resets shadow prices to 1 and
// publishes the scaled size as the calibrated size. A segment with zero raw
// size gets zero scaled size and a warning.
func (c *Calibrator) Balance(originCounts [][]float64) error {
	if err := c.checkShape("origin counts", originCounts); err != nil {
		return err
	}
	c.barrier.Lock()
	defer c.barrier.Unlock()

	originTotals := make([]float64, c.segments.Len())
	rawTotals := make([]float64, c.segments.Len())
	scaledTotals := make([]float64, c.segments.Len())
	for s := range c.scaled {
		copy(c.origins[s], originCounts[s])
		originTotals[s] = floats.Sum(originCounts[s][1:])
		rawTotals[s] = floats.Dot(c.size[s][1:], c.factor[s][1:])

		if rawTotals[s] <= 0 {
			logrus.Warnf("segment %s has zero total size; scaled size set to 0", c.segments.Name(s))
			zero(c.scaled[s])
		} else {
			ratio := originTotals[s] / rawTotals[s]
			for micro := 1; micro <= c.maxMicro; micro++ {
				c.scaled[s][micro] = c.size[s][micro] * c.factor[s][micro] * ratio
			}
		}
		scaledTotals[s] = floats.Sum(c.scaled[s])

		fill(c.price[s][1:], 1)
		copy(c.previous[s], c.scaled[s])
		zero(c.modeled[s])
		copy(c.buffers[c.current][s], c.scaled[s])
	}
	c.generation++
	c.state = Balanced

	c.logTotals("origin totals by segment before balancing", originTotals)
	c.logTotals("size totals by segment before balancing", rawTotals)
	c.logTotals("size totals by segment after balancing", scaledTotals)
	return nil
}

func (c *Calibrator) logTotals(title string, totals []float64) {
	logrus.Infof("%s:", title)
	for s, v := range totals {
		logrus.Infof("    %-6d  %-40s:  %12.1f", s, c.segments.Name(s), v)
	}
	logrus.Infof("    %-6s  %-40s:  %12.1f", "", "Total", floats.Sum(totals))
}

// UpdateShadowPrices folds one round's modeled destination counts into the
// shadow prices: price *= scaled / modeled for every non-skipped zone with a
// positive modeled count. Zones with no modeled destinations keep their
// current price.
func (c *Calibrator) UpdateShadowPrices(modeledCounts [][]float64) error {
	if err := c.checkShape("modeled counts", modeledCounts); err != nil {
		return err
	}
	c.barrier.Lock()
	defer c.barrier.Unlock()
	if c.state == Unbalanced {
		return ErrNotBalanced
	}

	frozen := 0
	for s := range c.price {
		copy(c.modeled[s], modeledCounts[s])
		if c.skip[s] {
			continue
		}
		for micro := 1; micro <= c.maxMicro; micro++ {
			m := modeledCounts[s][micro]
			if m > 0 {
				c.price[s][micro] *= c.scaled[s][micro] / m
			} else if c.scaled[s][micro] > 0 {
				frozen++
			}
		}
	}
	if frozen > 0 {
		logrus.Debugf("%d zones with positive size had no modeled destinations; their shadow prices are unchanged", frozen)
	}
	c.state = Calibrating
	return nil
}

// RecomputeCalibratedSize publishes max(0, scaled × price) as the next
// generation of the calibrated size. Calling it twice without a price
// update publishes identical values.
func (c *Calibrator) RecomputeCalibratedSize() {
	c.barrier.Lock()
	defer c.barrier.Unlock()

	next := c.buffers[1-c.current]
	for s := range next {
		for micro := 1; micro <= c.maxMicro; micro++ {
			next[s][micro] = math.Max(0, c.scaled[s][micro]*c.price[s][micro])
		}
	}
	c.current = 1 - c.current
	c.generation++
}

// State returns the lifecycle state.
func (c *Calibrator) State() State {
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)
	return c.state
}

// Finish records the terminal state chosen by the driver.
func (c *Calibrator) Finish(state State) {
	if state != Converged && state != IterationLimit {
		panic(fmt.Sprintf("Calibrator.Finish: %v is not a terminal state", state))
	}
	c.barrier.Lock()
	defer c.barrier.Unlock()
	c.state = state
}

// Generation returns the number of calibrated-size publications so far.
func (c *Calibrator) Generation() uint64 {
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)
	return c.generation
}

// ShadowPrices returns a copy of segment's shadow prices.
func (c *Calibrator) ShadowPrices(segment int) []float64 {
	return c.readRow(c.price, segment)
}

// ScaledSize returns a copy of segment's balanced size.
func (c *Calibrator) ScaledSize(segment int) []float64 {
	return c.readRow(c.scaled, segment)
}

// PreviousSize returns a copy of segment's size as of the last snapshot.
func (c *Calibrator) PreviousSize(segment int) []float64 {
	return c.readRow(c.previous, segment)
}

// CalibratedSize returns a copy of segment's current calibrated size.
func (c *Calibrator) CalibratedSize(segment int) []float64 {
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)
	return append([]float64(nil), c.buffers[c.current][segment]...)
}

func (c *Calibrator) readRow(m [][]float64, segment int) []float64 {
	t := c.barrier.RLock()
	defer c.barrier.RUnlock(t)
	return append([]float64(nil), m[segment]...)
}

// SizeView is a read handle on one generation of the calibrated size. The
// calibrator cannot publish a new generation while any view is held.
type SizeView struct {
	c          *Calibrator
	token      *xsync.RToken
	size       [][]float64
	generation uint64
}

// Acquire returns a read handle on the current calibrated size. Every view
// must be released before the owning goroutine calls a mutating method, or
// that call blocks forever.
func (c *Calibrator) Acquire() *SizeView {
	t := c.barrier.RLock()
	return &SizeView{c: c, token: t, size: c.buffers[c.current], generation: c.generation}
}

// Release ends the read. The view must not be used afterwards.
func (v *SizeView) Release() {
	if v.token == nil {
		panic("SizeView.Release: view released twice")
	}
	v.c.barrier.RUnlock(v.token)
	v.token = nil
	v.size = nil
}

// Size returns the calibrated size of micro for segment.
func (v *SizeView) Size(segment, micro int) float64 { return v.size[segment][micro] }

// Segment returns segment's calibrated sizes indexed by micro id. The slice
// is shared and valid only until Release.
func (v *SizeView) Segment(segment int) []float64 { return v.size[segment] }

// Generation identifies the published surface the view reads.
func (v *SizeView) Generation() uint64 { return v.generation }

func filledMatrix(rows, maxMicro int, v float64) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, maxMicro+1)
		fill(m[i][1:], v)
	}
	return m
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func fill(row []float64, v float64) {
	for i := range row {
		row[i] = v
	}
}

func zero(row []float64) { fill(row, 0) }
