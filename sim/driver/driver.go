// Package driver is a reference driver for the location-choice core: it
// evaluates a population in parallel against the current calibrated size and
// runs the shadow-price calibration loop.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/sampler"
	"github.com/locsim/locsim/sim/shadow"
	"github.com/locsim/locsim/sim/trace"
	"github.com/locsim/locsim/sim/zone"
)

// SnapshotArchive stores snapshot copies outside the local file system.
// *archive.Archive satisfies it.
type SnapshotArchive interface {
	Save(ctx context.Context, targetType string, iteration int, segments []string, rows []shadow.SnapshotRow) error
	Load(ctx context.Context, targetType string, iteration int, segments []string) ([]shadow.SnapshotRow, error)
	LatestIteration(ctx context.Context, targetType string) (int, error)
}

// Config controls a calibration run.
type Config struct {
	Seed          int64
	Workers       int
	SampleSize    int
	TargetType    string // labels snapshots, e.g. "work" or "school"
	MaxIterations int
	// StopRMSE ends the run early once the overall %RMSE is at or below it.
	// Zero disables the check.
	StopRMSE  float64
	Reference shadow.Reference

	SnapshotBase       string // snapshot file base name; empty disables files
	RestorePath        string // snapshot file to resume from
	RestoreFromArchive bool   // resume from the latest archived iteration
	RestoreOptional    bool   // continue from scratch if restore fails

	Trace trace.TraceConfig
}

// Inputs are the collaborators a Driver works with.
type Inputs struct {
	Hierarchy    *zone.Hierarchy
	ExpUtilities [][]float64 // macro-zone exp-utilities, [o-1][d-1]
	Population   []DecisionMaker
	OriginCounts [][]float64 // optional; derived from Population when nil
	Calibrator   *shadow.Calibrator
	Evaluator    Evaluator
	Archive      SnapshotArchive // optional
}

// Driver runs calibration rounds.
type Driver struct {
	cfg   Config
	in    Inputs
	key   sim.SimulationKey
	trace *trace.SimulationTrace
}

// New validates the configuration and inputs.
func New(cfg Config, in Inputs) (*Driver, error) {
	if in.Hierarchy == nil || in.Calibrator == nil || in.Evaluator == nil {
		return nil, errors.New("driver needs a hierarchy, a calibrator and an evaluator")
	}
	if cfg.SampleSize < 1 {
		return nil, fmt.Errorf("sample size must be positive, got %d", cfg.SampleSize)
	}
	if cfg.MaxIterations < 0 {
		return nil, fmt.Errorf("max iterations must be non-negative, got %d", cfg.MaxIterations)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if in.Calibrator.MaxMicro() != in.Hierarchy.MaxMicro() {
		return nil, fmt.Errorf("calibrator has %d zones, hierarchy has %d", in.Calibrator.MaxMicro(), in.Hierarchy.MaxMicro())
	}
	if len(in.ExpUtilities) != in.Hierarchy.MaxMacro() {
		return nil, fmt.Errorf("%d utility rows for %d macro-zones", len(in.ExpUtilities), in.Hierarchy.MaxMacro())
	}
	segs := in.Calibrator.Segments().Len()
	for _, dm := range in.Population {
		if dm.Segment < 0 || dm.Segment >= segs || dm.HomeMicro < 1 || dm.HomeMicro > in.Hierarchy.MaxMicro() {
			return nil, fmt.Errorf("%w: decision-maker %d has segment %d, home %d", ErrPopulation, dm.ID, dm.Segment, dm.HomeMicro)
		}
	}
	return &Driver{
		cfg:   cfg,
		in:    in,
		key:   sim.NewSimulationKey(cfg.Seed),
		trace: trace.NewSimulationTrace(cfg.Trace),
	}, nil
}

// Trace returns the decisions recorded for traced households so far.
func (d *Driver) Trace() *trace.SimulationTrace { return d.trace }

// Round is the outcome of evaluating the whole population once.
type Round struct {
	Iteration         int
	Generation        uint64 // calibrated-size generation the round read
	Modeled           [][]float64
	Evaluated         int
	Failures          int
	FailuresBySegment []int
	Elapsed           time.Duration
}

// BuildSampler derives sampling tables for every segment from the current
// calibrated size.
func (d *Driver) BuildSampler(ctx context.Context) (*sampler.Sampler, error) {
	cal := d.in.Calibrator
	tables := make([]*sampler.SegmentTables, cal.Segments().Len())
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for s := range tables {
		s := s
		g.Go(func() error {
			t, err := sampler.BuildSegmentTables(d.in.Hierarchy, d.in.ExpUtilities, cal.CalibratedSize(s))
			if err != nil {
				return fmt.Errorf("segment %s: %w", cal.Segments().Name(s), err)
			}
			tables[s] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sampler.New(d.in.Hierarchy, tables, d.cfg.SampleSize)
}

type workerResult struct {
	modeled           [][]float64
	failuresBySegment []int
	evaluated         int
	trace             *trace.SimulationTrace
}

// RunRound samples and evaluates every decision-maker against the current
// calibrated size. Work is split into contiguous chunks, one per worker; each
// decision-maker draws from its own stream, so results do not depend on the
// worker count. Data-consistency faults abort the round; unavailable
// alternatives are counted as failures.
func (d *Driver) RunRound(ctx context.Context, iteration int) (*Round, error) {
	start := time.Now()
	smp, err := d.BuildSampler(ctx)
	if err != nil {
		return nil, err
	}

	view := d.in.Calibrator.Acquire()
	defer view.Release()

	pop := d.in.Population
	workers := min(d.cfg.Workers, max(1, len(pop)))
	chunk := (len(pop) + workers - 1) / workers
	results := make([]workerResult, workers)
	failures := xsync.NewCounter()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for w := 0; w < workers; w++ {
		from := min(w*chunk, len(pop))
		to := min(from+chunk, len(pop))
		w := w
		g.Go(func() error {
			res, err := d.evaluate(gctx, smp, view, pop[from:to], iteration, failures)
			results[w] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("iteration %d: %w", iteration, err)
	}

	nseg := d.in.Calibrator.Segments().Len()
	round := &Round{
		Iteration:         iteration,
		Generation:        view.Generation(),
		Modeled:           newCounts(nseg, d.in.Hierarchy.MaxMicro()),
		FailuresBySegment: make([]int, nseg),
		Failures:          int(failures.Value()),
	}
	for _, res := range results {
		for s := range res.modeled {
			for micro, n := range res.modeled[s] {
				round.Modeled[s][micro] += n
			}
			round.FailuresBySegment[s] += res.failuresBySegment[s]
		}
		round.Evaluated += res.evaluated
		d.trace.Merge(res.trace)
	}
	round.Elapsed = time.Since(start)

	if round.Failures > 0 {
		logrus.Warnf("iteration %d: %d of %d decision-makers had no available alternative", iteration, round.Failures, round.Evaluated)
	}
	logrus.Infof("iteration %d: evaluated %d decision-makers in %v", iteration, round.Evaluated, round.Elapsed.Round(time.Millisecond))
	return round, nil
}

func (d *Driver) evaluate(ctx context.Context, smp *sampler.Sampler, view *shadow.SizeView, pop []DecisionMaker, iteration int, failures *xsync.Counter) (workerResult, error) {
	nseg := d.in.Calibrator.Segments().Len()
	res := workerResult{
		modeled:           newCounts(nseg, d.in.Hierarchy.MaxMicro()),
		failuresBySegment: make([]int, nseg),
		trace:             trace.NewSimulationTrace(d.cfg.Trace),
	}
	scratch := smp.NewScratch()
	reporter, reportsUtilities := d.in.Evaluator.(UtilityReporter)

	for _, dm := range pop {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		traced := d.trace.Traces(dm.ID)
		scratch.KeepDraws = traced && d.trace.KeepDraws()

		rng := sim.DecisionMakerRNG(d.key, dm.ID)
		origin := d.in.Hierarchy.MacroOf(dm.HomeMicro)
		res.evaluated++

		sample, err := smp.Draw(scratch, origin, dm.Segment, rng)
		var micro int
		switch {
		case errors.Is(err, sampler.ErrNoProbabilityMass):
			err = ErrNoAvailableAlternative
		case err != nil:
			return res, fmt.Errorf("decision-maker %d: %w", dm.ID, err)
		default:
			micro, err = d.in.Evaluator.Choose(dm, sample, view, rng)
		}

		if traced {
			rec := trace.DecisionRecord{
				DecisionMaker: dm.ID,
				Iteration:     iteration,
				Segment:       d.in.Calibrator.Segments().Name(dm.Segment),
				HomeMicro:     dm.HomeMicro,
				OriginMacro:   origin,
				Chosen:        micro,
			}
			var utils []float64
			var avail []bool
			if reportsUtilities {
				utils, avail = reporter.Utilities(dm, sample, view)
			}
			for i, alt := range sample.Alternatives {
				c := trace.CandidateRecord{
					Micro:          alt.Micro,
					Probability:    alt.Probability,
					Frequency:      alt.Frequency,
					Correction:     alt.Correction,
					CalibratedSize: view.Size(dm.Segment, alt.Micro),
					Available:      view.Size(dm.Segment, alt.Micro) > 0,
				}
				if reportsUtilities {
					c.Utility, c.Available = utils[i], avail[i]
				}
				rec.Candidates = append(rec.Candidates, c)
			}
			for _, dr := range sample.Draws {
				rec.Draws = append(rec.Draws, trace.DrawRecord{U: dr.U, Macro: dr.Macro, Micro: dr.Micro})
			}
			if err != nil {
				rec.Failure = err.Error()
			}
			res.trace.RecordDecision(rec)
			logrus.Debugf("decision-maker %d iteration %d: %d alternatives, chose %d", dm.ID, iteration, len(rec.Candidates), micro)
		}

		if errors.Is(err, ErrNoAvailableAlternative) {
			failures.Inc()
			res.failuresBySegment[dm.Segment]++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("decision-maker %d: %w", dm.ID, err)
		}
		res.modeled[dm.Segment][micro]++
	}
	return res, nil
}

func newCounts(segments, maxMicro int) [][]float64 {
	counts := make([][]float64, segments)
	for s := range counts {
		counts[s] = make([]float64, maxMicro+1)
	}
	return counts
}
