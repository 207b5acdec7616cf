package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/archive"
	"github.com/locsim/locsim/sim/driver"
	"github.com/locsim/locsim/sim/sampler"
	"github.com/locsim/locsim/sim/trace"
)

var (
	logLevel   string        // Log verbosity level
	configPath string        // YAML run configuration
	seed       int64         // Overrides the config seed when set
	timeout    time.Duration // Wall-clock budget for calibration; 0 means none

	// sample command
	sampleOpts sampleOptions
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "locsim",
	Short: "Destination sampling and shadow-price calibration for location choice",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)
	},
}

// loadConfig reads --config and applies flag overrides.
func loadConfig(cmd *cobra.Command) *Config {
	if configPath == "" {
		logrus.Fatalf("--config is required")
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = seed
	}
	return cfg
}

// calibrateCmd runs shadow-price calibration for the configured target type
var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Run shadow-price calibration rounds",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx := cmd.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		start := time.Now()
		res, tr, err := runCalibrate(ctx, cfg)
		if res != nil {
			writeResult(cmd.OutOrStdout(), res, tr)
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logrus.Warnf("calibration stopped by the %v time budget: %v", timeout, err)
				return
			}
			logrus.Fatalf("calibration failed: %v", err)
		}
		logrus.Infof("calibration finished (%s) in %v", res.State, time.Since(start).Round(time.Millisecond))
	},
}

// runCalibrate assembles the inputs named by cfg and runs the calibration loop.
// The result may be non-nil alongside an error when the run was interrupted.
func runCalibrate(ctx context.Context, cfg *Config) (*driver.Result, *trace.SimulationTrace, error) {
	r, err := assemble(cfg)
	if err != nil {
		return nil, nil, err
	}
	in := r.inputs()
	if cfg.Archive != nil {
		a, err := archive.Open(ctx, archive.Config{
			URI:        cfg.Archive.URI,
			Database:   cfg.Archive.Database,
			Collection: cfg.Archive.Collection,
			RunID:      cfg.Archive.RunID,
			Timeout:    cfg.Archive.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			if err := a.Close(context.Background()); err != nil {
				logrus.Warnf("closing archive: %v", err)
			}
		}()
		in.Archive = a
	}

	d, err := driver.New(r.driverConfig(), in)
	if err != nil {
		return nil, nil, err
	}
	res, err := d.Calibrate(ctx)
	return res, d.Trace(), err
}

func (r *run) driverConfig() driver.Config {
	ref, _ := r.cfg.Reference()
	return driver.Config{
		Seed:               r.cfg.Seed,
		Workers:            r.cfg.Workers,
		SampleSize:         r.cfg.SampleSize,
		TargetType:         r.cfg.TargetType,
		MaxIterations:      r.cfg.MaxIterations[r.cfg.TargetType],
		StopRMSE:           r.cfg.StopRMSE,
		Reference:          ref,
		SnapshotBase:       r.cfg.SnapshotBase(),
		RestorePath:        r.cfg.Snapshot.Restore,
		RestoreFromArchive: r.cfg.Snapshot.FromArchive,
		RestoreOptional:    r.cfg.Snapshot.RestoreOptional,
		Trace:              r.cfg.TraceConfig(),
	}
}

func (r *run) inputs() driver.Inputs {
	return driver.Inputs{
		Hierarchy:    r.hierarchy,
		ExpUtilities: r.expUtils,
		Population:   r.population,
		OriginCounts: r.origins,
		Calibrator:   r.calibrator,
		Evaluator:    driver.LogitEvaluator{Utility: driver.DistanceUtility(r.hierarchy, r.utilities, r.cfg.DistanceCoefficient)},
	}
}

// writeResult prints one line per round, then the trace summary if any.
func writeResult(out io.Writer, res *driver.Result, tr *trace.SimulationTrace) {
	fmt.Fprintf(out, "=== Calibration: %s (iterations %d..%d) ===\n", res.State, res.FirstIteration, res.LastIteration)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "iteration\tevaluated\tfailures\t%RMSE\telapsed\tsnapshot")
	for _, round := range res.Rounds {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%v\t%s\n", round.Iteration, round.Evaluated, round.Failures,
			round.OverallRMSE, round.Elapsed.Round(time.Millisecond), round.SnapshotPath)
	}
	_ = w.Flush()

	if tr == nil || !tr.Config.Enabled() {
		return
	}
	s := trace.Summarize(tr)
	fmt.Fprintf(out, "=== Trace: %d decisions, %d failed, %.2f mean unique alternatives (max %d), %d destinations ===\n",
		s.TotalDecisions, s.FailedCount, s.MeanUniqueAlternatives, s.MaxUniqueAlternatives, s.UniqueDestinations)
}

type sampleOptions struct {
	Origin   int     // origin macro-zone
	Segment  string  // segment name
	U        float64 // single composite draw with this uniform
	HasU     bool
	ID       int64 // decision-maker id selecting the random stream
	Full     bool  // also print the full micro-zone distribution
	StopDest int   // sample intermediate stops toward this macro-zone
}

// sampleCmd prints one sample for debugging a specific origin and segment
var sampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Draw and print one destination sample",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		sampleOpts.HasU = cmd.Flags().Changed("u")
		if err := runSample(cmd.Context(), cfg, sampleOpts, cmd.OutOrStdout()); err != nil {
			logrus.Fatalf("sampling failed: %v", err)
		}
	},
}

// runSample draws from the balanced size, or from a restored snapshot when one
// is configured.
func runSample(ctx context.Context, cfg *Config, opts sampleOptions, out io.Writer) error {
	r, err := assemble(cfg)
	if err != nil {
		return err
	}
	cal := r.calibrator
	if err := cal.Balance(r.originCounts()); err != nil {
		return err
	}
	if cfg.Snapshot.Restore != "" {
		if err := cal.RestoreSnapshot(cfg.Snapshot.Restore); err != nil {
			if !cfg.Snapshot.RestoreOptional {
				return err
			}
			logrus.Warnf("restore failed, sampling from balanced sizes: %v", err)
		}
	}
	segment, ok := r.segments.Index(opts.Segment)
	if !ok {
		return fmt.Errorf("unknown segment %q", opts.Segment)
	}
	rng := sim.DecisionMakerRNG(sim.NewSimulationKey(cfg.Seed), opts.ID)

	if opts.StopDest > 0 {
		macroSize := make([][]float64, r.segments.Len())
		shares := make([][][]float64, r.segments.Len())
		for s := range macroSize {
			size := cal.CalibratedSize(s)
			macroSize[s] = sampler.MacroSize(r.hierarchy, size)
			shares[s] = sampler.MicroShares(r.hierarchy, size)
		}
		stops, err := sampler.NewStopSampler(r.hierarchy, r.expUtils, macroSize, shares, cfg.SampleSize)
		if err != nil {
			return err
		}
		sample, err := stops.Draw(stops.NewScratch(), opts.Origin, opts.StopDest, segment, rng)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "stop sample %d -> %d, segment %s\n", opts.Origin, opts.StopDest, opts.Segment)
		writeSample(out, sample)
		return nil
	}

	d, err := driver.New(r.driverConfig(), r.inputs())
	if err != nil {
		return err
	}
	smp, err := d.BuildSampler(ctx)
	if err != nil {
		return err
	}
	scratch := smp.NewScratch()
	if opts.HasU {
		draw, err := smp.DrawOne(scratch, opts.Origin, segment, opts.U)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "u=%v macro=%d micro=%d probability=%.6g\n", draw.U, draw.Macro, draw.Micro, draw.Probability)
	} else {
		sample, err := smp.Draw(scratch, opts.Origin, segment, rng)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sample from macro-zone %d, segment %s, decision-maker %d\n", opts.Origin, opts.Segment, opts.ID)
		writeSample(out, sample)
	}

	if opts.Full {
		probs, err := smp.Probabilities(opts.Origin, segment)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "micro\tmacro\tprobability")
		for micro, p := range probs {
			if p > 0 {
				fmt.Fprintf(w, "%d\t%d\t%.6g\n", micro, r.hierarchy.MacroOf(micro), p)
			}
		}
		_ = w.Flush()
	}
	return nil
}

func writeSample(out io.Writer, sample sampler.Sample) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "micro\tfrequency\tprobability\tcorrection")
	for _, alt := range sample.Alternatives {
		fmt.Fprintf(w, "%d\t%d\t%.6g\t%.4f\n", alt.Micro, alt.Frequency, alt.Probability, alt.Correction)
	}
	_ = w.Flush()
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML run configuration")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "Seed override for all random streams")

	calibrateCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock budget for calibration (0 = none)")

	sampleCmd.Flags().IntVar(&sampleOpts.Origin, "origin", 1, "Origin macro-zone")
	sampleCmd.Flags().StringVar(&sampleOpts.Segment, "segment", "", "Segment name")
	sampleCmd.Flags().Float64Var(&sampleOpts.U, "u", 0, "Perform one composite draw with this uniform in [0,1)")
	sampleCmd.Flags().Int64Var(&sampleOpts.ID, "id", 0, "Decision-maker id selecting the random stream")
	sampleCmd.Flags().BoolVar(&sampleOpts.Full, "full", false, "Also print the full micro-zone distribution")
	sampleCmd.Flags().IntVar(&sampleOpts.StopDest, "stop-dest", 0, "Sample intermediate stops toward this macro-zone")

	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(sampleCmd)
}
