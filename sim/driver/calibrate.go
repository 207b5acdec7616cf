package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/locsim/locsim/sim/shadow"
)

// RoundSummary is the per-iteration record kept in a Result.
type RoundSummary struct {
	Iteration    int
	Evaluated    int
	Failures     int
	OverallRMSE  shadow.RMSE
	SnapshotPath string
	Elapsed      time.Duration
}

// Result describes a finished calibration run.
type Result struct {
	State          shadow.State
	FirstIteration int
	LastIteration  int // 0 when no round ran
	Rounds         []RoundSummary
	Diagnostics    *shadow.Diagnostics // from the last round
}

// Calibrate balances sizes against the population's origins, optionally
// restores a saved state, and then runs rounds until the iteration limit, the
// %RMSE stop threshold, or context cancellation. Each round is followed by a
// diagnostic report, a shadow-price update, a recompute and a snapshot.
//
// On cancellation the partial result is returned with the context error.
func (d *Driver) Calibrate(ctx context.Context) (*Result, error) {
	cal := d.in.Calibrator
	origins := d.in.OriginCounts
	if origins == nil {
		origins = OriginCounts(d.in.Population, cal.Segments().Len(), cal.MaxMicro())
	}
	if err := cal.Balance(origins); err != nil {
		return nil, fmt.Errorf("balancing: %w", err)
	}

	first, err := d.restore(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{FirstIteration: first}
	for iter := first; iter <= d.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			cal.Finish(shadow.IterationLimit)
			res.State = shadow.IterationLimit
			return res, fmt.Errorf("stopped before iteration %d: %w", iter, err)
		}

		round, err := d.RunRound(ctx, iter)
		if err != nil {
			if ctx.Err() != nil {
				cal.Finish(shadow.IterationLimit)
				res.State = shadow.IterationLimit
			}
			return res, err
		}

		diag, err := cal.DiagnoseReference(round.Modeled, d.cfg.Reference)
		if err != nil {
			return res, err
		}
		diag.Log(iter)

		if err := cal.UpdateShadowPrices(round.Modeled); err != nil {
			return res, err
		}
		cal.RecomputeCalibratedSize()

		path, err := d.snapshot(ctx, iter)
		if err != nil {
			return res, err
		}

		res.LastIteration = iter
		res.Diagnostics = diag
		res.Rounds = append(res.Rounds, RoundSummary{
			Iteration:    iter,
			Evaluated:    round.Evaluated,
			Failures:     round.Failures,
			OverallRMSE:  diag.Overall,
			SnapshotPath: path,
			Elapsed:      round.Elapsed,
		})

		if d.cfg.StopRMSE > 0 && diag.Overall.Valid() && diag.Overall.Percent <= d.cfg.StopRMSE {
			logrus.Infof("iteration %d: %%RMSE %.2f at or below %.2f, stopping", iter, diag.Overall.Percent, d.cfg.StopRMSE)
			cal.Finish(shadow.Converged)
			res.State = shadow.Converged
			d.trace.Sort()
			return res, nil
		}
	}

	cal.Finish(shadow.IterationLimit)
	res.State = shadow.IterationLimit
	d.trace.Sort()
	return res, nil
}

// restore loads a saved state and returns the first iteration to run.
func (d *Driver) restore(ctx context.Context) (int, error) {
	cal := d.in.Calibrator
	var (
		iter int
		err  error
	)
	switch {
	case d.cfg.RestorePath != "":
		iter, err = shadow.IterationFromSnapshotPath(d.cfg.RestorePath)
		if err == nil {
			err = cal.RestoreSnapshot(d.cfg.RestorePath)
		}
	case d.cfg.RestoreFromArchive && d.in.Archive != nil:
		iter, err = d.restoreFromArchive(ctx)
	default:
		return 1, nil
	}

	if err != nil {
		if d.cfg.RestoreOptional {
			logrus.Warnf("restore failed, starting from balanced sizes: %v", err)
			return 1, nil
		}
		return 0, fmt.Errorf("restoring shadow prices: %w", err)
	}
	logrus.Infof("restored shadow prices from iteration %d", iter)
	return iter + 1, nil
}

// restoreFromArchive restores the newest archived iteration that loads
// cleanly, walking back past iterations that fail to load or restore.
func (d *Driver) restoreFromArchive(ctx context.Context) (int, error) {
	cal := d.in.Calibrator
	latest, err := d.in.Archive.LatestIteration(ctx, d.cfg.TargetType)
	if err != nil {
		return 0, err
	}
	var errs []error
	for iter := latest; iter >= 1; iter-- {
		rows, err := d.in.Archive.Load(ctx, d.cfg.TargetType, iter, cal.Segments().Names())
		if err == nil {
			err = cal.RestoreRows(rows)
		}
		if err == nil {
			return iter, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		logrus.Warnf("archived iteration %d unusable: %v", iter, err)
		errs = append(errs, fmt.Errorf("iteration %d: %w", iter, err))
	}
	return 0, errors.Join(errs...)
}

// snapshot saves the calibrator state for iter to file and archive, then
// marks it as the previous-round size. Archive failures are logged, not
// returned; the file is the record.
func (d *Driver) snapshot(ctx context.Context, iter int) (string, error) {
	if d.cfg.SnapshotBase == "" && d.in.Archive == nil {
		return "", nil
	}
	cal := d.in.Calibrator
	rows := cal.SnapshotRows()

	var (
		path  string
		saved bool
	)
	if d.cfg.SnapshotBase != "" {
		path = shadow.SnapshotPath(d.cfg.SnapshotBase, d.cfg.TargetType, iter)
		if err := shadow.SaveSnapshotRows(path, cal.SnapshotHeader(), rows); err != nil {
			return "", fmt.Errorf("saving iteration %d: %w", iter, err)
		}
		logrus.Infof("saved shadow prices to %s", path)
		saved = true
	}
	if d.in.Archive != nil {
		err := d.in.Archive.Save(ctx, d.cfg.TargetType, iter, cal.Segments().Names(), rows)
		switch {
		case err == nil:
			saved = true
		case !errors.Is(err, context.Canceled):
			logrus.Warnf("archiving iteration %d: %v", iter, err)
		}
	}
	if saved {
		cal.MarkSaved()
	}
	return path, nil
}
