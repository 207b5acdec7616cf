// Package sim holds the shared vocabulary of the location-choice core: the
// segment registry and the deterministic random-stream derivation used by
// every decision-maker.
//
// # Reading Guide
//
//   - zone/: micro-zone ↔ macro-zone hierarchy
//   - sampler/: two-stage sample of alternatives with correction weights,
//     table builders, and the intermediate-stop variant
//   - shadow/: attractiveness balancing, shadow pricing, convergence
//     diagnostics, and the calibration snapshot
//   - driver/: a reference driver that evaluates a population in parallel
//     and runs the calibration round loop
//   - trace/: decision records for debug households
//   - archive/: optional MongoDB copy of calibration snapshots
//
// # Phases
//
// A calibration round has two phases separated by a barrier. During the
// evaluation phase many goroutines read the calibrated size surface and
// draw samples; nothing writes. During the update phase a single goroutine
// folds modeled counts into shadow prices and publishes the next surface.
// shadow.Calibrator enforces the barrier; see shadow.SizeView.
package sim
