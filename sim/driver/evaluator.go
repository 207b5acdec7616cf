package driver

import (
	"errors"
	"math"

	"github.com/locsim/locsim/sim/sampler"
	"github.com/locsim/locsim/sim/shadow"
	"github.com/locsim/locsim/sim/zone"
)

// ErrNoAvailableAlternative is returned when every sampled alternative has
// zero calibrated size. The driver counts it as a choice failure.
var ErrNoAvailableAlternative = errors.New("no available alternative in sample")

// Evaluator picks one alternative from a decision-maker's sample.
type Evaluator interface {
	Choose(dm DecisionMaker, sample sampler.Sample, view *shadow.SizeView, rng sampler.Uniform) (int, error)
}

// UtilityReporter is implemented by evaluators that can explain a choice;
// traced decisions then carry each alternative's utility.
type UtilityReporter interface {
	Utilities(dm DecisionMaker, sample sampler.Sample, view *shadow.SizeView) ([]float64, []bool)
}

// UtilityFunc returns the systematic utility of micro for dm, excluding the
// size and sampling-correction terms.
type UtilityFunc func(dm DecisionMaker, micro int) float64

// DistanceUtility scales the macro-zone utility between dm's home and the
// alternative's macro-zone by coef. utils is indexed [o-1][d-1].
func DistanceUtility(h *zone.Hierarchy, utils [][]float64, coef float64) UtilityFunc {
	return func(dm DecisionMaker, micro int) float64 {
		return coef * utils[h.MacroOf(dm.HomeMicro)-1][h.MacroOf(micro)-1]
	}
}

// LogitEvaluator is a multinomial logit over the sampled alternatives with
// utility V + ln(calibratedSize + 1) + correction. Alternatives with zero
// calibrated size are unavailable.
type LogitEvaluator struct {
	Utility UtilityFunc // nil means V = 0
}

// Utilities returns each alternative's full utility in sample order and
// whether it is available.
func (e LogitEvaluator) Utilities(dm DecisionMaker, sample sampler.Sample, view *shadow.SizeView) ([]float64, []bool) {
	utils := make([]float64, len(sample.Alternatives))
	avail := make([]bool, len(sample.Alternatives))
	for i, alt := range sample.Alternatives {
		size := view.Size(dm.Segment, alt.Micro)
		if size <= 0 {
			continue
		}
		avail[i] = true
		v := math.Log(size+1) + alt.Correction
		if e.Utility != nil {
			v += e.Utility(dm, alt.Micro)
		}
		utils[i] = v
	}
	return utils, avail
}

// Choose draws one alternative from the logit probabilities.
func (e LogitEvaluator) Choose(dm DecisionMaker, sample sampler.Sample, view *shadow.SizeView, rng sampler.Uniform) (int, error) {
	utils, avail := e.Utilities(dm, sample, view)

	maxU := math.Inf(-1)
	for i, u := range utils {
		if avail[i] && u > maxU {
			maxU = u
		}
	}
	if math.IsInf(maxU, -1) {
		return 0, ErrNoAvailableAlternative
	}

	weights := make([]float64, len(utils))
	total := 0.0
	last := -1
	for i, u := range utils {
		if !avail[i] {
			continue
		}
		weights[i] = math.Exp(u - maxU)
		total += weights[i]
		last = i
	}

	target := rng.Float64() * total
	acc := 0.0
	for i, w := range weights {
		if w == 0 {
			continue
		}
		acc += w
		if target < acc {
			return sample.Alternatives[i].Micro, nil
		}
	}
	return sample.Alternatives[last].Micro, nil
}
