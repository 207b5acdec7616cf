package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === SimulationKey ===

// SimulationKey uniquely identifies a reproducible calibration run.
// Two runs with the same SimulationKey and identical inputs MUST produce
// bit-for-bit identical samples, choices and shadow prices.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// SubsystemDecisionMaker returns the subsystem name for decision-maker id.
// Each decision-maker draws its sample and choice from its own stream, so the
// outcome for one household does not depend on which worker evaluated it or
// on how many households were evaluated before it.
func SubsystemDecisionMaker(id int64) string {
	return fmt.Sprintf("decision_maker_%d", id)
}

// DeriveRNG returns a freshly seeded RNG for the named subsystem, seeded with
// key XOR fnv1a64(name).
//
// DeriveRNG holds no state and is safe to call from many goroutines; the
// returned *rand.Rand is not, and must stay with its caller.
func DeriveRNG(key SimulationKey, name string) *rand.Rand {
	return rand.New(rand.NewSource(int64(key) ^ fnv1a64(name)))
}

// DecisionMakerRNG is shorthand for DeriveRNG(key, SubsystemDecisionMaker(id)).
func DecisionMakerRNG(key SimulationKey, id int64) *rand.Rand {
	return DeriveRNG(key, SubsystemDecisionMaker(id))
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
