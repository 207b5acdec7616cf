package driver

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/zone"
)

// ErrPopulation marks a malformed population record.
var ErrPopulation = errors.New("invalid population")

// DecisionMaker is one person or household choosing a usual location.
type DecisionMaker struct {
	ID        int64
	HomeMicro int
	Segment   int
}

// LoadPopulation reads an "id,home_mgra,segment" CSV with a header row.
// Segment names are resolved against segs; home zones must exist in h.
func LoadPopulation(r io.Reader, segs *sim.Segments, h *zone.Hierarchy) ([]DecisionMaker, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading population header: %w", err)
	}

	var pop []DecisionMaker
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading population row %d: %w", line, err)
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("%w: row %d has %d columns, want 3", ErrPopulation, line, len(row))
		}
		id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d id: %v", ErrPopulation, line, err)
		}
		home, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d home_mgra: %v", ErrPopulation, line, err)
		}
		if home < 1 || home > h.MaxMicro() {
			return nil, fmt.Errorf("%w: row %d home_mgra %d outside 1..%d", ErrPopulation, line, home, h.MaxMicro())
		}
		seg, ok := segs.Index(strings.TrimSpace(row[2]))
		if !ok {
			return nil, fmt.Errorf("%w: row %d unknown segment %q", ErrPopulation, line, row[2])
		}
		pop = append(pop, DecisionMaker{ID: id, HomeMicro: home, Segment: seg})
	}

	dups := lo.FindDuplicatesBy(pop, func(dm DecisionMaker) int64 { return dm.ID })
	if len(dups) > 0 {
		return nil, fmt.Errorf("%w: decision-maker id %d listed more than once", ErrPopulation, dups[0].ID)
	}
	return pop, nil
}

// OriginCounts tallies decision-makers by segment and home micro-zone, the
// origin totals that attractiveness is balanced against.
func OriginCounts(pop []DecisionMaker, segments, maxMicro int) [][]float64 {
	counts := make([][]float64, segments)
	for s := range counts {
		counts[s] = make([]float64, maxMicro+1)
	}
	for _, dm := range pop {
		counts[dm.Segment][dm.HomeMicro]++
	}
	return counts
}
