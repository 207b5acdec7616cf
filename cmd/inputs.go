package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/driver"
	"github.com/locsim/locsim/sim/sampler"
	"github.com/locsim/locsim/sim/shadow"
	"github.com/locsim/locsim/sim/zone"
)

// ErrInput marks a malformed input file.
var ErrInput = errors.New("malformed input")

// LoadSegmentTable reads an "mgra,<segment>..." CSV into a [segment][micro]
// matrix with slot 0 unused. Columns may appear in any order; extra columns
// are ignored. Micro-zones without a row get fill. When required is set,
// every segment must have a column; otherwise missing columns also get fill.
func LoadSegmentTable(r io.Reader, segs *sim.Segments, maxMicro int, fill float64, required bool) ([][]float64, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrInput, err)
	}
	header = lo.Map(header, func(h string, _ int) string { return strings.TrimSpace(h) })
	if len(header) == 0 || !strings.EqualFold(header[0], "mgra") {
		return nil, fmt.Errorf("%w: first column must be mgra, got %q", ErrInput, header[0])
	}

	columns := make([]int, segs.Len())
	for s, name := range segs.Names() {
		col := lo.IndexOf(header, name)
		if col < 0 && required {
			return nil, fmt.Errorf("%w: no column for segment %s", ErrInput, name)
		}
		columns[s] = col
	}

	out := make([][]float64, segs.Len())
	for s := range out {
		out[s] = make([]float64, maxMicro+1)
		for micro := 1; micro <= maxMicro; micro++ {
			out[s][micro] = fill
		}
	}

	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInput, line, err)
		}
		micro, err := strconv.Atoi(row[0])
		if err != nil || micro < 1 || micro > maxMicro {
			return nil, fmt.Errorf("%w: line %d: mgra %q outside 1..%d", ErrInput, line, row[0], maxMicro)
		}
		for s, col := range columns {
			if col < 0 {
				continue
			}
			v, err := strconv.ParseFloat(row[col], 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("%w: line %d: %s value %q", ErrInput, line, segs.Name(s), row[col])
			}
			out[s][micro] = v
		}
	}
	return out, nil
}

// run holds everything assembled from a Config.
type run struct {
	cfg        *Config
	segments   *sim.Segments
	hierarchy  *zone.Hierarchy
	utilities  [][]float64 // raw macro utilities
	expUtils   [][]float64
	size       [][]float64
	origins    [][]float64 // nil unless an origin file is configured
	population []driver.DecisionMaker
	calibrator *shadow.Calibrator
}

// assemble loads every input named by cfg and builds the calibrator.
func assemble(cfg *Config) (*run, error) {
	r := &run{cfg: cfg}
	var err error
	if r.segments, err = cfg.SegmentRegistry(); err != nil {
		return nil, err
	}
	if err := withFile(cfg.Inputs.Hierarchy, func(f io.Reader) error {
		r.hierarchy, err = zone.Load(f)
		return err
	}); err != nil {
		return nil, err
	}
	maxMicro := r.hierarchy.MaxMicro()

	if err := withFile(cfg.Inputs.Utilities, func(f io.Reader) error {
		r.utilities, err = sampler.LoadUtilities(f, r.hierarchy.MaxMacro())
		return err
	}); err != nil {
		return nil, err
	}
	r.expUtils = sampler.ExpUtilities(r.utilities)

	if err := withFile(cfg.Inputs.Size, func(f io.Reader) error {
		r.size, err = LoadSegmentTable(f, r.segments, maxMicro, 0, true)
		return err
	}); err != nil {
		return nil, err
	}
	if cfg.Inputs.Origins != "" {
		if err := withFile(cfg.Inputs.Origins, func(f io.Reader) error {
			r.origins, err = LoadSegmentTable(f, r.segments, maxMicro, 0, true)
			return err
		}); err != nil {
			return nil, err
		}
	}
	opts := []shadow.Option{shadow.WithSkipSegments(cfg.SkipSegments()...)}
	if cfg.Inputs.Factors != "" {
		var factors [][]float64
		if err := withFile(cfg.Inputs.Factors, func(f io.Reader) error {
			factors, err = LoadSegmentTable(f, r.segments, maxMicro, 1, false)
			return err
		}); err != nil {
			return nil, err
		}
		opts = append(opts, shadow.WithExternalFactors(factors))
	}

	if err := withFile(cfg.Inputs.Population, func(f io.Reader) error {
		r.population, err = driver.LoadPopulation(f, r.segments, r.hierarchy)
		return err
	}); err != nil {
		return nil, err
	}

	if r.calibrator, err = shadow.New(r.segments, r.size, opts...); err != nil {
		return nil, err
	}
	return r, nil
}

// originCounts returns the configured origin counts or tallies the population.
func (r *run) originCounts() [][]float64 {
	if r.origins != nil {
		return r.origins
	}
	return driver.OriginCounts(r.population, r.segments.Len(), r.hierarchy.MaxMicro())
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
