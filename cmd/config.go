package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/shadow"
	"github.com/locsim/locsim/sim/trace"
)

// SegmentSpec declares one segment. Order defines the segment index and the
// column order of snapshots.
type SegmentSpec struct {
	Name              string `yaml:"name"`
	Group             string `yaml:"group"`
	SkipShadowPricing bool   `yaml:"skip_shadow_pricing"`
}

// InputPaths lists the CSV inputs. Relative paths are resolved against the
// config file's directory.
type InputPaths struct {
	Hierarchy  string `yaml:"hierarchy"`  // micro,macro
	Size       string `yaml:"size"`       // mgra,<segment>...
	Origins    string `yaml:"origins"`    // optional; derived from population when empty
	Factors    string `yaml:"factors"`    // optional external size factors
	Utilities  string `yaml:"utilities"`  // orig,dest,utility
	Population string `yaml:"population"` // id,home_mgra,segment
}

// SnapshotConfig controls per-iteration snapshot files and resuming.
type SnapshotConfig struct {
	Dir             string `yaml:"dir"`
	Base            string `yaml:"base"` // e.g. "shadow_prices.csv"; empty disables files
	Restore         string `yaml:"restore"`
	RestoreOptional bool   `yaml:"restore_optional"`
	FromArchive     bool   `yaml:"from_archive"`
}

// ArchiveConfig points at a MongoDB collection holding snapshot copies.
type ArchiveConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	RunID      string        `yaml:"run_id"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TraceSpec selects debug households.
type TraceSpec struct {
	Level      string  `yaml:"level"`
	Households []int64 `yaml:"households"`
}

// Config is the calibration run configuration.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Seed                int64          `yaml:"seed"`
	SampleSize          int            `yaml:"sample_size"`
	Workers             int            `yaml:"workers"`
	TargetType          string         `yaml:"target_type"`
	MaxIterations       map[string]int `yaml:"max_iterations"` // keyed by target type
	StopRMSE            float64        `yaml:"stop_rmse"`
	DiagnosticReference string         `yaml:"diagnostic_reference"` // "calibrated" (default) or "scaled"
	DistanceCoefficient float64        `yaml:"distance_coefficient"`
	Segments            []SegmentSpec  `yaml:"segments"`
	Inputs              InputPaths     `yaml:"inputs"`
	Snapshot            SnapshotConfig `yaml:"snapshot"`
	Archive             *ArchiveConfig `yaml:"archive"`
	Trace               TraceSpec      `yaml:"trace"`
}

// LoadConfig reads and validates the YAML config at path. Unknown fields are
// rejected so that typos surface as errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := &Config{Workers: 1, DistanceCoefficient: 1}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) resolve(dir string) {
	for _, p := range []*string{
		&c.Inputs.Hierarchy, &c.Inputs.Size, &c.Inputs.Origins, &c.Inputs.Factors,
		&c.Inputs.Utilities, &c.Inputs.Population, &c.Snapshot.Dir, &c.Snapshot.Restore,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate checks field ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.SampleSize < 1 {
		errs = append(errs, fmt.Errorf("sample_size must be positive, got %d", c.SampleSize))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.TargetType == "" {
		errs = append(errs, errors.New("target_type is required"))
	} else if n, ok := c.MaxIterations[c.TargetType]; !ok || n < 0 {
		errs = append(errs, fmt.Errorf("max_iterations needs a non-negative entry for target type %q", c.TargetType))
	}
	if c.StopRMSE < 0 {
		errs = append(errs, fmt.Errorf("stop_rmse must be non-negative, got %v", c.StopRMSE))
	}
	if _, err := c.Reference(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SegmentRegistry(); err != nil {
		errs = append(errs, err)
	}
	for name, path := range map[string]string{
		"hierarchy":  c.Inputs.Hierarchy,
		"size":       c.Inputs.Size,
		"utilities":  c.Inputs.Utilities,
		"population": c.Inputs.Population,
	} {
		if path == "" {
			errs = append(errs, fmt.Errorf("inputs.%s is required", name))
		}
	}
	if c.Snapshot.Restore != "" && c.Snapshot.FromArchive {
		errs = append(errs, errors.New("snapshot.restore and snapshot.from_archive are exclusive"))
	}
	if c.Snapshot.FromArchive && c.Archive == nil {
		errs = append(errs, errors.New("snapshot.from_archive needs an archive section"))
	}
	if c.Archive != nil && (c.Archive.URI == "" || c.Archive.Database == "" || c.Archive.Collection == "") {
		errs = append(errs, errors.New("archive needs uri, database and collection"))
	}
	if c.Trace.Level != "" && !trace.IsValidTraceLevel(c.Trace.Level) {
		errs = append(errs, fmt.Errorf("unknown trace level %q", c.Trace.Level))
	}
	return errors.Join(errs...)
}

// SegmentRegistry builds the segment registry in declaration order.
func (c *Config) SegmentRegistry() (*sim.Segments, error) {
	return sim.NewSegments(lo.Map(c.Segments, func(s SegmentSpec, _ int) sim.Segment {
		return sim.Segment{Name: s.Name, Group: s.Group}
	}))
}

// SkipSegments returns the indices of segments exempt from shadow pricing.
func (c *Config) SkipSegments() []int {
	return lo.FilterMap(c.Segments, func(s SegmentSpec, i int) (int, bool) {
		return i, s.SkipShadowPricing
	})
}

// Reference returns the size diagnostics compare against.
func (c *Config) Reference() (shadow.Reference, error) {
	if c.DiagnosticReference == "" {
		return shadow.ReferenceCalibrated, nil
	}
	return shadow.ParseReference(c.DiagnosticReference)
}

// SnapshotBase returns the snapshot file base path, or "" when files are off.
func (c *Config) SnapshotBase() string {
	if c.Snapshot.Base == "" {
		return ""
	}
	return filepath.Join(c.Snapshot.Dir, c.Snapshot.Base)
}

// TraceConfig converts the trace section.
func (c *Config) TraceConfig() trace.TraceConfig {
	level := trace.TraceLevel(c.Trace.Level)
	if level == "" {
		level = trace.TraceLevelNone
	}
	return trace.TraceConfig{Level: level, Households: c.Trace.Households}
}
