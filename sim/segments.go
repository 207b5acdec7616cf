package sim

import (
	"fmt"

	"github.com/samber/lo"
)

// Segment names a demographic or purpose category (occupation class, school
// level) that owns its own attractiveness surface. Group is an optional
// reporting label shared by several segments, e.g. "K-8" for all grade-school
// segments.
type Segment struct {
	Name  string
	Group string
}

// Segments is the dense, 0-based segment registry built once at startup.
// Everything inside the core addresses segments by index; names only appear
// at the I/O boundary (snapshot headers, CSV columns, diagnostic reports).
type Segments struct {
	list  []Segment
	index map[string]int
}

// NewSegments builds a registry in the given order. Names must be non-empty
// and unique.
func NewSegments(list []Segment) (*Segments, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("at least one segment is required")
	}
	index := make(map[string]int, len(list))
	for i, s := range list {
		if s.Name == "" {
			return nil, fmt.Errorf("segment[%d]: name must not be empty", i)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("segment[%d]: duplicate name %q", i, s.Name)
		}
		index[s.Name] = i
	}
	return &Segments{list: append([]Segment(nil), list...), index: index}, nil
}

// SegmentsFromNames builds an ungrouped registry.
func SegmentsFromNames(names ...string) (*Segments, error) {
	return NewSegments(lo.Map(names, func(n string, _ int) Segment { return Segment{Name: n} }))
}

// Len returns the number of segments.
func (s *Segments) Len() int { return len(s.list) }

// Name returns the name of segment i.
func (s *Segments) Name(i int) string { return s.list[i].Name }

// Group returns the reporting group of segment i ("" if ungrouped).
func (s *Segments) Group(i int) string { return s.list[i].Group }

// Index looks up a segment by name.
func (s *Segments) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Names returns segment names in index order.
func (s *Segments) Names() []string {
	return lo.Map(s.list, func(seg Segment, _ int) string { return seg.Name })
}

// Groups returns the distinct non-empty group labels in first-seen order.
func (s *Segments) Groups() []string {
	labels := lo.FilterMap(s.list, func(seg Segment, _ int) (string, bool) {
		return seg.Group, seg.Group != ""
	})
	return lo.Uniq(labels)
}

// GroupMembers returns the indices of segments belonging to group.
func (s *Segments) GroupMembers(group string) []int {
	return lo.FilterMap(s.list, func(seg Segment, i int) (int, bool) {
		return i, seg.Group == group
	})
}
