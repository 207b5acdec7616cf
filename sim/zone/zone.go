// Package zone provides the read-only micro-zone / macro-zone hierarchy.
// Zone ids are dense and 1-based; id 0 is a sentinel and never a member.
package zone

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidHierarchy marks a malformed hierarchy. It is a data-consistency
// fault and aborts the run.
var ErrInvalidHierarchy = errors.New("invalid zone hierarchy")

// Hierarchy maps each micro-zone to exactly one macro-zone and each macro-zone
// to its member micro-zones in ascending id order. The member order defines
// the micro-zone ordinal used by share tables. Immutable after construction.
type Hierarchy struct {
	macroOf []int   // [micro] -> macro; index 0 unused
	members [][]int // [macro] -> micro ids; index 0 unused
}

// NewHierarchy builds a hierarchy from macroOf, where macroOf[micro] is the
// macro-zone of micro and macroOf[0] is ignored. maxMacro is the number of
// macro-zones; macro-zones without members are allowed.
func NewHierarchy(macroOf []int, maxMacro int) (*Hierarchy, error) {
	if len(macroOf) < 2 {
		return nil, fmt.Errorf("%w: no micro-zones", ErrInvalidHierarchy)
	}
	if maxMacro < 1 {
		return nil, fmt.Errorf("%w: maxMacro must be positive, got %d", ErrInvalidHierarchy, maxMacro)
	}
	h := &Hierarchy{
		macroOf: make([]int, len(macroOf)),
		members: make([][]int, maxMacro+1),
	}
	for micro := 1; micro < len(macroOf); micro++ {
		macro := macroOf[micro]
		if macro < 1 || macro > maxMacro {
			return nil, fmt.Errorf("%w: micro-zone %d maps to macro-zone %d, want 1..%d",
				ErrInvalidHierarchy, micro, macro, maxMacro)
		}
		h.macroOf[micro] = macro
		h.members[macro] = append(h.members[macro], micro)
	}
	return h, nil
}

// MaxMicro returns the largest micro-zone id.
func (h *Hierarchy) MaxMicro() int { return len(h.macroOf) - 1 }

// MaxMacro returns the largest macro-zone id.
func (h *Hierarchy) MaxMacro() int { return len(h.members) - 1 }

// MacroOf returns the macro-zone containing micro.
func (h *Hierarchy) MacroOf(micro int) int { return h.macroOf[micro] }

// Members returns the micro-zones of macro in ordinal order. The returned
// slice is shared and must not be modified.
func (h *Hierarchy) Members(macro int) []int { return h.members[macro] }

// Load reads a "micro,macro" CSV with a header row. Micro ids must cover
// 1..max without gaps, each listed once.
func Load(r io.Reader) (*Hierarchy, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("reading hierarchy header: %w", err)
	}

	pairs := map[int]int{}
	maxMacro := 0
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading hierarchy row %d: %w", line, err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: row %d has %d columns, want 2", ErrInvalidHierarchy, line, len(row))
		}
		micro, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d micro: %v", ErrInvalidHierarchy, line, err)
		}
		macro, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d macro: %v", ErrInvalidHierarchy, line, err)
		}
		if _, dup := pairs[micro]; dup {
			return nil, fmt.Errorf("%w: micro-zone %d listed more than once", ErrInvalidHierarchy, micro)
		}
		pairs[micro] = macro
		if macro > maxMacro {
			maxMacro = macro
		}
	}

	micros := make([]int, 0, len(pairs))
	for micro := range pairs {
		micros = append(micros, micro)
	}
	sort.Ints(micros)
	for i, micro := range micros {
		if micro != i+1 {
			return nil, fmt.Errorf("%w: micro-zone ids must be dense from 1, missing %d", ErrInvalidHierarchy, i+1)
		}
	}

	macroOf := make([]int, len(micros)+1)
	for micro, macro := range pairs {
		macroOf[micro] = macro
	}
	return NewHierarchy(macroOf, maxMacro)
}
