package zone

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHierarchy_MembersInOrdinalOrder(t *testing.T) {
	// micro 1,2 -> macro 1; micro 3 -> macro 2; micro 4 -> macro 1
	h, err := NewHierarchy([]int{0, 1, 1, 2, 1}, 3)
	require.NoError(t, err)

	assert.Equal(t, 4, h.MaxMicro())
	assert.Equal(t, 3, h.MaxMacro())
	assert.Equal(t, []int{1, 2, 4}, h.Members(1))
	assert.Equal(t, []int{3}, h.Members(2))
	assert.Empty(t, h.Members(3))
	assert.Equal(t, 2, h.MacroOf(3))
}

func TestNewHierarchy_EveryMicroBelongsToOneMacro(t *testing.T) {
	tests := []struct {
		name     string
		macroOf  []int
		maxMacro int
	}{
		{"unassigned micro", []int{0, 1, 0}, 1},
		{"macro out of range", []int{0, 1, 3}, 2},
		{"no micro-zones", []int{0}, 1},
		{"no macro-zones", []int{0, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHierarchy(tt.macroOf, tt.maxMacro)
			assert.True(t, errors.Is(err, ErrInvalidHierarchy), "got %v", err)
		})
	}
}

func TestLoad_ParsesCSV(t *testing.T) {
	in := "micro,macro\n3,2\n1,1\n2,1\n"
	h, err := Load(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 3, h.MaxMicro())
	assert.Equal(t, 2, h.MaxMacro())
	assert.Equal(t, []int{1, 2}, h.Members(1))
}

func TestLoad_RejectsGapsAndDuplicates(t *testing.T) {
	for name, in := range map[string]string{
		"gap":       "micro,macro\n1,1\n3,1\n",
		"duplicate": "micro,macro\n1,1\n1,2\n",
		"non-int":   "micro,macro\nx,1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(in))
			assert.True(t, errors.Is(err, ErrInvalidHierarchy), "got %v", err)
		})
	}
}
