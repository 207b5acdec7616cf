package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSegments_IndexRoundTrip(t *testing.T) {
	segs, err := SegmentsFromNames("white_collar", "services", "health")
	require.NoError(t, err)

	assert.Equal(t, 3, segs.Len())
	for i, name := range segs.Names() {
		idx, ok := segs.Index(name)
		assert.True(t, ok)
		assert.Equal(t, i, idx)
		assert.Equal(t, name, segs.Name(i))
	}
	_, ok := segs.Index("retail")
	assert.False(t, ok)
}

func TestNewSegments_Rejects(t *testing.T) {
	tests := []struct {
		name string
		list []Segment
	}{
		{"empty registry", nil},
		{"empty name", []Segment{{Name: ""}}},
		{"duplicate name", []Segment{{Name: "k8"}, {Name: "k8"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSegments(tt.list)
			assert.Error(t, err)
		})
	}
}

func TestSegments_Groups(t *testing.T) {
	segs, err := NewSegments([]Segment{
		{Name: "preschool", Group: "Pre-School"},
		{Name: "k8_a", Group: "K-8"},
		{Name: "k8_b", Group: "K-8"},
		{Name: "univ"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Pre-School", "K-8"}, segs.Groups())
	assert.Equal(t, []int{1, 2}, segs.GroupMembers("K-8"))
	assert.Equal(t, "K-8", segs.Group(2))
	assert.Equal(t, "", segs.Group(3))
}
