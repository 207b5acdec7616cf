package driver

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locsim/locsim/sim"
	"github.com/locsim/locsim/sim/internal/testutil"
)

func TestLoadPopulation(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	segs, err := sim.SegmentsFromNames("work", "school")
	require.NoError(t, err)

	pop, err := LoadPopulation(strings.NewReader("id,home_mgra,segment\n10,1,work\n11,3,school\n"), segs, h)
	require.NoError(t, err)
	assert.Equal(t, []DecisionMaker{{ID: 10, HomeMicro: 1, Segment: 0}, {ID: 11, HomeMicro: 3, Segment: 1}}, pop)
}

func TestLoadPopulation_Rejects(t *testing.T) {
	h := testutil.TwoMacroHierarchy(t)
	segs, err := sim.SegmentsFromNames("work")
	require.NoError(t, err)

	tests := map[string]string{
		"unknown segment": "id,home_mgra,segment\n1,1,retail\n",
		"home outside":    "id,home_mgra,segment\n1,9,work\n",
		"duplicate id":    "id,home_mgra,segment\n1,1,work\n1,2,work\n",
		"bad id":          "id,home_mgra,segment\nx,1,work\n",
		"short row":       "id,home_mgra,segment\n1,1\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPopulation(strings.NewReader(in), segs, h)
			assert.True(t, errors.Is(err, ErrPopulation), "got %v", err)
		})
	}
}

func TestOriginCounts(t *testing.T) {
	pop := []DecisionMaker{{ID: 1, HomeMicro: 2}, {ID: 2, HomeMicro: 2}, {ID: 3, HomeMicro: 1, Segment: 1}}
	assert.Equal(t, [][]float64{{0, 0, 2}, {0, 1, 0}}, OriginCounts(pop, 2, 2))
}
