package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlocks() []Block {
	return []Block{
		{Dist0: 1000, Options: []Option{
			{Plane: 2, Bytes: []int{10, 14, 20}, Dist: []float64{300, 250, 150}},
			{Plane: 1, Bytes: []int{25, 30, 38}, Dist: []float64{100, 80, 40}},
			{Plane: 0, Bytes: []int{60}, Dist: []float64{0}},
		}},
		{Dist0: 50, Options: []Option{
			{Plane: 0, Bytes: []int{40}, Dist: []float64{0}},
		}},
		{Dist0: 0},
		{Dist0: 4000, Options: []Option{
			{Plane: 1, Bytes: []int{30, 31, 40}, Dist: []float64{900, 800, 300}},
			{Plane: 0, Bytes: []int{90}, Dist: []float64{0}},
		}},
	}
}

func TestAllocate_Whole(t *testing.T) {
	blocks := testBlocks()
	got, err := Allocate(blocks, 3, 0)
	require.NoError(t, err)
	require.Len(t, got, len(blocks))
	assert.Equal(t, -1, got[2].Option)
	assert.Equal(t, 0, got[2].Final())
	for i, c := range got {
		if i == 2 {
			continue
		}
		assert.Equal(t, len(blocks[i].Options)-1, c.Option)
		assert.Equal(t, 1, c.Final())
		for l := 1; l < len(c.Passes); l++ {
			assert.GreaterOrEqual(t, c.Passes[l], c.Passes[l-1])
		}
	}
	// the steepest block lands in an earlier layer than the flattest
	assert.Less(t, got[3].FirstLayer(), got[1].FirstLayer())
}

func TestAllocate_Budget(t *testing.T) {
	blocks := testBlocks()
	for _, budget := range []int{1, 30, 60, 100, 190, 1000} {
		got, err := Allocate(blocks, 4, budget)
		require.NoError(t, err)
		total := 0
		for i, c := range got {
			for l := 1; l < len(c.Passes); l++ {
				assert.GreaterOrEqual(t, c.Passes[l], c.Passes[l-1])
			}
			if c.Option >= 0 && c.Final() > 0 {
				total += blocks[i].Options[c.Option].Bytes[c.Final()-1]
			}
		}
		assert.LessOrEqual(t, total, budget, "budget %d", budget)
	}
	got, err := Allocate(blocks, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].Option)
	assert.Equal(t, 1, got[3].Final())
}

func TestAllocate_Layers(t *testing.T) {
	_, err := Allocate(testBlocks(), 0, 0)
	assert.ErrorIs(t, err, ErrRateUnachievable)
}
