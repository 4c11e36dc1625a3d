package terrain_test

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"

	"github.com/twpayne/go-terrain"
)

func TestProjectorForward(t *testing.T) {
	extent := terrain.GeographicExtent{MinX: 10, MinY: 20, MaxX: 30, MaxY: 60}
	projector, err := terrain.NewProjector(extent, terrain.Size{Width: 200, Height: 100})
	assert.NoError(t, err)

	for _, tc := range []struct {
		world    orb.Point
		expected orb.Point
	}{
		{world: orb.Point{10, 20}, expected: orb.Point{0, 100}},
		{world: orb.Point{30, 20}, expected: orb.Point{200, 100}},
		{world: orb.Point{10, 60}, expected: orb.Point{0, 0}},
		{world: orb.Point{30, 60}, expected: orb.Point{200, 0}},
		{world: orb.Point{20, 40}, expected: orb.Point{100, 50}},
		{world: orb.Point{0, 0}, expected: orb.Point{-100, 150}},
	} {
		actual := projector.Forward(tc.world)
		assert.Equal(t, tc.expected, actual)
		assert.Equal(t, tc.world, projector.Inverse(actual))
	}

	assert.Equal(t, extent, projector.Extent())
	assert.Equal(t, terrain.Size{Width: 200, Height: 100}, projector.Target())
}

func TestProjectorForwardAll(t *testing.T) {
	projector, err := terrain.NewProjector(terrain.GeographicExtent{MaxX: 4, MaxY: 4}, terrain.Size{Width: 8, Height: 8})
	assert.NoError(t, err)
	world := []orb.Point{{0, 0}, {1, 3}}
	assert.Equal(t, []orb.Point{{0, 8}, {2, 2}}, projector.ForwardAll(world))
	assert.Equal(t, []orb.Point{{0, 0}, {1, 3}}, world)
}

func TestNewProjectorDegenerate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		extent terrain.GeographicExtent
		target terrain.Size
	}{
		{
			name:   "zero_width",
			extent: terrain.GeographicExtent{MinX: 5, MinY: 0, MaxX: 5, MaxY: 10},
			target: terrain.Size{Width: 10, Height: 10},
		},
		{
			name:   "zero_height",
			extent: terrain.GeographicExtent{MinX: 0, MinY: 3, MaxX: 10, MaxY: 3},
			target: terrain.Size{Width: 10, Height: 10},
		},
		{
			name:   "point",
			extent: terrain.GeographicExtent{MinX: 1, MinY: 1, MaxX: 1, MaxY: 1},
			target: terrain.Size{Width: 10, Height: 10},
		},
		{
			name:   "empty_target",
			extent: terrain.GeographicExtent{MaxX: 10, MaxY: 10},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			projector, err := terrain.NewProjector(tc.extent, tc.target)
			assert.Zero(t, projector)
			assert.IsError(t, err, terrain.ErrDegenerateExtent)
		})
	}
}

func TestUnderscaledProjector(t *testing.T) {
	extent := terrain.GeographicExtent{MinX: 1000, MinY: 2000, MaxX: 1105, MaxY: 2044}
	assert.Equal(t, terrain.Size{Width: 11, Height: 4}, terrain.UnderscaledSize(extent, terrain.DefaultUnderscaleRatio))

	projector, err := terrain.NewUnderscaledProjector(extent, terrain.DefaultUnderscaleRatio)
	assert.NoError(t, err)
	assert.Equal(t, orb.Point{0, 4}, projector.Forward(orb.Point{1000, 2000}))

	_, err = terrain.NewUnderscaledProjector(terrain.GeographicExtent{MaxX: 4, MaxY: 4}, terrain.DefaultUnderscaleRatio)
	assert.IsError(t, err, terrain.ErrDegenerateExtent)
}

func TestProportionalSize(t *testing.T) {
	for _, tc := range []struct {
		extent   terrain.GeographicExtent
		res      int
		expected terrain.Size
	}{
		{
			extent:   terrain.GeographicExtent{MaxX: 4, MaxY: 2},
			res:      8,
			expected: terrain.Size{Width: 8, Height: 4},
		},
		{
			extent:   terrain.GeographicExtent{MaxX: 3, MaxY: 9},
			res:      128,
			expected: terrain.Size{Width: 43, Height: 128},
		},
		{
			extent:   terrain.GeographicExtent{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1},
			res:      64,
			expected: terrain.Size{Width: 64, Height: 64},
		},
	} {
		assert.Equal(t, tc.expected, terrain.ProportionalSize(tc.extent, tc.res))
	}
}

func TestGeographicExtentUnion(t *testing.T) {
	a := terrain.GeographicExtent{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}
	b := terrain.GeographicExtent{MinX: 1, MinY: -1, MaxX: 3, MaxY: 1}
	assert.Equal(t, terrain.GeographicExtent{MinX: 0, MinY: -1, MaxX: 3, MaxY: 2}, a.Union(b))
	assert.False(t, a.IsDegenerate())
	assert.Equal(t, terrain.Size{Width: 2, Height: 2}, a.Size())
}
