package terrain

import (
	"errors"

	"github.com/paulmach/orb"
)

// ErrEmptyHeightField is returned when a terrain is built from a height field
// without samples.
var ErrEmptyHeightField = errors.New("empty height field")

// A HeightSink receives a square resampled height grid, such as a terrain
// mesh builder. heights has resolution x resolution normalized samples with
// row 0 at the bottom edge, to be scaled to size.
type HeightSink interface {
	SetHeights(resolution int, heights []float32, size Size3) error
}

// A Terrain places a HeightField in a terrain-local space of a given
// physical size, with X east, Y up, and Z north.
type Terrain struct {
	heightField *HeightField
	size        Size3
}

// NewTerrain returns a new Terrain for heightField. A zero size uses the
// height field's own world size.
func NewTerrain(heightField *HeightField, size Size3) *Terrain {
	if size == (Size3{}) {
		size = heightField.WorldSize3D()
	}
	return &Terrain{
		heightField: heightField,
		size:        size,
	}
}

// HeightField returns t's height field.
func (t *Terrain) HeightField() *HeightField {
	return t.heightField
}

// Size returns t's physical size.
func (t *Terrain) Size() Size3 {
	return t.size
}

// WorldExtent returns the geographic extent covered by t.
func (t *Terrain) WorldExtent() GeographicExtent {
	return t.heightField.Metadata().Extent()
}

// ApplyTo hands t's resampled height grid to sink, resampling first if
// needed.
func (t *Terrain) ApplyTo(sink HeightSink) error {
	if t.heightField.IsEmpty() {
		return ErrEmptyHeightField
	}
	heights, ok := t.heightField.Resampled()
	if !ok {
		heights = t.heightField.Resample()
	}
	return sink.SetHeights(t.heightField.ResPow2(), heights, t.size)
}

// WorldToTerrain returns the Projector from t's world extent onto its
// horizontal terrain-local rectangle.
func (t *Terrain) WorldToTerrain() (*Projector, error) {
	return NewProjector(t.WorldExtent(), Size{Width: t.size.X, Height: t.size.Z})
}

// TerrainToWorld maps a terrain-local horizontal position back to world
// coordinates.
func (t *Terrain) TerrainToWorld(local orb.Point) (orb.Point, error) {
	projector, err := t.WorldToTerrain()
	if err != nil {
		return orb.Point{}, err
	}
	return projector.Inverse(local), nil
}

// PlaceShape returns adapter's vertices in t's terrain-local space.
func (t *Terrain) PlaceShape(adapter *ShapeAdapter) ([]orb.Point, error) {
	projector, err := t.WorldToTerrain()
	if err != nil {
		return nil, err
	}
	return adapter.Reproject(projector), nil
}

// NormalizedPosition returns the position of world within t's extent,
// scaled to [0, 1] on each axis with (0, 0) at the minimum corner.
func (t *Terrain) NormalizedPosition(world orb.Point) orb.Point {
	extent := t.WorldExtent()
	return orb.Point{
		inverseLerp64(extent.MinX, extent.MaxX, world.X()),
		inverseLerp64(extent.MinY, extent.MaxY, world.Y()),
	}
}

// InterpolatedHeight returns the height in world units at world.
func (t *Terrain) InterpolatedHeight(world orb.Point) float64 {
	position := t.NormalizedPosition(world)
	return t.heightField.InterpolatedHeight(position.X(), position.Y())
}

func inverseLerp64(a, b, value float64) float64 {
	if a == b {
		return 0
	}
	return (value - a) / (b - a)
}
