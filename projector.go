package terrain

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// DefaultUnderscaleRatio is the number of world units per pixel of the
// coarse preview rectangle.
const DefaultUnderscaleRatio = 10

// ErrDegenerateExtent is returned when a projector would divide by a zero
// extent or target size.
var ErrDegenerateExtent = errors.New("degenerate extent")

// A GeographicExtent is an axis-aligned box in world units.
type GeographicExtent struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// ExtentFromBound returns the GeographicExtent of bound.
func ExtentFromBound(bound orb.Bound) GeographicExtent {
	return GeographicExtent{
		MinX: bound.Min.X(),
		MinY: bound.Min.Y(),
		MaxX: bound.Max.X(),
		MaxY: bound.Max.Y(),
	}
}

// Bound returns e as an orb.Bound.
func (e GeographicExtent) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}}
}

// Width returns e's width.
func (e GeographicExtent) Width() float64 {
	return e.MaxX - e.MinX
}

// Height returns e's height.
func (e GeographicExtent) Height() float64 {
	return e.MaxY - e.MinY
}

// Size returns e's size.
func (e GeographicExtent) Size() Size {
	return Size{Width: e.Width(), Height: e.Height()}
}

// Min returns e's minimum corner.
func (e GeographicExtent) Min() orb.Point {
	return orb.Point{e.MinX, e.MinY}
}

// Max returns e's maximum corner.
func (e GeographicExtent) Max() orb.Point {
	return orb.Point{e.MaxX, e.MaxY}
}

// IsDegenerate returns whether e has no area or is not finite.
func (e GeographicExtent) IsDegenerate() bool {
	return !(e.Width() > 0) || !(e.Height() > 0) ||
		math.IsInf(e.Width(), 0) || math.IsInf(e.Height(), 0)
}

// Union returns the smallest extent containing e and other.
func (e GeographicExtent) Union(other GeographicExtent) GeographicExtent {
	return GeographicExtent{
		MinX: math.Min(e.MinX, other.MinX),
		MinY: math.Min(e.MinY, other.MinY),
		MaxX: math.Max(e.MaxX, other.MaxX),
		MaxY: math.Max(e.MaxY, other.MaxY),
	}
}

func (e GeographicExtent) String() string {
	return fmt.Sprintf("[%g %g, %g %g]", e.MinX, e.MinY, e.MaxX, e.MaxY)
}

// A Projector maps world coordinates in a geographic extent onto a target
// rectangle anchored at the origin, such as an image or the terrain. Target
// Y grows downwards. Projectors are immutable.
type Projector struct {
	extent GeographicExtent
	target Size
	scale  Vec2
}

// NewProjector returns a new Projector from extent to a target rectangle of
// size target.
func NewProjector(extent GeographicExtent, target Size) (*Projector, error) {
	if extent.IsDegenerate() {
		return nil, fmt.Errorf("%w: extent %s", ErrDegenerateExtent, extent)
	}
	if !(target.Width > 0) || !(target.Height > 0) {
		return nil, fmt.Errorf("%w: target %gx%g", ErrDegenerateExtent, target.Width, target.Height)
	}
	return &Projector{
		extent: extent,
		target: target,
		scale: Vec2{
			X: target.Width / extent.Width(),
			Y: target.Height / extent.Height(),
		},
	}, nil
}

// NewUnderscaledProjector returns a Projector onto a coarse rectangle of one
// pixel per ratio world units.
func NewUnderscaledProjector(extent GeographicExtent, ratio float64) (*Projector, error) {
	return NewProjector(extent, UnderscaledSize(extent, ratio))
}

// Extent returns p's source extent.
func (p *Projector) Extent() GeographicExtent {
	return p.extent
}

// Target returns p's target size.
func (p *Projector) Target() Size {
	return p.target
}

// Forward maps a world point to the target rectangle.
func (p *Projector) Forward(world orb.Point) orb.Point {
	return orb.Point{
		(world.X() - p.extent.MinX) * p.scale.X,
		p.target.Height - (world.Y()-p.extent.MinY)*p.scale.Y,
	}
}

// Inverse maps a target point back to world coordinates.
func (p *Projector) Inverse(target orb.Point) orb.Point {
	return orb.Point{
		p.extent.MinX + target.X()/p.scale.X,
		p.extent.MinY + (p.target.Height-target.Y())/p.scale.Y,
	}
}

// ForwardAll maps every point in world and returns the results in a new
// slice.
func (p *Projector) ForwardAll(world []orb.Point) []orb.Point {
	result := make([]orb.Point, len(world))
	for i, point := range world {
		result[i] = p.Forward(point)
	}
	return result
}

// UnderscaledSize returns the size of extent at ratio world units per pixel,
// rounded to whole pixels.
func UnderscaledSize(extent GeographicExtent, ratio float64) Size {
	return Size{
		Width:  math.Round(extent.Width() / ratio),
		Height: math.Round(extent.Height() / ratio),
	}
}

// ProportionalSize returns a texture size with extent's aspect ratio whose
// longer side is res pixels.
func ProportionalSize(extent GeographicExtent, res int) Size {
	width, height := extent.Width(), extent.Height()
	size := Size{Width: float64(res), Height: float64(res)}
	switch {
	case width > height:
		size.Height = math.Ceil(height / width * float64(res))
	case height > width:
		size.Width = math.Ceil(width / height * float64(res))
	}
	return size
}
