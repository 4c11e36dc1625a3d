package terrain

import (
	"fmt"
	"image/color"
	"slices"

	"github.com/paulmach/orb"
	"go.uber.org/zap"
)

// A ShapeKind is the feature type of a vector shape.
type ShapeKind int

// Shape kinds.
const (
	ShapeKindPoint ShapeKind = iota
	ShapeKindMultiPoint
	ShapeKindLine
	ShapeKindPolygon
)

var shapeKindNames = map[ShapeKind]string{
	ShapeKindPoint:      "point",
	ShapeKindMultiPoint: "multipoint",
	ShapeKindLine:       "line",
	ShapeKindPolygon:    "polygon",
}

func (k ShapeKind) String() string {
	if name, ok := shapeKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ShapeKind(%d)", int(k))
}

// ParseShapeKind parses the name of a shape kind.
func ParseShapeKind(name string) (ShapeKind, error) {
	for kind, kindName := range shapeKindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%s: unknown shape kind", name)
}

// A VectorShape is a vector shape record in world coordinates. Coordinates
// holds interleaved x, y pairs as stored; the ring they describe starts at
// StartIndex.
type VectorShape struct {
	Kind        ShapeKind
	Coordinates []float64
	StartIndex  int
	Extent      GeographicExtent
}

// NumVertices returns the number of vertices in s.
func (s VectorShape) NumVertices() int {
	return len(s.Coordinates) / 2
}

// ExtractVertices returns the vertices of shape, rotated left by its start
// index modulo the ring length.
func ExtractVertices(shape VectorShape) []orb.Point {
	n := shape.NumVertices()
	vertices := make([]orb.Point, n)
	if n == 0 {
		return vertices
	}
	start := ((shape.StartIndex % n) + n) % n
	for i := range vertices {
		j := (i + start) % n
		vertices[i] = orb.Point{shape.Coordinates[2*j], shape.Coordinates[2*j+1]}
	}
	return vertices
}

// Reproject maps vertices through projector into a new slice. An empty
// slice is returned for no vertices without touching projector, which may
// then be nil.
func Reproject(vertices []orb.Point, projector *Projector) []orb.Point {
	if len(vertices) == 0 {
		return []orb.Point{}
	}
	return projector.ForwardAll(vertices)
}

// A ColorPair is the fill and background colour used to rasterize a shape.
type ColorPair struct {
	Fill       color.Color
	Background color.Color
}

// A Palette holds the colours used for each shape kind.
type Palette map[ShapeKind]ColorPair

// DefaultPalette returns a palette drawing every shape kind white on black.
func DefaultPalette() Palette {
	palette := make(Palette)
	for kind := range shapeKindNames {
		palette[kind] = ColorPair{Fill: color.White, Background: color.Black}
	}
	return palette
}

// A RasterRequest is everything a Rasterizer needs to draw one shape.
// Vertices are in world coordinates.
type RasterRequest struct {
	Kind            ShapeKind
	Vertices        []orb.Point
	TargetSize      Size
	Projector       *Projector
	FillColor       color.Color
	BackgroundColor color.Color
}

// A ShapeAdapter prepares a VectorShape for projection and rasterization.
// Its world vertices are never modified; every projection derives a new
// slice from them.
type ShapeAdapter struct {
	kind       ShapeKind
	extent     GeographicExtent
	world      []orb.Point
	colors     ColorPair
	newPolygon PolygonFunc
	palette    Palette
	logger     *zap.Logger
}

// A ShapeAdapterOption sets an option on a ShapeAdapter.
type ShapeAdapterOption func(*ShapeAdapter)

// WithPolygonFunc sets the geometry implementation used for winding and
// cleanup.
func WithPolygonFunc(newPolygon PolygonFunc) ShapeAdapterOption {
	return func(a *ShapeAdapter) {
		a.newPolygon = newPolygon
	}
}

// WithPalette sets the colours used for each shape kind.
func WithPalette(palette Palette) ShapeAdapterOption {
	return func(a *ShapeAdapter) {
		a.palette = palette
	}
}

// WithShapeLogger sets the logger.
func WithShapeLogger(logger *zap.Logger) ShapeAdapterOption {
	return func(a *ShapeAdapter) {
		a.logger = logger
	}
}

// NewShapeAdapter extracts shape's vertices and, for lines and polygons,
// reverts their winding and cleans degenerate edges, in that order.
func NewShapeAdapter(shape VectorShape, options ...ShapeAdapterOption) *ShapeAdapter {
	a := &ShapeAdapter{
		kind:       shape.Kind,
		extent:     shape.Extent,
		newPolygon: NewRing,
		palette:    DefaultPalette(),
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(a)
	}

	vertices := ExtractVertices(shape)
	switch shape.Kind {
	case ShapeKindPoint, ShapeKindMultiPoint:
		a.world = vertices
	case ShapeKindLine:
		a.world = a.newPolygon(vertices, false).Revert().CleanDegenerate().Vertices()
	case ShapeKindPolygon:
		a.world = a.newPolygon(vertices, true).Revert().CleanDegenerate().Vertices()
	default:
		a.world = vertices
	}

	colors, ok := a.palette[shape.Kind]
	if !ok {
		colors = DefaultPalette()[ShapeKindPolygon]
	}
	a.colors = colors
	return a
}

// Kind returns a's shape kind.
func (a *ShapeAdapter) Kind() ShapeKind {
	return a.kind
}

// Extent returns the extent of a's shape.
func (a *ShapeAdapter) Extent() GeographicExtent {
	return a.extent
}

// WorldVertices returns a copy of a's world vertices.
func (a *ShapeAdapter) WorldVertices() []orb.Point {
	return slices.Clone(a.world)
}

// Reproject returns a's vertices mapped through projector.
func (a *ShapeAdapter) Reproject(projector *Projector) []orb.Point {
	return Reproject(a.world, projector)
}

// PreviewVertices returns a's vertices on the coarse preview rectangle of
// parent, at ratio world units per pixel.
func (a *ShapeAdapter) PreviewVertices(parent GeographicExtent, ratio float64) ([]orb.Point, error) {
	if len(a.world) == 0 {
		return []orb.Point{}, nil
	}
	projector, err := NewUnderscaledProjector(parent, ratio)
	if err != nil {
		return nil, err
	}
	return a.Reproject(projector), nil
}

// RasterRequest returns a request to draw a on its own texture whose longer
// side is res pixels. It fails if the shape's extent is degenerate.
func (a *ShapeAdapter) RasterRequest(res int) (RasterRequest, error) {
	targetSize := ProportionalSize(a.extent, res)
	projector, err := NewProjector(a.extent, targetSize)
	if err != nil {
		a.logger.Warn("skipping texture of shape with degenerate extent",
			zap.Stringer("kind", a.kind),
			zap.Stringer("extent", a.extent))
		return RasterRequest{}, err
	}
	return a.RasterRequestFor(targetSize, projector), nil
}

// RasterRequestFor returns a request to draw a on a texture of targetSize
// shared with other shapes.
func (a *ShapeAdapter) RasterRequestFor(targetSize Size, projector *Projector) RasterRequest {
	fill, background := a.colors.Fill, a.colors.Background
	if colorsEqual(fill, background) {
		fill = invertColor(background)
	}
	return RasterRequest{
		Kind:            a.kind,
		Vertices:        a.WorldVertices(),
		TargetSize:      targetSize,
		Projector:       projector,
		FillColor:       fill,
		BackgroundColor: background,
	}
}

// Extent returns the union of the extents of adapters.
func Extent(adapters []*ShapeAdapter) GeographicExtent {
	if len(adapters) == 0 {
		return GeographicExtent{}
	}
	extent := adapters[0].extent
	for _, a := range adapters[1:] {
		extent = extent.Union(a.extent)
	}
	return extent
}

func colorsEqual(a, b color.Color) bool {
	ar, ag, ab, aa := a.RGBA()
	br, bg, bb, ba := b.RGBA()
	return ar == br && ag == bg && ab == bb && aa == ba
}

func invertColor(c color.Color) color.Color {
	nrgba := color.NRGBAModel.Convert(c).(color.NRGBA)
	return color.NRGBA{R: 255 - nrgba.R, G: 255 - nrgba.G, B: 255 - nrgba.B, A: nrgba.A}
}
