package terrain

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/image/vector"
)

// DefaultLineWidth is the width in pixels of rasterized lines.
const DefaultLineWidth = 1

var errNilProjector = errors.New("nil projector")

var rasterizedShapesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "terrain_rasterized_shapes_total",
	Help: "Total number of rasterized shapes",
}, []string{"kind"})

// A Rasterizer draws a shape described by a RasterRequest.
type Rasterizer interface {
	Rasterize(request RasterRequest) (*image.RGBA, error)
}

// A VectorRasterizer is a Rasterizer that fills polygons, strokes lines, and
// plots points with an anti-aliasing vector rasterizer.
type VectorRasterizer struct {
	lineWidth float64
}

// A VectorRasterizerOption sets an option on a VectorRasterizer.
type VectorRasterizerOption func(*VectorRasterizer)

// WithLineWidth sets the width of stroked lines in pixels.
func WithLineWidth(lineWidth float64) VectorRasterizerOption {
	return func(r *VectorRasterizer) {
		r.lineWidth = lineWidth
	}
}

// NewVectorRasterizer returns a new VectorRasterizer.
func NewVectorRasterizer(options ...VectorRasterizerOption) *VectorRasterizer {
	r := &VectorRasterizer{
		lineWidth: DefaultLineWidth,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Rasterize implements Rasterizer.Rasterize.
func (r *VectorRasterizer) Rasterize(request RasterRequest) (*image.RGBA, error) {
	if request.Projector == nil {
		return nil, errNilProjector
	}
	width := int(math.Ceil(request.TargetSize.Width))
	height := int(math.Ceil(request.TargetSize.Height))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%vx%v: %w", request.TargetSize.Width, request.TargetSize.Height, ErrDegenerateExtent)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(request.BackgroundColor), image.Point{}, draw.Src)
	fill := image.NewUniform(request.FillColor)

	pixels := Reproject(request.Vertices, request.Projector)
	switch request.Kind {
	case ShapeKindPoint, ShapeKindMultiPoint:
		for _, p := range pixels {
			// The far edges of the extent project exactly onto width and
			// height and belong to the last pixel.
			if p.X() < 0 || p.Y() < 0 || p.X() > float64(width) || p.Y() > float64(height) {
				continue
			}
			x := min(int(math.Floor(p.X())), width-1)
			y := min(int(math.Floor(p.Y())), height-1)
			img.Set(x, y, request.FillColor)
		}
	case ShapeKindLine:
		z := vector.NewRasterizer(width, height)
		halfWidth := r.lineWidth / 2
		for i := 1; i < len(pixels); i++ {
			addSegment(z, pixels[i-1], pixels[i], halfWidth)
		}
		z.Draw(img, img.Bounds(), fill, image.Point{})
	case ShapeKindPolygon:
		if len(pixels) < 3 {
			break
		}
		z := vector.NewRasterizer(width, height)
		z.MoveTo(clampedPoint(pixels[0], width, height))
		for _, p := range pixels[1:] {
			z.LineTo(clampedPoint(p, width, height))
		}
		z.ClosePath()
		z.Draw(img, img.Bounds(), fill, image.Point{})
	default:
		return nil, fmt.Errorf("%s: unsupported shape kind", request.Kind)
	}

	rasterizedShapesCounter.WithLabelValues(request.Kind.String()).Inc()
	return img, nil
}

// addSegment adds the quad covering the segment from a to b.
func addSegment(z *vector.Rasterizer, a, b orb.Point, halfWidth float64) {
	dx, dy := b.X()-a.X(), b.Y()-a.Y()
	length := math.Hypot(dx, dy)
	if length == 0 {
		return
	}
	nx, ny := -dy/length*halfWidth, dx/length*halfWidth
	width, height := z.Size().X, z.Size().Y
	z.MoveTo(clampedPoint(orb.Point{a.X() + nx, a.Y() + ny}, width, height))
	z.LineTo(clampedPoint(orb.Point{b.X() + nx, b.Y() + ny}, width, height))
	z.LineTo(clampedPoint(orb.Point{b.X() - nx, b.Y() - ny}, width, height))
	z.LineTo(clampedPoint(orb.Point{a.X() - nx, a.Y() - ny}, width, height))
	z.ClosePath()
}

func clampedPoint(p orb.Point, width, height int) (float32, float32) {
	x := math.Max(0, math.Min(p.X(), float64(width)))
	y := math.Max(0, math.Min(p.Y(), float64(height)))
	return float32(x), float32(y)
}

// MergeImages returns the channel-wise saturating sum of images, which must
// all have the same bounds. Nil images are ignored.
func MergeImages(images ...*image.RGBA) (*image.RGBA, error) {
	var merged *image.RGBA
	for _, img := range images {
		if img == nil {
			continue
		}
		if merged == nil {
			merged = image.NewRGBA(img.Bounds())
		} else if !img.Bounds().Eq(merged.Bounds()) {
			return nil, fmt.Errorf("%v: bounds differ from %v", img.Bounds(), merged.Bounds())
		}
		for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
			src := img.Pix[img.PixOffset(img.Rect.Min.X, y):img.PixOffset(img.Rect.Max.X, y)]
			dst := merged.Pix[merged.PixOffset(img.Rect.Min.X, y):merged.PixOffset(img.Rect.Max.X, y)]
			for i, value := range src {
				dst[i] = uint8(min(int(dst[i])+int(value), math.MaxUint8))
			}
		}
	}
	return merged, nil
}

// RasterizeShapes draws each adapter on its own texture whose longer side is
// res pixels. Shapes with degenerate extents get a nil texture and their
// errors are joined into the returned error; the remaining shapes are still
// drawn.
func RasterizeShapes(rasterizer Rasterizer, adapters []*ShapeAdapter, res int, logger *zap.Logger) ([]*image.RGBA, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	textures := make([]*image.RGBA, len(adapters))
	var errs []error
	for i, adapter := range adapters {
		request, err := adapter.RasterRequest(res)
		if err != nil {
			errs = append(errs, fmt.Errorf("shape %d: %w", i, err))
			continue
		}
		texture, err := rasterizer.Rasterize(request)
		if err != nil {
			logger.Warn("rasterize", zap.Int("shape", i), zap.Error(err))
			errs = append(errs, fmt.Errorf("shape %d: %w", i, err))
			continue
		}
		textures[i] = texture
	}
	return textures, errors.Join(errs...)
}

// RasterizeCombined draws all adapters on a single texture covering the
// union of their extents, whose longer side is res pixels.
func RasterizeCombined(rasterizer Rasterizer, adapters []*ShapeAdapter, res int) (*image.RGBA, error) {
	extent := Extent(adapters)
	targetSize := ProportionalSize(extent, res)
	projector, err := NewProjector(extent, targetSize)
	if err != nil {
		return nil, err
	}
	textures := make([]*image.RGBA, 0, len(adapters))
	for _, adapter := range adapters {
		texture, err := rasterizer.Rasterize(adapter.RasterRequestFor(targetSize, projector))
		if err != nil {
			return nil, err
		}
		textures = append(textures, texture)
	}
	return MergeImages(textures...)
}
