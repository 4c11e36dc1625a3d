package terrain

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v10"
)

// Default CRSs used to place geographic coordinates on a terrain.
const (
	DefaultSourceCRS = "epsg:4326"
	DefaultTargetCRS = "epsg:25830"
)

// northingFirstCRSs are CRSs whose authority axis order puts the
// latitude or northing first.
var northingFirstCRSs = map[string]bool{
	"epsg:3035": true,
	"epsg:4258": true,
	"epsg:4326": true,
}

// A GeoTransformer transforms points between two CRSs. Points are always
// given and returned in x, y (longitude, latitude or easting, northing)
// order.
type GeoTransformer struct {
	pj         *proj.PJ
	source     string
	target     string
	swapSource bool
	swapTarget bool
}

// NewGeoTransformer returns a new GeoTransformer from source to target.
func NewGeoTransformer(source, target string) (*GeoTransformer, error) {
	pj, err := proj.NewCRSToCRS(source, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", source, target, err)
	}
	return &GeoTransformer{
		pj:         pj,
		source:     source,
		target:     target,
		swapSource: northingFirstCRSs[strings.ToLower(source)],
		swapTarget: northingFirstCRSs[strings.ToLower(target)],
	}, nil
}

// NewGeoTransformerForRaster returns a GeoTransformer from WGS84 to the CRS of
// metadata, or to DefaultTargetCRS if metadata has no EPSG code.
func NewGeoTransformerForRaster(metadata RasterMetadata) (*GeoTransformer, error) {
	target := DefaultTargetCRS
	if metadata.EPSG != 0 {
		target = fmt.Sprintf("epsg:%d", metadata.EPSG)
	}
	return NewGeoTransformer(DefaultSourceCRS, target)
}

// Source returns t's source CRS.
func (t *GeoTransformer) Source() string {
	return t.source
}

// Target returns t's target CRS.
func (t *GeoTransformer) Target() string {
	return t.target
}

// Forward transforms points from t's source CRS to its target CRS.
func (t *GeoTransformer) Forward(points []orb.Point) ([]orb.Point, error) {
	coords := pointsToCoords(points, t.swapSource)
	if err := t.pj.ForwardFloat64Slices(coords); err != nil {
		return nil, err
	}
	return coordsToPoints(coords, t.swapTarget), nil
}

// Inverse transforms points from t's target CRS to its source CRS.
func (t *GeoTransformer) Inverse(points []orb.Point) ([]orb.Point, error) {
	coords := pointsToCoords(points, t.swapTarget)
	if err := t.pj.InverseFloat64Slices(coords); err != nil {
		return nil, err
	}
	return coordsToPoints(coords, t.swapSource), nil
}

// Close releases the resources associated with t.
func (t *GeoTransformer) Close() {
	t.pj.Destroy()
}

// ReprojectShape returns shape with its coordinates and extent transformed
// by t.
func ReprojectShape(shape VectorShape, t *GeoTransformer) (VectorShape, error) {
	n := shape.NumVertices()
	if n == 0 {
		return shape, nil
	}
	points := make([]orb.Point, n)
	for i := range points {
		points[i] = orb.Point{shape.Coordinates[2*i], shape.Coordinates[2*i+1]}
	}
	transformed, err := t.Forward(points)
	if err != nil {
		return VectorShape{}, err
	}
	result := VectorShape{
		Kind:        shape.Kind,
		Coordinates: make([]float64, 0, 2*n),
		StartIndex:  shape.StartIndex,
	}
	bound := transformed[0].Bound()
	for _, p := range transformed {
		bound = bound.Extend(p)
		result.Coordinates = append(result.Coordinates, p.X(), p.Y())
	}
	result.Extent = ExtentFromBound(bound)
	return result, nil
}

func pointsToCoords(points []orb.Point, swap bool) [][]float64 {
	flat := make([]float64, 2*len(points))
	coords := make([][]float64, len(points))
	for i, p := range points {
		x, y := p.X(), p.Y()
		if swap {
			x, y = y, x
		}
		flat[2*i], flat[2*i+1] = x, y
		coords[i] = flat[2*i : 2*i+2]
	}
	return coords
}

func coordsToPoints(coords [][]float64, swap bool) []orb.Point {
	points := make([]orb.Point, len(coords))
	for i, coord := range coords {
		if swap {
			points[i] = orb.Point{coord[1], coord[0]}
		} else {
			points[i] = orb.Point{coord[0], coord[1]}
		}
	}
	return points
}
