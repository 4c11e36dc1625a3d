package terrain

import (
	"fmt"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
)

// A Shapefile is the set of shapes read from an ESRI shapefile.
type Shapefile struct {
	Kind    ShapeKind
	Extent  GeographicExtent
	Shapes  []VectorShape
	Skipped int
}

var shapeKinds = map[shp.ShapeType]ShapeKind{
	shp.POINT:      ShapeKindPoint,
	shp.MULTIPOINT: ShapeKindMultiPoint,
	shp.POLYLINE:   ShapeKindLine,
	shp.POLYGON:    ShapeKindPolygon,
}

// ReadShapefile reads the 2D shapes in filename. Each part of a line or
// polygon record becomes its own VectorShape. Polygon rings start at their
// offset in the file's vertex array. Records of other shape types are
// counted in Skipped.
func ReadShapefile(filename string) (*Shapefile, error) {
	reader, err := shp.Open(filename)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	kind, ok := shapeKinds[reader.GeometryType]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported shape type %d", filename, reader.GeometryType)
	}

	shapefile := &Shapefile{
		Kind:   kind,
		Extent: extentFromBox(reader.BBox()),
	}
	offset := 0
	for reader.Next() {
		_, shape := reader.Shape()
		switch shape := shape.(type) {
		case *shp.Point:
			shapefile.Shapes = append(shapefile.Shapes, VectorShape{
				Kind:        ShapeKindPoint,
				Coordinates: []float64{shape.X, shape.Y},
				Extent:      extentFromBox(shape.BBox()),
			})
			offset++
		case *shp.MultiPoint:
			shapefile.Shapes = append(shapefile.Shapes, VectorShape{
				Kind:        ShapeKindMultiPoint,
				Coordinates: coordinates(shape.Points),
				Extent:      extentFromBox(shape.Box),
			})
			offset += len(shape.Points)
		case *shp.PolyLine:
			shapefile.Shapes = append(shapefile.Shapes, partShapes(ShapeKindLine, shape.Parts, shape.Points, -1)...)
			offset += len(shape.Points)
		case *shp.Polygon:
			shapefile.Shapes = append(shapefile.Shapes, partShapes(ShapeKindPolygon, shape.Parts, shape.Points, offset)...)
			offset += len(shape.Points)
		default:
			shapefile.Skipped++
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return shapefile, nil
}

// partShapes splits points into one shape per part. If offset is
// non-negative each shape starts at its part's offset in the file's vertex
// array.
func partShapes(kind ShapeKind, parts []int32, points []shp.Point, offset int) []VectorShape {
	shapes := make([]VectorShape, 0, len(parts))
	for i, start := range parts {
		end := len(points)
		if i+1 < len(parts) {
			end = int(parts[i+1])
		}
		if int(start) >= end || end > len(points) {
			continue
		}
		partPoints := points[start:end]
		shape := VectorShape{
			Kind:        kind,
			Coordinates: coordinates(partPoints),
			Extent:      extentOf(partPoints),
		}
		if offset >= 0 {
			shape.StartIndex = offset + int(start)
		}
		shapes = append(shapes, shape)
	}
	return shapes
}

// ToMultiPoint returns all point and multipoint shapes in shapes as a single
// multipoint shape.
func ToMultiPoint(shapes []VectorShape) VectorShape {
	multiPoint := VectorShape{
		Kind: ShapeKindMultiPoint,
	}
	var bound orb.Bound
	for _, shape := range shapes {
		if shape.Kind != ShapeKindPoint && shape.Kind != ShapeKindMultiPoint {
			continue
		}
		for _, vertex := range ExtractVertices(shape) {
			if len(multiPoint.Coordinates) == 0 {
				bound = vertex.Bound()
			} else {
				bound = bound.Extend(vertex)
			}
			multiPoint.Coordinates = append(multiPoint.Coordinates, vertex.X(), vertex.Y())
		}
	}
	if len(multiPoint.Coordinates) > 0 {
		multiPoint.Extent = ExtentFromBound(bound)
	}
	return multiPoint
}

func coordinates(points []shp.Point) []float64 {
	coordinates := make([]float64, 0, 2*len(points))
	for _, point := range points {
		coordinates = append(coordinates, point.X, point.Y)
	}
	return coordinates
}

func extentFromBox(box shp.Box) GeographicExtent {
	return GeographicExtent{
		MinX: box.MinX,
		MinY: box.MinY,
		MaxX: box.MaxX,
		MaxY: box.MaxY,
	}
}

func extentOf(points []shp.Point) GeographicExtent {
	bound := orb.Point{points[0].X, points[0].Y}.Bound()
	for _, point := range points[1:] {
		bound = bound.Extend(orb.Point{point.X, point.Y})
	}
	return ExtentFromBound(bound)
}
