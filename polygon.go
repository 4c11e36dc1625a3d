package terrain

import (
	"slices"

	"github.com/paulmach/orb"
)

// A Polygon is a vertex sequence with the winding and cleanup operations
// applied to shapes before they are projected.
type Polygon interface {
	Vertices() []orb.Point
	Revert() Polygon
	CleanDegenerate() Polygon
}

// A PolygonFunc creates a Polygon from vertices. closed is false for open
// paths such as lines.
type PolygonFunc func(vertices []orb.Point, closed bool) Polygon

// NewRing returns a Polygon backed by an orb.Ring.
func NewRing(vertices []orb.Point, closed bool) Polygon {
	return &ring{points: slices.Clone(orb.Ring(vertices)), closed: closed}
}

type ring struct {
	points orb.Ring
	closed bool
}

func (r *ring) Vertices() []orb.Point {
	return slices.Clone([]orb.Point(r.points))
}

// Revert returns r with its vertex order reversed, turning clockwise rings
// counter-clockwise.
func (r *ring) Revert() Polygon {
	reverted := slices.Clone(r.points)
	reverted.Reverse()
	return &ring{points: reverted, closed: r.closed}
}

// CleanDegenerate returns r without repeated vertices, the closing vertex of
// a closed ring, or vertices lying on the line through their neighbours.
func (r *ring) CleanDegenerate() Polygon {
	points := make(orb.Ring, 0, len(r.points))
	for _, p := range r.points {
		if len(points) > 0 && points[len(points)-1].Equal(p) {
			continue
		}
		points = append(points, p)
	}
	if r.closed && len(points) > 1 && points[0].Equal(points[len(points)-1]) {
		points = points[:len(points)-1]
	}
	for len(points) > 2 {
		cleaned := removeCollinear(points, r.closed)
		if len(cleaned) == len(points) {
			break
		}
		points = cleaned
	}
	return &ring{points: points, closed: r.closed}
}

func removeCollinear(points orb.Ring, closed bool) orb.Ring {
	n := len(points)
	result := make(orb.Ring, 0, n)
	for i, p := range points {
		if !closed && (i == 0 || i == n-1) {
			result = append(result, p)
			continue
		}
		prev, next := points[(i+n-1)%n], points[(i+1)%n]
		cross := (p.X()-prev.X())*(next.Y()-p.Y()) - (p.Y()-prev.Y())*(next.X()-p.X())
		if cross == 0 {
			continue
		}
		result = append(result, p)
	}
	return result
}
