// Package terrain decodes GeoTIFF elevation rasters, repairs and resamples
// them into terrain height grids, and places vector shapes on the same
// terrain through affine coordinate projectors.
package terrain

import "math"

// A Coord is a sample coordinate in a height field.
type Coord struct {
	X int
	Y int
}

// A Size is the size of a target rectangle, in pixels or terrain-local units.
type Size struct {
	Width  float64
	Height float64
}

// A Size3 is a physical terrain size. Y is the vertical axis.
type Size3 struct {
	X float64
	Y float64
	Z float64
}

// IsPowerOfTwo returns whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// CeilPowerOfTwo returns the smallest power of two greater than or equal to
// n. It returns 1 for n <= 1.
func CeilPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// inverseLerp returns where value lies between a and b, clamped to [0, 1].
// It returns 0 when a == b.
func inverseLerp(a, b, value float32) float32 {
	if a == b {
		return 0
	}
	t := (value - a) / (b - a)
	return float32(math.Min(math.Max(float64(t), 0), 1))
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// A Vec2 is a pair of per-axis values, such as a pixel scale.
type Vec2 struct {
	X float64
	Y float64
}
