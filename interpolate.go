package terrain

import "math"

// bilinearSample returns the bilinear interpolation of grid, which has rows
// of stride samples, at the real sample coordinate (x, y). Coordinates that
// land exactly on a sample return it unblended.
func bilinearSample(grid []float32, stride int, x, y float64) float32 {
	x0, x1 := int(math.Floor(x)), int(math.Ceil(x))
	y0, y1 := int(math.Floor(y)), int(math.Ceil(y))
	if x0 == x1 && y0 == y1 {
		return grid[x0+y0*stride]
	}
	dx := x - float64(x0)
	dy := y - float64(y0)
	return float32(0 +
		float64(grid[x0+y0*stride])*(1-dx)*(1-dy) +
		float64(grid[x1+y0*stride])*dx*(1-dy) +
		float64(grid[x0+y1*stride])*(1-dx)*dy +
		float64(grid[x1+y1*stride])*dx*dy)
}

// resampleBilinear resamples a width x height grid to a square targetRes x
// targetRes grid whose corners coincide with the source corners.
func resampleBilinear(samples []float32, width, height, targetRes int) []float32 {
	resampled := make([]float32, targetRes*targetRes)
	scale := float64(max(targetRes-1, 1))
	for y := range targetRes {
		realY := lerp(0, float64(height-1), float64(y)/scale)
		for x := range targetRes {
			realX := lerp(0, float64(width-1), float64(x)/scale)
			resampled[y*targetRes+x] = bilinearSample(samples, width, realX, realY)
		}
	}
	return resampled
}

// InterpolatedHeight returns the bilinearly interpolated height, in world
// units, at a position normalized to [0, 1] across h. Positions outside are
// clamped to the edge.
func (h *HeightField) InterpolatedHeight(u, v float64) float64 {
	if h.IsEmpty() {
		return 0
	}
	u = math.Min(math.Max(u, 0), 1)
	v = math.Min(math.Max(v, 0), 1)
	value := float64(bilinearSample(h.samples, h.width, u*float64(h.width-1), v*float64(h.height-1)))
	if h.normalized {
		value = lerp(float64(h.minHeight), float64(h.maxHeight), value)
	}
	return value
}
