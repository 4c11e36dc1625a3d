package terrain

import (
	"errors"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	// DefaultMaxValidDelta is the largest height difference, in world
	// units, between two neighbouring samples that is not suspicious.
	DefaultMaxValidDelta = 5

	// DefaultInvalidFloor is the height below which a sample is treated as
	// sensor dropout.
	DefaultInvalidFloor = 10

	// unresolvedSentinel marks a sample that could not be repaired.
	unresolvedSentinel = -1

	// placeholderPreviewValue is the normalized height of every sample in
	// a placeholder preview.
	placeholderPreviewValue = 0.5

	// anomalousNeighborMajority is the number of deviating neighbours,
	// out of eight, that must be exceeded for a sample to be anomalous.
	anomalousNeighborMajority = 4
)

// ErrUnresolvedSentinel is reported when repair leaves samples that had no
// valid neighbour to be interpolated from.
var ErrUnresolvedSentinel = errors.New("unresolved sentinel")

var (
	repairedSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "terrain_repaired_samples_total",
		Help: "The total number of height samples replaced by repair passes",
	}, []string{"kind"})
	unresolvedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_unresolved_samples_total",
		Help: "The total number of height samples left unresolved by repair",
	})
)

// A HeightField is a grid of elevation samples with its raster metadata.
// Samples are row-major with row 0 at the bottom edge. A HeightField is not
// safe for concurrent use.
type HeightField struct {
	samples       []float32
	width         int
	height        int
	metadata      RasterMetadata
	minHeight     float32
	maxHeight     float32
	normalized    bool
	resampled     []float32
	maxValidDelta float32
	invalidFloor  float32
	logger        *zap.Logger
}

// A HeightFieldOption sets an option on a HeightField.
type HeightFieldOption func(*HeightField)

// WithMaxValidDelta sets the maximum valid height difference between
// neighbouring samples.
func WithMaxValidDelta(maxValidDelta float32) HeightFieldOption {
	return func(h *HeightField) {
		h.maxValidDelta = maxValidDelta
	}
}

// WithInvalidFloor sets the height below which samples are invalid.
func WithInvalidFloor(invalidFloor float32) HeightFieldOption {
	return func(h *HeightField) {
		h.invalidFloor = invalidFloor
	}
}

// WithLogger sets the logger used to report repair and preview warnings.
func WithLogger(logger *zap.Logger) HeightFieldOption {
	return func(h *HeightField) {
		h.logger = logger
	}
}

// NewHeightField returns a new HeightField that takes ownership of raster's
// samples. A nil raster yields an empty HeightField.
func NewHeightField(raster *Raster, options ...HeightFieldOption) *HeightField {
	h := &HeightField{
		maxValidDelta: DefaultMaxValidDelta,
		invalidFloor:  DefaultInvalidFloor,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		option(h)
	}
	if raster != nil {
		h.samples = raster.Samples
		h.metadata = raster.Metadata
		h.width = raster.Metadata.Width
		h.height = raster.Metadata.Height
		h.minHeight, h.maxHeight = minMax(h.samples)
	}
	return h
}

// IsEmpty returns whether h has no samples.
func (h *HeightField) IsEmpty() bool {
	return len(h.samples) == 0
}

// Width returns the number of samples in each row.
func (h *HeightField) Width() int {
	return h.width
}

// Height returns the number of rows.
func (h *HeightField) Height() int {
	return h.height
}

// Metadata returns the metadata of the raster h was decoded from.
func (h *HeightField) Metadata() RasterMetadata {
	return h.metadata
}

// Samples returns h's samples. The caller must not modify them.
func (h *HeightField) Samples() []float32 {
	return h.samples
}

// Sample returns the sample at (x, y).
func (h *HeightField) Sample(x, y int) float32 {
	return h.samples[y*h.width+x]
}

// MinHeight returns the lowest sample observed by the last Normalize, or
// the lowest sample at construction.
func (h *HeightField) MinHeight() float32 {
	return h.minHeight
}

// MaxHeight returns the highest sample observed by the last Normalize, or
// the highest sample at construction.
func (h *HeightField) MaxHeight() float32 {
	return h.maxHeight
}

// Normalized returns whether h's samples have been normalized to [0, 1].
func (h *HeightField) Normalized() bool {
	return h.normalized
}

// WorldSize3D returns the physical size of the terrain described by h.
func (h *HeightField) WorldSize3D() Size3 {
	worldSize := h.metadata.WorldSize()
	return Size3{
		X: worldSize.Width,
		Y: float64(h.maxHeight - h.minHeight),
		Z: worldSize.Height,
	}
}

// A RepairReport summarizes the repair passes applied to a HeightField.
type RepairReport struct {
	InvalidRepaired   int
	AnomalousRepaired int
	Unresolved        []Coord
}

// Err returns an error matching ErrUnresolvedSentinel if any sample was left
// unresolved. It is a data-quality warning.
func (r RepairReport) Err() error {
	if len(r.Unresolved) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d samples", ErrUnresolvedSentinel, len(r.Unresolved))
}

// Repair runs the repair passes in their fixed order: invalid, anomalous,
// invalid. The second invalid pass catches sentinels left by the first two.
func (h *HeightField) Repair() RepairReport {
	var report RepairReport
	report.InvalidRepaired += h.RepairInvalid()
	report.AnomalousRepaired += h.RepairAnomalous()
	report.InvalidRepaired += h.RepairInvalid()
	for y := range h.height {
		for x := range h.width {
			if h.isInvalid(h.samples[y*h.width+x]) {
				report.Unresolved = append(report.Unresolved, Coord{X: x, Y: y})
			}
		}
	}
	if len(report.Unresolved) > 0 {
		unresolvedSamples.Add(float64(len(report.Unresolved)))
		h.logger.Warn("height field has unresolved samples",
			zap.Int("count", len(report.Unresolved)),
			zap.Int("firstX", report.Unresolved[0].X),
			zap.Int("firstY", report.Unresolved[0].Y))
	}
	h.resampled = nil
	return report
}

// RepairInvalid replaces every invalid sample with the mean of its valid
// neighbours and returns the number of samples replaced. Samples with no
// valid neighbour are set to a sentinel which is itself invalid.
func (h *HeightField) RepairInvalid() int {
	repaired := 0
	for y := range h.height {
		for x := range h.width {
			if !h.isInvalid(h.samples[y*h.width+x]) {
				continue
			}
			h.samples[y*h.width+x] = h.interpolateFromNeighbors(x, y)
			repaired++
		}
	}
	repairedSamples.WithLabelValues("invalid").Add(float64(repaired))
	h.resampled = nil
	return repaired
}

// RepairAnomalous replaces every anomalous or invalid sample with the mean
// of its valid neighbours and returns the number of samples replaced.
func (h *HeightField) RepairAnomalous() int {
	repaired := 0
	for y := range h.height {
		for x := range h.width {
			if !h.isAnomalous(x, y) && !h.isInvalid(h.samples[y*h.width+x]) {
				continue
			}
			h.samples[y*h.width+x] = h.interpolateFromNeighbors(x, y)
			repaired++
		}
	}
	repairedSamples.WithLabelValues("anomalous").Add(float64(repaired))
	h.resampled = nil
	return repaired
}

// isInvalid returns whether value is NaN or below the invalid floor.
func (h *HeightField) isInvalid(value float32) bool {
	return math.IsNaN(float64(value)) || value < h.invalidFloor
}

// isAnomalous returns whether more than half of the sample's 3x3
// neighbourhood differs from it by more than the maximum valid delta. A
// cliff edge keeps most neighbours on its own side and is not flagged.
func (h *HeightField) isAnomalous(x, y int) bool {
	value := h.samples[y*h.width+x]
	deviating := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := x+dx, y+dy
			if dx == 0 && dy == 0 || nx < 0 || nx >= h.width || ny < 0 || ny >= h.height {
				continue
			}
			if math.Abs(float64(h.samples[ny*h.width+nx]-value)) > float64(h.maxValidDelta) {
				deviating++
			}
		}
	}
	return deviating > anomalousNeighborMajority
}

var directNeighbors = [4]Coord{{X: 0, Y: -1}, {X: -1, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}

// interpolateFromNeighbors returns the mean of the 4-connected neighbours of
// (x, y) that are neither invalid nor anomalous, or the sentinel if there
// are none.
func (h *HeightField) interpolateFromNeighbors(x, y int) float32 {
	var sum float64
	count := 0
	for _, d := range directNeighbors {
		nx, ny := x+d.X, y+d.Y
		if nx < 0 || nx >= h.width || ny < 0 || ny >= h.height {
			continue
		}
		n := h.samples[ny*h.width+nx]
		if h.isInvalid(n) || h.isAnomalous(nx, ny) {
			continue
		}
		sum += float64(n)
		count++
	}
	if count == 0 {
		return unresolvedSentinel
	}
	return float32(sum / float64(count))
}

// Normalize records the minimum and maximum heights and maps every sample
// to [0, 1]. The original scale is only recoverable from MinHeight and
// MaxHeight. A constant field normalizes to all zeros. Calling Normalize
// again has no effect.
func (h *HeightField) Normalize() {
	if h.normalized {
		return
	}
	h.minHeight, h.maxHeight = minMax(h.samples)
	for i, sample := range h.samples {
		h.samples[i] = inverseLerp(h.minHeight, h.maxHeight, sample)
	}
	h.normalized = true
	h.resampled = nil
}

// Process repairs and normalizes h, the preparation every terrain needs.
func (h *HeightField) Process() RepairReport {
	report := h.Repair()
	h.Normalize()
	return report
}

// ResPow2 returns the edge length of the resampled grid: the smallest power
// of two not less than the shorter side, plus one. The result is always odd;
// rasters one sample wide get a 3 x 3 grid. It returns zero for an empty
// HeightField.
func (h *HeightField) ResPow2() int {
	if h.IsEmpty() {
		return 0
	}
	return CeilPowerOfTwo(max(min(h.width, h.height), 2)) + 1
}

// Resampled returns the cached resampled grid and whether it is present.
// The cache is cleared by every pass that modifies the samples.
func (h *HeightField) Resampled() ([]float32, bool) {
	return h.resampled, h.resampled != nil
}

// Resample recomputes the square ResPow2 x ResPow2 grid, caches it and
// returns it.
func (h *HeightField) Resample() []float32 {
	if h.IsEmpty() {
		return nil
	}
	h.resampled = resampleBilinear(h.samples, h.width, h.height, h.ResPow2())
	return h.resampled
}

// InvalidateResampled clears the cached resampled grid.
func (h *HeightField) InvalidateResampled() {
	h.resampled = nil
}

// Preview returns a res x res nearest-sample downsample of h for cheap
// thumbnails. res should be a power of two; other values are used anyway
// with a warning.
func (h *HeightField) Preview(res int) []float32 {
	if res <= 0 || h.IsEmpty() {
		return nil
	}
	if !IsPowerOfTwo(res) {
		h.logger.Warn("preview resolution should be a power of two to underscale correctly",
			zap.Int("resolution", res))
	}
	preview := make([]float32, res*res)
	for y := range res {
		sy := min(int(math.Floor(float64(y)/float64(res)*float64(h.height))), h.height-1)
		for x := range res {
			sx := min(int(math.Floor(float64(x)/float64(res)*float64(h.width))), h.width-1)
			preview[y*res+x] = h.samples[sy*h.width+sx]
		}
	}
	return preview
}

// PlaceholderPreview returns a res x res preview of uniform mid-gray, shown
// in place of rasters that could not be opened.
func PlaceholderPreview(res int) []float32 {
	if res <= 0 {
		return nil
	}
	preview := make([]float32, res*res)
	for i := range preview {
		preview[i] = placeholderPreviewValue
	}
	return preview
}

func minMax(samples []float32) (float32, float32) {
	if len(samples) == 0 {
		return 0, 0
	}
	minValue, maxValue := samples[0], samples[0]
	for _, sample := range samples[1:] {
		minValue = min(minValue, sample)
		maxValue = max(maxValue, sample)
	}
	return minValue, maxValue
}
