package terrain

import (
	"io/fs"
	"math"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultDEMCacheSize is the default number of processed height fields kept
// in a DEMSet's cache.
const DefaultDEMCacheSize = 32

var (
	missingDEMCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_missing_dem_cache_hits_total",
		Help: "The total number of hits on the missing DEM cache",
	})
	missingDEMCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_missing_dem_cache_misses_total",
		Help: "The total number of misses on the missing DEM cache",
	})
	demCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_dem_cache_hits_total",
		Help: "The total number of hits on the DEM cache",
	})
	demCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_dem_cache_misses_total",
		Help: "The total number of misses on the DEM cache",
	})
	demCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_dem_cache_evictions_total",
		Help: "The total number of evictions from the DEM cache",
	})
)

// A DEMFunc returns the filename of the DEM covering a world point.
type DEMFunc func(orb.Point) (string, bool)

// noDEMFunc covers no point.
func noDEMFunc(orb.Point) (string, bool) {
	return "", false
}

// SingleDEMFunc returns a DEMFunc that maps every point to filename.
func SingleDEMFunc(filename string) DEMFunc {
	return func(orb.Point) (string, bool) {
		return filename, true
	}
}

// A DEMSet loads, repairs, and caches the height fields of a set of DEM
// files. Cached height fields are fully processed and resampled, and are
// only read afterwards, so a DEMSet is safe for concurrent use.
type DEMSet struct {
	mutex              sync.Mutex
	fsys               fs.FS
	demFunc            DEMFunc
	missingDEMs        sync.Map
	heightFieldOptions []HeightFieldOption
	cacheSize          int
	logger             *zap.Logger
	cache              *lru.Cache[string, *HeightField]
}

// A DEMSetOption sets an option on a DEMSet.
type DEMSetOption func(*DEMSet)

// NewDEMSet returns a new DEMSet with the given options. Without a DEMFunc,
// Heights finds no DEM for any point.
func NewDEMSet(options ...DEMSetOption) (*DEMSet, error) {
	s := &DEMSet{
		fsys:      os.DirFS("."),
		demFunc:   noDEMFunc,
		cacheSize: DefaultDEMCacheSize,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(s)
	}
	if s.demFunc == nil {
		s.demFunc = noDEMFunc
	}

	var err error
	s.cache, err = lru.New[string, *HeightField](s.cacheSize)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func WithDEMCacheSize(cacheSize int) DEMSetOption {
	return func(s *DEMSet) {
		s.cacheSize = cacheSize
	}
}

func WithDEMFS(fsys fs.FS) DEMSetOption {
	return func(s *DEMSet) {
		s.fsys = fsys
	}
}

func WithDEMFunc(demFunc DEMFunc) DEMSetOption {
	return func(s *DEMSet) {
		s.demFunc = demFunc
	}
}

func WithHeightFieldOptions(heightFieldOptions ...HeightFieldOption) DEMSetOption {
	return func(s *DEMSet) {
		s.heightFieldOptions = heightFieldOptions
	}
}

func WithDEMLogger(logger *zap.Logger) DEMSetOption {
	return func(s *DEMSet) {
		s.logger = logger
	}
}

// HeightField returns the processed height field of filename. A file that
// cannot be opened or decoded yields an empty placeholder, which is
// remembered so the file is not retried.
func (s *DEMSet) HeightField(filename string) *HeightField {
	if _, ok := s.missingDEMs.Load(filename); ok {
		missingDEMCacheHits.Inc()
		return NewHeightField(nil)
	}

	if heightField, ok := s.cache.Get(filename); ok {
		demCacheHits.Inc()
		return heightField
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.missingDEMs.Load(filename); ok {
		missingDEMCacheHits.Inc()
		return NewHeightField(nil)
	}

	if heightField, ok := s.cache.Get(filename); ok {
		demCacheHits.Inc()
		return heightField
	}

	demCacheMisses.Inc()

	heightField, ok := s.load(filename)
	if !ok {
		return heightField
	}

	if eviction := s.cache.Add(filename, heightField); eviction {
		demCacheEvictions.Inc()
	}

	return heightField
}

// Heights returns the interpolated heights at points, in world units.
// Points not covered by any DEM, or covered by one that failed to load, are
// NaN.
func (s *DEMSet) Heights(points []orb.Point) []float64 {
	heights := make([]float64, len(points))

	// Group indexes by filename.
	type groupStruct struct {
		points  []orb.Point
		indexes []int
	}
	groupsByFilename := make(map[string]groupStruct)
	for index, point := range points {
		filename, ok := s.demFunc(point)
		if !ok {
			heights[index] = math.NaN()
			continue
		}
		group := groupsByFilename[filename]
		group.points = append(group.points, point)
		group.indexes = append(group.indexes, index)
		groupsByFilename[filename] = group
	}

	// Populate heights one DEM at a time.
	for filename, group := range groupsByFilename {
		heightField := s.HeightField(filename)
		if heightField.IsEmpty() {
			for _, index := range group.indexes {
				heights[index] = math.NaN()
			}
			continue
		}
		terrain := NewTerrain(heightField, Size3{})
		for localIndex, index := range group.indexes {
			heights[index] = terrain.InterpolatedHeight(group.points[localIndex])
		}
	}

	return heights
}

// load decodes and processes filename, returning false if it could not be
// opened.
func (s *DEMSet) load(filename string) (*HeightField, bool) {
	raster, err := OpenGeoTIFF(s.fsys, filename, WithDecodeLogger(s.logger))
	if err != nil {
		s.missingDEMs.Store(filename, struct{}{})
		missingDEMCacheMisses.Inc()
		s.logger.Warn("using empty height field", zap.String("filename", filename), zap.Error(err))
		return NewHeightField(nil), false
	}

	heightField := NewHeightField(raster, append([]HeightFieldOption{WithLogger(s.logger)}, s.heightFieldOptions...)...)
	if err := heightField.Process().Err(); err != nil {
		s.logger.Warn("repair", zap.String("filename", filename), zap.Error(err))
	}
	heightField.Resample()
	return heightField, true
}
