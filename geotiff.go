package terrain

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/image/tiff/lzw"
)

// TIFF compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	planarConfigContiguous = 1
)

// TIFF sample formats.
const (
	sampleFormatUint   = 1
	sampleFormatInt    = 2
	sampleFormatIEEEFP = 3
	sampleFormatVoid   = 4
)

var (
	// ErrOpenFailed is matched by every error returned when a raster cannot
	// be opened or decoded. Callers should treat the dataset as empty.
	ErrOpenFailed = errors.New("open failed")

	// ErrMissingGeoTags is recorded as a warning when a raster has no pixel
	// scale or tie point. It is never returned as an error.
	ErrMissingGeoTags = errors.New("missing geo tags")

	errShortRead = errors.New("short read")
	errTooLarge  = errors.New("too large")
)

// maxRasterSamples bounds the samples of a raster and of a single strip or
// tile, 16384 x 16384.
const maxRasterSamples = 1 << 28

var (
	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_geotiff_decode_failures_total",
		Help: "The total number of GeoTIFF rasters that could not be decoded",
	})
	missingGeoTags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "terrain_geotiff_missing_geo_tags_total",
		Help: "The total number of decoded GeoTIFF rasters without geo-referencing tags",
	})
)

// A DecodeError is returned when a raster cannot be decoded. It matches
// ErrOpenFailed and its cause with errors.Is.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("geotiff: %v", e.Err)
	}
	return fmt.Sprintf("geotiff: %s: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrOpenFailed, e.Err}
}

// RasterMetadata describes a decoded raster. OriginWorld is the world
// coordinate of the raster's bottom-left corner.
type RasterMetadata struct {
	Width           int
	Height          int
	BitsPerSample   int
	SampleFormat    string
	PixelScale      Vec2
	OriginRaster    orb.Point
	OriginWorld     orb.Point
	ProjectionLabel string
	EPSG            int
	NoData          *float64
}

// HasGeoTags returns whether m was geo-referenced by the raster's tags.
func (m RasterMetadata) HasGeoTags() bool {
	return m.PixelScale != Vec2{}
}

// WorldSize returns the raster's size in world units, one unit per pixel if
// it has no geo tags.
func (m RasterMetadata) WorldSize() Size {
	if !m.HasGeoTags() {
		return Size{Width: float64(m.Width), Height: float64(m.Height)}
	}
	return Size{
		Width:  float64(m.Width) * m.PixelScale.X,
		Height: float64(m.Height) * m.PixelScale.Y,
	}
}

// Extent returns the raster's geographic extent. Rasters without geo tags
// get an implicit 1:1 extent anchored at the origin.
func (m RasterMetadata) Extent() GeographicExtent {
	if !m.HasGeoTags() {
		return GeographicExtent{MaxX: float64(m.Width), MaxY: float64(m.Height)}
	}
	worldSize := m.WorldSize()
	return GeographicExtent{
		MinX: m.OriginWorld.X(),
		MinY: m.OriginWorld.Y(),
		MaxX: m.OriginWorld.X() + worldSize.Width,
		MaxY: m.OriginWorld.Y() + worldSize.Height,
	}
}

func (m RasterMetadata) String() string {
	return fmt.Sprintf("%d x %d - %s %d bits", m.Width, m.Height, m.SampleFormat, m.BitsPerSample)
}

// A Raster is a decoded single-band raster. Samples are row-major with row 0
// at the bottom edge of the raster.
type Raster struct {
	Samples  []float32
	Metadata RasterMetadata
	Warnings []error
}

// A DecodeOption sets an option on a GeoTIFF decode.
type DecodeOption func(*decoder)

// WithDecodeLogger sets the logger used to report decode warnings.
func WithDecodeLogger(logger *zap.Logger) DecodeOption {
	return func(d *decoder) {
		d.logger = logger
	}
}

type decoder struct {
	logger   *zap.Logger
	filename string
}

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD. Absent tags are left zero.
type geoTIFFIFD struct {
	ImageWidth          uint32    `tiff:"field,tag=256"`
	ImageLength         uint32    `tiff:"field,tag=257"`
	BitsPerSample       uint16    `tiff:"field,tag=258"`
	Compression         uint16    `tiff:"field,tag=259"`
	StripOffsets        []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel     uint16    `tiff:"field,tag=277"`
	RowsPerStrip        uint32    `tiff:"field,tag=278"`
	StripByteCounts     []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration uint16    `tiff:"field,tag=284"`
	Predictor           uint16    `tiff:"field,tag=317"`
	TileWidth           uint32    `tiff:"field,tag=322"`
	TileLength          uint32    `tiff:"field,tag=323"`
	TileOffsets         []uint64  `tiff:"field,tag=324"`
	TileByteCounts      []uint64  `tiff:"field,tag=325"`
	SampleFormat        uint16    `tiff:"field,tag=339"`
	ModelPixelScaleTag  []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag    []float64 `tiff:"field,tag=33922"`
	GeoKeyDirectoryTag  []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag  []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag   string    `tiff:"field,tag=34737"`
	GDALNoData          string    `tiff:"field,tag=42113"`
}

// OpenGeoTIFF reads and decodes filename from fsys.
func OpenGeoTIFF(fsys fs.FS, filename string, options ...DecodeOption) (*Raster, error) {
	data, err := fs.ReadFile(fsys, filename)
	if err != nil {
		decodeFailures.Inc()
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	return decodeGeoTIFF(data, filename, options...)
}

// DecodeGeoTIFF decodes a single-band GeoTIFF held in data.
func DecodeGeoTIFF(data []byte, options ...DecodeOption) (*Raster, error) {
	return decodeGeoTIFF(data, "", options...)
}

func decodeGeoTIFF(data []byte, filename string, options ...DecodeOption) (*Raster, error) {
	d := &decoder{
		logger:   zap.NewNop(),
		filename: filename,
	}
	for _, option := range options {
		option(d)
	}
	raster, err := d.decode(data)
	if err != nil {
		decodeFailures.Inc()
		d.logger.Warn("cannot decode raster", zap.String("filename", filename), zap.Error(err))
		return nil, &DecodeError{Filename: filename, Err: err}
	}
	return raster, nil
}

func (d *decoder) decode(data []byte) (*Raster, error) {
	byteOrder, err := headerByteOrder(data)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	tiffTIFF, err := tiff.Parse(r, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, errors.New("no IFDs")
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}
	setIFDDefaults(&ifd)

	switch {
	case ifd.ImageWidth == 0 || ifd.ImageLength == 0:
		return nil, fmt.Errorf("invalid dimensions %dx%d", ifd.ImageWidth, ifd.ImageLength)
	case uint64(ifd.ImageWidth)*uint64(ifd.ImageLength) > maxRasterSamples:
		return nil, fmt.Errorf("%dx%d raster: %w", ifd.ImageWidth, ifd.ImageLength, errTooLarge)
	case ifd.SamplesPerPixel != 1:
		return nil, fmt.Errorf("%d samples per pixel: %w", ifd.SamplesPerPixel, errors.ErrUnsupported)
	case ifd.PlanarConfiguration != planarConfigContiguous:
		return nil, fmt.Errorf("planar configuration %d: %w", ifd.PlanarConfiguration, errors.ErrUnsupported)
	case ifd.Predictor != predictorNone:
		return nil, fmt.Errorf("predictor %d: %w", ifd.Predictor, errors.ErrUnsupported)
	}
	convert, err := sampleConverter(ifd.SampleFormat, ifd.BitsPerSample, byteOrder)
	if err != nil {
		return nil, err
	}

	raster := &Raster{
		Metadata: RasterMetadata{
			Width:         int(ifd.ImageWidth),
			Height:        int(ifd.ImageLength),
			BitsPerSample: int(ifd.BitsPerSample),
			SampleFormat:  sampleFormatLabel(ifd.SampleFormat),
		},
	}
	d.decodeGeoReferencing(&ifd, raster)

	layout, err := newSampleLayout(&ifd, r)
	if err != nil {
		return nil, err
	}

	width, height := raster.Metadata.Width, raster.Metadata.Height
	raster.Samples = make([]float32, width*height)
	noData := raster.Metadata.NoData
	if err := layout.scanlines(func(row int, scanline []byte) {
		// Rows are stored top to bottom; row 0 of Samples is the bottom edge.
		bytesToFloat32(raster.Samples[(height-1-row)*width:(height-row)*width], scanline, convert, noData)
	}); err != nil {
		return nil, err
	}

	return raster, nil
}

// decodeGeoReferencing fills in the geo-referencing fields of raster's
// metadata. Missing tags are recorded as warnings.
func (d *decoder) decodeGeoReferencing(ifd *geoTIFFIFD, raster *Raster) {
	m := &raster.Metadata

	if len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 5 {
		m.PixelScale = Vec2{X: ifd.ModelPixelScaleTag[0], Y: ifd.ModelPixelScaleTag[1]}
		m.OriginRaster = orb.Point{ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]}
		// The tie point anchors the top-left corner. World Y grows upwards so
		// the origin is moved to the bottom-left corner.
		m.OriginWorld = orb.Point{
			ifd.ModelTiepointTag[3],
			ifd.ModelTiepointTag[4] - float64(m.Height)*m.PixelScale.Y,
		}
	} else {
		missingGeoTags.Inc()
		raster.Warnings = append(raster.Warnings, ErrMissingGeoTags)
		d.logger.Warn("raster has no geo-referencing tags, using a 1:1 extent",
			zap.String("filename", d.filename))
	}

	m.ProjectionLabel = strings.TrimRight(ifd.GeoASCIIParamsTag, "|\x00")

	if len(ifd.GeoKeyDirectoryTag) > 0 {
		geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
		if err != nil {
			raster.Warnings = append(raster.Warnings, err)
			d.logger.Warn("cannot parse GeoKey directory", zap.String("filename", d.filename), zap.Error(err))
		} else {
			m.EPSG = geoKeys.EPSG()
		}
	}

	if noDataStr := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00")); noDataStr != "" {
		if noData, err := strconv.ParseFloat(noDataStr, 64); err == nil {
			m.NoData = &noData
		}
	}
}

// headerByteOrder returns the byte order declared by a TIFF header.
func headerByteOrder(data []byte) (binary.ByteOrder, error) {
	if len(data) < 8 {
		return nil, errShortRead
	}
	switch string(data[:2]) {
	case "II":
		return binary.LittleEndian, nil
	case "MM":
		return binary.BigEndian, nil
	default:
		return nil, errors.New("not a TIFF file")
	}
}

func setIFDDefaults(ifd *geoTIFFIFD) {
	if ifd.BitsPerSample == 0 {
		ifd.BitsPerSample = 1
	}
	if ifd.Compression == 0 {
		ifd.Compression = compressionNone
	}
	if ifd.SamplesPerPixel == 0 {
		ifd.SamplesPerPixel = 1
	}
	if ifd.PlanarConfiguration == 0 {
		ifd.PlanarConfiguration = planarConfigContiguous
	}
	if ifd.Predictor == 0 {
		ifd.Predictor = predictorNone
	}
	if ifd.SampleFormat == 0 {
		ifd.SampleFormat = sampleFormatUint
	}
	if ifd.RowsPerStrip == 0 || ifd.RowsPerStrip > ifd.ImageLength {
		ifd.RowsPerStrip = ifd.ImageLength
	}
}

func sampleFormatLabel(sampleFormat uint16) string {
	switch sampleFormat {
	case sampleFormatUint:
		return "UINT"
	case sampleFormatInt:
		return "INT"
	case sampleFormatIEEEFP:
		return "IEEEFP"
	case sampleFormatVoid:
		return "VOID"
	default:
		return "UNKNOWN"
	}
}

// A sampleConvertFunc converts the raw bytes of one sample to a float32.
type sampleConvertFunc func([]byte) float32

// sampleConverter returns the conversion for a sample format and bit depth.
// Samples use the byte order of the file.
func sampleConverter(sampleFormat, bitsPerSample uint16, byteOrder binary.ByteOrder) (sampleConvertFunc, error) {
	switch {
	case sampleFormat == sampleFormatIEEEFP && bitsPerSample == 32:
		return func(b []byte) float32 {
			return math.Float32frombits(byteOrder.Uint32(b))
		}, nil
	case sampleFormat == sampleFormatIEEEFP && bitsPerSample == 64:
		return func(b []byte) float32 {
			return float32(math.Float64frombits(byteOrder.Uint64(b)))
		}, nil
	case sampleFormat == sampleFormatInt && bitsPerSample == 16:
		return func(b []byte) float32 {
			return float32(int16(byteOrder.Uint16(b)))
		}, nil
	case sampleFormat == sampleFormatUint && bitsPerSample == 16:
		return func(b []byte) float32 {
			return float32(byteOrder.Uint16(b))
		}, nil
	case sampleFormat == sampleFormatInt && bitsPerSample == 32:
		return func(b []byte) float32 {
			return float32(int32(byteOrder.Uint32(b)))
		}, nil
	default:
		return nil, fmt.Errorf("%s %d-bit samples: %w", sampleFormatLabel(sampleFormat), bitsPerSample, errors.ErrUnsupported)
	}
}

// bytesToFloat32 converts scanline into dst. NaN and no-data samples become
// zero.
func bytesToFloat32(dst []float32, scanline []byte, convert sampleConvertFunc, noData *float64) {
	bytesPerSample := len(scanline) / len(dst)
	for i := range dst {
		value := convert(scanline[i*bytesPerSample : (i+1)*bytesPerSample])
		if math.IsNaN(float64(value)) || noData != nil && float64(value) == float32AsFloat64(*noData) {
			value = 0
		}
		dst[i] = value
	}
}

// float32AsFloat64 rounds f to float32 precision, the precision at which
// no-data values are compared.
func float32AsFloat64(f float64) float64 {
	return float64(float32(f))
}

// A sampleLayout locates and decompresses the rows of a raster, whether they
// are stored in strips or in tiles.
type sampleLayout struct {
	r               *bytes.Reader
	compression     uint16
	width           int
	height          int
	bytesPerSample  int
	tiled           bool
	blockWidth      int
	blockLength     int
	blocksAcross    int
	blockOffsets    []uint64
	blockByteCounts []uint64
}

func newSampleLayout(ifd *geoTIFFIFD, r *bytes.Reader) (*sampleLayout, error) {
	l := &sampleLayout{
		r:              r,
		compression:    ifd.Compression,
		width:          int(ifd.ImageWidth),
		height:         int(ifd.ImageLength),
		bytesPerSample: int(ifd.BitsPerSample) / 8,
	}
	switch {
	case len(ifd.TileOffsets) > 0:
		if ifd.TileWidth == 0 || ifd.TileLength == 0 {
			return nil, errors.New("tiled raster without tile size")
		}
		if uint64(ifd.TileWidth)*uint64(ifd.TileLength) > maxRasterSamples {
			return nil, fmt.Errorf("%dx%d tile: %w", ifd.TileWidth, ifd.TileLength, errTooLarge)
		}
		l.tiled = true
		l.blockWidth = int(ifd.TileWidth)
		l.blockLength = int(ifd.TileLength)
		l.blockOffsets = ifd.TileOffsets
		l.blockByteCounts = ifd.TileByteCounts
	case len(ifd.StripOffsets) > 0:
		l.blockWidth = l.width
		l.blockLength = int(ifd.RowsPerStrip)
		l.blockOffsets = ifd.StripOffsets
		l.blockByteCounts = ifd.StripByteCounts
	default:
		return nil, errors.New("no strip or tile offsets")
	}
	l.blocksAcross = (l.width + l.blockWidth - 1) / l.blockWidth
	blocksDown := (l.height + l.blockLength - 1) / l.blockLength
	if n := l.blocksAcross * blocksDown; len(l.blockOffsets) != n || len(l.blockByteCounts) != n {
		return nil, fmt.Errorf("found %d offsets and %d byte counts, expected %d",
			len(l.blockOffsets), len(l.blockByteCounts), n)
	}
	return l, nil
}

// scanlines calls f for every row of the raster in storage order, top to
// bottom. The scanline passed to f is only valid for the duration of the
// call.
func (l *sampleLayout) scanlines(f func(row int, scanline []byte)) error {
	rowBytes := l.width * l.bytesPerSample
	blockRowBytes := l.blockWidth * l.bytesPerSample
	scanline := make([]byte, rowBytes)
	blocks := make([][]byte, l.blocksAcross)
	for row0 := 0; row0 < l.height; row0 += l.blockLength {
		rows := min(l.blockLength, l.height-row0)
		blockIndex0 := (row0 / l.blockLength) * l.blocksAcross
		for c := range l.blocksAcross {
			// Strips are only as long as the rows they hold; tiles are
			// always padded to a full tile.
			expectedRows := rows
			if l.tiled {
				expectedRows = l.blockLength
			}
			block, err := l.readBlock(blockIndex0+c, expectedRows*blockRowBytes)
			if err != nil {
				return err
			}
			blocks[c] = block
		}
		for dy := range rows {
			for c, block := range blocks {
				copy(scanline[c*blockRowBytes:], block[dy*blockRowBytes:(dy+1)*blockRowBytes])
			}
			f(row0+dy, scanline)
		}
	}
	return nil
}

// readBlock reads and decompresses the strip or tile at index.
func (l *sampleLayout) readBlock(index, uncompressedSize int) ([]byte, error) {
	byteCount, offset := l.blockByteCounts[index], l.blockOffsets[index]
	if size := uint64(l.r.Size()); byteCount > size || offset > size-byteCount {
		return nil, fmt.Errorf("block %d: %d bytes at offset %d: %w", index, byteCount, offset, errShortRead)
	}
	compressedData := make([]byte, byteCount)
	switch n, err := l.r.ReadAt(compressedData, int64(offset)); {
	case err != nil:
		return nil, err
	case n != int(byteCount):
		return nil, errShortRead
	}

	var decompressor io.Reader
	switch l.compression {
	case compressionNone:
		if len(compressedData) < uncompressedSize {
			return nil, errShortRead
		}
		return compressedData, nil
	case compressionLZW:
		lzwReader := lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
		defer lzwReader.Close()
		decompressor = lzwReader
	case compressionDeflate, compressionDeflateOld:
		zlibReader, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zlibReader.Close()
		decompressor = zlibReader
	default:
		return nil, fmt.Errorf("compression %d: %w", l.compression, errors.ErrUnsupported)
	}

	blockData := make([]byte, uncompressedSize)
	if _, err := io.ReadFull(decompressor, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}
