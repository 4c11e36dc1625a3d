package terrain_test

import (
	"bytes"
	"cmp"
	"compress/lzw"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"testing/fstest"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"

	"github.com/twpayne/go-terrain"
)

func encodeTestGeoTIFF(t *testing.T, samples []float32, metadata terrain.RasterMetadata) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	assert.NoError(t, terrain.EncodeGeoTIFF(buf, samples, metadata))
	return buf.Bytes()
}

func writeTestGeoTIFF(t *testing.T, dir, filename string, samples []float32, metadata terrain.RasterMetadata) {
	t.Helper()
	data := encodeTestGeoTIFF(t, samples, metadata)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, filename), data, 0o666))
}

func utmMetadata(width, height int) terrain.RasterMetadata {
	return terrain.RasterMetadata{
		Width:           width,
		Height:          height,
		PixelScale:      terrain.Vec2{X: 25, Y: 25},
		OriginWorld:     orb.Point{440000, 4470000},
		ProjectionLabel: "ETRS89 / UTM zone 30N",
		EPSG:            25830,
	}
}

func TestGeoTIFFRoundTrip(t *testing.T) {
	samples := []float32{
		1, 2, 3,
		4, 5, 6,
	}
	data := encodeTestGeoTIFF(t, samples, utmMetadata(3, 2))

	raster, err := terrain.DecodeGeoTIFF(data)
	assert.NoError(t, err)
	assert.Equal(t, samples, raster.Samples)
	assert.Equal(t, 0, len(raster.Warnings))

	metadata := raster.Metadata
	assert.Equal(t, 3, metadata.Width)
	assert.Equal(t, 2, metadata.Height)
	assert.Equal(t, 32, metadata.BitsPerSample)
	assert.Equal(t, "IEEEFP", metadata.SampleFormat)
	assert.Equal(t, terrain.Vec2{X: 25, Y: 25}, metadata.PixelScale)
	assert.Equal(t, orb.Point{440000, 4470000}, metadata.OriginWorld)
	assert.Equal(t, "ETRS89 / UTM zone 30N", metadata.ProjectionLabel)
	assert.Equal(t, 25830, metadata.EPSG)
	assert.True(t, metadata.HasGeoTags())
	assert.Equal(t, terrain.Size{Width: 75, Height: 50}, metadata.WorldSize())
	assert.Equal(t, terrain.GeographicExtent{
		MinX: 440000,
		MinY: 4470000,
		MaxX: 440075,
		MaxY: 4470050,
	}, metadata.Extent())
}

func TestDecodeGeoTIFFRowFlip(t *testing.T) {
	// A raster whose top stored row is all 9s.
	samples := make([]float32, 4*3)
	for x := range 4 {
		samples[2*4+x] = 9
	}
	raster, err := terrain.DecodeGeoTIFF(encodeTestGeoTIFF(t, samples, utmMetadata(4, 3)))
	assert.NoError(t, err)
	for x := range 4 {
		assert.Equal(t, float32(0), raster.Samples[x])
		assert.Equal(t, float32(9), raster.Samples[2*4+x])
	}
}

func TestDecodeGeoTIFFNaNBecomesZero(t *testing.T) {
	nan := float32(math.NaN())
	samples := []float32{
		nan, 1,
		2, nan,
	}
	raster, err := terrain.DecodeGeoTIFF(encodeTestGeoTIFF(t, samples, utmMetadata(2, 2)))
	assert.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 0}, raster.Samples)
}

func TestDecodeGeoTIFFManyStrips(t *testing.T) {
	width, height := 5, 19
	samples := make([]float32, width*height)
	for i := range samples {
		samples[i] = float32(i)
	}
	raster, err := terrain.DecodeGeoTIFF(encodeTestGeoTIFF(t, samples, utmMetadata(width, height)))
	assert.NoError(t, err)
	assert.Equal(t, samples, raster.Samples)
}

func TestDecodeGeoTIFFMissingGeoTags(t *testing.T) {
	metadata := terrain.RasterMetadata{
		Width:  4,
		Height: 2,
	}
	raster, err := terrain.DecodeGeoTIFF(encodeTestGeoTIFF(t, make([]float32, 8), metadata))
	assert.NoError(t, err)
	assert.Equal(t, 1, len(raster.Warnings))
	assert.IsError(t, raster.Warnings[0], terrain.ErrMissingGeoTags)
	assert.False(t, raster.Metadata.HasGeoTags())
	assert.Equal(t, terrain.GeographicExtent{MaxX: 4, MaxY: 2}, raster.Metadata.Extent())
	assert.Equal(t, 0, raster.Metadata.EPSG)
}

func TestDecodeGeoTIFFGarbage(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{
			name: "empty",
		},
		{
			name: "not_tiff",
			data: []byte("this is not a TIFF file"),
		},
		{
			name: "truncated",
			data: encodeTestGeoTIFF(t, make([]float32, 16), utmMetadata(4, 4))[:64],
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raster, err := terrain.DecodeGeoTIFF(tc.data)
			assert.Zero(t, raster)
			assert.IsError(t, err, terrain.ErrOpenFailed)
			var decodeError *terrain.DecodeError
			assert.True(t, errors.As(err, &decodeError))
		})
	}
}

func TestOpenGeoTIFF(t *testing.T) {
	fsys := fstest.MapFS{
		"dem.tif": &fstest.MapFile{
			Data: encodeTestGeoTIFF(t, []float32{1, 2, 3, 4}, utmMetadata(2, 2)),
		},
	}

	raster, err := terrain.OpenGeoTIFF(fsys, "dem.tif")
	assert.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, raster.Samples)

	_, err = terrain.OpenGeoTIFF(fsys, "missing.tif")
	assert.IsError(t, err, terrain.ErrOpenFailed)
	assert.IsError(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "missing.tif")
}

type testByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// A testTIFFEntry is an IFD entry. value is a []uint16, []uint32, []float64
// or string.
type testTIFFEntry struct {
	tag   uint16
	value any
}

func (e testTIFFEntry) encode(order testByteOrder) (fieldType uint16, count uint32, data []byte) {
	switch value := e.value.(type) {
	case []uint16:
		for _, v := range value {
			data = order.AppendUint16(data, v)
		}
		return 3, uint32(len(value)), data
	case []uint32:
		for _, v := range value {
			data = order.AppendUint32(data, v)
		}
		return 4, uint32(len(value)), data
	case []float64:
		for _, v := range value {
			data = order.AppendUint64(data, math.Float64bits(v))
		}
		return 12, uint32(len(value)), data
	case string:
		data = append([]byte(value), 0)
		return 2, uint32(len(data)), data
	default:
		panic(fmt.Sprintf("%T: unsupported entry value", e.value))
	}
}

// A testTIFF builds a single-IFD TIFF file around raw strips or tiles. The
// offset and byte count entries are generated from blocks; byteCounts, if
// set, replaces the generated byte counts.
type testTIFF struct {
	bigEndian  bool
	tiled      bool
	entries    []testTIFFEntry
	blocks     [][]byte
	byteCounts []uint32
}

func (tt testTIFF) byteOrder() testByteOrder {
	if tt.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (tt testTIFF) encode() []byte {
	order := tt.byteOrder()
	magic := "II"
	if tt.bigEndian {
		magic = "MM"
	}
	data := order.AppendUint16([]byte(magic), 42)
	data = order.AppendUint32(data, 0)

	offsets := make([]uint32, 0, len(tt.blocks))
	byteCounts := make([]uint32, 0, len(tt.blocks))
	for _, block := range tt.blocks {
		offsets = append(offsets, uint32(len(data)))
		byteCounts = append(byteCounts, uint32(len(block)))
		data = append(data, block...)
	}
	if tt.byteCounts != nil {
		byteCounts = tt.byteCounts
	}
	offsetsTag, byteCountsTag := uint16(273), uint16(279)
	if tt.tiled {
		offsetsTag, byteCountsTag = 324, 325
	}
	entries := append(slices.Clone(tt.entries),
		testTIFFEntry{tag: offsetsTag, value: offsets},
		testTIFFEntry{tag: byteCountsTag, value: byteCounts},
	)
	slices.SortFunc(entries, func(a, b testTIFFEntry) int {
		return cmp.Compare(a.tag, b.tag)
	})

	if len(data)%2 != 0 {
		data = append(data, 0)
	}
	ifdOffset := len(data)
	order.PutUint32(data[4:8], uint32(ifdOffset))
	extraOffset := ifdOffset + 2 + 12*len(entries) + 4
	var extra []byte
	data = order.AppendUint16(data, uint16(len(entries)))
	for _, entry := range entries {
		fieldType, count, value := entry.encode(order)
		data = order.AppendUint16(data, entry.tag)
		data = order.AppendUint16(data, fieldType)
		data = order.AppendUint32(data, count)
		if len(value) <= 4 {
			data = append(data, value...)
			data = append(data, make([]byte, 4-len(value))...)
		} else {
			data = order.AppendUint32(data, uint32(extraOffset+len(extra)))
			extra = append(extra, value...)
			if len(extra)%2 != 0 {
				extra = append(extra, 0)
			}
		}
	}
	data = order.AppendUint32(data, 0)
	return append(data, extra...)
}

// testTIFFEntries returns the entries of a single-band raster, replacing any
// entry with the tag of one of overrides.
func testTIFFEntries(width, height uint32, bitsPerSample, sampleFormat, compression uint16, overrides ...testTIFFEntry) []testTIFFEntry {
	entries := []testTIFFEntry{
		{tag: 256, value: []uint32{width}},
		{tag: 257, value: []uint32{height}},
		{tag: 258, value: []uint16{bitsPerSample}},
		{tag: 259, value: []uint16{compression}},
		{tag: 262, value: []uint16{1}},
		{tag: 277, value: []uint16{1}},
		{tag: 339, value: []uint16{sampleFormat}},
	}
	for _, override := range overrides {
		index := slices.IndexFunc(entries, func(e testTIFFEntry) bool {
			return e.tag == override.tag
		})
		if index < 0 {
			entries = append(entries, override)
		} else {
			entries[index] = override
		}
	}
	return entries
}

type appendSampleFunc func([]byte, testByteOrder, float64) []byte

func appendFloat32Sample(b []byte, order testByteOrder, value float64) []byte {
	return order.AppendUint32(b, math.Float32bits(float32(value)))
}

func appendFloat64Sample(b []byte, order testByteOrder, value float64) []byte {
	return order.AppendUint64(b, math.Float64bits(value))
}

func appendInt16Sample(b []byte, order testByteOrder, value float64) []byte {
	return order.AppendUint16(b, uint16(int16(value)))
}

func appendUint16Sample(b []byte, order testByteOrder, value float64) []byte {
	return order.AppendUint16(b, uint16(value))
}

func appendInt32Sample(b []byte, order testByteOrder, value float64) []byte {
	return order.AppendUint32(b, uint32(int32(value)))
}

// stripValues splits rows, top row first, into strips of rowsPerStrip rows.
func stripValues(rows [][]float64, rowsPerStrip int) [][]float64 {
	var strips [][]float64
	for row0 := 0; row0 < len(rows); row0 += rowsPerStrip {
		var strip []float64
		for _, row := range rows[row0:min(row0+rowsPerStrip, len(rows))] {
			strip = append(strip, row...)
		}
		strips = append(strips, strip)
	}
	return strips
}

// tileValues splits rows, top row first, into zero-padded tiles in row-major
// tile order.
func tileValues(rows [][]float64, tileWidth, tileLength int) [][]float64 {
	height, width := len(rows), len(rows[0])
	var tiles [][]float64
	for y0 := 0; y0 < height; y0 += tileLength {
		for x0 := 0; x0 < width; x0 += tileWidth {
			tile := make([]float64, tileWidth*tileLength)
			for dy := range tileLength {
				for dx := range tileWidth {
					if y0+dy < height && x0+dx < width {
						tile[dy*tileWidth+dx] = rows[y0+dy][x0+dx]
					}
				}
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles
}

// encodeBlocks encodes and compresses each block of values. The blocks are
// small enough that TIFF LZW's early code width change never happens, so
// compress/lzw output is valid TIFF LZW.
func encodeBlocks(t *testing.T, blockValues [][]float64, order testByteOrder, appendSample appendSampleFunc, compression uint16) [][]byte {
	t.Helper()
	blocks := make([][]byte, 0, len(blockValues))
	for _, values := range blockValues {
		var raw []byte
		for _, value := range values {
			raw = appendSample(raw, order, value)
		}
		buf := &bytes.Buffer{}
		switch compression {
		case 1:
			buf.Write(raw)
		case 5:
			w := lzw.NewWriter(buf, lzw.MSB, 8)
			_, err := w.Write(raw)
			assert.NoError(t, err)
			assert.NoError(t, w.Close())
		case 8, 32946:
			w := zlib.NewWriter(buf)
			_, err := w.Write(raw)
			assert.NoError(t, err)
			assert.NoError(t, w.Close())
		default:
			t.Fatalf("%d: unsupported compression", compression)
		}
		blocks = append(blocks, buf.Bytes())
	}
	return blocks
}

func TestDecodeGeoTIFFLayouts(t *testing.T) {
	// A 5 x 3 raster, top row first.
	rows := [][]float64{
		{1, 2, 3, 4, 5},
		{11, 12, 13, 14, 15},
		{21, 22, 23, 24, 25},
	}
	var expected []float32
	for row := len(rows) - 1; row >= 0; row-- {
		for _, value := range rows[row] {
			expected = append(expected, float32(value))
		}
	}

	for _, tc := range []struct {
		name                 string
		bigEndian            bool
		bitsPerSample        uint16
		sampleFormat         uint16
		appendSample         appendSampleFunc
		compression          uint16
		rowsPerStrip         int
		tileWidth            int
		tileLength           int
		expectedSampleFormat string
	}{
		{
			name:                 "float32_strips_big_endian",
			bigEndian:            true,
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          1,
			rowsPerStrip:         2,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float32_strips_lzw",
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          5,
			rowsPerStrip:         3,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float32_strips_deflate",
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          8,
			rowsPerStrip:         1,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float32_strips_old_deflate",
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          32946,
			rowsPerStrip:         2,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float32_tiles_deflate_big_endian",
			bigEndian:            true,
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          8,
			tileWidth:            4,
			tileLength:           4,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float32_tiles",
			bitsPerSample:        32,
			sampleFormat:         3,
			appendSample:         appendFloat32Sample,
			compression:          1,
			tileWidth:            2,
			tileLength:           2,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "float64_strips",
			bitsPerSample:        64,
			sampleFormat:         3,
			appendSample:         appendFloat64Sample,
			compression:          1,
			rowsPerStrip:         2,
			expectedSampleFormat: "IEEEFP",
		},
		{
			name:                 "int16_strips_big_endian",
			bigEndian:            true,
			bitsPerSample:        16,
			sampleFormat:         2,
			appendSample:         appendInt16Sample,
			compression:          1,
			rowsPerStrip:         3,
			expectedSampleFormat: "INT",
		},
		{
			name:                 "uint16_tiles_lzw",
			bitsPerSample:        16,
			sampleFormat:         1,
			appendSample:         appendUint16Sample,
			compression:          5,
			tileWidth:            4,
			tileLength:           2,
			expectedSampleFormat: "UINT",
		},
		{
			name:                 "int32_strips",
			bitsPerSample:        32,
			sampleFormat:         2,
			appendSample:         appendInt32Sample,
			compression:          1,
			rowsPerStrip:         2,
			expectedSampleFormat: "INT",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tt := testTIFF{
				bigEndian: tc.bigEndian,
				tiled:     tc.tileWidth > 0,
				entries:   testTIFFEntries(5, 3, tc.bitsPerSample, tc.sampleFormat, tc.compression),
			}
			var blockValues [][]float64
			if tt.tiled {
				tt.entries = append(tt.entries,
					testTIFFEntry{tag: 322, value: []uint32{uint32(tc.tileWidth)}},
					testTIFFEntry{tag: 323, value: []uint32{uint32(tc.tileLength)}},
				)
				blockValues = tileValues(rows, tc.tileWidth, tc.tileLength)
			} else {
				tt.entries = append(tt.entries, testTIFFEntry{tag: 278, value: []uint32{uint32(tc.rowsPerStrip)}})
				blockValues = stripValues(rows, tc.rowsPerStrip)
			}
			tt.blocks = encodeBlocks(t, blockValues, tt.byteOrder(), tc.appendSample, tc.compression)

			raster, err := terrain.DecodeGeoTIFF(tt.encode())
			assert.NoError(t, err)
			assert.Equal(t, expected, raster.Samples)
			assert.Equal(t, 5, raster.Metadata.Width)
			assert.Equal(t, 3, raster.Metadata.Height)
			assert.Equal(t, int(tc.bitsPerSample), raster.Metadata.BitsPerSample)
			assert.Equal(t, tc.expectedSampleFormat, raster.Metadata.SampleFormat)
		})
	}
}

func TestDecodeGeoTIFFGDALNoData(t *testing.T) {
	tt := testTIFF{
		entries: testTIFFEntries(2, 2, 16, 2, 1,
			testTIFFEntry{tag: 278, value: []uint32{2}},
			testTIFFEntry{tag: 42113, value: "-9999"},
		),
	}
	tt.blocks = encodeBlocks(t, [][]float64{{-9999, -5, 3, 4}}, tt.byteOrder(), appendInt16Sample, 1)

	raster, err := terrain.DecodeGeoTIFF(tt.encode())
	assert.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 0, -5}, raster.Samples)
	assert.NotZero(t, raster.Metadata.NoData)
	assert.Equal(t, -9999.0, *raster.Metadata.NoData)
}

func TestDecodeGeoTIFFUnsupported(t *testing.T) {
	strip := testTIFFEntry{tag: 278, value: []uint32{3}}
	float32Strip := make([]float64, 15)
	for _, tc := range []struct {
		name         string
		entries      []testTIFFEntry
		appendSample appendSampleFunc
		compression  uint16
	}{
		{
			name:         "predictor",
			entries:      testTIFFEntries(5, 3, 32, 3, 1, strip, testTIFFEntry{tag: 317, value: []uint16{2}}),
			appendSample: appendFloat32Sample,
			compression:  1,
		},
		{
			name:         "planar_configuration",
			entries:      testTIFFEntries(5, 3, 32, 3, 1, strip, testTIFFEntry{tag: 284, value: []uint16{2}}),
			appendSample: appendFloat32Sample,
			compression:  1,
		},
		{
			name:         "samples_per_pixel",
			entries:      testTIFFEntries(5, 3, 32, 3, 1, strip, testTIFFEntry{tag: 277, value: []uint16{3}}),
			appendSample: appendFloat32Sample,
			compression:  1,
		},
		{
			name:         "uint8",
			entries:      testTIFFEntries(5, 3, 8, 1, 1, strip),
			appendSample: appendUint16Sample,
			compression:  1,
		},
		{
			name:         "jpeg_compression",
			entries:      testTIFFEntries(5, 3, 32, 3, 7, strip),
			appendSample: appendFloat32Sample,
			compression:  1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tt := testTIFF{entries: tc.entries}
			tt.blocks = encodeBlocks(t, [][]float64{float32Strip}, tt.byteOrder(), tc.appendSample, tc.compression)
			raster, err := terrain.DecodeGeoTIFF(tt.encode())
			assert.Zero(t, raster)
			assert.IsError(t, err, terrain.ErrOpenFailed)
			assert.IsError(t, err, errors.ErrUnsupported)
		})
	}
}

func TestDecodeGeoTIFFOversized(t *testing.T) {
	block := make([]float64, 15)
	for _, tc := range []struct {
		name       string
		entries    []testTIFFEntry
		tiled      bool
		byteCounts []uint32
	}{
		{
			name: "dimensions",
			entries: testTIFFEntries(math.MaxUint32, math.MaxUint32, 32, 3, 1,
				testTIFFEntry{tag: 278, value: []uint32{math.MaxUint32}},
			),
		},
		{
			name: "tile",
			entries: testTIFFEntries(5, 3, 32, 3, 1,
				testTIFFEntry{tag: 322, value: []uint32{math.MaxUint32 - 15}},
				testTIFFEntry{tag: 323, value: []uint32{math.MaxUint32 - 15}},
			),
			tiled: true,
		},
		{
			name: "byte_count",
			entries: testTIFFEntries(5, 3, 32, 3, 1,
				testTIFFEntry{tag: 278, value: []uint32{3}},
			),
			byteCounts: []uint32{math.MaxUint32},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tt := testTIFF{
				tiled:      tc.tiled,
				entries:    tc.entries,
				byteCounts: tc.byteCounts,
			}
			tt.blocks = encodeBlocks(t, [][]float64{block}, tt.byteOrder(), appendFloat32Sample, 1)
			raster, err := terrain.DecodeGeoTIFF(tt.encode())
			assert.Zero(t, raster)
			assert.IsError(t, err, terrain.ErrOpenFailed)
		})
	}
}
