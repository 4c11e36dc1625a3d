package terrain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
)

// TIFF field types.
const (
	fieldTypeASCII  = 2
	fieldTypeShort  = 3
	fieldTypeLong   = 4
	fieldTypeDouble = 12
)

const (
	photometricBlackIsZero = 1
	encodeRowsPerStrip     = 8
	epsgWGS84              = 4326
)

type ifdEntry struct {
	tag       uint16
	fieldType uint16
	count     uint32
	data      []byte
}

// EncodeGeoTIFF writes samples as an uncompressed single-band float32
// GeoTIFF. samples are row-major with row 0 at the bottom edge, the layout
// returned by DecodeGeoTIFF, so decoding the output reproduces samples.
// Geo-referencing tags are written only if metadata has a pixel scale.
func EncodeGeoTIFF(w io.Writer, samples []float32, metadata RasterMetadata) error {
	width, height := metadata.Width, metadata.Height
	if width <= 0 || height <= 0 || len(samples) != width*height {
		return fmt.Errorf("map size mismatch: %d x %d != %d", width, height, len(samples))
	}
	order := binary.LittleEndian

	// Pixel data, top row first.
	rowBytes := 4 * width
	pixelData := make([]byte, 0, rowBytes*height)
	for row := range height {
		for _, sample := range samples[(height-1-row)*width : (height-row)*width] {
			pixelData = order.AppendUint32(pixelData, math.Float32bits(sample))
		}
	}
	stripCount := (height + encodeRowsPerStrip - 1) / encodeRowsPerStrip

	entries := []ifdEntry{
		longEntry(256, uint32(width)),
		longEntry(257, uint32(height)),
		shortEntry(258, 32),
		shortEntry(259, compressionNone),
		shortEntry(262, photometricBlackIsZero),
		{tag: 273, fieldType: fieldTypeLong, count: uint32(stripCount)},
		shortEntry(277, 1),
		longEntry(278, encodeRowsPerStrip),
		{tag: 279, fieldType: fieldTypeLong, count: uint32(stripCount)},
		shortEntry(284, planarConfigContiguous),
		shortEntry(339, sampleFormatIEEEFP),
	}
	if metadata.HasGeoTags() {
		topLeftY := metadata.OriginWorld.Y() + float64(height)*metadata.PixelScale.Y
		entries = append(entries,
			doublesEntry(33550, metadata.PixelScale.X, metadata.PixelScale.Y, 0),
			doublesEntry(33922,
				metadata.OriginRaster.X(), metadata.OriginRaster.Y(), 0,
				metadata.OriginWorld.X(), topLeftY, 0),
		)
	}
	ascii := ""
	if metadata.ProjectionLabel != "" {
		ascii = metadata.ProjectionLabel + "|"
	}
	if directory := geoKeyDirectory(metadata.EPSG, len(ascii)); directory != nil {
		entries = append(entries, shortsEntry(34735, directory...))
	}
	if ascii != "" {
		entries = append(entries, ifdEntry{
			tag:       34737,
			fieldType: fieldTypeASCII,
			count:     uint32(len(ascii) + 1),
			data:      append([]byte(ascii), 0),
		})
	}
	slices.SortFunc(entries, func(a, b ifdEntry) int {
		return int(a.tag) - int(b.tag)
	})

	// Layout: header, IFD, out-of-line values, strip offsets and byte
	// counts, pixel data.
	ifdOffset := 8
	dataOffset := ifdOffset + 2 + 12*len(entries) + 4
	var stripOffsetsIndex, stripByteCountsIndex int
	for i := range entries {
		switch entries[i].tag {
		case 273:
			stripOffsetsIndex = i
			entries[i].data = make([]byte, 4*stripCount)
		case 279:
			stripByteCountsIndex = i
			entries[i].data = make([]byte, 4*stripCount)
		}
	}
	pixelOffset := dataOffset
	for _, entry := range entries {
		if len(entry.data) > 4 {
			pixelOffset += len(entry.data) + len(entry.data)%2
		}
	}
	for strip := range stripCount {
		rows := min(encodeRowsPerStrip, height-strip*encodeRowsPerStrip)
		offset := pixelOffset + strip*encodeRowsPerStrip*rowBytes
		order.PutUint32(entries[stripOffsetsIndex].data[4*strip:], uint32(offset))
		order.PutUint32(entries[stripByteCountsIndex].data[4*strip:], uint32(rows*rowBytes))
	}

	buf := &bytes.Buffer{}
	buf.WriteString("II")
	buf.Write(order.AppendUint16(nil, 42))
	buf.Write(order.AppendUint32(nil, uint32(ifdOffset)))
	buf.Write(order.AppendUint16(nil, uint16(len(entries))))
	var outOfLine []byte
	for _, entry := range entries {
		buf.Write(order.AppendUint16(nil, entry.tag))
		buf.Write(order.AppendUint16(nil, entry.fieldType))
		buf.Write(order.AppendUint32(nil, entry.count))
		if len(entry.data) <= 4 {
			value := make([]byte, 4)
			copy(value, entry.data)
			buf.Write(value)
			continue
		}
		buf.Write(order.AppendUint32(nil, uint32(dataOffset+len(outOfLine))))
		outOfLine = append(outOfLine, entry.data...)
		if len(entry.data)%2 != 0 {
			outOfLine = append(outOfLine, 0)
		}
	}
	buf.Write(order.AppendUint32(nil, 0))
	buf.Write(outOfLine)
	buf.Write(pixelData)

	_, err := w.Write(buf.Bytes())
	return err
}

// geoKeyDirectory returns a minimal GeoKey directory declaring epsg and a
// citation of citationLength bytes, or nil if there is nothing to declare.
func geoKeyDirectory(epsg, citationLength int) []uint16 {
	var keys [][4]uint16
	switch {
	case epsg == epsgWGS84:
		keys = append(keys,
			[4]uint16{uint16(GeoKeyGTModelType), 0, 1, modelTypeGeographic},
			[4]uint16{uint16(GeoKeyGeodeticCRS), 0, 1, uint16(epsg)},
		)
	case epsg != 0:
		keys = append(keys,
			[4]uint16{uint16(GeoKeyGTModelType), 0, 1, modelTypeProjected},
			[4]uint16{uint16(GeoKeyProjectedCRS), 0, 1, uint16(epsg)},
		)
	}
	if citationLength > 0 {
		keys = append(keys, [4]uint16{uint16(GeoKeyGTCitation), geoASCIIParamsTag, uint16(citationLength), 0})
	}
	if len(keys) == 0 {
		return nil
	}
	slices.SortFunc(keys, func(a, b [4]uint16) int {
		return int(a[0]) - int(b[0])
	})
	directory := []uint16{1, 1, 0, uint16(len(keys))}
	for _, key := range keys {
		directory = append(directory, key[:]...)
	}
	return directory
}

func shortEntry(tag, value uint16) ifdEntry {
	return shortsEntry(tag, value)
}

func shortsEntry(tag uint16, values ...uint16) ifdEntry {
	data := make([]byte, 0, 2*len(values))
	for _, value := range values {
		data = binary.LittleEndian.AppendUint16(data, value)
	}
	return ifdEntry{tag: tag, fieldType: fieldTypeShort, count: uint32(len(values)), data: data}
}

func longEntry(tag uint16, value uint32) ifdEntry {
	return ifdEntry{
		tag:       tag,
		fieldType: fieldTypeLong,
		count:     1,
		data:      binary.LittleEndian.AppendUint32(nil, value),
	}
}

func doublesEntry(tag uint16, values ...float64) ifdEntry {
	data := make([]byte, 0, 8*len(values))
	for _, value := range values {
		data = binary.LittleEndian.AppendUint64(data, math.Float64bits(value))
	}
	return ifdEntry{tag: tag, fieldType: fieldTypeDouble, count: uint32(len(values)), data: data}
}
