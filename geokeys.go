package terrain

import (
	"errors"
	"fmt"
	"strings"
)

var errGeoKeyDirectory = errors.New("invalid GeoKey directory")

// A GeoKey identifies an entry in a GeoTIFF GeoKey directory.
type GeoKey uint16

// GeoKeys used to identify the coordinate reference system of a raster.
const (
	GeoKeyGTModelType      GeoKey = 1024
	GeoKeyGTRasterType     GeoKey = 1025
	GeoKeyGTCitation       GeoKey = 1026
	GeoKeyGeodeticCRS      GeoKey = 2048
	GeoKeyGeogCitation     GeoKey = 2049
	GeoKeyGeodeticDatum    GeoKey = 2050
	GeoKeyAngularUnits     GeoKey = 2054
	GeoKeyEllipsoid        GeoKey = 2056
	GeoKeyProjectedCRS     GeoKey = 3072
	GeoKeyPCSCitation      GeoKey = 3073
	GeoKeyProjection       GeoKey = 3074
	GeoKeyProjLinearUnits  GeoKey = 3076
	GeoKeyVertical         GeoKey = 4096
	GeoKeyVerticalCitation GeoKey = 4097
	GeoKeyVerticalUnits    GeoKey = 4099
)

const userDefinedGeoKeyValue = 32767

const (
	modelTypeProjected  = 1
	modelTypeGeographic = 2
)

// Locations of GeoKey values outside the directory itself.
const (
	geoDoubleParamsTag = 34736
	geoASCIIParamsTag  = 34737
)

// GeoKeys holds the parsed values of a GeoKey directory.
type GeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKey directory and resolves the values it
// references in the double and ASCII parameter tags.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*GeoKeys, error) {
	if len(directory) < 4 {
		return nil, fmt.Errorf("%w: header too short", errGeoKeyDirectory)
	}
	if directory[0] != 1 || directory[1] != 1 {
		return nil, fmt.Errorf("%w: version %d.%d", errGeoKeyDirectory, directory[0], directory[1])
	}
	numberOfKeys := int(directory[3])
	if len(directory) < 4+4*numberOfKeys {
		return nil, fmt.Errorf("%w: %d keys declared, %d entries present", errGeoKeyDirectory, numberOfKeys, (len(directory)-4)/4)
	}

	geoKeys := &GeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		entry := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(entry[0])
		location, count, valueOffset := int(entry[1]), int(entry[2]), int(entry[3])
		switch location {
		case 0:
			geoKeys.Params[key] = valueOffset
		case geoDoubleParamsTag:
			if count != 1 || valueOffset >= len(doubleParams) {
				return nil, fmt.Errorf("%w: key %d: bad double reference", errGeoKeyDirectory, key)
			}
			geoKeys.DoubleParams[key] = doubleParams[valueOffset]
		case geoASCIIParamsTag:
			if valueOffset+count > len(asciiParams) {
				return nil, fmt.Errorf("%w: key %d: bad ASCII reference", errGeoKeyDirectory, key)
			}
			geoKeys.ASCIIParams[key] = strings.TrimRight(asciiParams[valueOffset:valueOffset+count], "|\x00")
		default:
			// Keys stored in other tags are not needed.
		}
	}
	return geoKeys, nil
}

// EPSG returns the EPSG code of the raster's coordinate reference system, or
// zero if it is user-defined or absent.
func (k *GeoKeys) EPSG() int {
	var key GeoKey
	switch k.Params[GeoKeyGTModelType] {
	case modelTypeGeographic:
		key = GeoKeyGeodeticCRS
	default:
		key = GeoKeyProjectedCRS
		if _, ok := k.Params[key]; !ok {
			key = GeoKeyGeodeticCRS
		}
	}
	if code := k.Params[key]; code != userDefinedGeoKeyValue {
		return code
	}
	return 0
}

// Citation returns the most specific citation string available.
func (k *GeoKeys) Citation() string {
	for _, key := range []GeoKey{GeoKeyPCSCitation, GeoKeyGTCitation, GeoKeyGeogCitation} {
		if citation, ok := k.ASCIIParams[key]; ok && citation != "" {
			return citation
		}
	}
	return ""
}
