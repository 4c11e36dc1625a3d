package terrain

import (
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// A Config holds the tunables of terrain generation.
type Config struct {
	MaxValidDelta     float32                    `yaml:"maxValidDelta" default:"5" validate:"gt=0"`
	InvalidFloor      float32                    `yaml:"invalidFloor" default:"10"`
	PreviewResolution int                        `yaml:"previewResolution" default:"128" validate:"gt=0"`
	UnderscaleRatio   float64                    `yaml:"underscaleRatio" default:"10" validate:"gt=0"`
	TextureResolution int                        `yaml:"textureResolution" default:"128" validate:"gt=0"`
	LineWidth         float64                    `yaml:"lineWidth" default:"1" validate:"gt=0"`
	DEMCacheSize      int                        `yaml:"demCacheSize" default:"32" validate:"gt=0"`
	Terrain           TerrainConfig              `yaml:"terrain"`
	Palette           map[string]ColorPairConfig `yaml:"palette" validate:"dive,keys,oneof=point multipoint line polygon,endkeys"`
	Log               LogConfig                  `yaml:"log"`
}

// A TerrainConfig sets the physical size of the terrain. Zero values use
// the size of the height field.
type TerrainConfig struct {
	Width  float64 `yaml:"width" validate:"gte=0"`
	Height float64 `yaml:"height" validate:"gte=0"`
	Length float64 `yaml:"length" validate:"gte=0"`
}

// A ColorPairConfig holds the hex fill and background colours of a shape
// kind.
type ColorPairConfig struct {
	Fill       string `yaml:"fill" default:"#ffffff" validate:"hexcolor"`
	Background string `yaml:"background" default:"#000000" validate:"hexcolor"`
}

// A LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" default:"50" validate:"gte=0"`
	MaxBackups int    `yaml:"maxBackups" default:"3" validate:"gte=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" default:"7" validate:"gte=0"`
	Compress   bool   `yaml:"compress" default:"true"`
}

// DefaultConfig returns the default Config.
func DefaultConfig() *Config {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		panic(err)
	}
	return config
}

// LoadConfig reads the YAML config file at path over the defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// ParseConfig parses YAML config data over the defaults and validates the
// result.
func ParseConfig(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	for kind, colors := range config.Palette {
		if err := defaults.Set(&colors); err != nil {
			return nil, err
		}
		config.Palette[kind] = colors
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate validates c.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(c)
}

// HeightFieldOptions returns the HeightField options set by c.
func (c *Config) HeightFieldOptions(logger *zap.Logger) []HeightFieldOption {
	if logger == nil {
		logger = zap.NewNop()
	}
	return []HeightFieldOption{
		WithMaxValidDelta(c.MaxValidDelta),
		WithInvalidFloor(c.InvalidFloor),
		WithLogger(logger),
	}
}

// ShapeAdapterOptions returns the ShapeAdapter options set by c.
func (c *Config) ShapeAdapterOptions(logger *zap.Logger) ([]ShapeAdapterOption, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	palette, err := c.ParsePalette()
	if err != nil {
		return nil, err
	}
	return []ShapeAdapterOption{
		WithPalette(palette),
		WithShapeLogger(logger),
	}, nil
}

// TerrainSize returns the configured terrain size.
func (c *Config) TerrainSize() Size3 {
	return Size3{X: c.Terrain.Width, Y: c.Terrain.Height, Z: c.Terrain.Length}
}

// ParsePalette returns the default palette overridden by c's palette.
func (c *Config) ParsePalette() (Palette, error) {
	palette := DefaultPalette()
	for name, colors := range c.Palette {
		kind, err := ParseShapeKind(name)
		if err != nil {
			return nil, err
		}
		fill, err := ParseHexColor(colors.Fill)
		if err != nil {
			return nil, err
		}
		background, err := ParseHexColor(colors.Background)
		if err != nil {
			return nil, err
		}
		palette[kind] = ColorPair{Fill: fill, Background: background}
	}
	return palette, nil
}

// ParseHexColor parses a #rgb, #rgba, #rrggbb, or #rrggbbaa colour.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex, ok := strings.CutPrefix(s, "#")
	if !ok {
		return color.NRGBA{}, fmt.Errorf("%s: invalid hex color", s)
	}
	if len(hex) == 3 || len(hex) == 4 {
		var sb strings.Builder
		for _, r := range hex {
			sb.WriteRune(r)
			sb.WriteRune(r)
		}
		hex = sb.String()
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("%s: invalid hex color", s)
	}
	value, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%s: invalid hex color", s)
	}
	return color.NRGBA{
		R: uint8(value >> 24),
		G: uint8(value >> 16),
		B: uint8(value >> 8),
		A: uint8(value),
	}, nil
}
