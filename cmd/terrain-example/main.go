package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/twpayne/go-terrain"
)

type app struct {
	config *terrain.Config
	logger *zap.Logger
}

func (a *app) before(c *cli.Context) error {
	config := terrain.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		if config, err = terrain.LoadConfig(path); err != nil {
			return err
		}
	}
	if c.IsSet("log-level") {
		config.Log.Level = c.String("log-level")
	}
	logger, err := terrain.NewLogger(config.Log)
	if err != nil {
		return err
	}
	a.config = config
	a.logger = logger
	return nil
}

func (a *app) after(*cli.Context) error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return nil
}

func (a *app) openHeightField(filename string) (*terrain.HeightField, terrain.RepairReport, error) {
	raster, err := terrain.OpenGeoTIFF(os.DirFS(filepath.Dir(filename)), filepath.Base(filename), terrain.WithDecodeLogger(a.logger))
	if err != nil {
		return nil, terrain.RepairReport{}, err
	}
	heightField := terrain.NewHeightField(raster, a.config.HeightFieldOptions(a.logger)...)
	report := heightField.Process()
	if err := report.Err(); err != nil {
		a.logger.Warn("repair", zap.String("filename", filename), zap.Error(err))
	}
	return heightField, report, nil
}

func (a *app) inspect(c *cli.Context) error {
	heightField, report, err := a.openHeightField(c.String("dem"))
	if err != nil {
		return err
	}
	metadata := heightField.Metadata()
	fmt.Println(metadata)
	fmt.Printf("projection: %s (EPSG:%d)\n", metadata.ProjectionLabel, metadata.EPSG)
	fmt.Printf("extent: %s\n", metadata.Extent())
	fmt.Printf("heights: %g to %g\n", heightField.MinHeight(), heightField.MaxHeight())
	fmt.Printf("repaired: %d invalid, %d anomalous, %d unresolved\n",
		report.InvalidRepaired, report.AnomalousRepaired, len(report.Unresolved))
	fmt.Printf("resampled resolution: %d\n", heightField.ResPow2())
	return nil
}

func (a *app) height(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("syntax: terrain-example height --dem filename longitude latitude")
	}
	lon, err := strconv.ParseFloat(c.Args().Get(0), 64)
	if err != nil {
		return err
	}
	lat, err := strconv.ParseFloat(c.Args().Get(1), 64)
	if err != nil {
		return err
	}

	filename := c.String("dem")
	demSet, err := terrain.NewDEMSet(
		terrain.WithDEMFS(os.DirFS(filepath.Dir(filename))),
		terrain.WithDEMFunc(terrain.SingleDEMFunc(filepath.Base(filename))),
		terrain.WithDEMCacheSize(a.config.DEMCacheSize),
		terrain.WithHeightFieldOptions(a.config.HeightFieldOptions(a.logger)...),
		terrain.WithDEMLogger(a.logger),
	)
	if err != nil {
		return err
	}

	transformer, err := terrain.NewGeoTransformerForRaster(demSet.HeightField(filepath.Base(filename)).Metadata())
	if err != nil {
		return err
	}
	defer transformer.Close()

	points, err := transformer.Forward([]orb.Point{{lon, lat}})
	if err != nil {
		return err
	}
	fmt.Println(demSet.Heights(points)[0])
	return nil
}

func (a *app) preview(c *cli.Context) error {
	res := c.Int("resolution")
	if res <= 0 {
		res = a.config.PreviewResolution
	}
	var preview []float32
	switch heightField, _, err := a.openHeightField(c.String("dem")); {
	case errors.Is(err, terrain.ErrOpenFailed):
		a.logger.Warn("writing placeholder preview", zap.Error(err))
		preview = terrain.PlaceholderPreview(res)
	case err != nil:
		return err
	default:
		preview = heightField.Preview(res)
	}

	img := image.NewGray(image.Rect(0, 0, res, res))
	for y := range res {
		for x := range res {
			// Samples start at the bottom edge, images at the top.
			value := preview[(res-1-y)*res+x]
			img.SetGray(x, y, color.Gray{Y: uint8(math.Round(float64(value) * math.MaxUint8))})
		}
	}
	return writePNG(c.String("output"), img)
}

func (a *app) shapes(c *cli.Context) error {
	shapefile, err := terrain.ReadShapefile(c.String("shapefile"))
	if err != nil {
		return err
	}
	if shapefile.Skipped > 0 {
		a.logger.Warn("skipped unsupported records", zap.Int("count", shapefile.Skipped))
	}

	shapes := shapefile.Shapes
	if shapefile.Kind == terrain.ShapeKindPoint {
		shapes = []terrain.VectorShape{terrain.ToMultiPoint(shapes)}
	}

	options, err := a.config.ShapeAdapterOptions(a.logger)
	if err != nil {
		return err
	}
	adapters := make([]*terrain.ShapeAdapter, 0, len(shapes))
	for _, shape := range shapes {
		adapters = append(adapters, terrain.NewShapeAdapter(shape, options...))
	}

	rasterizer := terrain.NewVectorRasterizer(terrain.WithLineWidth(a.config.LineWidth))
	outputDir := c.String("output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	if c.Bool("combined") {
		img, err := terrain.RasterizeCombined(rasterizer, adapters, a.config.TextureResolution)
		if err != nil {
			return err
		}
		return writePNG(filepath.Join(outputDir, "combined.png"), img)
	}

	textures, err := terrain.RasterizeShapes(rasterizer, adapters, a.config.TextureResolution, a.logger)
	if err != nil {
		a.logger.Warn("some shapes were not rasterized", zap.Error(err))
	}
	for i, texture := range textures {
		if texture == nil {
			continue
		}
		if err := writePNG(filepath.Join(outputDir, fmt.Sprintf("shape-%04d.png", i)), texture); err != nil {
			return err
		}
	}

	if dem := c.String("dem"); dem != "" {
		heightField, _, err := a.openHeightField(dem)
		if err != nil {
			return err
		}
		t := terrain.NewTerrain(heightField, a.config.TerrainSize())
		for i, adapter := range adapters {
			vertices, err := t.PlaceShape(adapter)
			if err != nil {
				return err
			}
			preview, err := adapter.PreviewVertices(t.WorldExtent(), a.config.UnderscaleRatio)
			if err != nil {
				return err
			}
			fmt.Printf("shape %d: %s, %d vertices on terrain, %d on preview\n", i, adapter.Kind(), len(vertices), len(preview))
		}
	}
	return nil
}

func writePNG(filename string, img image.Image) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()
	return png.Encode(file, img)
}

func run() error {
	a := &app{}
	demFlag := &cli.StringFlag{
		Name:     "dem",
		Usage:    "GeoTIFF elevation raster",
		Required: true,
		EnvVars:  []string{"TERRAIN_DEM"},
	}
	cliApp := &cli.App{
		Name:  "terrain-example",
		Usage: "Build terrain height grids and shape textures from GeoTIFF and shapefile data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"TERRAIN_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
			},
		},
		Before: a.before,
		After:  a.after,
		Commands: []*cli.Command{
			{
				Name:   "inspect",
				Usage:  "Print raster metadata and repair statistics",
				Flags:  []cli.Flag{demFlag},
				Action: a.inspect,
			},
			{
				Name:      "height",
				Usage:     "Print the height at a WGS84 position",
				ArgsUsage: "longitude latitude",
				Flags:     []cli.Flag{demFlag},
				Action:    a.height,
			},
			{
				Name:  "preview",
				Usage: "Write a grayscale preview of the processed heights",
				Flags: []cli.Flag{
					demFlag,
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Value:   "preview.png",
					},
					&cli.IntFlag{
						Name:    "resolution",
						Aliases: []string{"r"},
						Usage:   "preview resolution, a power of two",
					},
				},
				Action: a.preview,
			},
			{
				Name:  "shapes",
				Usage: "Rasterize the shapes of a shapefile",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "shapefile",
						Aliases:  []string{"s"},
						Required: true,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Value:   ".",
					},
					&cli.BoolFlag{
						Name:  "combined",
						Usage: "draw all shapes on one texture",
					},
					&cli.StringFlag{
						Name:  "dem",
						Usage: "place shapes on the terrain of this GeoTIFF",
					},
				},
				Action: a.shapes,
			},
		},
	}
	return cliApp.Run(os.Args)
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
