package main

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/nutigeo/tilepack/tilepack"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Extract struct {
		Template     string `arg:"" help:"packages.json template." type:"existingfile"`
		Source       string `arg:"" help:"Planet .mbtiles store." type:"existingfile"`
		Output       string `arg:"" help:"Output directory for package stores." type:"path"`
		Packages     string `help:"Package id filter (comma separated)."`
		Version      int    `default:"1" help:"Package version stamped into the manifest."`
		URLTemplate  string `help:"Download URL template with {version} and {id} placeholders."`
		Dictionaries string `help:"Directory with trained .zdict dictionaries." type:"existingdir"`
		Maxzoom      uint8  `default:"14" help:"Maximum zoom level, inclusive."`
		QueueDepth   int    `default:"256" help:"In-flight tiles buffered per package."`
		Direct       bool   `help:"Per-package point lookups instead of one streaming pass."`
	} `cmd:"" help:"Extract per-package tile stores from a planet store and write the manifest."`

	Train struct {
		Template     string `arg:"" help:"packages.json template." type:"existingfile"`
		Source       string `arg:"" help:"Planet .mbtiles store." type:"existingfile"`
		Output       string `arg:"" help:"Output directory for .zdict files." type:"path"`
		DictSize     int    `default:"32768" help:"Dictionary size in bytes."`
		ZoomBands    string `default:"0-9,10-14" help:"Zoom bands, one dictionary each."`
		SampleBudget int64  `default:"52428800" help:"Sampled payload bytes per band."`
		Maxzoom      uint8  `default:"14" help:"Maximum zoom level, inclusive."`
	} `cmd:"" help:"Train shared compression dictionaries from tiles across all packages."`

	Show struct {
		Store string `arg:"" help:"Package or planet .mbtiles store." type:"existingfile"`
	} `cmd:"" help:"Inspect a store's metadata, dictionaries and tile counts."`

	Verify struct {
		Store string `arg:"" help:"Sealed package store." type:"existingfile"`
	} `cmd:"" help:"Verify that every tile in a store decodes and metadata is consistent."`

	Mask struct {
		Region  string `arg:"" help:"GeoJSON polygon file." type:"existingfile"`
		Maxzoom uint8  `default:"14" help:"Maximum zoom level, inclusive."`
	} `cmd:"" help:"Build a tilemask from a GeoJSON region and print it."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)

	switch ctx.Command() {
	case "extract <template> <source> <output>":
		opts := tilepack.ExtractOptions{
			Packages:    cli.Extract.Packages,
			MaxZoom:     cli.Extract.Maxzoom,
			Version:     cli.Extract.Version,
			URLTemplate: cli.Extract.URLTemplate,
			QueueDepth:  cli.Extract.QueueDepth,
			Direct:      cli.Extract.Direct,
		}
		if cli.Extract.Dictionaries != "" {
			dicts, err := tilepack.LoadDictionaries(cli.Extract.Dictionaries)
			if err != nil {
				logger.Fatalf("Failed to load dictionaries, %v", err)
			}
			opts.Dictionaries = dicts
		}
		_, err := tilepack.Extract(logger, cli.Extract.Source, cli.Extract.Template, cli.Extract.Output, opts)
		if err != nil {
			logger.Fatalf("Failed to extract packages, %v", err)
		}
	case "train <template> <source> <output>":
		bands, err := tilepack.ParseZoomBands(cli.Train.ZoomBands)
		if err != nil {
			logger.Fatalf("Failed to parse zoom bands, %v", err)
		}
		defs, err := tilepack.LoadTemplate(cli.Train.Template, cli.Train.Maxzoom)
		if err != nil {
			logger.Fatalf("Failed to load template, %v", err)
		}
		source, err := tilepack.OpenMbtiles(cli.Train.Source)
		if err != nil {
			logger.Fatalf("Failed to open source store, %v", err)
		}
		set, err := tilepack.TrainAll(logger, source, defs, bands, cli.Train.DictSize, cli.Train.SampleBudget)
		source.Close()
		if err != nil {
			logger.Fatalf("Failed to train dictionaries, %v", err)
		}
		if err := tilepack.SaveDictionaries(cli.Train.Output, set); err != nil {
			logger.Fatalf("Failed to save dictionaries, %v", err)
		}
	case "show <store>":
		if err := tilepack.Show(logger, cli.Show.Store); err != nil {
			logger.Fatalf("Failed to show store, %v", err)
		}
	case "verify <store>":
		if err := tilepack.Verify(logger, cli.Verify.Store); err != nil {
			logger.Fatalf("Failed to verify store, %v", err)
		}
	case "mask <region>":
		data, err := os.ReadFile(cli.Mask.Region)
		if err != nil {
			logger.Fatalf("Failed to read region, %v", err)
		}
		mask, err := tilepack.MaskFromGeoJSON(data, cli.Mask.Maxzoom)
		if err != nil {
			logger.Fatalf("Failed to build tilemask, %v", err)
		}
		fmt.Println(mask.Encode())
	case "version":
		fmt.Printf("tilepack %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}
