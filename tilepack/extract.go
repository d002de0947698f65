package tilepack

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// ExtractOptions control a package extraction run.
type ExtractOptions struct {
	// Packages is an optional comma-separated package id filter.
	Packages string
	// MaxZoom bounds tilemask expansion and extraction.
	MaxZoom uint8
	// Version stamps manifest entries and URL templates.
	Version int
	// URLTemplate fills manifest download URLs, with {version} and {id}
	// placeholders. The default is a local path convention.
	URLTemplate string
	// Dictionaries, when non-empty, re-encodes tiles in covered zoom bands
	// with shared dictionary compression.
	Dictionaries DictionarySet
	// QueueDepth bounds in-flight unwritten tiles per package.
	QueueDepth int
	// Direct switches to per-package point lookups instead of one streaming
	// pass; efficient when only a few small packages are requested.
	Direct bool
}

// DefaultMaxZoom is the maximum zoom level used in offline packages.
const DefaultMaxZoom = 14

const defaultQueueDepth = 256

// DefaultURLTemplate is the local path convention rewritten by the
// publishing step.
const DefaultURLTemplate = "packages/{version}/{id}.mbtiles"

// packageWriter owns one package's output store. All writes for the package
// go through a single goroutine fed by a bounded ordered queue, so output
// order matches stream order and memory stays bounded while scanning.
type packageWriter struct {
	def      PackageDefinition
	store    *MbtilesWriter
	path     string
	queue    chan Tile
	dicts    DictionarySet
	srcDicts DictionarySet

	// Consecutive identical source payloads re-use the previous encoding
	// instead of deflating again.
	lastSrc []byte
	lastOut Tile
}

func (pw *packageWriter) write(t Tile) error {
	d, hasDict := pw.dicts.ForZoom(t.Coord.Z)
	if !hasDict && t.Codec != CodecZlibDict {
		// Verbatim copy: the payload bytes are already in the package's
		// plain codec.
		return pw.store.Put(t)
	}

	// Re-encode: into the band's dictionary when one is declared, back into
	// the plain codec when the source used a dictionary the package lacks.
	want := CodecZlib
	if hasDict {
		want = CodecZlibDict
	}
	if bytes.Equal(t.Data, pw.lastSrc) && pw.lastOut.Codec == want &&
		(!hasDict || pw.lastOut.DictID == d.ID) {
		out := pw.lastOut
		out.Coord = t.Coord
		return pw.store.Put(out)
	}
	decoded, err := t.Decode(pw.srcDicts)
	if err != nil {
		return fmt.Errorf("decoding source tile: %w", err)
	}
	var out Tile
	if hasDict {
		encoded, err := compressTileDict(decoded, d.Data)
		if err != nil {
			return err
		}
		out = Tile{Coord: t.Coord, Data: encoded, Codec: CodecZlibDict, DictID: d.ID}
	} else {
		encoded, err := compressTile(decoded)
		if err != nil {
			return err
		}
		out = Tile{Coord: t.Coord, Data: encoded, Codec: CodecZlib}
	}
	pw.lastSrc = t.Data
	pw.lastOut = out
	return pw.store.Put(out)
}

func (pw *packageWriter) run(ctx context.Context) error {
	for t := range pw.queue {
		if err := pw.write(t); err != nil {
			return fmt.Errorf("package %s: tile %d/%d/%d: %w", pw.def.ID, t.Coord.Z, t.Coord.X, t.Coord.Y, err)
		}
	}
	return nil
}

// Extract streams the planet store once, fans every tile out to all packages
// whose tilemask covers it, and writes one sealed store per package plus the
// package manifest. A failure anywhere aborts the whole run and removes all
// partial outputs: packages from an interrupted run are never published.
func Extract(logger *log.Logger, sourcePath string, templatePath string, outputDir string, opts ExtractOptions) (*Manifest, error) {
	start := time.Now()
	if opts.MaxZoom == 0 {
		opts.MaxZoom = DefaultMaxZoom
	}
	if opts.QueueDepth == 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultURLTemplate
	}

	defs, err := LoadTemplate(templatePath, opts.MaxZoom)
	if err != nil {
		return nil, err
	}
	defs, err = FilterPackages(defs, opts.Packages)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no packages selected")
	}

	source, err := OpenMbtiles(sourcePath)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	// All output stores are opened before any tile is read: a store that
	// cannot be created must fail the run before work starts.
	writers := make([]*packageWriter, 0, len(defs))
	cleanup := func() {
		for _, pw := range writers {
			pw.store.Close()
			os.Remove(pw.path)
			os.Remove(pw.path + "-journal")
		}
	}
	for _, def := range defs {
		path := filepath.Join(outputDir, def.ID+".mbtiles")
		store, err := CreateMbtiles(path, def.Name, opts.Dictionaries)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("creating store for package %s: %w", def.ID, err)
		}
		if err := store.SetMetadata("description", fmt.Sprintf("Offline map package for %s", def.ID)); err != nil {
			cleanup()
			return nil, err
		}
		writers = append(writers, &packageWriter{
			def:      def,
			store:    store,
			path:     path,
			queue:    make(chan Tile, opts.QueueDepth),
			dicts:    opts.Dictionaries,
			srcDicts: source.Dictionaries(),
		})
	}

	if opts.Direct {
		if err := extractDirect(logger, source, writers); err != nil {
			cleanup()
			return nil, err
		}
	} else {
		if err := extractStreaming(logger, source, writers, opts.MaxZoom); err != nil {
			cleanup()
			return nil, err
		}
	}

	entries := make([]sealedStore, 0, len(writers))
	for _, pw := range writers {
		if err := pw.store.Seal(); err != nil {
			cleanup()
			return nil, fmt.Errorf("sealing package %s: %w", pw.def.ID, err)
		}
		if err := pw.store.Close(); err != nil {
			cleanup()
			return nil, err
		}
		logger.Printf("package %s: %d tiles", pw.def.ID, pw.store.TileCount())
		entries = append(entries, sealedStore{def: pw.def, path: pw.path})
	}

	manifest, err := BuildManifest(outputDir, entries, opts.Version, opts.URLTemplate)
	if err != nil {
		return nil, err
	}
	var total uint64
	for _, e := range manifest.Packages {
		total += uint64(e.Size)
	}
	logger.Printf("extracted %d packages (%s) in %v", len(manifest.Packages), humanize.Bytes(total), time.Since(start))
	return manifest, nil
}

// extractStreaming is the single-pass engine: one ordered scan of the source
// amortized across all packages, membership resolved per tile through the
// bounding-box pre-filter and the exact mask test.
func extractStreaming(logger *log.Logger, source *MbtilesReader, writers []*packageWriter, maxZoom uint8) error {
	totalTiles, totalBytes, err := source.Stats()
	if err != nil {
		return err
	}
	logger.Printf("streaming %d tiles (%s) across %d packages", totalTiles, humanize.Bytes(uint64(totalBytes)), len(writers))

	ctx := context.Background()
	errs, ctx := errgroup.WithContext(ctx)
	for _, pw := range writers {
		pw := pw
		errs.Go(func() error {
			return pw.run(ctx)
		})
	}

	bar := progressbar.Default(totalTiles)
	streamErr := source.StreamAll(func(t Tile) error {
		bar.Add(1)
		if t.Coord.Z > maxZoom {
			return nil
		}
		for _, pw := range writers {
			if !pw.def.Accepts(t.Coord) {
				continue
			}
			select {
			case pw.queue <- t:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		return nil
	})
	for _, pw := range writers {
		close(pw.queue)
	}
	if err := errs.Wait(); err != nil {
		return err
	}
	return streamErr
}

// extractDirect resolves each package's mask tiles with point lookups against
// the source instead of scanning it. Tiles absent from the source are skipped,
// matching the original pipeline; everything else flows through the same
// per-package writer.
func extractDirect(logger *log.Logger, source *MbtilesReader, writers []*packageWriter) error {
	for _, pw := range writers {
		coords := pw.def.Mask.Tiles(pw.def.MaxZoom)
		missing := 0
		for _, c := range coords {
			t, ok, err := source.Get(c)
			if err != nil {
				return fmt.Errorf("package %s: tile %d/%d/%d: %w", pw.def.ID, c.Z, c.X, c.Y, err)
			}
			if !ok {
				missing++
				continue
			}
			if err := pw.write(t); err != nil {
				return fmt.Errorf("package %s: tile %d/%d/%d: %w", pw.def.ID, c.Z, c.X, c.Y, err)
			}
		}
		close(pw.queue)
		if missing > 0 {
			logger.Printf("package %s: %d mask tiles absent from source", pw.def.ID, missing)
		}
	}
	return nil
}
