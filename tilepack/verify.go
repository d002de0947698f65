package tilepack

import (
	"fmt"
	"log"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
)

// Verify checks a sealed package store: every tile must decode under the
// store's declared codec set, coordinates must be unique and in range, and
// the metadata zoom range and bounds must match the tiles actually present.
func Verify(logger *log.Logger, path string) error {
	start := time.Now()
	reader, err := OpenMbtiles(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	metadata, err := reader.Metadata()
	if err != nil {
		return err
	}

	invalid := 0
	seen := roaring64.New()
	var minZoom, maxZoom uint8
	var bound orb.Bound
	hasTiles := false

	err = reader.StreamAll(func(t Tile) error {
		if !t.Coord.Valid() {
			fmt.Printf("Invalid: tile %d/%d/%d out of coordinate range\n", t.Coord.Z, t.Coord.X, t.Coord.Y)
			invalid++
			return nil
		}
		id := t.Coord.ID()
		if seen.Contains(id) {
			fmt.Printf("Invalid: duplicate tile %d/%d/%d\n", t.Coord.Z, t.Coord.X, t.Coord.Y)
			invalid++
			return nil
		}
		seen.Add(id)

		if _, err := t.Decode(reader.Dictionaries()); err != nil {
			fmt.Printf("Invalid: tile %d/%d/%d does not decode: %v\n", t.Coord.Z, t.Coord.X, t.Coord.Y, err)
			invalid++
			return nil
		}

		if !hasTiles {
			minZoom, maxZoom = t.Coord.Z, t.Coord.Z
			bound = t.Coord.Bound()
			hasTiles = true
		} else {
			if t.Coord.Z < minZoom {
				minZoom = t.Coord.Z
			}
			if t.Coord.Z > maxZoom {
				maxZoom = t.Coord.Z
			}
			bound = bound.Union(t.Coord.Bound())
		}
		return nil
	})
	if err != nil {
		return err
	}

	if hasTiles {
		if v, ok := metadata[metadataMinZoom]; ok && v != fmt.Sprintf("%d", minZoom) {
			fmt.Printf("Invalid: metadata minzoom=%s but min tile zoom is %d\n", v, minZoom)
			invalid++
		}
		if v, ok := metadata[metadataMaxZoom]; ok && v != fmt.Sprintf("%d", maxZoom) {
			fmt.Printf("Invalid: metadata maxzoom=%s but max tile zoom is %d\n", v, maxZoom)
			invalid++
		}
		if v, ok := metadata[metadataBounds]; ok {
			declared, err := parseBound(v)
			if err != nil {
				fmt.Printf("Invalid: %v\n", err)
				invalid++
			} else if !declared.Contains(bound.Min) || !declared.Contains(bound.Max) {
				fmt.Printf("Invalid: metadata bounds %s do not cover tile bounds %s\n", v, formatBound(bound))
				invalid++
			}
		}
	}

	tiles, sizeBytes, err := reader.Stats()
	if err != nil {
		return err
	}
	logger.Printf("verified %d tiles (%s) in %v", tiles, humanize.Bytes(uint64(sizeBytes)), time.Since(start))
	if invalid > 0 {
		return fmt.Errorf("%s failed verification with %d problems", path, invalid)
	}
	return nil
}

// Show prints a package store's metadata, dictionary set and per-zoom tile
// counts.
func Show(logger *log.Logger, path string) error {
	reader, err := OpenMbtiles(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	metadata, err := reader.Metadata()
	if err != nil {
		return err
	}
	tiles, sizeBytes, err := reader.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("name: %s\n", metadata[metadataName])
	fmt.Printf("format: %s\n", metadata[metadataFormat])
	if v, ok := metadata[metadataBounds]; ok {
		fmt.Printf("bounds: %s\n", v)
	}
	if v, ok := metadata[metadataMinZoom]; ok {
		fmt.Printf("min zoom: %s\n", v)
	}
	if v, ok := metadata[metadataMaxZoom]; ok {
		fmt.Printf("max zoom: %s\n", v)
	}
	fmt.Printf("tiles: %d\n", tiles)
	fmt.Printf("stored size: %s\n", humanize.Bytes(uint64(sizeBytes)))
	for _, d := range reader.Dictionaries() {
		fmt.Printf("shared dictionary %08x: zooms %d-%d, %s\n", d.ID, d.MinZoom, d.MaxZoom, humanize.Bytes(uint64(len(d.Data))))
	}

	counts := make(map[uint8]int64)
	var zooms []uint8
	err = reader.StreamAll(func(t Tile) error {
		if _, ok := counts[t.Coord.Z]; !ok {
			zooms = append(zooms, t.Coord.Z)
		}
		counts[t.Coord.Z]++
		return nil
	})
	if err != nil {
		return err
	}
	for _, z := range zooms {
		fmt.Printf("zoom %2d: %d tiles\n", z, counts[z])
	}
	return nil
}
