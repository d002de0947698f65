package tilepack

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PackageDefinition is one offline package from the template document: a
// stable id, a display name, and the tilemask bounding its coverage.
// Packages may overlap; shared border tiles are replicated into each.
type PackageDefinition struct {
	ID       string
	Name     string
	Version  int
	URL      string
	Mask     *TileMask
	MinZoom  uint8
	MaxZoom  uint8
	Metainfo map[string]interface{}
}

// Accepts reports whether the package's coverage includes the tile. The zoom
// range and the mask's bounding box reject most probes cheaply before the
// exact set test.
func (p *PackageDefinition) Accepts(c TileCoordinate) bool {
	if c.Z < p.MinZoom || c.Z > p.MaxZoom {
		return false
	}
	return p.Mask.Contains(c.Z, c.X, c.Y)
}

type templatePackage struct {
	ID       string                 `json:"id"`
	Version  int                    `json:"version"`
	TileMask string                 `json:"tile_mask"`
	URL      string                 `json:"url"`
	Size     int64                  `json:"size"`
	Metainfo map[string]interface{} `json:"metainfo"`
}

type templateDocument struct {
	Packages []templatePackage      `json:"packages"`
	Metainfo map[string]interface{} `json:"metainfo"`
}

// LoadTemplate parses a packages.json template. Definition order is
// preserved: it dictates manifest entry order. Tilemasks are expanded down to
// maxZoom.
func LoadTemplate(path string, maxZoom uint8) ([]PackageDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc templateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, formatErrorf(path, "bad template document: %v", err)
	}

	seen := make(map[string]bool)
	defs := make([]PackageDefinition, 0, len(doc.Packages))
	for _, pkg := range doc.Packages {
		if pkg.ID == "" {
			return nil, formatErrorf(path, "package with empty id")
		}
		if seen[pkg.ID] {
			return nil, formatErrorf(path, "duplicate package id %q", pkg.ID)
		}
		seen[pkg.ID] = true

		mask, err := DecodeTileMask(pkg.TileMask, maxZoom)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", pkg.ID, err)
		}
		name := pkg.ID
		if n, ok := pkg.Metainfo["name_en"].(string); ok && n != "" {
			name = n
		}
		minZoom, maxZ := mask.ZoomRange()
		defs = append(defs, PackageDefinition{
			ID:       pkg.ID,
			Name:     name,
			Version:  pkg.Version,
			URL:      pkg.URL,
			Mask:     mask,
			MinZoom:  minZoom,
			MaxZoom:  maxZ,
			Metainfo: pkg.Metainfo,
		})
	}
	return defs, nil
}

// FilterPackages restricts definitions to a comma-separated id list, keeping
// template order. An empty filter keeps everything; an unknown id is an
// error, not a silent no-op.
func FilterPackages(defs []PackageDefinition, filter string) ([]PackageDefinition, error) {
	if filter == "" {
		return defs, nil
	}
	wanted := make(map[string]bool)
	for _, id := range strings.Split(filter, ",") {
		wanted[strings.TrimSpace(id)] = true
	}
	var out []PackageDefinition
	for _, def := range defs {
		if wanted[def.ID] {
			out = append(out, def)
			delete(wanted, def.ID)
		}
	}
	for id := range wanted {
		return nil, fmt.Errorf("package %q is not in the template", id)
	}
	return out, nil
}
