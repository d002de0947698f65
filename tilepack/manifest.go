package tilepack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestEntry describes one published package.
type ManifestEntry struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	Version int        `json:"version"`
	Bounds  [4]float64 `json:"bounds"`
	Size    int64      `json:"size"`
	URL     string     `json:"url"`
	Path    string     `json:"path"`
}

// Manifest is the package index emitted after all stores are sealed. Entry
// order always matches the template's package order, never filesystem or
// completion order, so regenerating the manifest from unchanged inputs is
// diff-stable.
type Manifest struct {
	Packages []ManifestEntry        `json:"packages"`
	Metainfo map[string]interface{} `json:"metainfo"`
}

// ManifestName is the manifest file name inside the output directory.
const ManifestName = "packages.json"

type sealedStore struct {
	def  PackageDefinition
	path string
}

func expandURLTemplate(tmpl string, version int, id string) string {
	out := strings.ReplaceAll(tmpl, "{version}", strconv.Itoa(version))
	return strings.ReplaceAll(out, "{id}", id)
}

// BuildManifest reads back each sealed store's size and bounds and writes the
// manifest document to the output directory.
func BuildManifest(outputDir string, sealed []sealedStore, version int, urlTemplate string) (*Manifest, error) {
	manifest := &Manifest{
		Packages: make([]ManifestEntry, 0, len(sealed)),
		Metainfo: map[string]interface{}{"version": version},
	}
	for _, s := range sealed {
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, err
		}
		reader, err := OpenMbtiles(s.path)
		if err != nil {
			return nil, err
		}
		metadata, err := reader.Metadata()
		reader.Close()
		if err != nil {
			return nil, err
		}

		entry := ManifestEntry{
			ID:      s.def.ID,
			Name:    s.def.Name,
			Version: version,
			Size:    info.Size(),
			URL:     expandURLTemplate(urlTemplate, version, s.def.ID),
			Path:    filepath.Base(s.path),
		}
		if raw, ok := metadata[metadataBounds]; ok {
			bound, err := parseBound(raw)
			if err != nil {
				return nil, err
			}
			entry.Bounds = [4]float64{bound.Left(), bound.Bottom(), bound.Right(), bound.Top()}
		}
		manifest.Packages = append(manifest.Packages, entry)
	}

	out, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(outputDir, ManifestName), append(out, '\n'), 0o644); err != nil {
		return nil, err
	}
	return manifest, nil
}

// LoadManifest reads a manifest document back from an output directory.
func LoadManifest(outputDir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(outputDir, ManifestName))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, formatErrorf(filepath.Join(outputDir, ManifestName), "bad manifest: %v", err)
	}
	return &manifest, nil
}
