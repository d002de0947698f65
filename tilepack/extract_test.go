package tilepack

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func columnMask(minX, maxX uint32) *TileMask {
	mask := NewTileMask()
	for x := minX; x <= maxX; x++ {
		for y := uint32(0); y < 4; y++ {
			mask.Add(TileCoordinate{5, x, y})
		}
	}
	return mask
}

// writeTestTemplate writes a packages.json template with the given masks and
// returns its path.
func writeTestTemplate(t *testing.T, dir string, masks map[string]*TileMask, order []string) string {
	t.Helper()
	doc := templateDocument{Metainfo: map[string]interface{}{}}
	for _, id := range order {
		doc.Packages = append(doc.Packages, templatePackage{
			ID:       id,
			Version:  1,
			TileMask: masks[id].Encode(),
			Metainfo: map[string]interface{}{"name_en": "Package " + id},
		})
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "template.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

// collectTiles reads a sealed package back as decoded payloads keyed by
// coordinate.
func collectTiles(t *testing.T, path string) map[TileCoordinate][]byte {
	t.Helper()
	r, err := OpenMbtiles(path)
	require.NoError(t, err)
	defer r.Close()
	out := make(map[TileCoordinate][]byte)
	require.NoError(t, r.StreamAll(func(tile Tile) error {
		decoded, err := tile.Decode(r.Dictionaries())
		if err != nil {
			return err
		}
		out[tile.Coord] = decoded
		return nil
	}))
	return out
}

func TestExtractFanOut(t *testing.T) {
	dir := t.TempDir()
	source := createTestSource(t, filepath.Join(dir, "planet.mbtiles"))
	template := writeTestTemplate(t, dir, map[string]*TileMask{
		"west": columnMask(0, 1),
		"east": columnMask(1, 2),
	}, []string{"west", "east"})
	outDir := filepath.Join(dir, "out")

	manifest, err := Extract(testLogger(), source, template, outDir, ExtractOptions{MaxZoom: 5, Version: 7})
	require.NoError(t, err)

	// Manifest order follows the template, not completion order.
	require.Len(t, manifest.Packages, 2)
	assert.Equal(t, "west", manifest.Packages[0].ID)
	assert.Equal(t, "east", manifest.Packages[1].ID)
	assert.Equal(t, "Package west", manifest.Packages[0].Name)
	assert.Equal(t, "packages/7/west.mbtiles", manifest.Packages[0].URL)
	assert.Equal(t, "west.mbtiles", manifest.Packages[0].Path)
	assert.Positive(t, manifest.Packages[0].Size)

	west := collectTiles(t, filepath.Join(outDir, "west.mbtiles"))
	east := collectTiles(t, filepath.Join(outDir, "east.mbtiles"))
	assert.Len(t, west, 8)
	assert.Len(t, east, 8)

	// Column 1 sits on the shared border and is replicated into both.
	border := TileCoordinate{5, 1, 2}
	require.Contains(t, west, border)
	require.Contains(t, east, border)
	assert.Equal(t, testPayload(5, 1, 2), west[border])
	assert.Equal(t, west[border], east[border])

	// Column 3 matches no package and is dropped.
	assert.NotContains(t, west, TileCoordinate{5, 3, 0})
	assert.NotContains(t, east, TileCoordinate{5, 3, 0})

	loaded, err := LoadManifest(outDir)
	require.NoError(t, err)
	assert.Equal(t, manifest.Packages, loaded.Packages)
}

func TestExtractPackageFilter(t *testing.T) {
	dir := t.TempDir()
	source := createTestSource(t, filepath.Join(dir, "planet.mbtiles"))
	template := writeTestTemplate(t, dir, map[string]*TileMask{
		"west": columnMask(0, 1),
		"east": columnMask(1, 2),
	}, []string{"west", "east"})
	outDir := filepath.Join(dir, "out")

	manifest, err := Extract(testLogger(), source, template, outDir, ExtractOptions{MaxZoom: 5, Packages: "east"})
	require.NoError(t, err)
	require.Len(t, manifest.Packages, 1)
	assert.Equal(t, "east", manifest.Packages[0].ID)
	_, err = os.Stat(filepath.Join(outDir, "west.mbtiles"))
	assert.True(t, os.IsNotExist(err))

	_, err = Extract(testLogger(), source, template, outDir, ExtractOptions{MaxZoom: 5, Packages: "atlantis"})
	assert.Error(t, err)
}

func TestExtractDeterministic(t *testing.T) {
	dir := t.TempDir()
	source := createTestSource(t, filepath.Join(dir, "planet.mbtiles"))
	template := writeTestTemplate(t, dir, map[string]*TileMask{
		"west": columnMask(0, 1),
		"east": columnMask(1, 2),
	}, []string{"west", "east"})

	outA := filepath.Join(dir, "a")
	outB := filepath.Join(dir, "b")
	manifestA, err := Extract(testLogger(), source, template, outA, ExtractOptions{MaxZoom: 5, Version: 3})
	require.NoError(t, err)
	manifestB, err := Extract(testLogger(), source, template, outB, ExtractOptions{MaxZoom: 5, Version: 3})
	require.NoError(t, err)

	assert.Equal(t, manifestA.Packages, manifestB.Packages)

	// Reruns over unchanged inputs reproduce the outputs byte for byte.
	for _, name := range []string{"west.mbtiles", "east.mbtiles", ManifestName} {
		a, err := os.ReadFile(filepath.Join(outA, name))
		require.NoError(t, err)
		b, err := os.ReadFile(filepath.Join(outB, name))
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
}

func TestExtractWithDictionaries(t *testing.T) {
	dir := t.TempDir()
	source := createTestSource(t, filepath.Join(dir, "planet.mbtiles"))
	template := writeTestTemplate(t, dir, map[string]*TileMask{
		"west": columnMask(0, 1),
	}, []string{"west"})
	outDir := filepath.Join(dir, "out")

	reader, err := OpenMbtiles(source)
	require.NoError(t, err)
	defs, err := LoadTemplate(template, 5)
	require.NoError(t, err)
	set, err := TrainAll(testLogger(), reader, defs, []ZoomBand{{0, 9}}, DefaultDictSize, DefaultSampleBudget)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Len(t, set, 1)

	_, err = Extract(testLogger(), source, template, outDir, ExtractOptions{MaxZoom: 5, Dictionaries: set})
	require.NoError(t, err)

	out, err := OpenMbtiles(filepath.Join(outDir, "west.mbtiles"))
	require.NoError(t, err)
	defer out.Close()
	require.Len(t, out.Dictionaries(), 1)

	count := 0
	require.NoError(t, out.StreamAll(func(tile Tile) error {
		count++
		assert.Equal(t, CodecZlibDict, tile.Codec)
		decoded, err := tile.Decode(out.Dictionaries())
		if err != nil {
			return err
		}
		assert.Equal(t, testPayload(5, tile.Coord.X, tile.Coord.Y), decoded)
		return nil
	}))
	assert.Equal(t, 8, count)

	require.NoError(t, Verify(testLogger(), filepath.Join(outDir, "west.mbtiles")))
}

// createDictTestSource writes the same 4x4 grid as createTestSource, but
// dictionary-encoded under a band covering zoom 5.
func createDictTestSource(t *testing.T, path string) (string, DictionarySet) {
	t.Helper()
	var samples [][]byte
	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			samples = append(samples, testPayload(5, x, y))
		}
	}
	set := DictionarySet{Train(samples, 0, 9, DefaultDictSize)}

	w, err := CreateMbtiles(path, "planet", set)
	require.NoError(t, err)
	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			data, err := compressTileDict(testPayload(5, x, y), set[0].Data)
			require.NoError(t, err)
			require.NoError(t, w.Put(Tile{
				Coord:  TileCoordinate{5, x, y},
				Data:   data,
				Codec:  CodecZlibDict,
				DictID: set[0].ID,
			}))
		}
	}
	require.NoError(t, w.Seal())
	require.NoError(t, w.Close())
	return path, set
}

func TestExtractReencodesDictionarySource(t *testing.T) {
	dir := t.TempDir()
	source, _ := createDictTestSource(t, filepath.Join(dir, "planet.mbtiles"))
	template := writeTestTemplate(t, dir, map[string]*TileMask{
		"west": columnMask(0, 1),
	}, []string{"west"})
	outDir := filepath.Join(dir, "out")

	// No dictionaries supplied: the packages must come out in the plain
	// codec, not fail on the source's dictionary tiles.
	_, err := Extract(testLogger(), source, template, outDir, ExtractOptions{MaxZoom: 5})
	require.NoError(t, err)

	out, err := OpenMbtiles(filepath.Join(outDir, "west.mbtiles"))
	require.NoError(t, err)
	defer out.Close()
	assert.Empty(t, out.Dictionaries())

	count := 0
	require.NoError(t, out.StreamAll(func(tile Tile) error {
		count++
		assert.Equal(t, CodecZlib, tile.Codec)
		decoded, err := tile.Decode(nil)
		if err != nil {
			return err
		}
		assert.Equal(t, testPayload(5, tile.Coord.X, tile.Coord.Y), decoded)
		return nil
	}))
	assert.Equal(t, 8, count)

	require.NoError(t, Verify(testLogger(), filepath.Join(outDir, "west.mbtiles")))
}

func TestExtractDirectMatchesStreaming(t *testing.T) {
	dir := t.TempDir()
	source := createTestSource(t, filepath.Join(dir, "planet.mbtiles"))

	// The mask reaches outside the 4x4 grid; direct lookups skip the
	// missing tiles instead of failing.
	mask := columnMask(2, 4)
	template := writeTestTemplate(t, dir, map[string]*TileMask{"edge": mask}, []string{"edge"})

	outStream := filepath.Join(dir, "stream")
	outDirect := filepath.Join(dir, "direct")
	_, err := Extract(testLogger(), source, template, outStream, ExtractOptions{MaxZoom: 5})
	require.NoError(t, err)
	_, err = Extract(testLogger(), source, template, outDirect, ExtractOptions{MaxZoom: 5, Direct: true})
	require.NoError(t, err)

	streamed := collectTiles(t, filepath.Join(outStream, "edge.mbtiles"))
	direct := collectTiles(t, filepath.Join(outDirect, "edge.mbtiles"))
	assert.Len(t, streamed, 8) // columns 2 and 3 exist, column 4 does not
	assert.Equal(t, streamed, direct)
}

func TestExpandURLTemplate(t *testing.T) {
	assert.Equal(t, "packages/12/estonia.mbtiles", expandURLTemplate(DefaultURLTemplate, 12, "estonia"))
	assert.Equal(t, "https://cdn.example.com/v4/latvia.mbtiles",
		expandURLTemplate("https://cdn.example.com/v{version}/{id}.mbtiles", 4, "latvia"))
}
