package tilepack

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultDictSize is the trained dictionary size in bytes.
const DefaultDictSize = 32768

// DefaultSampleBudget caps the total bytes of tile payloads sampled per zoom
// band during training.
const DefaultSampleBudget = 50 * 1024 * 1024

// Dictionary is a shared compression dictionary for one zoom band. The ID is
// derived from the dictionary content, so identical training inputs always
// produce the same identifier.
type Dictionary struct {
	ID      uint32
	MinZoom uint8
	MaxZoom uint8
	Data    []byte
}

func dictID(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

// DictionarySet is an ordered set of dictionaries with non-overlapping zoom
// bands.
type DictionarySet []Dictionary

// ForZoom returns the dictionary whose zoom band covers z, if any.
func (s DictionarySet) ForZoom(z uint8) (Dictionary, bool) {
	for _, d := range s {
		if z >= d.MinZoom && z <= d.MaxZoom {
			return d, true
		}
	}
	return Dictionary{}, false
}

// ByID returns the dictionary with the given identifier, if present.
func (s DictionarySet) ByID(id uint32) (Dictionary, bool) {
	for _, d := range s {
		if d.ID == id {
			return d, true
		}
	}
	return Dictionary{}, false
}

// ZoomBand is an inclusive zoom range that shares one dictionary.
type ZoomBand struct {
	Min uint8
	Max uint8
}

// ParseZoomBands parses a band list like "0-9,10-14".
func ParseZoomBands(s string) ([]ZoomBand, error) {
	var bands []ZoomBand
	for _, part := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(strings.TrimSpace(part), "-")
		if !ok {
			return nil, formatErrorf("", "zoom band %q is not of the form min-max", part)
		}
		min, err := strconv.ParseUint(lo, 10, 8)
		if err != nil {
			return nil, formatErrorf("", "zoom band %q: %v", part, err)
		}
		max, err := strconv.ParseUint(hi, 10, 8)
		if err != nil {
			return nil, formatErrorf("", "zoom band %q: %v", part, err)
		}
		if max < min {
			return nil, formatErrorf("", "zoom band %q: max below min", part)
		}
		bands = append(bands, ZoomBand{Min: uint8(min), Max: uint8(max)})
	}
	return bands, nil
}

const (
	trainWindow = 16
	trainStride = 4
)

// Train builds a dictionary from decoded tile payloads. The trainer is a
// greedy k-gram frequency selector: fixed-size windows are counted across all
// samples, repeated windows are concatenated with the most frequent placed at
// the end of the dictionary, where deflate matching prefers them. Training is
// deterministic: the same samples yield byte-identical output.
func Train(samples [][]byte, minZoom, maxZoom uint8, dictSize int) Dictionary {
	counts := make(map[string]int)
	for _, sample := range samples {
		for i := 0; i+trainWindow <= len(sample); i += trainStride {
			counts[string(sample[i:i+trainWindow])]++
		}
	}

	type candidate struct {
		gram  string
		count int
	}
	candidates := make([]candidate, 0, len(counts))
	for gram, count := range counts {
		if count >= 2 {
			candidates = append(candidates, candidate{gram, count})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].gram < candidates[j].gram
	})

	var picked [][]byte
	total := 0
	assembled := make([]byte, 0, dictSize)
	for _, c := range candidates {
		if total+len(c.gram) > dictSize {
			break
		}
		if bytes.Contains(assembled, []byte(c.gram)) {
			continue
		}
		picked = append(picked, []byte(c.gram))
		assembled = append(assembled, c.gram...)
		total += len(c.gram)
	}

	// Most frequent grams go last.
	data := make([]byte, 0, total)
	for i := len(picked) - 1; i >= 0; i-- {
		data = append(data, picked[i]...)
	}
	return Dictionary{ID: dictID(data), MinZoom: minZoom, MaxZoom: maxZoom, Data: data}
}

// TrainAll streams the source store once and trains one dictionary per zoom
// band from tiles covered by at least one package mask. Sampling follows the
// original build pipeline: tiles are subsampled at a fixed stride derived from
// the store size so that roughly sampleBudget bytes feed each band.
func TrainAll(logger *log.Logger, store StoreReader, packages []PackageDefinition, bands []ZoomBand, dictSize int, sampleBudget int64) (DictionarySet, error) {
	if sampleBudget <= 0 {
		sampleBudget = DefaultSampleBudget
	}
	if dictSize <= 0 {
		dictSize = DefaultDictSize
	}
	tiles, sizeBytes, err := store.Stats()
	if err != nil {
		return nil, err
	}
	skip := sizeBytes / sampleBudget
	if skip < 1 {
		skip = 1
	}
	logger.Printf("training on %d tiles (%d bytes), sampling every %d tiles", tiles, sizeBytes, skip)

	samples := make([][][]byte, len(bands))
	seen := make([]int64, len(bands))

	err = store.StreamAll(func(t Tile) error {
		band := -1
		for i, b := range bands {
			if t.Coord.Z >= b.Min && t.Coord.Z <= b.Max {
				band = i
				break
			}
		}
		if band == -1 {
			return nil
		}
		matched := false
		for i := range packages {
			if packages[i].Accepts(t.Coord) {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
		seen[band]++
		if seen[band]%skip != 0 {
			return nil
		}
		decoded, err := decompressTile(t.Data)
		if err != nil {
			return fmt.Errorf("decoding sample tile %d/%d/%d: %w", t.Coord.Z, t.Coord.X, t.Coord.Y, err)
		}
		samples[band] = append(samples[band], decoded)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var set DictionarySet
	for i, band := range bands {
		if len(samples[i]) == 0 {
			logger.Printf("zoom band %d-%d: no samples, skipping", band.Min, band.Max)
			continue
		}
		d := Train(samples[i], band.Min, band.Max, dictSize)
		logger.Printf("zoom band %d-%d: trained dictionary %08x from %d samples (%d bytes)", band.Min, band.Max, d.ID, len(samples[i]), len(d.Data))
		set = append(set, d)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].MinZoom < set[j].MinZoom })
	return set, nil
}

type dictIndexEntry struct {
	ID      uint32 `json:"id"`
	MinZoom uint8  `json:"min_zoom"`
	MaxZoom uint8  `json:"max_zoom"`
	File    string `json:"file,omitempty"`
	Data    string `json:"data,omitempty"`
}

const dictIndexName = "dictionaries.json"

// SaveDictionaries writes each dictionary as a .zdict blob plus an index file
// naming ids and zoom bands.
func SaveDictionaries(dir string, set DictionarySet) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	index := make([]dictIndexEntry, 0, len(set))
	for _, d := range set {
		name := fmt.Sprintf("z%d-%d.zdict", d.MinZoom, d.MaxZoom)
		if err := os.WriteFile(filepath.Join(dir, name), d.Data, 0o644); err != nil {
			return err
		}
		index = append(index, dictIndexEntry{ID: d.ID, MinZoom: d.MinZoom, MaxZoom: d.MaxZoom, File: name})
	}
	out, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, dictIndexName), append(out, '\n'), 0o644)
}

// LoadDictionaries reads a dictionary directory written by SaveDictionaries,
// verifying each blob against its declared id.
func LoadDictionaries(dir string) (DictionarySet, error) {
	indexPath := filepath.Join(dir, dictIndexName)
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, err
	}
	var index []dictIndexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, formatErrorf(indexPath, "bad dictionary index: %v", err)
	}
	var set DictionarySet
	for _, entry := range index {
		data, err := os.ReadFile(filepath.Join(dir, entry.File))
		if err != nil {
			return nil, err
		}
		if dictID(data) != entry.ID {
			return nil, formatErrorf(indexPath, "dictionary %s content does not match id %08x", entry.File, entry.ID)
		}
		set = append(set, Dictionary{ID: entry.ID, MinZoom: entry.MinZoom, MaxZoom: entry.MaxZoom, Data: data})
	}
	sort.Slice(set, func(i, j int) bool { return set[i].MinZoom < set[j].MinZoom })
	return set, nil
}

// encodeDictMetadata serializes a dictionary set for embedding in store
// metadata, dictionary bytes included so packages stay self-contained.
func encodeDictMetadata(set DictionarySet) (string, error) {
	entries := make([]dictIndexEntry, 0, len(set))
	for _, d := range set {
		entries = append(entries, dictIndexEntry{
			ID:      d.ID,
			MinZoom: d.MinZoom,
			MaxZoom: d.MaxZoom,
			Data:    base64.StdEncoding.EncodeToString(d.Data),
		})
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeDictMetadata(value string) (DictionarySet, error) {
	var entries []dictIndexEntry
	if err := json.Unmarshal([]byte(value), &entries); err != nil {
		return nil, formatErrorf("", "bad %s metadata: %v", metadataSharedDicts, err)
	}
	var set DictionarySet
	for _, entry := range entries {
		data, err := base64.StdEncoding.DecodeString(entry.Data)
		if err != nil {
			return nil, formatErrorf("", "bad %s metadata: %v", metadataSharedDicts, err)
		}
		if dictID(data) != entry.ID {
			return nil, formatErrorf("", "dictionary %08x content mismatch in store metadata", entry.ID)
		}
		set = append(set, Dictionary{ID: entry.ID, MinZoom: entry.MinZoom, MaxZoom: entry.MaxZoom, Data: data})
	}
	return set, nil
}
