package tilepack

import (
	"fmt"
)

// Store metadata keys shared by all adapters.
const (
	metadataName        = "name"
	metadataFormat      = "format"
	metadataBounds      = "bounds"
	metadataMinZoom     = "minzoom"
	metadataMaxZoom     = "maxzoom"
	metadataSharedDicts = "shared_zlib_dicts"
)

// Tile is one encoded map fragment held by a store. Copying a tile between
// stores always copies the payload bytes.
type Tile struct {
	Coord  TileCoordinate
	Data   []byte
	Codec  Codec
	DictID uint32 // set when Codec is CodecZlibDict
}

// Decode returns the decompressed payload. Dictionary tiles are resolved
// against the supplied set; a missing dictionary is an error, never a guess.
func (t Tile) Decode(dicts DictionarySet) ([]byte, error) {
	switch t.Codec {
	case CodecRaw:
		out := make([]byte, len(t.Data))
		copy(out, t.Data)
		return out, nil
	case CodecZlib:
		return decompressTile(t.Data)
	case CodecZlibDict:
		d, ok := dicts.ByID(t.DictID)
		if !ok {
			return nil, fmt.Errorf("tile %d/%d/%d references dictionary %08x: %w",
				t.Coord.Z, t.Coord.X, t.Coord.Y, t.DictID, ErrUnknownDictionary)
		}
		return decompressTileDict(t.Data, d.Data)
	}
	return nil, fmt.Errorf("tile %d/%d/%d has unknown codec %d", t.Coord.Z, t.Coord.X, t.Coord.Y, uint8(t.Codec))
}

// StoreReader is the read contract over a tile container.
type StoreReader interface {
	// Get returns the tile at a coordinate, or false if absent.
	Get(c TileCoordinate) (Tile, bool, error)

	// StreamAll enumerates every tile ordered by zoom, then column, then
	// row. The stream is finite and not restartable mid-way; reopen the
	// store to stream again.
	StreamAll(fn func(Tile) error) error

	// Metadata returns the store metadata table.
	Metadata() (map[string]string, error)

	// Stats returns the tile count and the total stored payload bytes.
	Stats() (tiles int64, sizeBytes int64, err error)

	// Dictionaries returns the dictionary set the store was built against.
	Dictionaries() DictionarySet

	Close() error
}

// StoreWriter is the write contract for a freshly created store. Writes are
// append-only: a coordinate may be written once, and nothing after Seal.
type StoreWriter interface {
	Put(t Tile) error
	SetMetadata(key, value string) error

	// Seal finalizes the store metadata (bounds and zoom range computed from
	// the written tiles) and closes it for writes.
	Seal() error

	Close() error
}

// PlainStoreReader is a restricted view for readers that predate shared
// dictionary compression. It serves raw and zlib tiles and rejects dictionary
// tiles with a typed error instead of handing out undecodable bytes.
type PlainStoreReader struct {
	r StoreReader
}

func NewPlainStoreReader(r StoreReader) *PlainStoreReader {
	return &PlainStoreReader{r: r}
}

func (p *PlainStoreReader) Get(c TileCoordinate) (Tile, bool, error) {
	t, ok, err := p.r.Get(c)
	if err != nil || !ok {
		return Tile{}, ok, err
	}
	switch t.Codec {
	case CodecRaw, CodecZlib:
		return t, true, nil
	default:
		return Tile{}, false, fmt.Errorf("tile %d/%d/%d requires shared dictionary support: %w",
			c.Z, c.X, c.Y, ErrUnknownDictionary)
	}
}

func (p *PlainStoreReader) Close() error {
	return p.r.Close()
}
