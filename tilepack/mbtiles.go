package tilepack

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/paulmach/orb"
	"zombiezen.com/go/sqlite"
)

// MBTiles stores tile rows in the TMS scheme; coordinates are flipped at the
// SQL boundary so the rest of the package only sees XYZ.
func flipRow(z uint8, y uint32) uint32 {
	return (1 << z) - 1 - y
}

func execSQL(conn *sqlite.Conn, query string, args ...interface{}) error {
	stmt, _, err := conn.PrepareTransient(query)
	if err != nil {
		return err
	}
	defer stmt.Finalize()
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			stmt.BindText(i+1, v)
		case int:
			stmt.BindInt64(i+1, int64(v))
		case int64:
			stmt.BindInt64(i+1, v)
		case []byte:
			stmt.BindBytes(i+1, v)
		default:
			return fmt.Errorf("unsupported bind type %T", arg)
		}
	}
	_, err = stmt.Step()
	return err
}

// MbtilesReader implements StoreReader over an MBTiles file.
type MbtilesReader struct {
	conn     *sqlite.Conn
	path     string
	metadata map[string]string
	dicts    DictionarySet
}

func OpenMbtiles(path string) (*MbtilesReader, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, err
	}
	r := &MbtilesReader{conn: conn, path: path, metadata: make(map[string]string)}

	stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
	if err != nil {
		conn.Close()
		return nil, formatErrorf(path, "not an mbtiles store: %v", err)
	}
	for {
		row, err := stmt.Step()
		if err != nil {
			stmt.Finalize()
			conn.Close()
			return nil, err
		}
		if !row {
			break
		}
		r.metadata[stmt.ColumnText(0)] = stmt.ColumnText(1)
	}
	stmt.Finalize()

	if encoded, ok := r.metadata[metadataSharedDicts]; ok {
		dicts, err := decodeDictMetadata(encoded)
		if err != nil {
			conn.Close()
			return nil, formatErrorf(path, "%v", err)
		}
		r.dicts = dicts
	}
	return r, nil
}

func (r *MbtilesReader) Metadata() (map[string]string, error) {
	out := make(map[string]string, len(r.metadata))
	for k, v := range r.metadata {
		out[k] = v
	}
	return out, nil
}

func (r *MbtilesReader) Dictionaries() DictionarySet {
	return r.dicts
}

// codecFor resolves a payload's codec. A store that declares dictionaries
// encodes every tile in a covered zoom band with that band's dictionary;
// everything else is self-describing.
func (r *MbtilesReader) codecFor(z uint8, data []byte) (Codec, uint32) {
	if d, ok := r.dicts.ForZoom(z); ok {
		return CodecZlibDict, d.ID
	}
	return sniffCodec(data), 0
}

func (r *MbtilesReader) Get(c TileCoordinate) (Tile, bool, error) {
	stmt := r.conn.Prep("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	stmt.BindInt64(1, int64(c.Z))
	stmt.BindInt64(2, int64(c.X))
	stmt.BindInt64(3, int64(flipRow(c.Z, c.Y)))
	defer func() {
		stmt.ClearBindings()
		stmt.Reset()
	}()

	row, err := stmt.Step()
	if err != nil {
		return Tile{}, false, err
	}
	if !row {
		return Tile{}, false, nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stmt.ColumnReader(0)); err != nil {
		return Tile{}, false, err
	}
	data := append([]byte(nil), buf.Bytes()...)
	codec, dictID := r.codecFor(c.Z, data)
	return Tile{Coord: c, Data: data, Codec: codec, DictID: dictID}, true, nil
}

func (r *MbtilesReader) StreamAll(fn func(Tile) error) error {
	stmt, _, err := r.conn.PrepareTransient(
		"SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles ORDER BY zoom_level, tile_column, tile_row")
	if err != nil {
		return err
	}
	defer stmt.Finalize()

	var buf bytes.Buffer
	for {
		row, err := stmt.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
		z := uint8(stmt.ColumnInt64(0))
		x := uint32(stmt.ColumnInt64(1))
		y := flipRow(z, uint32(stmt.ColumnInt64(2)))

		buf.Reset()
		if _, err := buf.ReadFrom(stmt.ColumnReader(3)); err != nil {
			return err
		}
		data := append([]byte(nil), buf.Bytes()...)
		codec, dictID := r.codecFor(z, data)
		if err := fn(Tile{Coord: TileCoordinate{Z: z, X: x, Y: y}, Data: data, Codec: codec, DictID: dictID}); err != nil {
			return err
		}
	}
}

func (r *MbtilesReader) Stats() (int64, int64, error) {
	stmt, _, err := r.conn.PrepareTransient("SELECT count(*), coalesce(sum(length(tile_data)), 0) FROM tiles")
	if err != nil {
		return 0, 0, err
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		return 0, 0, err
	}
	if !row {
		return 0, 0, fmt.Errorf("no stats row for %s", r.path)
	}
	return stmt.ColumnInt64(0), stmt.ColumnInt64(1), nil
}

func (r *MbtilesReader) Close() error {
	return r.conn.Close()
}

// MbtilesWriter implements StoreWriter over a freshly created MBTiles file.
type MbtilesWriter struct {
	conn   *sqlite.Conn
	path   string
	insert *sqlite.Stmt
	seen   *roaring64.Bitmap
	dicts  DictionarySet

	sealed   bool
	count    int64
	hasTiles bool
	minZoom  uint8
	maxZoom  uint8
	bound    orb.Bound
}

// CreateMbtiles creates a new package store. An existing file at the path is
// removed first: partial outputs from an aborted run are never resumed.
func CreateMbtiles(path string, name string, dicts DictionarySet) (*MbtilesWriter, error) {
	for _, stale := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, err
	}
	w := &MbtilesWriter{conn: conn, path: path, seen: roaring64.New(), dicts: dicts}

	setup := []string{
		"PRAGMA locking_mode=EXCLUSIVE",
		"PRAGMA synchronous=OFF",
		"PRAGMA page_size=512",
		"PRAGMA encoding='UTF-8'",
		"CREATE TABLE metadata (name TEXT, value TEXT)",
		"CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)",
	}
	for _, q := range setup {
		if err := execSQL(conn, q); err != nil {
			conn.Close()
			return nil, err
		}
	}

	meta := [][2]string{
		{metadataName, name},
		{"type", "baselayer"},
		{"version", "1.0"},
		{metadataFormat, "pbf"},
	}
	for _, kv := range meta {
		if err := execSQL(conn, "INSERT INTO metadata (name, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if len(dicts) > 0 {
		encoded, err := encodeDictMetadata(dicts)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := execSQL(conn, "INSERT INTO metadata (name, value) VALUES (?, ?)", metadataSharedDicts, encoded); err != nil {
			conn.Close()
			return nil, err
		}
	}

	if err := execSQL(conn, "BEGIN"); err != nil {
		conn.Close()
		return nil, err
	}
	w.insert = conn.Prep("INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	return w, nil
}

func (w *MbtilesWriter) Put(t Tile) error {
	if w.sealed {
		return fmt.Errorf("tile %d/%d/%d: %w", t.Coord.Z, t.Coord.X, t.Coord.Y, ErrStoreSealed)
	}
	if !t.Coord.Valid() {
		return fmt.Errorf("tile %d/%d/%d: coordinate out of range", t.Coord.Z, t.Coord.X, t.Coord.Y)
	}
	id := t.Coord.ID()
	if w.seen.Contains(id) {
		return fmt.Errorf("tile %d/%d/%d: %w", t.Coord.Z, t.Coord.X, t.Coord.Y, ErrDuplicateTile)
	}

	// Keep the zoom-to-dictionary mapping unambiguous: inside a declared
	// band only that band's dictionary, outside no dictionary at all.
	if d, ok := w.dicts.ForZoom(t.Coord.Z); ok {
		if t.Codec != CodecZlibDict || t.DictID != d.ID {
			return fmt.Errorf("tile %d/%d/%d: zoom %d requires dictionary %08x encoding",
				t.Coord.Z, t.Coord.X, t.Coord.Y, t.Coord.Z, d.ID)
		}
	} else if t.Codec == CodecZlibDict {
		return fmt.Errorf("tile %d/%d/%d: no dictionary declared for zoom %d",
			t.Coord.Z, t.Coord.X, t.Coord.Y, t.Coord.Z)
	}

	w.insert.BindInt64(1, int64(t.Coord.Z))
	w.insert.BindInt64(2, int64(t.Coord.X))
	w.insert.BindInt64(3, int64(flipRow(t.Coord.Z, t.Coord.Y)))
	w.insert.BindBytes(4, t.Data)
	_, err := w.insert.Step()
	w.insert.ClearBindings()
	w.insert.Reset()
	if err != nil {
		return err
	}

	w.seen.Add(id)
	w.count++
	b := t.Coord.Bound()
	if !w.hasTiles {
		w.minZoom, w.maxZoom = t.Coord.Z, t.Coord.Z
		w.bound = b
		w.hasTiles = true
	} else {
		if t.Coord.Z < w.minZoom {
			w.minZoom = t.Coord.Z
		}
		if t.Coord.Z > w.maxZoom {
			w.maxZoom = t.Coord.Z
		}
		w.bound = w.bound.Union(b)
	}
	return nil
}

func (w *MbtilesWriter) SetMetadata(key, value string) error {
	if w.sealed {
		return fmt.Errorf("metadata %q: %w", key, ErrStoreSealed)
	}
	if err := execSQL(w.conn, "DELETE FROM metadata WHERE name = ?", key); err != nil {
		return err
	}
	return execSQL(w.conn, "INSERT INTO metadata (name, value) VALUES (?, ?)", key, value)
}

// TileCount returns the number of tiles written so far.
func (w *MbtilesWriter) TileCount() int64 {
	return w.count
}

func formatBound(b orb.Bound) string {
	parts := []string{
		strconv.FormatFloat(b.Left(), 'f', -1, 64),
		strconv.FormatFloat(b.Bottom(), 'f', -1, 64),
		strconv.FormatFloat(b.Right(), 'f', -1, 64),
		strconv.FormatFloat(b.Top(), 'f', -1, 64),
	}
	return strings.Join(parts, ",")
}

func parseBound(value string) (orb.Bound, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return orb.Bound{}, formatErrorf("", "bounds metadata %q is not minlon,minlat,maxlon,maxlat", value)
	}
	var coords [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, formatErrorf("", "bounds metadata %q: %v", value, err)
		}
		coords[i] = f
	}
	return orb.Bound{
		Min: orb.Point{coords[0], coords[1]},
		Max: orb.Point{coords[2], coords[3]},
	}, nil
}

func (w *MbtilesWriter) Seal() error {
	if w.sealed {
		return ErrStoreSealed
	}
	if w.hasTiles {
		if err := w.SetMetadata(metadataBounds, formatBound(w.bound)); err != nil {
			return err
		}
		if err := w.SetMetadata(metadataMinZoom, strconv.Itoa(int(w.minZoom))); err != nil {
			return err
		}
		if err := w.SetMetadata(metadataMaxZoom, strconv.Itoa(int(w.maxZoom))); err != nil {
			return err
		}
	}
	if err := execSQL(w.conn, "CREATE UNIQUE INDEX tiles_index ON tiles (zoom_level, tile_column, tile_row)"); err != nil {
		return err
	}
	if err := execSQL(w.conn, "COMMIT"); err != nil {
		return err
	}
	w.sealed = true
	return nil
}

func (w *MbtilesWriter) Close() error {
	return w.conn.Close()
}
