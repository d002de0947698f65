package tilepack

import (
	"encoding/base64"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// TileBounds is an inclusive tile-coordinate bounding box at one zoom level,
// used as a cheap pre-filter before the exact membership test.
type TileBounds struct {
	MinX, MinY uint32
	MaxX, MaxY uint32
}

func (b TileBounds) contains(x, y uint32) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

func (b TileBounds) extend(x, y uint32) TileBounds {
	if x < b.MinX {
		b.MinX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y > b.MaxY {
		b.MaxY = y
	}
	return b
}

// TileMask is the set of tile coordinates, per zoom level, covered by one
// package's boundary polygon. Levels are stored independently: no parent-child
// derivation happens at query time.
type TileMask struct {
	levels  map[uint8]*roaring64.Bitmap // keyed by Morton code
	bounds  map[uint8]TileBounds
	minZoom uint8
	maxZoom uint8
}

func NewTileMask() *TileMask {
	return &TileMask{
		levels: make(map[uint8]*roaring64.Bitmap),
		bounds: make(map[uint8]TileBounds),
	}
}

// mortonCode interleaves x (even bits) and y (odd bits). Morton keys keep
// every quadtree subtree a contiguous range, which the bitstream codec relies
// on for whole-subtree fills and emptiness checks.
func mortonCode(x, y uint32) uint64 {
	return spreadBits(x) | spreadBits(y)<<1
}

func spreadBits(v uint32) uint64 {
	x := uint64(v)
	x = (x | x<<16) & 0x0000FFFF0000FFFF
	x = (x | x<<8) & 0x00FF00FF00FF00FF
	x = (x | x<<4) & 0x0F0F0F0F0F0F0F0F
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}

func compactBits(x uint64) uint32 {
	x &= 0x5555555555555555
	x = (x | x>>1) & 0x3333333333333333
	x = (x | x>>2) & 0x0F0F0F0F0F0F0F0F
	x = (x | x>>4) & 0x00FF00FF00FF00FF
	x = (x | x>>8) & 0x0000FFFF0000FFFF
	x = (x | x>>16) & 0x00000000FFFFFFFF
	return uint32(x)
}

func mortonDecode(m uint64) (uint32, uint32) {
	return compactBits(m), compactBits(m >> 1)
}

func (m *TileMask) level(z uint8) *roaring64.Bitmap {
	if l, ok := m.levels[z]; ok {
		return l
	}
	l := roaring64.New()
	m.levels[z] = l
	return l
}

func (m *TileMask) extendBounds(z uint8, b TileBounds) {
	if old, ok := m.bounds[z]; ok {
		b = old.extend(b.MinX, b.MinY).extend(b.MaxX, b.MaxY)
	}
	m.bounds[z] = b
	if len(m.bounds) == 1 || z < m.minZoom {
		m.minZoom = z
	}
	if z > m.maxZoom {
		m.maxZoom = z
	}
}

// Add marks a single tile as covered.
func (m *TileMask) Add(c TileCoordinate) {
	m.level(c.Z).Add(mortonCode(c.X, c.Y))
	m.extendBounds(c.Z, TileBounds{c.X, c.Y, c.X, c.Y})
}

// addSubtree marks the whole quadtree below c, down to maxZoom inclusive,
// as covered (c itself excluded).
func (m *TileMask) addSubtree(c TileCoordinate, maxZoom uint8) {
	base := mortonCode(c.X, c.Y)
	for z := c.Z + 1; z <= maxZoom; z++ {
		k := uint(2 * (z - c.Z))
		m.level(z).AddRange(base<<k, (base+1)<<k)
		m.extendBounds(z, TileBounds{
			MinX: c.X << (z - c.Z),
			MinY: c.Y << (z - c.Z),
			MaxX: (c.X+1)<<(z-c.Z) - 1,
			MaxY: (c.Y+1)<<(z-c.Z) - 1,
		})
	}
}

// Contains reports whether the tile at (z, x, y) is covered. The bounding box
// rejects most probes without touching the per-zoom set.
func (m *TileMask) Contains(z uint8, x, y uint32) bool {
	b, ok := m.bounds[z]
	if !ok || !b.contains(x, y) {
		return false
	}
	return m.levels[z].Contains(mortonCode(x, y))
}

// ZoomRange returns the lowest and highest zoom level with any coverage.
func (m *TileMask) ZoomRange() (uint8, uint8) {
	return m.minZoom, m.maxZoom
}

// Bounds returns the tile bounding box at zoom z, if the mask covers
// anything there.
func (m *TileMask) Bounds(z uint8) (TileBounds, bool) {
	b, ok := m.bounds[z]
	return b, ok
}

// Cardinality returns the total number of covered tiles across all zooms.
func (m *TileMask) Cardinality() uint64 {
	var total uint64
	for _, l := range m.levels {
		total += l.GetCardinality()
	}
	return total
}

// Tiles enumerates all covered coordinates up to maxZoom, ordered by zoom,
// then column, then row.
func (m *TileMask) Tiles(maxZoom uint8) []TileCoordinate {
	var out []TileCoordinate
	for z := m.minZoom; z <= maxZoom && z <= m.maxZoom; z++ {
		l, ok := m.levels[z]
		if !ok {
			continue
		}
		start := len(out)
		it := l.Iterator()
		for it.HasNext() {
			x, y := mortonDecode(it.Next())
			out = append(out, TileCoordinate{Z: z, X: x, Y: y})
		}
		level := out[start:]
		sort.Slice(level, func(i, j int) bool {
			if level[i].X != level[j].X {
				return level[i].X < level[j].X
			}
			return level[i].Y < level[j].Y
		})
	}
	return out
}

// subtreeCount returns how many covered tiles exist at zoom z within the
// subtree rooted at c (c.Z < z).
func (m *TileMask) subtreeCount(c TileCoordinate, z uint8) uint64 {
	l, ok := m.levels[z]
	if !ok {
		return 0
	}
	k := uint(2 * (z - c.Z))
	lo := mortonCode(c.X, c.Y) << k
	hi := (mortonCode(c.X, c.Y) + 1) << k
	count := l.Rank(hi - 1)
	if lo > 0 {
		count -= l.Rank(lo - 1)
	}
	return count
}

type bitReader struct {
	data []byte
	pos  int
}

func (r *bitReader) bit() (uint8, bool) {
	if r.pos >= len(r.data)*8 {
		return 0, false
	}
	b := (r.data[r.pos/8] >> (7 - uint(r.pos%8))) & 1
	r.pos++
	return b, true
}

type bitWriter struct {
	data []byte
	pos  int
}

func (w *bitWriter) bit(b uint8) {
	if w.pos%8 == 0 {
		w.data = append(w.data, 0)
	}
	if b != 0 {
		w.data[w.pos/8] |= 1 << (7 - uint(w.pos%8))
	}
	w.pos++
}

// DecodeTileMask parses the base64 quadtree bitstream used by package
// templates. Each node is two bits, submask then inside, in depth-first
// preorder; submask nodes are followed by their four children in row-major
// order. An inside leaf without a submask covers its entire subtree, which is
// expanded down to maxZoom.
func DecodeTileMask(encoded string, maxZoom uint8) (*TileMask, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, formatErrorf("", "tilemask is not valid base64: %v", err)
	}
	m := NewTileMask()
	r := &bitReader{data: raw}
	if err := decodeMaskNode(r, TileCoordinate{}, maxZoom, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeMaskNode(r *bitReader, c TileCoordinate, maxZoom uint8, m *TileMask) error {
	submask, ok1 := r.bit()
	inside, ok2 := r.bit()
	if !ok1 || !ok2 {
		return formatErrorf("", "truncated tilemask bitstream at tile %d/%d/%d", c.Z, c.X, c.Y)
	}
	if inside == 1 {
		m.Add(c)
	}
	if submask == 1 {
		for dy := uint32(0); dy < 2; dy++ {
			for dx := uint32(0); dx < 2; dx++ {
				child := TileCoordinate{Z: c.Z + 1, X: c.X*2 + dx, Y: c.Y*2 + dy}
				if err := decodeMaskNode(r, child, maxZoom, m); err != nil {
					return err
				}
			}
		}
	} else if inside == 1 && c.Z < maxZoom {
		m.addSubtree(c, maxZoom)
	}
	return nil
}

// Encode serializes the mask back to the canonical base64 bitstream. Fully
// covered subtrees collapse to a single inside leaf, so decoding the result
// with the same max zoom reproduces the mask exactly.
func (m *TileMask) Encode() string {
	w := &bitWriter{}
	m.encodeNode(w, TileCoordinate{})
	return base64.StdEncoding.EncodeToString(w.data)
}

// subtreeState classifies the subtree strictly below c: 0 empty, 1 full at
// every zoom down to the mask max zoom, 2 mixed.
func (m *TileMask) subtreeState(c TileCoordinate) int {
	state := -1
	for z := c.Z + 1; z <= m.maxZoom; z++ {
		count := m.subtreeCount(c, z)
		var s int
		switch count {
		case 0:
			s = 0
		case uint64(1) << (2 * uint(z-c.Z)):
			s = 1
		default:
			return 2
		}
		if state == -1 {
			state = s
		} else if state != s {
			return 2
		}
	}
	if state == -1 {
		return 0
	}
	return state
}

func (m *TileMask) encodeNode(w *bitWriter, c TileCoordinate) {
	inside := m.Contains(c.Z, c.X, c.Y)
	state := m.subtreeState(c)
	uniform := (state == 0 && !inside) || (state == 1 && inside) ||
		(c.Z >= m.maxZoom && inside)
	if uniform {
		w.bit(0)
		if inside {
			w.bit(1)
		} else {
			w.bit(0)
		}
		return
	}
	w.bit(1)
	if inside {
		w.bit(1)
	} else {
		w.bit(0)
	}
	for dy := uint32(0); dy < 2; dy++ {
		for dx := uint32(0); dx < 2; dx++ {
			m.encodeNode(w, TileCoordinate{Z: c.Z + 1, X: c.X*2 + dx, Y: c.Y*2 + dy})
		}
	}
}
