package tilepack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMortonRoundTrip(t *testing.T) {
	coords := [][2]uint32{{0, 0}, {1, 0}, {0, 1}, {123, 4567}, {1<<20 - 1, 1<<19 + 3}}
	for _, c := range coords {
		x, y := mortonDecode(mortonCode(c[0], c[1]))
		assert.Equal(t, c[0], x)
		assert.Equal(t, c[1], y)
	}
}

func TestTileMaskContains(t *testing.T) {
	m := NewTileMask()
	m.Add(TileCoordinate{5, 3, 7})
	m.Add(TileCoordinate{5, 4, 7})
	m.Add(TileCoordinate{6, 10, 20})

	assert.True(t, m.Contains(5, 3, 7))
	assert.True(t, m.Contains(5, 4, 7))
	assert.True(t, m.Contains(6, 10, 20))
	assert.False(t, m.Contains(5, 3, 8))
	assert.False(t, m.Contains(4, 3, 7))
	assert.False(t, m.Contains(7, 3, 7))

	minZoom, maxZoom := m.ZoomRange()
	assert.Equal(t, uint8(5), minZoom)
	assert.Equal(t, uint8(6), maxZoom)

	b, ok := m.Bounds(5)
	require.True(t, ok)
	assert.Equal(t, TileBounds{3, 7, 4, 7}, b)
	_, ok = m.Bounds(9)
	assert.False(t, ok)
}

// A single inside leaf with no submask covers the entire pyramid down to the
// decoder's max zoom. One node is the two bits 01, packed MSB-first: 0x40.
func TestDecodeTileMaskFullPyramid(t *testing.T) {
	m, err := DecodeTileMask("QA==", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+4+16), m.Cardinality())
	assert.True(t, m.Contains(0, 0, 0))
	assert.True(t, m.Contains(1, 1, 0))
	assert.True(t, m.Contains(2, 3, 3))
	assert.False(t, m.Contains(3, 0, 0))
}

func TestDecodeTileMaskTruncated(t *testing.T) {
	// Root declares a submask but the stream has no room for four children.
	_, err := DecodeTileMask("wA==", 2)
	require.Error(t, err)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestDecodeTileMaskBadBase64(t *testing.T) {
	_, err := DecodeTileMask("not base64!!!", 2)
	var fe *FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestTileMaskEncodeRoundTrip(t *testing.T) {
	m := NewTileMask()
	// An irregular region: partial coverage at zoom 2, a fully covered
	// subtree under one zoom-1 tile.
	m.Add(TileCoordinate{0, 0, 0})
	m.Add(TileCoordinate{1, 0, 0})
	m.addSubtree(TileCoordinate{1, 0, 0}, 3)
	m.Add(TileCoordinate{2, 3, 2})
	m.Add(TileCoordinate{3, 7, 5})

	encoded := m.Encode()
	decoded, err := DecodeTileMask(encoded, 3)
	require.NoError(t, err)

	assert.Equal(t, m.Cardinality(), decoded.Cardinality())
	for z := uint8(0); z <= 3; z++ {
		for x := uint32(0); x < 1<<z; x++ {
			for y := uint32(0); y < 1<<z; y++ {
				assert.Equal(t, m.Contains(z, x, y), decoded.Contains(z, x, y), "tile %d/%d/%d", z, x, y)
			}
		}
	}
}

func TestTileMaskEncodeCanonical(t *testing.T) {
	m, err := DecodeTileMask("QA==", 3)
	require.NoError(t, err)
	assert.Equal(t, "QA==", m.Encode())
}

func TestTileMaskTilesOrder(t *testing.T) {
	m := NewTileMask()
	m.Add(TileCoordinate{2, 3, 1})
	m.Add(TileCoordinate{2, 0, 2})
	m.Add(TileCoordinate{2, 0, 1})
	m.Add(TileCoordinate{1, 1, 1})

	tiles := m.Tiles(2)
	assert.Equal(t, []TileCoordinate{
		{1, 1, 1},
		{2, 0, 1},
		{2, 0, 2},
		{2, 3, 1},
	}, tiles)

	// Tiles above the requested limit are excluded.
	assert.Equal(t, []TileCoordinate{{1, 1, 1}}, m.Tiles(1))
}
