package tilepack

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileCoordinate identifies one quadtree cell as (zoom, column, row) in the
// XYZ scheme.
type TileCoordinate struct {
	Z uint8
	X uint32
	Y uint32
}

func (c TileCoordinate) Valid() bool {
	return c.Z < 32 && c.X < (1<<c.Z) && c.Y < (1<<c.Z)
}

// Bound returns the WGS84 bounding box of the tile.
func (c TileCoordinate) Bound() orb.Bound {
	return maptile.New(c.X, c.Y, maptile.Zoom(c.Z)).Bound()
}

func hilbertRotate(n uint64, x *uint64, y *uint64, rx uint64, ry uint64) {
	if ry == 0 {
		if rx == 1 {
			*x = n - 1 - *x
			*y = n - 1 - *y
		}
		*x, *y = *y, *x
	}
}

func coordOnLevel(z uint8, pos uint64) TileCoordinate {
	var n uint64 = 1 << z
	rx, ry, t := pos, pos, pos
	var tx uint64
	var ty uint64
	var s uint64
	for s = 1; s < n; s *= 2 {
		rx = 1 & (t / 2)
		ry = 1 & (t ^ rx)
		hilbertRotate(s, &tx, &ty, rx, ry)
		tx += s * rx
		ty += s * ry
		t /= 4
	}
	return TileCoordinate{Z: z, X: uint32(tx), Y: uint32(ty)}
}

// ID converts the coordinate to a Hilbert tile ID: a single uint64 that is
// unique across all zoom levels, with every zoom occupying a contiguous range.
func (c TileCoordinate) ID() uint64 {
	var acc uint64
	var tz uint8
	for ; tz < c.Z; tz++ {
		acc += (0x1 << tz) * (0x1 << tz)
	}
	var n uint64 = 1 << c.Z
	var rx uint64
	var ry uint64
	var d uint64
	tx := uint64(c.X)
	ty := uint64(c.Y)
	for s := n / 2; s > 0; s /= 2 {
		if tx&s > 0 {
			rx = 1
		} else {
			rx = 0
		}
		if ty&s > 0 {
			ry = 1
		} else {
			ry = 0
		}
		d += s * s * ((3 * rx) ^ ry)
		hilbertRotate(s, &tx, &ty, rx, ry)
	}
	return acc + d
}

// CoordinateOfID is the inverse of TileCoordinate.ID.
func CoordinateOfID(i uint64) TileCoordinate {
	var acc uint64
	var z uint8
	for {
		var numTiles uint64 = (1 << z) * (1 << z)
		if acc+numTiles > i {
			return coordOnLevel(z, i-acc)
		}
		acc += numTiles
		z++
	}
}
