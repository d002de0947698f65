package tilepack

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
)

func polygonsOf(g orb.Geometry) orb.MultiPolygon {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}
	case orb.MultiPolygon:
		return v
	}
	return nil
}

// UnmarshalRegion accepts a GeoJSON FeatureCollection, Feature or bare
// geometry and returns the polygons it contains.
func UnmarshalRegion(data []byte) (orb.MultiPolygon, error) {
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		var region orb.MultiPolygon
		for _, f := range fc.Features {
			region = append(region, polygonsOf(f.Geometry)...)
		}
		if region != nil {
			return region, nil
		}
	}
	if f, err := geojson.UnmarshalFeature(data); err == nil {
		if region := polygonsOf(f.Geometry); region != nil {
			return region, nil
		}
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, formatErrorf("", "region is not valid GeoJSON: %v", err)
	}
	if region := polygonsOf(g.Geometry()); region != nil {
		return region, nil
	}
	return nil, formatErrorf("", "region contains no polygon geometry")
}

// MaskFromGeoJSON builds a tilemask covering the region at every zoom level
// up to maxZoom. Each level is covered independently, matching the stored
// per-zoom mask model.
func MaskFromGeoJSON(data []byte, maxZoom uint8) (*TileMask, error) {
	region, err := UnmarshalRegion(data)
	if err != nil {
		return nil, err
	}
	m := NewTileMask()
	for z := uint8(0); z <= maxZoom; z++ {
		tiles, err := tilecover.Geometry(region, maptile.Zoom(z))
		if err != nil {
			return nil, err
		}
		for tile := range tiles {
			m.Add(TileCoordinate{Z: uint8(tile.Z), X: tile.X, Y: tile.Y})
		}
	}
	return m, nil
}
