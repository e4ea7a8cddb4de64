package geoinput

import (
	"encoding/binary"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// resolvePolygonFromShapefile opens a .shp file and returns the union of
// every polygon shape's rings as a single orb.Polygon (a multi-ring
// polygon; holes are not distinguished, matching the original
// downloader's treatment of a study-area shapefile as one outer
// boundary). Non-polygon shape types are rejected: a points/lines
// shapefile is not gridable geometry.
func resolvePolygonFromShapefile(path string) (orb.Polygon, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geoinput: open shapefile %s", path)
	}
	defer reader.Close() //nolint:errcheck

	var rings orb.Polygon
	for reader.Next() {
		_, shape := reader.Shape()
		poly, ok := shape.(*shp.Polygon)
		if !ok {
			continue
		}
		rings = append(rings, polygonShapeRings(poly)...)
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrap(err, "geoinput: read shapefile")
	}
	if len(rings) == 0 {
		return nil, eris.Errorf("geoinput: shapefile %s has no polygon shapes", path)
	}
	return rings, nil
}

// polygonShapeRings splits a go-shp Polygon's flat point list into rings
// using its Parts offsets, the indexing scheme the shapefile format
// itself defines for multi-ring polygons.
func polygonShapeRings(poly *shp.Polygon) []orb.Ring {
	var rings []orb.Ring
	parts := append([]int32{}, poly.Parts...)
	parts = append(parts, int32(poly.NumPoints))
	for i := 0; i < len(parts)-1; i++ {
		start, end := parts[i], parts[i+1]
		ring := make(orb.Ring, 0, end-start)
		for _, p := range poly.Points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		rings = append(rings, ring)
	}
	return rings
}

// encodePolygonWKB marshals poly to extended well-known binary via
// twpayne/go-geom (orb.Polygon -> geom.T -> ewkb.Marshal), so the
// resolved study-area geometry can be cached alongside lat_lon.csv for
// audit/debugging.
func encodePolygonWKB(poly orb.Polygon) ([]byte, error) {
	ends := make([]int, 0, len(poly))
	var flat []float64
	for _, ring := range poly {
		for _, pt := range ring {
			flat = append(flat, pt[0], pt[1])
		}
		ends = append(ends, len(flat))
	}

	g := geom.NewPolygonFlat(geom.XY, flat, ends).SetSRID(4326)

	b, err := ewkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, eris.Wrap(err, "geoinput: encode wkb")
	}
	return b, nil
}
