package geoinput

import (
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
)

// resolvePolygonFromGeoJSON reads a GeoJSON file containing a single
// Feature, FeatureCollection, or bare Polygon/MultiPolygon geometry and
// flattens it to one orb.Polygon (every ring from every feature,
// matching resolvePolygonFromShapefile's "union of rings" treatment of
// a study-area boundary).
func resolvePolygonFromGeoJSON(path string) (orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geoinput: read geojson %s", path)
	}

	var rings orb.Polygon

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, feat := range fc.Features {
			rings = append(rings, geometryRings(feat.Geometry)...)
		}
		if len(rings) > 0 {
			return rings, nil
		}
	}

	if feat, err := geojson.UnmarshalFeature(data); err == nil && feat.Geometry != nil {
		rings = append(rings, geometryRings(feat.Geometry)...)
		if len(rings) > 0 {
			return rings, nil
		}
	}

	if geom, err := geojson.UnmarshalGeometry(data); err == nil {
		rings = append(rings, geometryRings(geom.Geometry())...)
		if len(rings) > 0 {
			return rings, nil
		}
	}

	return nil, eris.Errorf("geoinput: geojson %s has no polygon geometry", path)
}

func geometryRings(g orb.Geometry) []orb.Ring {
	switch v := g.(type) {
	case orb.Polygon:
		return v
	case orb.MultiPolygon:
		var rings []orb.Ring
		for _, p := range v {
			rings = append(rings, p...)
		}
		return rings
	default:
		return nil
	}
}
