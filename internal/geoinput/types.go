// Package geoinput implements the Input Resolver: it turns a point, a
// CSV of points, a shapefile/GeoJSON polygon, or a named place into the
// flat list of model.QueryPoint the rest of the pipeline consumes,
// applying an optional buffer and grid before assigning each point a
// stable lat_lon_id.
package geoinput

import (
	"github.com/paulmach/orb"
	"github.com/sells-group/svi-fetch/internal/model"
)

// Kind identifies which input form Options describes.
type Kind string

const (
	KindPoint     Kind = "point"
	KindCSV       Kind = "csv"
	KindShapefile Kind = "shapefile"
	KindGeoJSON   Kind = "geojson"
	KindPlace     Kind = "place"
)

// Options configures one call to Resolve.
type Options struct {
	Kind Kind

	// KindPoint
	Lat, Lon float64

	// KindCSV / KindShapefile / KindGeoJSON
	Path string

	// IDColumns, when set, names the CSV columns carrying each row's
	// caller ids, in order, overriding the default id/fid/uid/input_id
	// auto-detection. KindCSV only.
	IDColumns []string

	// KindPlace
	PlaceName    string
	NominatimURL string

	// BufferMeters expands a point into a circle, or a polygon outward by
	// an approximate offset, before gridding. Zero disables buffering.
	BufferMeters float64

	// GridMeters, when > 0, densifies the resolved geometry into a
	// regular lattice of query points instead of returning it as-is.
	GridMeters float64

	// CacheDir, when set, caches the resolved lat_lon_id/lat/lon table at
	// <CacheDir>/lat_lon.csv and reuses it on a later call with the same
	// Options instead of recomputing geometry.
	CacheDir string
}

// Result is the Input Resolver's output: the resolved query points plus
// whether they were served from cache.
type Result struct {
	Points    []model.QueryPoint
	FromCache bool

	// IDColumns is the resolved, lowercased list of id column names the
	// points' UserIDs values align with; empty when the input carried no
	// id columns. Downstream stages append these to their output headers.
	IDColumns []string

	// Polygon is the resolved boundary for polygon-sourced inputs
	// (shapefile, GeoJSON, named place); nil for a bare point or CSV
	// input. The discovery stage uses it to filter discovered panos back
	// down to the input boundary.
	Polygon orb.Polygon
}
