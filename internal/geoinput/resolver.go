package geoinput

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"go.uber.org/zap"
)

// Resolve turns opts into the flat list of query points the rest of the
// pipeline consumes. When opts.CacheDir is set and a prior cache exists,
// it is reused and geometry resolution is skipped entirely.
func Resolve(ctx context.Context, opts Options) (*Result, error) {
	if cached, cachedIDCols, ok, err := readLatLonCache(opts.CacheDir); err != nil {
		return nil, err
	} else if ok {
		zap.L().Info("geoinput: using cached lat_lon.csv", zap.Int("points", len(cached)))
		return &Result{Points: cached, FromCache: true, IDColumns: cachedIDCols}, nil
	}

	points, idCols, poly, err := resolve(ctx, opts)
	if err != nil {
		return nil, err
	}
	assignSequentialIDs(points)

	if err := writeLatLonCache(opts.CacheDir, points, idCols); err != nil {
		return nil, err
	}
	if err := writeBoundaryCache(opts.CacheDir, poly); err != nil {
		return nil, err
	}
	return &Result{Points: points, FromCache: false, IDColumns: idCols, Polygon: poly}, nil
}

// writeBoundaryCache persists the resolved boundary as EWKB alongside
// lat_lon.csv so a resumed or audited run can inspect the geometry the
// point set was derived from.
func writeBoundaryCache(cacheDir string, poly orb.Polygon) error {
	if cacheDir == "" || len(poly) == 0 {
		return nil
	}
	b, err := encodePolygonWKB(poly)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "boundary.wkb"), b, 0o644); err != nil {
		return eris.Wrap(err, "geoinput: write boundary cache")
	}
	return nil
}

// assignSequentialIDs replaces each point's content-derived LatLonID with
// a 1-based monotonic index, unique within a run rather than merely
// unique per coordinate. The content hash is still computed earlier so
// expansion (buffer/grid) is deterministic before this final
// renumbering pass.
func assignSequentialIDs(points []model.QueryPoint) {
	for i := range points {
		points[i].LatLonID = strconv.Itoa(i + 1)
	}
}

// resolve dispatches on opts.Kind and additionally returns the run's
// resolved id column names (CSV input only) and the boundary polygon for
// polygon-sourced inputs (shapefile/GeoJSON/place), empty otherwise. The
// discovery stage uses the polygon for the post-discovery
// point-in-polygon filter.
func resolve(ctx context.Context, opts Options) ([]model.QueryPoint, []string, orb.Polygon, error) {
	switch opts.Kind {
	case KindPoint:
		points, err := resolvePointOpts(opts)
		return points, nil, nil, err
	case KindCSV:
		points, idCols, err := resolveCSV(ctx, opts.Path, opts.IDColumns)
		if err != nil {
			return nil, nil, nil, err
		}
		points, err = applyBufferGridToPoints(points, opts)
		return points, idCols, nil, err
	case KindShapefile:
		poly, err := resolvePolygonFromShapefile(opts.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		points, err := polygonToPoints(poly, opts)
		return points, nil, poly, err
	case KindGeoJSON:
		poly, err := resolvePolygonFromGeoJSON(opts.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		points, err := polygonToPoints(poly, opts)
		return points, nil, poly, err
	case KindPlace:
		poly, err := resolvePlace(ctx, opts.NominatimURL, opts.PlaceName)
		if err != nil {
			return nil, nil, nil, err
		}
		points, err := polygonToPoints(poly, opts)
		return points, nil, poly, err
	default:
		return nil, nil, nil, eris.Errorf("geoinput: unknown input kind %q", opts.Kind)
	}
}

// resolvePointOpts turns a single lat/lon, optionally buffered and
// gridded, into one or more query points.
func resolvePointOpts(opts Options) ([]model.QueryPoint, error) {
	if opts.BufferMeters <= 0 {
		return []model.QueryPoint{{
			LatLonID: assignLatLonID(opts.Lat, opts.Lon),
			Lat:      opts.Lat,
			Lon:      opts.Lon,
		}}, nil
	}
	poly := bufferPoint(opts.Lat, opts.Lon, opts.BufferMeters)
	// The circle already has the buffer radius; do not offset it again.
	o := opts
	o.BufferMeters = 0
	return polygonToPoints(poly, o)
}

// polygonToPoints optionally buffers poly, then either grids it into a
// lattice of query points or falls back to its ring vertices when no
// grid spacing was requested.
func polygonToPoints(poly orb.Polygon, opts Options) ([]model.QueryPoint, error) {
	if opts.BufferMeters > 0 {
		poly = bufferPolygon(poly, opts.BufferMeters)
	}

	var coords []orb.Point
	if opts.GridMeters > 0 {
		coords = densifyGrid(poly, opts.GridMeters)
		if len(coords) == 0 {
			return nil, eris.Errorf("geoinput: grid of %.0fm produced no points inside the resolved boundary", opts.GridMeters)
		}
	} else {
		for _, ring := range poly {
			coords = append(coords, ring...)
		}
	}

	points := make([]model.QueryPoint, 0, len(coords))
	for _, c := range coords {
		lon, lat := c[0], c[1]
		points = append(points, model.QueryPoint{
			LatLonID: assignLatLonID(lat, lon),
			Lat:      lat,
			Lon:      lon,
		})
	}
	return points, nil
}

// applyBufferGridToPoints optionally expands each CSV-sourced point into
// a buffer/grid of its own, preserving the original row's id values on
// every point it expands into.
func applyBufferGridToPoints(points []model.QueryPoint, opts Options) ([]model.QueryPoint, error) {
	if opts.BufferMeters <= 0 && opts.GridMeters <= 0 {
		return points, nil
	}
	var out []model.QueryPoint
	for _, p := range points {
		o := opts
		o.Lat, o.Lon = p.Lat, p.Lon
		expanded, err := resolvePointOpts(o)
		if err != nil {
			return nil, err
		}
		for i := range expanded {
			expanded[i].UserIDs = p.UserIDs
		}
		out = append(out, expanded...)
	}
	return out, nil
}
