package geoinput

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/fetcher"
	"github.com/sells-group/svi-fetch/internal/model"
)

// latColumns and lonColumns list the case-insensitive header names the
// Input Resolver accepts for latitude/longitude, so "LAT", "lt", or "y"
// all standardize to the same coordinate.
var latColumns = []string{"lat", "latitude", "lt", "y"}
var lonColumns = []string{"lon", "lng", "long", "longitude", "x"}
var defaultIDColumns = []string{"id", "fid", "uid", "input_id"}

// resolveCSV streams path and extracts a QueryPoint per row, matching
// header columns case-insensitively so "Lat"/"LAT"/"latitude" are all
// accepted. idColumns, if non-empty, overrides the default id/fid/uid/
// input_id auto-detection with the caller's ordered column names; the
// returned name list (lowercased) is what the points' UserIDs values
// align with.
func resolveCSV(ctx context.Context, path string, idColumns []string) ([]model.QueryPoint, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "geoinput: open csv %s", path)
	}
	defer f.Close() //nolint:errcheck

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
		TrimSpace: true,
	})

	header := <-headerCh

	latIdx := findColumn(header, latColumns)
	lonIdx := findColumn(header, lonColumns)
	if latIdx < 0 || lonIdx < 0 {
		return nil, nil, eris.Errorf("geoinput: csv %s missing a recognizable lat/lon column", path)
	}

	var idNames []string
	var idIdxs []int
	if len(idColumns) > 0 {
		for _, col := range idColumns {
			name := strings.ToLower(strings.TrimSpace(col))
			idx := findColumn(header, []string{name})
			if idx < 0 {
				return nil, nil, eris.Errorf("geoinput: csv %s missing id column %q", path, col)
			}
			idNames = append(idNames, name)
			idIdxs = append(idIdxs, idx)
		}
	} else if idx := findColumn(header, defaultIDColumns); idx >= 0 {
		idNames = []string{strings.ToLower(strings.TrimSpace(header[idx]))}
		idIdxs = []int{idx}
	}

	var points []model.QueryPoint
	for row := range rowCh {
		if latIdx >= len(row) || lonIdx >= len(row) {
			continue
		}
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(row[latIdx]), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(row[lonIdx]), 64)
		if err1 != nil || err2 != nil {
			continue
		}
		qp := model.QueryPoint{
			LatLonID: assignLatLonID(lat, lon),
			Lat:      lat,
			Lon:      lon,
		}
		for _, idx := range idIdxs {
			v := ""
			if idx < len(row) {
				v = row[idx]
			}
			qp.UserIDs = append(qp.UserIDs, v)
		}
		points = append(points, qp)
	}

	if err := drainErr(errCh); err != nil && err != io.EOF {
		return nil, nil, eris.Wrap(err, "geoinput: stream csv")
	}
	return points, idNames, nil
}

func findColumn(header []string, candidates []string) int {
	for i, h := range header {
		lh := strings.ToLower(strings.TrimSpace(h))
		for _, c := range candidates {
			if lh == c {
				return i
			}
		}
	}
	return -1
}

func drainErr(errCh <-chan error) error {
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
	default:
	}
	return nil
}
