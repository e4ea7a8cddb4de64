package geoinput

import (
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
)

// assignLatLonID derives a short, stable identifier from a coordinate
// pair. Resolve replaces it with a 1-based sequential id before the
// points leave the Input Resolver (see assignSequentialIDs); the
// sequential ids are what lat_lon.csv and the downstream stages carry.
func assignLatLonID(lat, lon float64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%.7f_%.7f", lat, lon)))
	return hex.EncodeToString(sum[:])[:16]
}

// latLonFixedColumns is the fixed part of lat_lon.csv's header; any
// further columns are the run's caller id columns, in order.
var latLonFixedColumns = []string{"lat_lon_id", "lat", "lon"}

// readLatLonCache loads a previously cached lat_lon.csv, if present,
// recovering both the points and the id column names from its header.
func readLatLonCache(cacheDir string) ([]model.QueryPoint, []string, bool, error) {
	if cacheDir == "" {
		return nil, nil, false, nil
	}
	path := filepath.Join(cacheDir, "lat_lon.csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}
		return nil, nil, false, eris.Wrapf(err, "geoinput: open cache %s", path)
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, eris.Wrap(err, "geoinput: read cache header")
	}

	n := len(latLonFixedColumns)
	var idCols []string
	if len(header) > n {
		idCols = append(idCols, header[n:]...)
	}

	var points []model.QueryPoint
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, false, eris.Wrap(err, "geoinput: read cache row")
		}
		get := func(i int) string {
			if i < len(row) {
				return row[i]
			}
			return ""
		}
		qp := model.QueryPoint{LatLonID: get(0)}
		fmt.Sscanf(get(1), "%f", &qp.Lat)
		fmt.Sscanf(get(2), "%f", &qp.Lon)
		if len(row) > n {
			qp.UserIDs = append([]string{}, row[n:]...)
		}
		points = append(points, qp)
	}
	return points, idCols, true, nil
}

// writeLatLonCache persists the resolved points so a subsequent run of
// the same input can skip geometry resolution entirely. Id column names
// go in the header, after the fixed columns, so a cache read can
// reconstruct them without any side-channel.
func writeLatLonCache(cacheDir string, points []model.QueryPoint, idCols []string) error {
	if cacheDir == "" {
		return nil
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return eris.Wrap(err, "geoinput: create cache dir")
	}
	path := filepath.Join(cacheDir, "lat_lon.csv")
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "geoinput: create cache %s", path)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	header := append(append([]string{}, latLonFixedColumns...), idCols...)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "geoinput: write cache header")
	}
	for _, p := range points {
		row := []string{p.LatLonID, fmt.Sprintf("%.7f", p.Lat), fmt.Sprintf("%.7f", p.Lon)}
		row = append(row, p.UserIDs...)
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "geoinput: write cache row")
		}
	}
	w.Flush()
	return w.Error()
}
