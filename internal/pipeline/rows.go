// Package pipeline wires resolved query points through
// provider-pluggable discovery, augmentation/URL-resolution, and image
// fetch stages, each batched, checkpointed, and resumable. The
// fan-out/checkpoint/retry-sweep machinery is written once in batch.go
// and reused by all three stages; only the per-item call
// (provider.DiscoverPanos/Augment/FetchImage) differs.
package pipeline

import (
	"strconv"

	"github.com/sells-group/svi-fetch/internal/model"
)

// rawPanoBaseHeader is the fixed column prefix shared by every raw-pid
// checkpoint shard and by pids_raw.csv, regardless of provider: GSV rows
// simply leave the Mapillary-only columns at their zero value. The run's
// caller-supplied id columns are appended after it, so fixed indices
// stay stable no matter how many id columns a run carries.
var rawPanoBaseHeader = []string{
	"panoid", "lat_lon_id", "lat", "lon", "input_latitude", "input_longitude",
	"compass_angle", "is_pano", "organization_id", "sequence_id", "captured_at_ms",
}

func rawPanoHeader(idCols []string) []string {
	return append(append([]string{}, rawPanoBaseHeader...), idCols...)
}

func rawPanoToRow(p model.RawPano) []string {
	row := []string{
		p.PanoID, p.LatLonID,
		formatFloat(p.Lat), formatFloat(p.Lon),
		formatFloat(p.InputLat), formatFloat(p.InputLon),
		formatFloat(p.CompassAngle), strconv.FormatBool(p.IsPano),
		p.OrganizationID, p.SequenceID,
		strconv.FormatInt(p.CapturedAtMs, 10),
	}
	return append(row, p.UserIDs...)
}

// rowToRawPanoBase parses the fixed column prefix only; callers that
// know where the id-column tail starts slice it off themselves.
func rowToRawPanoBase(row []string, provider model.Provider) model.RawPano {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	return model.RawPano{
		PanoID:         get(0),
		LatLonID:       get(1),
		Lat:            parseFloat(get(2)),
		Lon:            parseFloat(get(3)),
		InputLat:       parseFloat(get(4)),
		InputLon:       parseFloat(get(5)),
		CompassAngle:   parseFloat(get(6)),
		IsPano:         get(7) == "true",
		OrganizationID: get(8),
		SequenceID:     get(9),
		CapturedAtMs:   parseInt(get(10)),
		Provider:       provider,
	}
}

func rowToRawPano(row []string, provider model.Provider) model.RawPano {
	p := rowToRawPanoBase(row, provider)
	if len(row) > len(rawPanoBaseHeader) {
		p.UserIDs = append([]string{}, row[len(rawPanoBaseHeader):]...)
	}
	return p
}

// gsvFinalHeader is gsv_pids.csv's column set, with lat_lon_id dropped
// since it is only needed for intra-run resume bookkeeping.
func gsvFinalHeader(idCols []string) []string {
	base := []string{"panoid", "lat", "lon", "year", "month", "input_latitude", "input_longitude"}
	return append(base, idCols...)
}

func augmentedToRow(a model.AugmentedPano) []string {
	year, month := "", ""
	if a.Year > 0 {
		year = strconv.Itoa(a.Year)
	}
	if a.Month > 0 {
		month = strconv.Itoa(a.Month)
	}
	row := []string{
		a.PanoID, formatFloat(a.Lat), formatFloat(a.Lon),
		year, month,
		formatFloat(a.InputLat), formatFloat(a.InputLon),
	}
	return append(row, a.UserIDs...)
}

// augmentedShardHeader is the richer shape used for the augmented_pids
// checkpoint shards, which still need lat_lon_id for resume bookkeeping
// even though the final file drops it. year/month sit between the fixed
// prefix and the id-column tail.
func augmentedShardHeader(idCols []string) []string {
	base := append(append([]string{}, rawPanoBaseHeader...), "year", "month")
	return append(base, idCols...)
}

func augmentedToShardRow(a model.AugmentedPano) []string {
	row := []string{
		a.PanoID, a.LatLonID,
		formatFloat(a.Lat), formatFloat(a.Lon),
		formatFloat(a.InputLat), formatFloat(a.InputLon),
		formatFloat(a.CompassAngle), strconv.FormatBool(a.IsPano),
		a.OrganizationID, a.SequenceID,
		strconv.FormatInt(a.CapturedAtMs, 10),
		strconv.Itoa(a.Year), strconv.Itoa(a.Month),
	}
	return append(row, a.UserIDs...)
}

func rowToAugmentedShard(row []string) model.AugmentedPano {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	n := len(rawPanoBaseHeader)
	p := rowToRawPanoBase(row, model.ProviderGSV)
	if len(row) > n+2 {
		p.UserIDs = append([]string{}, row[n+2:]...)
	}
	return model.AugmentedPano{
		RawPano: p,
		Year:    int(parseInt(get(n))),
		Month:   int(parseInt(get(n + 1))),
	}
}

// mlyFinalHeader is mly_pids.csv's column set; caller id columns land at
// the end.
func mlyFinalHeader(idCols []string) []string {
	base := []string{
		"id", "captured_at", "compass_angle", "is_pano", "organization_id", "sequence_id",
		"input_latitude", "input_longitude", "lon", "lat",
	}
	return append(base, idCols...)
}

func rawToMlyFinalRow(p model.RawPano) []string {
	row := []string{
		p.PanoID, strconv.FormatInt(p.CapturedAtMs, 10),
		formatFloat(p.CompassAngle), strconv.FormatBool(p.IsPano),
		p.OrganizationID, p.SequenceID,
		formatFloat(p.InputLat), formatFloat(p.InputLon),
		formatFloat(p.Lon), formatFloat(p.Lat),
	}
	return append(row, p.UserIDs...)
}

// panoURLHeader is pids_urls.csv's column set.
var panoURLHeader = []string{"pano_id", "url", "captured_at"}

func panoURLToRow(u model.PanoURL) []string {
	return []string{u.PanoID, u.URL, strconv.FormatInt(u.CaptureEpoch, 10)}
}

func rowToPanoURL(row []string) model.PanoURL {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	return model.PanoURL{
		RawPano:      model.RawPano{PanoID: get(0)},
		URL:          get(1),
		CaptureEpoch: parseInt(get(2)),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 7, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
