package gsv

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/resilience"
)

// searchPB is the pb parameter the unofficial single-image-search
// endpoint expects: latitude, longitude, and search radius in meters
// interpolated into its protobuf text encoding. The endpoint is the one
// the public web viewer queries; it takes no API key.
const searchPB = "!1m5!1sapiv3!5sUS!11m2!1m1!1b0!2m4!1m2!3d%.7f!4d%.7f!2d%d!3m18!2m2!1sen!2sUS!9m1!1e2!11m12!1m3!1e2!2b1!3e2!1m3!1e3!2b1!3e2!1m3!1e10!2b1!3e2!4m6!1e1!1e2!1e3!1e4!1e8!1e6"

// panoEntryPattern extracts each pano entry from the search response's
// nested-array body: a 22-character pano id followed by its null-padded
// (lat, lon) coordinate pair.
var panoEntryPattern = regexp.MustCompile(`\[[0-9]+,"([A-Za-z0-9_\-]{22})"\].+?\[\[null,null,(-?[0-9]+\.[0-9]+),(-?[0-9]+\.[0-9]+)`)

// DiscoverPanos finds every panorama near qp within the configured
// search radius via the unofficial single-image-search endpoint. No
// credential is needed: only metadata augmentation is key-gated.
func (c *Client) DiscoverPanos(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error) {
	radius := c.cfg.SearchRadiusM
	if radius <= 0 {
		radius = 50
	}

	reqURL := c.cfg.SearchURL + "?pb=" + fmt.Sprintf(searchPB, qp.Lat, qp.Lon, radius)

	var body []byte
	err := c.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			rc, err := c.fetchOnce(ctx, reqURL)
			if err != nil {
				return err
			}
			defer rc.Close() //nolint:errcheck
			body, err = io.ReadAll(rc)
			if err != nil {
				return eris.Wrap(err, "gsv: read search response")
			}
			return nil
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "gsv: discover panos")
	}

	matches := panoEntryPattern.FindAllStringSubmatch(string(body), -1)
	seen := make(map[string]struct{}, len(matches))
	panos := make([]model.RawPano, 0, len(matches))
	for _, m := range matches {
		panoID := m[1]
		if _, dup := seen[panoID]; dup {
			continue
		}
		seen[panoID] = struct{}{}
		lat, _ := strconv.ParseFloat(m[2], 64)
		lon, _ := strconv.ParseFloat(m[3], 64)
		panos = append(panos, model.RawPano{
			PanoID:   panoID,
			LatLonID: qp.LatLonID,
			Lat:      lat,
			Lon:      lon,
			InputLat: qp.Lat,
			InputLon: qp.Lon,
			UserIDs:  qp.UserIDs,
			Provider: model.ProviderGSV,
		})
	}
	return panos, nil
}
