package geoinput

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/svi-fetch/internal/fetcher"
)

// nominatimFetcher rate-limits geocoding requests to one per second, the
// ceiling OSM's usage policy asks anonymous Nominatim clients to respect.
var nominatimFetcher = fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
	UserAgent: "svi-fetch/1.0 (contact: ops@example.com)",
	RateLimiters: map[string]*rate.Limiter{
		"nominatim.openstreetmap.org": rate.NewLimiter(1, 1),
	},
})

// nominatimResult mirrors the fields Nominatim's /search endpoint returns
// when polygon_geojson=1 is set.
type nominatimResult struct {
	Lat            string          `json:"lat"`
	Lon            string          `json:"lon"`
	GeoJSON        json.RawMessage `json:"geojson"`
	DisplayName    string          `json:"display_name"`
}

// resolvePlace geocodes a named place via Nominatim and returns its
// boundary polygon. Nominatim is used instead of a point-only geocoder
// because the Input Resolver needs a boundary to grid over, not a pin.
func resolvePlace(ctx context.Context, baseURL, place string) (orb.Polygon, error) {
	if baseURL == "" {
		baseURL = "https://nominatim.openstreetmap.org/search"
	}
	q := url.Values{}
	q.Set("q", place)
	q.Set("format", "jsonv2")
	q.Set("polygon_geojson", "1")
	q.Set("limit", "1")

	reqURL := baseURL + "?" + q.Encode()
	body, err := nominatimFetcher.Download(ctx, reqURL)
	if err != nil {
		return nil, eris.Wrap(err, "geoinput: nominatim request")
	}
	defer body.Close() //nolint:errcheck

	var results []nominatimResult
	if err := json.NewDecoder(body).Decode(&results); err != nil {
		return nil, eris.Wrap(err, "geoinput: decode nominatim response")
	}
	if len(results) == 0 {
		return nil, eris.Errorf("geoinput: place %q not found", place)
	}

	top := results[0]
	if len(top.GeoJSON) == 0 {
		return nil, eris.Errorf("geoinput: place %q has no boundary geometry", place)
	}

	g, err := geojson.UnmarshalGeometry(top.GeoJSON)
	if err != nil {
		return nil, eris.Wrap(err, "geoinput: parse place geometry")
	}

	rings := geometryRings(g.Geometry())
	if len(rings) == 0 {
		return nil, eris.Errorf("geoinput: place %q geometry is not a polygon", place)
	}
	return rings, nil
}
