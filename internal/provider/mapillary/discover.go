package mapillary

import (
	"context"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
)

// DiscoverPanos searches for images close to qp within the configured
// search radius via the Graph API's "images" search endpoint,
// requesting the field set the final pid table needs so no second
// round-trip is required per pano.
func (c *Client) DiscoverPanos(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error) {
	radius := c.cfg.SearchRadiusM
	if radius <= 0 {
		radius = 50
	}

	params := url.Values{}
	params.Set("fields", "id,captured_at,compass_angle,is_pano,organization_id,sequence_id,geometry")
	params.Set("closeto", formatFloat(qp.Lon)+","+formatFloat(qp.Lat))
	params.Set("radius", strconv.Itoa(radius))

	var resp imagesResponse
	reqURL := buildURL(c.cfg.GraphBaseURL, "/images", params)
	if err := c.get(ctx, reqURL, &resp); err != nil {
		return nil, eris.Wrap(err, "mapillary: discover panos")
	}

	panos := make([]model.RawPano, 0, len(resp.Data))
	for _, img := range resp.Data {
		orgID := ""
		if img.OrganizationID != nil {
			orgID = toString(img.OrganizationID)
		}
		panos = append(panos, model.RawPano{
			PanoID:         img.ID,
			LatLonID:       qp.LatLonID,
			Lat:            img.Geometry.Coordinates[1],
			Lon:            img.Geometry.Coordinates[0],
			InputLat:       qp.Lat,
			InputLon:       qp.Lon,
			UserIDs:        qp.UserIDs,
			Provider:       model.ProviderMLY,
			CompassAngle:   img.CompassAngle,
			IsPano:         img.IsPano,
			OrganizationID: orgID,
			SequenceID:     img.SequenceID,
			CapturedAtMs:   img.CapturedAt,
		})
	}
	return panos, nil
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
