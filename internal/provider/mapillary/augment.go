package mapillary

import (
	"context"
	"net/url"

	"github.com/sells-group/svi-fetch/internal/model"
	"go.uber.org/zap"
)

// Augment resolves pano's thumbnail download URL at the configured
// resolution via /{pano_id}?fields={resolution}. A failure is logged
// and yields a
// PanoURL with an empty URL rather than aborting the batch, matching
// GSV's Augment contract of "null on failure, never abort".
func (c *Client) Augment(ctx context.Context, pano model.RawPano) (any, error) {
	params := url.Values{}
	params.Set("fields", c.cfg.ThumbnailSize)

	var raw map[string]any
	reqURL := buildURL(c.cfg.GraphBaseURL, "/"+pano.PanoID, params)
	if err := c.get(ctx, reqURL, &raw); err != nil {
		zap.L().Warn("mapillary: url resolution failed", zap.String("panoid", pano.PanoID), zap.Error(err))
		return model.PanoURL{RawPano: pano}, nil
	}

	thumbURL, _ := raw[c.cfg.ThumbnailSize].(string)
	return model.PanoURL{
		RawPano:      pano,
		URL:          thumbURL,
		CaptureEpoch: pano.CapturedAtMs,
	}, nil
}
