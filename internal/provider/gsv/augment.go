package gsv

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/sells-group/svi-fetch/internal/model"
	"go.uber.org/zap"
)

// Augment resolves a pano's capture year/month via the metadata
// endpoint's "date" field ("YYYY-MM"). A metadata failure is logged as a
// warning and yields a zero Year/Month with a nil error, so the pano stays
// in the batch's output (empty year/month) and is not written to the
// failure log.
func (c *Client) Augment(ctx context.Context, pano model.RawPano) (any, error) {
	params := url.Values{}
	params.Set("pano", pano.PanoID)

	meta, err := c.getMetadata(ctx, params)
	if err != nil {
		zap.L().Warn("gsv: metadata augmentation failed", zap.String("panoid", pano.PanoID), zap.Error(err))
		return model.AugmentedPano{RawPano: pano}, nil
	}

	year, month := parseYearMonth(meta.Date)
	return model.AugmentedPano{
		RawPano: pano,
		Year:    year,
		Month:   month,
	}, nil
}

// parseYearMonth parses a Street View metadata "date" field of the form
// "YYYY-MM". An unparseable or empty date yields (0, 0): callers must
// not treat that as January of year zero.
func parseYearMonth(date string) (int, int) {
	parts := strings.Split(date, "-")
	if len(parts) != 2 {
		return 0, 0
	}
	year, err1 := strconv.Atoi(parts[0])
	month, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return year, month
}
