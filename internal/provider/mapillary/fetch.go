package mapillary

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
	imgstitch "github.com/sells-group/svi-fetch/internal/imaging"
	"github.com/sells-group/svi-fetch/internal/model"
)

// FetchImage downloads task.URL (pre-resolved by Augment) and writes
// <OutputDir>/<PanoID>.png. If CropTopHalf, only the top half of the
// image is kept.
func (c *Client) FetchImage(ctx context.Context, task model.FetchTask) error {
	if task.URL == "" {
		return eris.Errorf("mapillary: no resolved url for pano %s", task.PanoID)
	}

	data, err := c.downloadBytes(ctx, task.URL)
	if err != nil {
		return eris.Wrapf(err, "mapillary: fetch image for %s", task.PanoID)
	}

	if c.cfg.CropTopHalf {
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return eris.Wrapf(err, "mapillary: decode image for %s", task.PanoID)
		}
		cropped := imgstitch.CropTopHalf(img)
		var buf bytes.Buffer
		if err := png.Encode(&buf, cropped); err != nil {
			return eris.Wrapf(err, "mapillary: re-encode cropped image for %s", task.PanoID)
		}
		data = buf.Bytes()
	}

	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return eris.Wrap(err, "mapillary: create output dir")
	}
	out := filepath.Join(task.OutputDir, task.PanoID+".png")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return eris.Wrapf(err, "mapillary: write image %s", out)
	}
	return nil
}
