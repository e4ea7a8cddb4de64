package gsv

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/imaging"
	"github.com/sells-group/svi-fetch/internal/model"
	"golang.org/x/sync/errgroup"
)

const tileSize = 512

// FetchImage downloads the h_tiles x v_tiles grid for task.PanoID,
// stitches it into one equirectangular image, optionally crops it, and
// writes it to <OutputDir>/<PanoID>.jpg — the filename-stem-equals-
// panoid invariant the completion index relies on.
func (c *Client) FetchImage(ctx context.Context, task model.FetchTask) error {
	hTiles, vTiles := c.cfg.HTiles, c.cfg.VTiles

	tiles := make([]imaging.Tile, hTiles*vTiles)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for row := 0; row < vTiles; row++ {
		for col := 0; col < hTiles; col++ {
			row, col := row, col
			idx := row*hTiles + col
			g.Go(func() error {
				data, err := c.fetchTile(gctx, task.PanoID, col, row)
				if err != nil {
					return err
				}
				tiles[idx] = imaging.Tile{Row: row, Col: col, Data: data}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return eris.Wrapf(err, "gsv: fetch tiles for %s", task.PanoID)
	}

	stitched, err := imaging.StitchGrid(tiles, hTiles, vTiles, tileSize, tileSize)
	if err != nil {
		return eris.Wrapf(err, "gsv: stitch tiles for %s", task.PanoID)
	}

	if c.cfg.Cropped {
		stitched = imaging.CropTopHalf(stitched)
	}
	if !c.cfg.Full {
		stitched = imaging.ClipEmptyBorders(stitched)
	}

	encoded, err := imaging.EncodeJPEG(stitched, 90)
	if err != nil {
		return eris.Wrapf(err, "gsv: encode image for %s", task.PanoID)
	}

	if err := os.MkdirAll(task.OutputDir, 0o755); err != nil {
		return eris.Wrap(err, "gsv: create output dir")
	}
	out := filepath.Join(task.OutputDir, task.PanoID+".jpg")
	if err := os.WriteFile(out, encoded, 0o644); err != nil {
		return eris.Wrapf(err, "gsv: write image %s", out)
	}
	return nil
}
