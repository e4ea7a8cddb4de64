// Package imaging stitches a grid of downloaded JPEG tiles into one
// equirectangular panorama and optionally crops it, built on
// github.com/disintegration/imaging.
package imaging

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"
)

// Tile is one decoded tile at its grid position.
type Tile struct {
	Row, Col int
	Data     []byte
}

// StitchGrid decodes hTiles*vTiles JPEG tiles and pastes them into one
// image sized hTiles*tileWidth by vTiles*tileHeight, in row-major order.
// A missing tile (absent from tiles) is left blank rather than failing
// the whole pano, since a single dropped tile shouldn't sink an
// otherwise-complete capture.
func StitchGrid(tiles []Tile, hTiles, vTiles, tileWidth, tileHeight int) (image.Image, error) {
	canvas := imaging.New(hTiles*tileWidth, vTiles*tileHeight, image.Transparent)

	for _, t := range tiles {
		if t.Row < 0 || t.Row >= vTiles || t.Col < 0 || t.Col >= hTiles {
			continue
		}
		img, err := imaging.Decode(bytes.NewReader(t.Data))
		if err != nil {
			return nil, eris.Wrapf(err, "imaging: decode tile (%d,%d)", t.Row, t.Col)
		}
		canvas = imaging.Paste(canvas, img, image.Pt(t.Col*tileWidth, t.Row*tileHeight))
	}

	return canvas, nil
}

// CropTopHalf returns the top half of img, the crop Mapillary thumbnails
// use to discard the ground-facing half of a full panorama when only
// the forward-facing view is wanted.
func CropTopHalf(img image.Image) image.Image {
	b := img.Bounds()
	return imaging.Crop(img, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+b.Dy()/2))
}

// ClipEmptyBorders trims fully-transparent rows and columns from img's
// edges inward, the `full=false` behavior: a GSV tile grid that is
// missing trailing tiles (StitchGrid leaves a missing tile blank rather
// than failing the pano) otherwise carries dead transparent borders all
// the way to disk. A canvas with no opaque pixel at all is returned
// unchanged rather than clipped to a zero-size image.
func ClipEmptyBorders(img image.Image) image.Image {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X, b.Min.Y
	found := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			found = true
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if !found {
		return img
	}
	return imaging.Crop(img, image.Rect(minX, minY, maxX+1, maxY+1))
}

// EncodeJPEG encodes img as a JPEG at the given quality (1-100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, eris.Wrap(err, "imaging: encode jpeg")
	}
	return buf.Bytes(), nil
}
