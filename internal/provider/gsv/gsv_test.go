package gsv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, metadataURL, tileURL string) *Client {
	t.Helper()
	return NewClient(Config{
		APIKey:      "test-key",
		MetadataURL: metadataURL,
		TileBaseURL: tileURL,
		HTiles:      2,
		VTiles:      1,
		Retry:       resilience.DefaultRetryConfig(),
	})
}

func TestName(t *testing.T) {
	c := newTestClient(t, "", "")
	assert.Equal(t, "gsv", c.Name())
}

func TestNewClient_DefaultsPerHostLimiters(t *testing.T) {
	c := NewClient(Config{})
	assert.Contains(t, c.cfg.Limiters, "maps.googleapis.com")
	assert.Contains(t, c.cfg.Limiters, "streetviewpixels-pa.googleapis.com")
}

// searchBody builds a response in the nested-array shape the unofficial
// search endpoint returns, one entry per (panoid, lat, lon).
func searchBody(entries ...[3]string) string {
	var b strings.Builder
	b.WriteString(`)]}'` + "\n[[")
	for _, e := range entries {
		fmt.Fprintf(&b, `[1,"%s"],[[null,null,%s,%s]],`, e[0], e[1], e[2])
	}
	b.WriteString("]]")
	return b.String()
}

func TestDiscoverPanos_NoKeyMultiResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("key"))
		assert.Contains(t, r.URL.Query().Get("pb"), "3d40.0000000")
		w.Write([]byte(searchBody(
			[3]string{"AAAAAAAAAAAAAAAAAAAAAA", "40.1000000", "-73.1000000"},
			[3]string{"BBBBBBBBBBBBBBBBBBBBBB", "40.2000000", "-73.2000000"},
			[3]string{"AAAAAAAAAAAAAAAAAAAAAA", "40.1000000", "-73.1000000"},
		)))
	}))
	defer srv.Close()

	// No APIKey: discovery must work without a credential.
	c := NewClient(Config{SearchURL: srv.URL, Retry: resilience.DefaultRetryConfig()})
	panos, err := c.DiscoverPanos(context.Background(), model.QueryPoint{LatLonID: "ll1", Lat: 40.0, Lon: -73.0})
	require.NoError(t, err)
	require.Len(t, panos, 2) // duplicate entry collapsed
	assert.Equal(t, "AAAAAAAAAAAAAAAAAAAAAA", panos[0].PanoID)
	assert.Equal(t, "ll1", panos[0].LatLonID)
	assert.InDelta(t, 40.1, panos[0].Lat, 1e-6)
	assert.InDelta(t, -73.2, panos[1].Lon, 1e-6)
}

func TestDiscoverPanos_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`)]}'` + "\n[[]]"))
	}))
	defer srv.Close()

	c := NewClient(Config{SearchURL: srv.URL, Retry: resilience.DefaultRetryConfig()})
	panos, err := c.DiscoverPanos(context.Background(), model.QueryPoint{Lat: 40.0, Lon: -73.0})
	require.NoError(t, err)
	assert.Empty(t, panos)
}

func TestAugment_ParsesYearMonth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "OK", "date": "2021-06"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	result, err := c.Augment(context.Background(), model.RawPano{PanoID: "abc"})
	require.NoError(t, err)
	ap := result.(model.AugmentedPano)
	assert.Equal(t, 2021, ap.Year)
	assert.Equal(t, 6, ap.Month)
}

func TestAugment_FailureYieldsZeroValueNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	c.cfg.Retry.MaxAttempts = 1
	result, err := c.Augment(context.Background(), model.RawPano{PanoID: "abc"})
	require.NoError(t, err)
	ap := result.(model.AugmentedPano)
	assert.Equal(t, 0, ap.Year)
	assert.Equal(t, "abc", ap.PanoID)
}

func TestParseYearMonth(t *testing.T) {
	y, m := parseYearMonth("2019-11")
	assert.Equal(t, 2019, y)
	assert.Equal(t, 11, m)

	y, m = parseYearMonth("")
	assert.Equal(t, 0, y)
	assert.Equal(t, 0, m)

	y, m = parseYearMonth("garbage")
	assert.Equal(t, 0, y)
	assert.Equal(t, 0, m)
}

func TestFetchImage_StitchesTilesAndWritesPanoIDNamedFile(t *testing.T) {
	var tileBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&tileBuf, image.NewRGBA(image.Rect(0, 0, 512, 512)), nil))
	tileData := tileBuf.Bytes()

	tileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc123", r.URL.Query().Get("panoid"))
		w.Write(tileData)
	}))
	defer tileSrv.Close()

	dir := t.TempDir()
	c := newTestClient(t, "", tileSrv.URL)
	c.cfg.Full = true
	err := c.FetchImage(context.Background(), model.FetchTask{PanoID: "abc123", OutputDir: dir})
	require.NoError(t, err)

	out := filepath.Join(dir, "abc123.jpg")
	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()

	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Width) // 2 h-tiles of 512
	assert.Equal(t, 512, cfg.Height) // 1 v-tile of 512
}
