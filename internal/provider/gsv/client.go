// Package gsv implements the Provider interface for Google Street View:
// panorama discovery and metadata augmentation via the Street View
// Metadata API, and image fetch via the tile endpoint the official web
// viewer uses, stitched client-side into one equirectangular JPEG.
package gsv

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/fetcher"
	"github.com/sells-group/svi-fetch/internal/netpool"
	"github.com/sells-group/svi-fetch/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config configures the GSV provider.
type Config struct {
	// APIKey authorizes the metadata endpoint only; discovery and tile
	// fetch hit unauthenticated endpoints and never send it.
	APIKey        string
	SearchURL     string // default: the unofficial GeoPhotoService single-image search
	MetadataURL   string // default: https://maps.googleapis.com/maps/api/streetview/metadata
	TileBaseURL   string // default: https://streetviewpixels-pa.googleapis.com/v1/tile
	SearchRadiusM int

	HTiles, VTiles, Zoom int

	Cropped bool
	// Full, when false, clips transparent borders a partial tile grid
	// leaves behind instead of keeping the full stitched canvas.
	// Defaults to true (config.GSVConfig.Full).
	Full bool

	Proxies *netpool.ProxyPool
	UAs     *netpool.UserAgentPool

	// Limiters throttles requests per host before they leave the
	// process; nil defaults to fetcher.DefaultRateLimiters.
	Limiters map[string]*rate.Limiter

	Retry   resilience.RetryConfig
	Breaker *resilience.CircuitBreaker
}

// Client calls the Google Street View HTTP endpoints with a
// bounded-retry-plus-circuit-breaker policy rather than retrying
// indefinitely against a rotating proxy pool.
type Client struct {
	cfg Config
	hc  *http.Client
}

// NewClient builds a Client from cfg, defaulting empty URLs to Google's
// production endpoints.
func NewClient(cfg Config) *Client {
	if cfg.SearchURL == "" {
		cfg.SearchURL = "https://maps.googleapis.com/maps/api/js/GeoPhotoService.SingleImageSearch"
	}
	if cfg.MetadataURL == "" {
		cfg.MetadataURL = "https://maps.googleapis.com/maps/api/streetview/metadata"
	}
	if cfg.TileBaseURL == "" {
		cfg.TileBaseURL = "https://streetviewpixels-pa.googleapis.com/v1/tile"
	}
	if cfg.HTiles == 0 {
		cfg.HTiles = 4
	}
	if cfg.VTiles == 0 {
		cfg.VTiles = 2
	}
	if cfg.Zoom == 0 {
		cfg.Zoom = 2
	}
	if cfg.Limiters == nil {
		cfg.Limiters = fetcher.DefaultRateLimiters()
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return &Client{cfg: cfg, hc: &http.Client{}}
}

// metadataResponse is the subset of the Street View Metadata API response
// this client needs.
type metadataResponse struct {
	Status   string  `json:"status"`
	PanoID   string  `json:"pano_id"`
	Lat      float64 `json:"-"`
	Lon      float64 `json:"-"`
	Date     string  `json:"date"` // "YYYY-MM"
	Location struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	} `json:"location"`
}

// getMetadata calls the metadata endpoint with the given query params,
// retried with exponential backoff and gated by the circuit breaker,
// rotating proxy and user-agent per attempt. This is the only
// authenticated call the client makes; the key never rides on discovery
// or tile requests.
func (c *Client) getMetadata(ctx context.Context, params url.Values) (*metadataResponse, error) {
	params.Set("key", c.cfg.APIKey)
	reqURL := c.cfg.MetadataURL + "?" + params.Encode()

	var result metadataResponse
	err := c.cfg.Breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
			body, err := c.fetchOnce(ctx, reqURL)
			if err != nil {
				return err
			}
			defer body.Close() //nolint:errcheck
			if err := json.NewDecoder(body).Decode(&result); err != nil {
				return eris.Wrap(err, "gsv: decode metadata response")
			}
			if result.Status != "OK" && result.Status != "" {
				return resilience.NewTransientError(eris.Errorf("gsv: metadata status %s", result.Status), 0)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// waitLimiter blocks until the per-host rate limiter (if one is
// configured for reqURL's host) allows the request out.
func (c *Client) waitLimiter(ctx context.Context, reqURL string) error {
	u, err := url.Parse(reqURL)
	if err != nil {
		return nil
	}
	lim, ok := c.cfg.Limiters[u.Host]
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}

func (c *Client) fetchOnce(ctx context.Context, reqURL string) (io.ReadCloser, error) {
	if err := c.waitLimiter(ctx, reqURL); err != nil {
		return nil, eris.Wrap(err, "gsv: rate limiter wait")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "gsv: build request")
	}
	if ua, ok := c.cfg.UAs.Pick(); ok {
		req.Header.Set("User-Agent", ua)
	}

	client := c.hc
	if proxy, ok := c.cfg.Proxies.Pick(); ok {
		pu, err := proxy.URL()
		if err == nil {
			client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(err, 0)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		status := resp.StatusCode
		resp.Body.Close() //nolint:errcheck
		return nil, resilience.NewTransientError(eris.Errorf("gsv: http %d", status), status)
	}
	if resp.StatusCode != http.StatusOK {
		status := resp.StatusCode
		resp.Body.Close() //nolint:errcheck
		return nil, eris.Errorf("gsv: unexpected status %d from %s", status, reqURL)
	}
	return resp.Body, nil
}

// fetchTile downloads one grid tile for panoID at (x, y).
func (c *Client) fetchTile(ctx context.Context, panoID string, x, y int) ([]byte, error) {
	q := url.Values{}
	q.Set("panoid", panoID)
	q.Set("x", strconv.Itoa(x))
	q.Set("y", strconv.Itoa(y))
	q.Set("zoom", strconv.Itoa(c.cfg.Zoom))
	q.Set("nbt", "1")
	q.Set("fov", "180")
	reqURL := c.cfg.TileBaseURL + "?" + q.Encode()

	var data []byte
	err := resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		body, err := c.fetchOnce(ctx, reqURL)
		if err != nil {
			return err
		}
		defer body.Close() //nolint:errcheck
		data, err = io.ReadAll(body)
		if err != nil {
			return eris.Wrap(err, "gsv: read tile body")
		}
		return nil
	})
	if err != nil {
		zap.L().Warn("gsv: tile fetch failed", zap.String("panoid", panoID), zap.Int("x", x), zap.Int("y", y), zap.Error(err))
		return nil, err
	}
	return data, nil
}
