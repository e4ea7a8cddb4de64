// Package mapillary implements the Provider interface for Mapillary:
// panorama discovery via the Graph API's get_image_close_to search,
// thumbnail URL resolution, and a single-image fetch (with optional
// top-half crop) in place of GSV's tile-grid stitch.
package mapillary

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
	"golang.org/x/time/rate"
)

// Config configures the Mapillary provider.
type Config struct {
	AccessToken   string
	GraphBaseURL  string // default: https://graph.mapillary.com
	SearchRadiusM int
	ThumbnailSize string // e.g. "thumb_2048_url"
	CropTopHalf   bool
	MaxWorkers    int

	Proxies *netpool.ProxyPool
	UAs     *netpool.UserAgentPool

	// Limiters throttles requests per host before they leave the
	// process; nil defaults to fetcher.DefaultRateLimiters. Thumbnail
	// CDN hosts are not in the default map and go unthrottled.
	Limiters map[string]*rate.Limiter

	Retry resilience.RetryConfig
}

// Client calls the Mapillary Graph API: one bounded-retry attempt per
// call, with failure recorded by the caller's batch machinery rather
// than retried in place.
type Client struct {
	cfg Config
	hc  *http.Client
}

// NewClient builds a Client from cfg, defaulting empty values to
// Mapillary's production Graph API.
func NewClient(cfg Config) *Client {
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = "https://graph.mapillary.com"
	}
	if cfg.ThumbnailSize == "" {
		cfg.ThumbnailSize = "thumb_2048_url"
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.Limiters == nil {
		cfg.Limiters = fetcher.DefaultRateLimiters()
	}
	return &Client{cfg: cfg, hc: &http.Client{}}
}

// Name identifies this provider for checkpoint directory naming, CLI
// selection, and logging.
func (c *Client) Name() string { return "mly" }

// imageField is one entry in a Graph API "images" search response.
type imageField struct {
	ID             string  `json:"id"`
	CapturedAt     int64   `json:"captured_at"`
	CompassAngle   float64 `json:"compass_angle"`
	IsPano         bool    `json:"is_pano"`
	OrganizationID any     `json:"organization_id"`
	SequenceID     string  `json:"sequence_id"`
	Lon            float64 `json:"-"`
	Lat            float64 `json:"-"`
	Geometry       struct {
		Coordinates [2]float64 `json:"coordinates"`
	} `json:"geometry"`
}

type imagesResponse struct {
	Data []imageField `json:"data"`
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

func (c *Client) get(ctx context.Context, reqURL string, out any) error {
	return resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		if err := c.waitLimiter(ctx, reqURL); err != nil {
			return eris.Wrap(err, "mapillary: rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "mapillary: build request")
		}
		req.Header.Set("Authorization", "OAuth "+c.cfg.AccessToken)
		if ua, ok := c.cfg.UAs.Pick(); ok {
			req.Header.Set("User-Agent", ua)
		}

		client := c.hc
		if proxy, ok := c.cfg.Proxies.Pick(); ok {
			if pu, err := proxy.URL(); err == nil {
				client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return resilience.NewTransientError(eris.Errorf("mapillary: http %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("mapillary: unexpected status %d from %s", resp.StatusCode, reqURL)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return eris.Wrap(err, "mapillary: decode response")
		}
		return nil
	})
}

func (c *Client) downloadBytes(ctx context.Context, reqURL string) ([]byte, error) {
	var data []byte
	err := resilience.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		if err := c.waitLimiter(ctx, reqURL); err != nil {
			return eris.Wrap(err, "mapillary: rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return eris.Wrap(err, "mapillary: build download request")
		}
		if ua, ok := c.cfg.UAs.Pick(); ok {
			req.Header.Set("User-Agent", ua)
		}

		client := c.hc
		if proxy, ok := c.cfg.Proxies.Pick(); ok {
			if pu, err := proxy.URL(); err == nil {
				client = &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}}
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return eris.Errorf("mapillary: unexpected status %d downloading image", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "mapillary: read image body")
		}
		return nil
	})
	return data, err
}

func buildURL(base, path string, params url.Values) string {
	return base + path + "?" + params.Encode()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 7, 64)
}
