// Package model defines the data types that flow through the ingestion
// pipeline: query points supplied by the Input Resolver, raw and augmented
// panorama records produced by the provider stages, and the bookkeeping
// types shared by the Checkpoint Store and Rate/Retry Controller.
package model

import "time"

// Provider identifies which street-level imagery backend a record came
// from or is destined for.
type Provider string

const (
	ProviderGSV Provider = "gsv"
	ProviderMLY Provider = "mly"
)

// QueryPoint is one coordinate the Input Resolver has resolved from a
// point, CSV, shapefile/GeoJSON polygon, or named place, optionally
// expanded into a buffer/grid. LatLonID is the point's 1-based sequential
// index in the resolved point list, the id lat_lon.csv and the discovery
// shards carry.
type QueryPoint struct {
	LatLonID string  `csv:"lat_lon_id"`
	Lat      float64 `csv:"lat"`
	Lon      float64 `csv:"lon"`

	// UserIDs carries through an input row's identifier column values
	// (e.g. "id", "fid", or several caller-named columns) so output rows
	// can be joined back to the caller's dataset. Values are ordered to
	// match the run's resolved id column names; empty when the input
	// carried no id columns.
	UserIDs []string `csv:"-"`
}

// RawPano is a panorama ID discovered near a QueryPoint, before metadata
// augmentation or URL resolution. InputLat/InputLon/LatLonID/UserIDs are
// the back-references to the QueryPoint that produced it, carried on
// every row so downstream joins never need the original point table
// again.
type RawPano struct {
	PanoID   string   `csv:"panoid"`
	LatLonID string   `csv:"lat_lon_id"`
	Lat      float64  `csv:"lat"`
	Lon      float64  `csv:"lon"`
	InputLat float64  `csv:"input_latitude"`
	InputLon float64  `csv:"input_longitude"`
	UserIDs  []string `csv:"-"`
	Provider Provider `csv:"-"`

	// Mapillary-specific raw fields, carried flat on RawPano rather than
	// a separate embedded struct since only one provider is ever active
	// per run: GSV leaves these at their zero value.
	CompassAngle   float64 `csv:"compass_angle,omitempty"`
	IsPano         bool    `csv:"is_pano,omitempty"`
	OrganizationID string  `csv:"organization_id,omitempty"`
	SequenceID     string  `csv:"sequence_id,omitempty"`
	CapturedAtMs   int64   `csv:"-"`
}

// AugmentedPano is a GSV RawPano enriched with capture date metadata.
// Year/Month are zero when the metadata call failed; callers must not
// treat a zero value as "January of year 0".
type AugmentedPano struct {
	RawPano
	Year  int `csv:"year"`
	Month int `csv:"month"`
}

// PanoURL is a Mapillary pano resolved to a concrete image download URL.
type PanoURL struct {
	RawPano
	URL          string `csv:"url"`
	CaptureEpoch int64  `csv:"captured_at"`
}

// FetchTask is one unit of work for the Image Fetcher: download the
// imagery for PanoID and write it under OutputDir.
type FetchTask struct {
	PanoID     string
	LatLonID   string
	Provider   Provider
	URL        string // pre-resolved for Mapillary; empty for GSV (tile grid)
	OutputDir  string
	CapturedAt time.Time
}

// CheckpointShard names one partial-batch CSV file under a stage's
// checkpoint directory, e.g. "checkpoint_batch_3.csv".
type CheckpointShard struct {
	Path  string
	Batch int
}

// FailedUnit is one row appended to a stage's failure log: an item that
// could not be processed, with enough context to retry or audit later.
// Shaped after a dead-letter entry, but scoped to a single pipeline item
// rather than the retry-queue bookkeeping resilience.DLQEntry carries.
type FailedUnit struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Reason    string    `json:"reason"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchResult is the outcome of running one batch of items through a
// stage's worker pool: the rows produced plus whichever items failed.
type BatchResult[T any] struct {
	Rows   []T
	Failed []FailedUnit
}
