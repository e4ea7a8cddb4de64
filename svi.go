// Package svi implements the provider-pluggable panorama ingestion
// pipeline: resolve a geospatial input into query points, discover
// panorama ids, augment metadata or resolve download URLs, and fetch
// imagery to disk, each stage checkpointed for resume-after-crash.
// cmd/svi wires this package's Download to a Cobra CLI.
package svi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/config"
	"github.com/sells-group/svi-fetch/internal/fetcher"
	"github.com/sells-group/svi-fetch/internal/geoinput"
	"github.com/sells-group/svi-fetch/internal/netpool"
	"github.com/sells-group/svi-fetch/internal/pipeline"
	"github.com/sells-group/svi-fetch/internal/provider"
	"github.com/sells-group/svi-fetch/internal/provider/gsv"
	"github.com/sells-group/svi-fetch/internal/provider/mapillary"
	"github.com/sells-group/svi-fetch/internal/resilience"
	"go.uber.org/zap"
)

// Options configures one Download run.
type Options struct {
	Provider string // "gsv" or "mly"

	// Geospatial input: exactly one of Point/InputCSVFile/InputShpFile/
	// InputGeoJSONFile/InputPlaceName must be set.
	Point            bool
	Lat, Lon         float64
	InputCSVFile     string
	InputShpFile     string
	InputGeoJSONFile string
	InputPlaceName   string
	NominatimURL     string

	IDColumns []string // CSV input only: ordered column names carrying each row's caller ids

	BufferMeters float64
	GridMeters   float64

	// UpdatePids, when false, reuses an existing final pids table
	// verbatim and skips discovery/augmentation; when no final table
	// exists yet, discovery and augmentation run as usual.
	UpdatePids bool

	StartDate, EndDate string // ISO YYYY-MM-DD, optional

	AugmentMetadata bool   // GSV only
	Resolution      string // Mapillary only, e.g. "thumb_2048_url"
	Cropped         bool

	// Full, when non-nil, overrides the GSV tile stitcher's default of
	// keeping the full equirectangular image; Full=false clips the
	// transparent borders a partial tile grid otherwise leaves behind. A
	// nil value defers to config.GSVConfig.Full (default true). GSV only.
	Full *bool

	BatchSize int
}

// Summary reports what one Download run produced.
type Summary struct {
	PidsPath    string
	TotalPids   int
	ImagesCount int
	Elapsed     time.Duration
}

// Download runs the full pipeline end to end for one input, writing
// results under outDir: a scratch cache_svi/ directory (removed on
// success), the provider's final pids table, and a batch-numbered image
// tree. It is this module's sole entry point.
func Download(ctx context.Context, cfg *config.Config, outDir string, opts Options) (*Summary, error) {
	started := time.Now()
	runID := uuid.NewString()
	log := zap.L().With(
		zap.String("component", "svi"),
		zap.String("provider", opts.Provider),
		zap.String("run_id", runID),
	)

	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	startDate, endDate, err := parseDateRange(opts.StartDate, opts.EndDate)
	if err != nil {
		return nil, err
	}
	if opts.Provider == "gsv" && opts.AugmentMetadata && cfg.GSV.APIKey == "" {
		return nil, &MissingCredentialError{Provider: "gsv", Operation: "metadata augmentation"}
	}

	cacheDir := filepath.Join(outDir, "cache_svi")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "svi: create cache dir")
	}

	prov, err := buildProvider(cfg, opts)
	if err != nil {
		return nil, err
	}

	rawPidsPath := filepath.Join(cacheDir, "pids_raw.csv")
	finalPidsPath, imageDir, logPath := layoutFor(outDir, opts.Provider)

	if !opts.UpdatePids {
		if _, statErr := os.Stat(finalPidsPath); statErr == nil {
			log.Info("svi: update_pids=false and final pids table already exists, skipping discovery/augmentation", zap.String("path", finalPidsPath))
		} else {
			log.Info("svi: update_pids=false but no final pids table exists yet, running discovery anyway")
			idCols, err := resolveAndDiscover(ctx, cfg, opts, cacheDir, rawPidsPath, prov)
			if err != nil {
				return nil, err
			}
			if err := augmentOrResolve(ctx, cfg, opts, cacheDir, rawPidsPath, finalPidsPath, logPath, idCols, prov); err != nil {
				return nil, err
			}
		}
	} else {
		idCols, err := resolveAndDiscover(ctx, cfg, opts, cacheDir, rawPidsPath, prov)
		if err != nil {
			return nil, err
		}
		if err := augmentOrResolve(ctx, cfg, opts, cacheDir, rawPidsPath, finalPidsPath, logPath, idCols, prov); err != nil {
			return nil, err
		}
	}

	fetchOpts := pipeline.FetchOptions{
		PidsPath:    finalPidsPath,
		OutputDir:   imageDir,
		LogPath:     logPath,
		BatchSize:   batchSize(cfg, opts),
		Concurrency: concurrencyFor(cfg, opts),
		StartDate:   startDate,
		EndDate:     endDate,
	}
	var fetchErr error
	if opts.Provider == "gsv" {
		fetchErr = pipeline.FetchGSV(ctx, prov, fetchOpts)
	} else {
		// Mapillary fetches from the URL table MAUR resolved, not the
		// final pid table: pids_urls.csv carries both the download URL and
		// the captured_at epoch the date filter needs.
		fetchOpts.PidsPath = filepath.Join(outDir, "pids_urls.csv")
		fetchErr = pipeline.FetchMapillary(ctx, prov, fetchOpts)
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	totalPids, err := pipeline.CountFinalPids(finalPidsPath)
	if err != nil {
		return nil, err
	}
	imageCount, err := pipeline.CountImages(imageDir)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(cacheDir); err != nil {
		log.Warn("svi: failed to remove scratch cache directory after success", zap.Error(err))
	}

	return &Summary{
		PidsPath:    finalPidsPath,
		TotalPids:   totalPids,
		ImagesCount: imageCount,
		Elapsed:     time.Since(started),
	}, nil
}

// resolveAndDiscover resolves the geospatial input and runs discovery,
// returning the run's resolved id column names for the later stages'
// output headers.
func resolveAndDiscover(ctx context.Context, cfg *config.Config, opts Options, cacheDir, rawPidsPath string, prov provider.Provider) ([]string, error) {
	result, err := geoinput.Resolve(ctx, geoinput.Options{
		Kind:         inputKind(opts),
		Lat:          opts.Lat,
		Lon:          opts.Lon,
		Path:         inputPath(opts),
		PlaceName:    opts.InputPlaceName,
		NominatimURL: opts.NominatimURL,
		IDColumns:    opts.IDColumns,
		BufferMeters: opts.BufferMeters,
		GridMeters:   opts.GridMeters,
		CacheDir:     cacheDir,
	})
	if err != nil {
		// Unresolvable inputs (no recognizable lat/lon column, unknown
		// place name, unreadable geometry) are the caller's to fix.
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	err = pipeline.Discover(ctx, result.Points, prov, pipeline.DiscoverOptions{
		ShardDir:       filepath.Join(cacheDir, "raw_pids"),
		OutputPath:     rawPidsPath,
		BatchSize:      batchSize(cfg, opts),
		Concurrency:    concurrencyFor(cfg, opts),
		IDColumns:      result.IDColumns,
		Polygon:        result.Polygon,
		DeadLetterPath: filepath.Join(cacheDir, "dlq_pidd.jsonl"),
	})
	return result.IDColumns, err
}

// concurrencyFor returns the per-batch worker pool bound: Mapillary
// honors its own max_workers setting, everything else uses the shared
// batch concurrency cap.
func concurrencyFor(cfg *config.Config, opts Options) int {
	if opts.Provider == "mly" && cfg.Mapillary.MaxWorkers > 0 {
		return cfg.Mapillary.MaxWorkers
	}
	return cfg.Batch.MaxConcurrency
}

func augmentOrResolve(ctx context.Context, cfg *config.Config, opts Options, cacheDir, rawPidsPath, finalPidsPath, logPath string, idCols []string, prov provider.Provider) error {
	augOpts := pipeline.AugmentOptions{
		BatchSize:      batchSize(cfg, opts),
		Concurrency:    concurrencyFor(cfg, opts),
		IDColumns:      idCols,
		LogPath:        logPath,
		DeadLetterPath: filepath.Join(cacheDir, "dlq_maur.jsonl"),
	}
	if opts.Provider == "gsv" {
		if !opts.AugmentMetadata {
			// No augmentation requested: the final table keeps the same
			// rows discovery produced, year/month left empty.
			return pipeline.WriteGsvFinalPids(rawPidsPath, finalPidsPath, idCols)
		}
		augOpts.ShardDir = filepath.Join(cacheDir, "augmented_pids")
		augmentedPath := filepath.Join(cacheDir, "pids_augemented.csv")
		return pipeline.AugmentGSV(ctx, rawPidsPath, prov, augOpts, augmentedPath, finalPidsPath)
	}

	augOpts.ShardDir = filepath.Join(cacheDir, "urls")
	urlsPath := filepath.Join(filepath.Dir(finalPidsPath), "pids_urls.csv")
	if err := pipeline.ResolveURLsMLY(ctx, rawPidsPath, prov, augOpts, urlsPath); err != nil {
		return err
	}
	return pipeline.WriteMlyFinalPids(rawPidsPath, finalPidsPath, idCols)
}

func layoutFor(outDir, providerName string) (finalPids, imageDir, logPath string) {
	if providerName == "gsv" {
		return filepath.Join(outDir, "gsv_pids.csv"), filepath.Join(outDir, "gsv_panorama"), filepath.Join(outDir, "log.log")
	}
	return filepath.Join(outDir, "mly_pids.csv"), filepath.Join(outDir, "mly_svi"), filepath.Join(outDir, "log.log")
}

func inputKind(opts Options) geoinput.Kind {
	switch {
	case opts.Point:
		return geoinput.KindPoint
	case opts.InputCSVFile != "":
		return geoinput.KindCSV
	case opts.InputShpFile != "":
		return geoinput.KindShapefile
	case opts.InputGeoJSONFile != "":
		return geoinput.KindGeoJSON
	default:
		return geoinput.KindPlace
	}
}

func inputPath(opts Options) string {
	switch {
	case opts.InputCSVFile != "":
		return opts.InputCSVFile
	case opts.InputShpFile != "":
		return opts.InputShpFile
	case opts.InputGeoJSONFile != "":
		return opts.InputGeoJSONFile
	default:
		return ""
	}
}

func validateOptions(opts Options) error {
	if opts.Provider != "gsv" && opts.Provider != "mly" {
		return &InvalidInputError{Reason: "provider must be \"gsv\" or \"mly\""}
	}
	n := 0
	if opts.Point {
		n++
	}
	if opts.InputCSVFile != "" {
		n++
	}
	if opts.InputShpFile != "" {
		n++
	}
	if opts.InputGeoJSONFile != "" {
		n++
	}
	if opts.InputPlaceName != "" {
		n++
	}
	if n != 1 {
		return &InvalidInputError{Reason: "exactly one of point/input_csv_file/input_shp_file/input_geojson_file/input_place_name must be set"}
	}
	return nil
}

// parseDateRange parses ISO YYYY-MM-DD bounds, failing with
// InvalidInputError on malformed values.
func parseDateRange(start, end string) (time.Time, time.Time, error) {
	var startT, endT time.Time
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return time.Time{}, time.Time{}, &InvalidInputError{Reason: "start_date must be ISO YYYY-MM-DD"}
		}
		startT = t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return time.Time{}, time.Time{}, &InvalidInputError{Reason: "end_date must be ISO YYYY-MM-DD"}
		}
		// End-of-day so a pano captured_at any time on end_date is included.
		endT = t.Add(24*time.Hour - time.Millisecond)
	}
	return startT, endT, nil
}

func batchSize(cfg *config.Config, opts Options) int {
	if opts.BatchSize > 0 {
		return opts.BatchSize
	}
	return cfg.Batch.Size
}

func buildProvider(cfg *config.Config, opts Options) (provider.Provider, error) {
	proxies, err := netpool.LoadProxyPool(cfg.NetPool.ProxyFile)
	if err != nil {
		return nil, err
	}
	uas, err := netpool.LoadUserAgentPool(cfg.NetPool.UserAgentFile)
	if err != nil {
		return nil, err
	}
	retry := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier, cfg.Retry.JitterFraction)

	full := cfg.GSV.Full
	if opts.Full != nil {
		full = *opts.Full
	}

	resolution := opts.Resolution
	if resolution == "" {
		resolution = cfg.Mapillary.ThumbnailSize
	}

	limiters := fetcher.DefaultRateLimiters()

	registry := provider.NewRegistry()
	registry.Register(gsv.NewClient(gsv.Config{
		APIKey:        cfg.GSV.APIKey,
		SearchURL:     cfg.GSV.SearchURL,
		MetadataURL:   cfg.GSV.MetadataURL,
		TileBaseURL:   cfg.GSV.TileBaseURL,
		SearchRadiusM: cfg.GSV.SearchRadius,
		HTiles:        cfg.GSV.HTiles,
		VTiles:        cfg.GSV.VTiles,
		Zoom:          cfg.GSV.Zoom,
		Cropped:       opts.Cropped || cfg.GSV.Cropped,
		Full:          full,
		Proxies:       proxies,
		UAs:           uas,
		Limiters:      limiters,
		Retry:         retry,
		Breaker:       resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)),
	}))
	registry.Register(mapillary.NewClient(mapillary.Config{
		AccessToken:   cfg.Mapillary.AccessToken,
		GraphBaseURL:  cfg.Mapillary.GraphBaseURL,
		SearchRadiusM: cfg.Mapillary.SearchRadius,
		ThumbnailSize: resolution,
		CropTopHalf:   opts.Cropped || cfg.Mapillary.CropTopHalf,
		MaxWorkers:    cfg.Mapillary.MaxWorkers,
		Proxies:       proxies,
		UAs:           uas,
		Limiters:      limiters,
		Retry:         retry,
	}))

	prov, ok := registry.Get(opts.Provider)
	if !ok {
		return nil, &InvalidInputError{Reason: fmt.Sprintf("no provider registered for %q", opts.Provider)}
	}
	return prov, nil
}

