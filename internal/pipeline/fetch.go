package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/provider"
	"go.uber.org/zap"
)

// FetchOptions configures one Image Fetcher run.
type FetchOptions struct {
	PidsPath    string // gsv_pids.csv for GSV, pids_urls.csv for Mapillary
	OutputDir   string // e.g. <out>/gsv_panorama or <out>/mly_svi
	LogPath     string // append-only, one failed pano id per line
	BatchSize   int
	Concurrency int

	// StartDate/EndDate bound the fetch to panos captured in
	// [StartDate, EndDate] inclusive. A zero time.Time disables that
	// side of the filter.
	StartDate, EndDate time.Time
}

// fetchRow is a provider-agnostic view over one row of the final pids
// table, enough to run the date filter and build a model.FetchTask.
type fetchRow struct {
	PanoID     string
	URL        string // empty for GSV; pre-resolved for Mapillary
	CapturedAt time.Time
	HasDate    bool
}

// FetchGSV runs the Image Fetcher over gsv_pids.csv, whose rows carry
// year/month instead of an exact timestamp; the date filter compares at
// month granularity, inclusive on both ends.
func FetchGSV(ctx context.Context, prov provider.Provider, opts FetchOptions) error {
	rows, err := ReadCSVRows(opts.PidsPath)
	if err != nil {
		return err
	}

	tasks := make([]fetchRow, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		year, _ := strconv.Atoi(row[3])
		month, _ := strconv.Atoi(row[4])
		fr := fetchRow{PanoID: row[0]}
		if year > 0 && month > 0 {
			fr.CapturedAt = time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
			fr.HasDate = true
		}
		tasks = append(tasks, fr)
	}

	// Pano dates are first-of-month, so the start bound is moved to the
	// first of its month too; a mid-month start keeps that month's panos.
	if !opts.StartDate.IsZero() {
		y, m, _ := opts.StartDate.Date()
		opts.StartDate = time.Date(y, m, 1, 0, 0, 0, 0, opts.StartDate.Location())
	}

	return runFetch(ctx, prov, tasks, opts)
}

// FetchMapillary runs the Image Fetcher over pids_urls.csv, whose
// captured_at column is millisecond-epoch precision.
func FetchMapillary(ctx context.Context, prov provider.Provider, opts FetchOptions) error {
	rows, err := ReadCSVRows(opts.PidsPath)
	if err != nil {
		return err
	}

	tasks := make([]fetchRow, 0, len(rows))
	for _, row := range rows {
		pu := rowToPanoURL(row)
		fr := fetchRow{PanoID: pu.PanoID, URL: pu.URL}
		if pu.CaptureEpoch > 0 {
			fr.CapturedAt = time.UnixMilli(pu.CaptureEpoch).UTC()
			fr.HasDate = true
		}
		tasks = append(tasks, fr)
	}

	return runFetch(ctx, prov, tasks, opts)
}

func runFetch(ctx context.Context, prov provider.Provider, tasks []fetchRow, opts FetchOptions) error {
	log := zap.L().With(zap.String("component", "pipeline.fetch"), zap.String("provider", prov.Name()))

	filtered := make([]fetchRow, 0, len(tasks))
	for _, t := range tasks {
		if inDateRange(t, opts.StartDate, opts.EndDate) {
			filtered = append(filtered, t)
		}
	}
	log.Info("fetch: date filter applied", zap.Int("total", len(tasks)), zap.Int("kept", len(filtered)))

	present, err := completedPanoIDs(opts.OutputDir)
	if err != nil {
		return err
	}

	remaining := make([]fetchRow, 0, len(filtered))
	for _, t := range filtered {
		if _, ok := present[t.PanoID]; !ok {
			remaining = append(remaining, t)
		}
	}
	log.Info("fetch: completion scan applied", zap.Int("already_present", len(present)), zap.Int("remaining", len(remaining)))

	nStart, err := maxBatchNumber(opts.OutputDir)
	if err != nil {
		return err
	}

	batches := Batches(remaining, opts.BatchSize)
	idFn := func(t fetchRow) string { return t.PanoID }

	var failedIDs []string
	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		batchNum := nStart + i + 1
		batchDir := filepath.Join(opts.OutputDir, fmt.Sprintf("batch_%d", batchNum))
		if err := os.MkdirAll(batchDir, 0o755); err != nil {
			return eris.Wrapf(err, "fetch: create %s", batchDir)
		}

		fetchOne := func(ctx context.Context, t fetchRow) (struct{}, error) {
			task := model.FetchTask{
				PanoID:     t.PanoID,
				URL:        t.URL,
				OutputDir:  batchDir,
				CapturedAt: t.CapturedAt,
			}
			return struct{}{}, prov.FetchImage(ctx, task)
		}

		outcome := RunBatch(ctx, batch, opts.Concurrency, "fetch", idFn, fetchOne)
		for _, f := range outcome.Failures {
			failedIDs = append(failedIDs, f.Unit.ID)
		}
		log.Info("fetch: batch complete", zap.Int("batch", batchNum), zap.Int("panos", len(batch)), zap.Int("failed", len(outcome.Failures)))
	}

	if len(failedIDs) > 0 {
		if err := appendFailureLog(opts.LogPath, failedIDs); err != nil {
			return err
		}
		log.Warn("fetch: per-pano failures logged, not retried this run", zap.Int("count", len(failedIDs)), zap.String("log_path", opts.LogPath))
	}

	return nil
}

func inDateRange(t fetchRow, start, end time.Time) bool {
	if !t.HasDate {
		return true
	}
	if !start.IsZero() && t.CapturedAt.Before(start) {
		return false
	}
	if !end.IsZero() && t.CapturedAt.After(end) {
		return false
	}
	return true
}

var batchDirPattern = regexp.MustCompile(`^batch_(\d+)$`)

// maxBatchNumber scans outputDir for existing batch_N subdirectories and
// returns the highest N found, so a resumed run continues numbering
// instead of restarting at 1.
func maxBatchNumber(outputDir string) (int, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, eris.Wrapf(err, "fetch: read %s", outputDir)
	}
	max := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := batchDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > max {
			max = n
		}
	}
	return max, nil
}

// completedPanoIDs recursively scans outputDir for image files and
// returns the set of filename stems found, keyed by filename stem
// (= pano id), so a resumed run can skip already-fetched panos.
func completedPanoIDs(outputDir string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := filepath.WalkDir(outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		ext := filepath.Ext(name)
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			return nil
		}
		ids[strings.TrimSuffix(name, ext)] = struct{}{}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "fetch: scan %s", outputDir)
	}
	return ids, nil
}

// appendFailureLog appends one pano id per line to path, creating it if
// necessary. Append-only: failures from prior runs are never truncated.
func appendFailureLog(path string, ids []string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "fetch: create log dir")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "fetch: open log %s", path)
	}
	defer f.Close() //nolint:errcheck

	for _, id := range ids {
		if _, err := f.WriteString(id + "\n"); err != nil {
			return eris.Wrap(err, "fetch: write log")
		}
	}
	return nil
}
