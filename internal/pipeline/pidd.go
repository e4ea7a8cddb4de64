package pipeline

import (
	"context"
	"strings"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/checkpoint"
	"github.com/sells-group/svi-fetch/internal/geoinput"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/provider"
	"go.uber.org/zap"
)

// DiscoverOptions configures one Panorama ID Discoverer run.
type DiscoverOptions struct {
	ShardDir    string // e.g. <cache>/raw_pids
	OutputPath  string // e.g. <cache>/pids_raw.csv
	BatchSize   int
	Concurrency int

	// IDColumns names the caller-supplied id columns, in order; every
	// shard and the finalized pids_raw.csv append them after the fixed
	// columns.
	IDColumns []string

	// Polygon, if non-empty, restricts the finalized rows to panos whose
	// (lon, lat) fall inside it.
	Polygon orb.Polygon

	// DeadLetterPath, when set, receives one resilience.DLQEntry per
	// line (JSON Lines, append-only) for every query point still
	// failing after the retry sweep.
	DeadLetterPath string
}

// Discover runs the panorama id discovery stage: resumes from any prior
// shards, fans discovery calls out across batches with a bounded worker
// pool, checkpoints each batch, retries the batch's failures once at
// the end, then finalizes into a pids_raw.csv deduplicated on the pano id
// together with the row's id-column values.
func Discover(ctx context.Context, points []model.QueryPoint, prov provider.Provider, opts DiscoverOptions) error {
	log := zap.L().With(zap.String("component", "pipeline.pidd"), zap.String("provider", prov.Name()))

	store, err := checkpoint.NewStore(opts.ShardDir)
	if err != nil {
		return err
	}

	done, err := store.CompletedKeys(func(row []string) string { return row[1] }) // lat_lon_id
	if err != nil {
		return err
	}

	remaining := make([]model.QueryPoint, 0, len(points))
	for _, p := range points {
		if _, ok := done[p.LatLonID]; !ok {
			remaining = append(remaining, p)
		}
	}
	if len(done) > 0 {
		log.Info("pidd: resuming, skipping already-discovered points", zap.Int("skipped", len(done)), zap.Int("remaining", len(remaining)))
	}

	nStart, err := store.NStart()
	if err != nil {
		return err
	}

	discoverOne := func(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error) {
		return prov.DiscoverPanos(ctx, qp)
	}
	idFn := func(qp model.QueryPoint) string { return qp.LatLonID }

	header := rawPanoHeader(opts.IDColumns)
	batches := Batches(remaining, opts.BatchSize)
	var allFailed []Failure[model.QueryPoint]

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		outcome := RunBatch(ctx, batch, opts.Concurrency, "discover", idFn, discoverOne)

		rows := panoRows(outcome.Rows)
		if err := store.WriteShard(nStart+i+1, header, rows); err != nil {
			return err
		}
		allFailed = append(allFailed, outcome.Failures...)

		log.Info("pidd: batch complete",
			zap.Int("batch", nStart+i+1),
			zap.Int("points", len(batch)),
			zap.Int("panos", len(rows)),
			zap.Int("failed", len(outcome.Failures)),
		)
	}

	if len(allFailed) > 0 {
		retryItems := make([]model.QueryPoint, len(allFailed))
		for i, f := range allFailed {
			retryItems[i] = f.Item
		}
		retryOutcome := RunBatch(ctx, retryItems, opts.Concurrency, "discover-retry", idFn, discoverOne)
		if err := store.WriteRetryShard(header, panoRows(retryOutcome.Rows)); err != nil {
			return err
		}
		log.Warn("pidd: retry sweep complete",
			zap.Int("recovered", len(retryOutcome.Rows)),
			zap.Int("still_failed", len(retryOutcome.Failures)),
		)

		if result := retryOutcome.ToResult(); len(result.Failed) > 0 {
			if err := appendDeadLetters(opts.DeadLetterPath, result.Failed, 1, 1); err != nil {
				return err
			}
		}
	}

	// Finalize dedupes on (pano_id, user id columns), keeping lat_lon_id
	// in the row for now -- it is dropped at the final-output-writing
	// step, not here, since later stages still key off the raw row shape.
	// Id column values sit after the fixed prefix, so the composite key
	// is the panoid plus the row's tail.
	keyFn := func(row []string) string {
		key := row[0]
		if len(row) > len(rawPanoBaseHeader) {
			key += "|" + strings.Join(row[len(rawPanoBaseHeader):], "|")
		}
		return key
	}
	if err := store.Finalize(opts.OutputPath, header, keyFn); err != nil {
		return eris.Wrap(err, "pidd: finalize")
	}

	if len(opts.Polygon) > 0 {
		if err := filterToPolygon(opts.OutputPath, opts.Polygon, opts.IDColumns); err != nil {
			return eris.Wrap(err, "pidd: polygon filter")
		}
	}

	return nil
}

func panoRows(batches [][]model.RawPano) [][]string {
	var rows [][]string
	for _, panos := range batches {
		for _, p := range panos {
			rows = append(rows, rawPanoToRow(p))
		}
	}
	return rows
}

// filterToPolygon rewrites path in place, keeping only rows whose
// (lon, lat) fall inside poly.
func filterToPolygon(path string, poly orb.Polygon, idCols []string) error {
	rows, err := ReadCSVRows(path)
	if err != nil {
		return err
	}

	kept := make([][]string, 0, len(rows))
	for _, row := range rows {
		p := rowToRawPanoBase(row, "")
		if geoinput.PointInPolygon(p.Lon, p.Lat, poly) {
			kept = append(kept, row)
		}
	}
	return WriteCSVRows(path, rawPanoHeader(idCols), kept)
}
