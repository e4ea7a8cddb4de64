package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/checkpoint"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/sells-group/svi-fetch/internal/provider"
	"go.uber.org/zap"
)

// AugmentOptions configures one Metadata Augmenter / URL Resolver run.
type AugmentOptions struct {
	ShardDir    string
	BatchSize   int
	Concurrency int

	// IDColumns names the caller-supplied id columns, in order, matching
	// the pids_raw.csv tail the discovery stage wrote.
	IDColumns []string

	// LogPath, when set, receives one pano id per line (append-only) for
	// every pano that still fails after the retry sweep, the same
	// failure log the Image Fetcher stage writes to.
	LogPath string

	// DeadLetterPath, when set, receives one resilience.DLQEntry per
	// line (JSON Lines, append-only) for every pano still failing after
	// the retry sweep.
	DeadLetterPath string
}

// AugmentGSV resolves capture year/month for every row in rawPidsPath,
// checkpointed and resumable identically to Discover, writes the
// typo-preserved pids_augemented.csv intermediate, then the final
// gsv_pids.csv.
func AugmentGSV(ctx context.Context, rawPidsPath string, prov provider.Provider, opts AugmentOptions, augmentedPath, finalPath string) error {
	log := zap.L().With(zap.String("component", "pipeline.maur"), zap.String("provider", "gsv"))

	panos, err := loadRawPanos(rawPidsPath, model.ProviderGSV)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(opts.ShardDir)
	if err != nil {
		return err
	}
	augKey := func(row []string) string {
		key := row[0]
		if n := len(rawPanoBaseHeader) + 2; len(row) > n {
			key += "|" + strings.Join(row[n:], "|")
		}
		return key
	}
	done, err := store.CompletedKeys(augKey)
	if err != nil {
		return err
	}

	remaining := make([]model.RawPano, 0, len(panos))
	for _, p := range panos {
		key := p.PanoID
		if len(p.UserIDs) > 0 {
			key += "|" + strings.Join(p.UserIDs, "|")
		}
		if _, ok := done[key]; !ok {
			remaining = append(remaining, p)
		}
	}

	nStart, err := store.NStart()
	if err != nil {
		return err
	}

	idFn := func(p model.RawPano) string { return p.PanoID }
	augmentOne := func(ctx context.Context, p model.RawPano) (model.AugmentedPano, error) {
		res, err := prov.Augment(ctx, p)
		if err != nil {
			return model.AugmentedPano{}, err
		}
		ap, ok := res.(model.AugmentedPano)
		if !ok {
			return model.AugmentedPano{}, eris.Errorf("maur: unexpected augment result type %T", res)
		}
		return ap, nil
	}

	shardHeader := augmentedShardHeader(opts.IDColumns)
	batches := Batches(remaining, opts.BatchSize)
	var allFailed []Failure[model.RawPano]

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		outcome := RunBatch(ctx, batch, opts.Concurrency, "augment", idFn, augmentOne)

		rows := make([][]string, len(outcome.Rows))
		for j, ap := range outcome.Rows {
			rows[j] = augmentedToShardRow(ap)
		}
		if err := store.WriteShard(nStart+i+1, shardHeader, rows); err != nil {
			return err
		}
		allFailed = append(allFailed, outcome.Failures...)
		log.Info("maur: batch complete", zap.Int("batch", nStart+i+1), zap.Int("panos", len(batch)), zap.Int("failed", len(outcome.Failures)))
	}

	if len(allFailed) > 0 {
		retryItems := make([]model.RawPano, len(allFailed))
		for i, f := range allFailed {
			retryItems[i] = f.Item
		}
		retryOutcome := RunBatch(ctx, retryItems, opts.Concurrency, "augment-retry", idFn, augmentOne)
		rows := make([][]string, len(retryOutcome.Rows))
		for j, ap := range retryOutcome.Rows {
			rows[j] = augmentedToShardRow(ap)
		}
		if err := store.WriteRetryShard(shardHeader, rows); err != nil {
			return err
		}
		log.Warn("maur: retry sweep complete", zap.Int("recovered", len(retryOutcome.Rows)), zap.Int("still_failed", len(retryOutcome.Failures)))

		if result := retryOutcome.ToResult(); len(result.Failed) > 0 {
			failedIDs := make([]string, len(result.Failed))
			for i, u := range result.Failed {
				failedIDs[i] = u.ID
			}
			if err := appendFailureLog(opts.LogPath, failedIDs); err != nil {
				return err
			}
			if err := appendDeadLetters(opts.DeadLetterPath, result.Failed, 1, 1); err != nil {
				return err
			}
		}
	}

	if err := store.Finalize(augmentedPath, shardHeader, augKey); err != nil {
		return eris.Wrap(err, "maur: finalize augmented")
	}

	finalRows, err := ReadCSVRows(augmentedPath)
	if err != nil {
		return err
	}
	out := make([][]string, len(finalRows))
	for i, row := range finalRows {
		out[i] = augmentedToRow(rowToAugmentedShard(row))
	}
	return WriteCSVRows(finalPath, gsvFinalHeader(opts.IDColumns), out)
}

// ResolveURLsMLY resolves a download URL per row in rawPidsPath,
// checkpointed and resumable identically to Discover, and writes
// pids_urls.csv.
func ResolveURLsMLY(ctx context.Context, rawPidsPath string, prov provider.Provider, opts AugmentOptions, urlsPath string) error {
	log := zap.L().With(zap.String("component", "pipeline.maur"), zap.String("provider", "mly"))

	panos, err := loadRawPanos(rawPidsPath, model.ProviderMLY)
	if err != nil {
		return err
	}

	store, err := checkpoint.NewStore(opts.ShardDir)
	if err != nil {
		return err
	}
	done, err := store.CompletedKeys(func(row []string) string { return row[0] })
	if err != nil {
		return err
	}

	remaining := make([]model.RawPano, 0, len(panos))
	for _, p := range panos {
		if _, ok := done[p.PanoID]; !ok {
			remaining = append(remaining, p)
		}
	}

	nStart, err := store.NStart()
	if err != nil {
		return err
	}

	idFn := func(p model.RawPano) string { return p.PanoID }
	resolveOne := func(ctx context.Context, p model.RawPano) (model.PanoURL, error) {
		res, err := prov.Augment(ctx, p)
		if err != nil {
			return model.PanoURL{}, err
		}
		pu, ok := res.(model.PanoURL)
		if !ok {
			return model.PanoURL{}, eris.Errorf("maur: unexpected augment result type %T", res)
		}
		return pu, nil
	}

	batches := Batches(remaining, opts.BatchSize)
	var allFailed []Failure[model.RawPano]

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		outcome := RunBatch(ctx, batch, opts.Concurrency, "resolve-url", idFn, resolveOne)

		rows := make([][]string, len(outcome.Rows))
		for j, pu := range outcome.Rows {
			rows[j] = panoURLToRow(pu)
		}
		if err := store.WriteShard(nStart+i+1, panoURLHeader, rows); err != nil {
			return err
		}
		allFailed = append(allFailed, outcome.Failures...)
		log.Info("maur: batch complete", zap.Int("batch", nStart+i+1), zap.Int("panos", len(batch)), zap.Int("failed", len(outcome.Failures)))
	}

	if len(allFailed) > 0 {
		retryItems := make([]model.RawPano, len(allFailed))
		for i, f := range allFailed {
			retryItems[i] = f.Item
		}
		retryOutcome := RunBatch(ctx, retryItems, opts.Concurrency, "resolve-url-retry", idFn, resolveOne)
		rows := make([][]string, len(retryOutcome.Rows))
		for j, pu := range retryOutcome.Rows {
			rows[j] = panoURLToRow(pu)
		}
		if err := store.WriteRetryShard(panoURLHeader, rows); err != nil {
			return err
		}
		log.Warn("maur: retry sweep complete", zap.Int("recovered", len(retryOutcome.Rows)), zap.Int("still_failed", len(retryOutcome.Failures)))

		if result := retryOutcome.ToResult(); len(result.Failed) > 0 {
			failedIDs := make([]string, len(result.Failed))
			for i, u := range result.Failed {
				failedIDs[i] = u.ID
			}
			if err := appendFailureLog(opts.LogPath, failedIDs); err != nil {
				return err
			}
			if err := appendDeadLetters(opts.DeadLetterPath, result.Failed, 1, 1); err != nil {
				return err
			}
		}
	}

	keyFn := func(row []string) string { return row[0] }
	return store.Finalize(urlsPath, panoURLHeader, keyFn)
}

func loadRawPanos(path string, p model.Provider) ([]model.RawPano, error) {
	rows, err := ReadCSVRows(path)
	if err != nil {
		return nil, err
	}
	panos := make([]model.RawPano, len(rows))
	for i, row := range rows {
		panos[i] = rowToRawPano(row, p)
	}
	return panos, nil
}
