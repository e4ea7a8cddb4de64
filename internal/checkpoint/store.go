// Package checkpoint implements the Checkpoint Store: per-stage shard
// directories that let a batch pipeline resume after a crash without
// redoing already-completed batches. Each stage owns one shard directory;
// shards are named "checkpoint_batch_{N}.csv" and are written atomically,
// one per completed batch. Finalize concatenates, dedupes, and replaces
// the shard directory with a single canonical CSV.
package checkpoint

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"go.uber.org/zap"
)

var shardNamePattern = regexp.MustCompile(`^checkpoint_batch_(\d+)\.csv$`)

// retryShardName is the fixed-name shard for a stage's once-per-run
// retry sweep over the main pass's failed items, written after the
// numbered batches and merged into Finalize exactly like one of them.
const retryShardName = "checkpoint_retry.csv"

// Store manages one stage's shard directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "checkpoint: create shard dir %s", dir)
	}
	return &Store{dir: dir}, nil
}

// NStart returns the batch number to resume from: the count of shard
// files already present. A fresh run starts at 0.
func (s *Store) NStart() (int, error) {
	shards, err := s.shardNumbers()
	if err != nil {
		return 0, err
	}
	return len(shards), nil
}

// Shards lists the numbered shard files currently on disk, in batch
// order.
func (s *Store) Shards() ([]model.CheckpointShard, error) {
	nums, err := s.shardNumbers()
	if err != nil {
		return nil, err
	}
	shards := make([]model.CheckpointShard, len(nums))
	for i, n := range nums {
		shards[i] = model.CheckpointShard{Path: s.shardPath(n), Batch: n}
	}
	return shards, nil
}

// CompletedKeys scans every shard already on disk (numbered batches plus
// any retry shard) and returns the set of keyFn(row) values they
// contain. Discovery and augmentation use this on startup to subtract
// already-done work from the input set before batching: finer-grained
// than NStart's "skip N whole batches", since a crash can land
// mid-batch.
func (s *Store) CompletedKeys(keyFn func(row []string) string) (map[string]struct{}, error) {
	shards, err := s.Shards()
	if err != nil {
		return nil, err
	}

	keys := make(map[string]struct{})
	for _, sh := range shards {
		rows, err := s.readShard(sh.Path)
		if err != nil {
			zap.L().Warn("checkpoint: skipping corrupt shard while scanning completed keys",
				zap.Int("batch", sh.Batch), zap.Error(err))
			continue
		}
		for _, row := range rows {
			keys[keyFn(row)] = struct{}{}
		}
	}

	retryPath := filepath.Join(s.dir, retryShardName)
	if _, err := os.Stat(retryPath); err == nil {
		rows, err := s.readShard(retryPath)
		if err != nil {
			zap.L().Warn("checkpoint: skipping corrupt retry shard while scanning completed keys", zap.Error(err))
		}
		for _, row := range rows {
			keys[keyFn(row)] = struct{}{}
		}
	}
	return keys, nil
}

// WriteShard atomically writes one batch's rows as
// "checkpoint_batch_{batch}.csv" under the shard directory. The write
// goes to a temp file first and is renamed into place so a crash
// mid-write never leaves a half-written shard that Finalize would need
// to detect as corrupt.
func (s *Store) WriteShard(batch int, header []string, rows [][]string) error {
	return writeCSVAtomic(s.shardPath(batch), header, rows)
}

// WriteRetryShard writes the post-main-pass retry sweep's rows to the
// fixed-name "checkpoint_retry.csv" shard. It is merged into Finalize
// the same way a numbered shard is.
func (s *Store) WriteRetryShard(header []string, rows [][]string) error {
	return writeCSVAtomic(filepath.Join(s.dir, retryShardName), header, rows)
}

func writeCSVAtomic(final string, header []string, rows [][]string) error {
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrapf(err, "checkpoint: create shard %s", tmp)
	}

	w := csv.NewWriter(f)
	if header != nil {
		if err := w.Write(header); err != nil {
			f.Close()      //nolint:errcheck
			os.Remove(tmp) //nolint:errcheck
			return eris.Wrap(err, "checkpoint: write shard header")
		}
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()      //nolint:errcheck
			os.Remove(tmp) //nolint:errcheck
			return eris.Wrap(err, "checkpoint: write shard row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()      //nolint:errcheck
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrap(err, "checkpoint: flush shard")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return eris.Wrap(err, "checkpoint: close shard")
	}
	if err := os.Rename(tmp, final); err != nil {
		return eris.Wrapf(err, "checkpoint: rename shard into place %s", final)
	}
	return nil
}

// Finalize reads every shard in batch order, deduplicates rows by
// keyFn(row), and writes the result to outputPath. A shard that fails
// to parse (truncated write, corrupt bytes) is logged and skipped rather
// than failing the whole finalize — partial progress from other batches
// must not be lost because one shard is damaged. On success the shard
// directory is removed.
func (s *Store) Finalize(outputPath string, header []string, keyFn func(row []string) string) error {
	shards, err := s.Shards()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	var out [][]string
	for _, sh := range shards {
		rows, err := s.readShard(sh.Path)
		if err != nil {
			zap.L().Warn("checkpoint: skipping corrupt shard",
				zap.Int("batch", sh.Batch),
				zap.Error(err),
			)
			continue
		}
		for _, row := range rows {
			key := keyFn(row)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, row)
		}
	}

	retryPath := filepath.Join(s.dir, retryShardName)
	if _, err := os.Stat(retryPath); err == nil {
		retryRows, err := s.readShard(retryPath)
		if err != nil {
			zap.L().Warn("checkpoint: skipping corrupt retry shard", zap.Error(err))
		}
		for _, row := range retryRows {
			key := keyFn(row)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, row)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return eris.Wrap(err, "checkpoint: create output dir")
	}
	f, err := os.Create(outputPath)
	if err != nil {
		return eris.Wrapf(err, "checkpoint: create output file %s", outputPath)
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if header != nil {
		if err := w.Write(header); err != nil {
			return eris.Wrap(err, "checkpoint: write output header")
		}
	}
	for _, row := range out {
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "checkpoint: write output row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrap(err, "checkpoint: flush output")
	}

	if err := os.RemoveAll(s.dir); err != nil {
		return eris.Wrapf(err, "checkpoint: remove shard dir %s", s.dir)
	}
	return nil
}

func (s *Store) shardPath(batch int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_batch_%d.csv", batch))
}

func (s *Store) shardNumbers() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "checkpoint: read shard dir %s", s.dir)
	}
	var nums []int
	for _, e := range entries {
		m := shardNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (s *Store) readShard(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open shard")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	header := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "read shard row")
		}
		if header {
			header = false
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
