package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/sells-group/svi-fetch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider implements provider.Provider with canned responses and
// per-method call counting.
type stubProvider struct {
	mu            sync.Mutex
	discoverFn    func(qp model.QueryPoint) ([]model.RawPano, error)
	fetchFn       func(task model.FetchTask) error
	discoverCalls int
	fetchCalls    []string
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) DiscoverPanos(ctx context.Context, qp model.QueryPoint) ([]model.RawPano, error) {
	s.mu.Lock()
	s.discoverCalls++
	s.mu.Unlock()
	if s.discoverFn != nil {
		return s.discoverFn(qp)
	}
	return nil, nil
}

func (s *stubProvider) Augment(ctx context.Context, pano model.RawPano) (any, error) {
	return model.AugmentedPano{RawPano: pano, Year: 2021, Month: 6}, nil
}

func (s *stubProvider) FetchImage(ctx context.Context, task model.FetchTask) error {
	s.mu.Lock()
	s.fetchCalls = append(s.fetchCalls, task.PanoID)
	s.mu.Unlock()
	if s.fetchFn != nil {
		return s.fetchFn(task)
	}
	return os.WriteFile(filepath.Join(task.OutputDir, task.PanoID+".png"), []byte("img"), 0o644)
}

func (s *stubProvider) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.fetchCalls))
	copy(out, s.fetchCalls)
	return out
}

func TestBatches_ChunksFixedSize(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	got := Batches(items, 2)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2}, got[0])
	assert.Equal(t, []int{5}, got[2])

	assert.Len(t, Batches(items, 0), 1)
}

func TestRunBatch_CapturesFailuresWithoutAborting(t *testing.T) {
	items := []string{"a", "b", "c"}
	outcome := RunBatch(context.Background(), items, 2, "test",
		func(s string) string { return s },
		func(ctx context.Context, s string) (string, error) {
			if s == "b" {
				return "", eris.New("boom")
			}
			return s + "!", nil
		})

	assert.Len(t, outcome.Rows, 2)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "b", outcome.Failures[0].Unit.ID)
	assert.Equal(t, "test", outcome.Failures[0].Unit.Stage)
}

func points(n int) []model.QueryPoint {
	out := make([]model.QueryPoint, n)
	for i := range out {
		out[i] = model.QueryPoint{
			LatLonID: strconv.Itoa(i + 1),
			Lat:      1.0 + float64(i)*0.001,
			Lon:      103.0 + float64(i)*0.001,
		}
	}
	return out
}

func TestDiscover_DedupesOnPanoIDAndUserID(t *testing.T) {
	dir := t.TempDir()
	// Every point reports the same pano; two distinct user ids.
	prov := &stubProvider{discoverFn: func(qp model.QueryPoint) ([]model.RawPano, error) {
		uid := "u1"
		if qp.LatLonID == "3" {
			uid = "u2"
		}
		return []model.RawPano{{PanoID: "shared", LatLonID: qp.LatLonID, Lat: qp.Lat, Lon: qp.Lon, UserIDs: []string{uid}}}, nil
	}}

	out := filepath.Join(dir, "pids_raw.csv")
	err := Discover(context.Background(), points(3), prov, DiscoverOptions{
		ShardDir:   filepath.Join(dir, "raw_pids"),
		OutputPath: out,
		BatchSize:  2,
		IDColumns:  []string{"uid"},
	})
	require.NoError(t, err)

	rows, err := ReadCSVRows(out)
	require.NoError(t, err)
	// One row per (pano_id, user_id): "shared|u1" and "shared|u2".
	assert.Len(t, rows, 2)
}

func TestDiscover_ResumesFromExistingShards(t *testing.T) {
	dir := t.TempDir()
	shardDir := filepath.Join(dir, "raw_pids")
	require.NoError(t, os.MkdirAll(shardDir, 0o755))

	// Pre-existing shard marks lat_lon_id "1" as done.
	pre := "panoid,lat_lon_id,lat,lon,input_latitude,input_longitude,compass_angle,is_pano,organization_id,sequence_id,captured_at_ms\n" +
		"prior,1,1.0000000,103.0000000,1.0000000,103.0000000,0.0000000,false,,,0\n"
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, "checkpoint_batch_1.csv"), []byte(pre), 0o644))

	prov := &stubProvider{discoverFn: func(qp model.QueryPoint) ([]model.RawPano, error) {
		return []model.RawPano{{PanoID: "p" + qp.LatLonID, LatLonID: qp.LatLonID}}, nil
	}}

	out := filepath.Join(dir, "pids_raw.csv")
	err := Discover(context.Background(), points(3), prov, DiscoverOptions{
		ShardDir:   shardDir,
		OutputPath: out,
		BatchSize:  10,
	})
	require.NoError(t, err)

	// Only points 2 and 3 were re-discovered; point 1 came from the shard.
	assert.Equal(t, 2, prov.discoverCalls)
	rows, err := ReadCSVRows(out)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestDiscover_RetrySweepRecoversFailures(t *testing.T) {
	dir := t.TempDir()
	var mu sync.Mutex
	failedOnce := make(map[string]bool)
	prov := &stubProvider{discoverFn: func(qp model.QueryPoint) ([]model.RawPano, error) {
		mu.Lock()
		defer mu.Unlock()
		if qp.LatLonID == "2" && !failedOnce["2"] {
			failedOnce["2"] = true
			return nil, eris.New("transient blip")
		}
		return []model.RawPano{{PanoID: "p" + qp.LatLonID, LatLonID: qp.LatLonID}}, nil
	}}

	out := filepath.Join(dir, "pids_raw.csv")
	err := Discover(context.Background(), points(3), prov, DiscoverOptions{
		ShardDir:   filepath.Join(dir, "raw_pids"),
		OutputPath: out,
		BatchSize:  10,
	})
	require.NoError(t, err)

	rows, err := ReadCSVRows(out)
	require.NoError(t, err)
	assert.Len(t, rows, 3) // the retry sweep recovered point 2
}

func TestDiscover_PolygonFilterDropsOutsidePanos(t *testing.T) {
	dir := t.TempDir()
	prov := &stubProvider{discoverFn: func(qp model.QueryPoint) ([]model.RawPano, error) {
		// Point 1's pano lands inside the unit square, the others outside.
		lat, lon := 0.5, 0.5
		if qp.LatLonID != "1" {
			lat, lon = 5.0, 5.0
		}
		return []model.RawPano{{PanoID: "p" + qp.LatLonID, LatLonID: qp.LatLonID, Lat: lat, Lon: lon}}, nil
	}}

	square := orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
	out := filepath.Join(dir, "pids_raw.csv")
	err := Discover(context.Background(), points(3), prov, DiscoverOptions{
		ShardDir:   filepath.Join(dir, "raw_pids"),
		OutputPath: out,
		BatchSize:  10,
		Polygon:    square,
	})
	require.NoError(t, err)

	rows, err := ReadCSVRows(out)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0][0])
}

func TestInDateRange_InclusiveOnBothEnds(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2020, 12, 31, 23, 59, 59, 999_000_000, time.UTC)

	at := func(ts time.Time) fetchRow { return fetchRow{CapturedAt: ts, HasDate: true} }

	assert.True(t, inDateRange(at(start), start, end))
	assert.True(t, inDateRange(at(end), start, end))
	assert.False(t, inDateRange(at(start.Add(-time.Millisecond)), start, end))
	assert.False(t, inDateRange(at(end.Add(time.Millisecond)), start, end))

	// No date on the row: always kept.
	assert.True(t, inDateRange(fetchRow{}, start, end))
	// No bounds configured: always kept.
	assert.True(t, inDateRange(at(start), time.Time{}, time.Time{}))
}

func writeURLsCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	require.NoError(t, WriteCSVRows(path, panoURLHeader, rows))
}

func TestFetchMapillary_AppliesDateFilter(t *testing.T) {
	dir := t.TempDir()
	pids := filepath.Join(dir, "pids_urls.csv")
	writeURLsCSV(t, pids, [][]string{
		{"in2020", "http://example.com/a.png", "1590000000000"},  // 2020-05-20
		{"in2023", "http://example.com/b.png", "1690000000000"},  // 2023-07-22
	})

	prov := &stubProvider{}
	err := FetchMapillary(context.Background(), prov, FetchOptions{
		PidsPath:  pids,
		OutputDir: filepath.Join(dir, "mly_svi"),
		BatchSize: 10,
		StartDate: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2020, 12, 31, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"in2020"}, prov.fetched())
}

func TestFetchMapillary_SkipsAlreadyPresentImages(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "mly_svi")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "batch_1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "batch_1", "done.png"), []byte("img"), 0o644))

	pids := filepath.Join(dir, "pids_urls.csv")
	writeURLsCSV(t, pids, [][]string{
		{"done", "http://example.com/a.png", "0"},
		{"todo", "http://example.com/b.png", "0"},
	})

	prov := &stubProvider{}
	err := FetchMapillary(context.Background(), prov, FetchOptions{
		PidsPath:  pids,
		OutputDir: outDir,
		BatchSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"todo"}, prov.fetched())

	// New work continues the batch numbering after batch_1.
	_, err = os.Stat(filepath.Join(outDir, "batch_2", "todo.png"))
	assert.NoError(t, err)
}

func TestFetchMapillary_FullyPopulatedIsNoOp(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "mly_svi")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "batch_1"), 0o755))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, os.WriteFile(filepath.Join(outDir, "batch_1", id+".png"), []byte("img"), 0o644))
	}

	pids := filepath.Join(dir, "pids_urls.csv")
	writeURLsCSV(t, pids, [][]string{
		{"a", "http://example.com/a.png", "0"},
		{"b", "http://example.com/b.png", "0"},
	})

	prov := &stubProvider{}
	err := FetchMapillary(context.Background(), prov, FetchOptions{PidsPath: pids, OutputDir: outDir, BatchSize: 10})
	require.NoError(t, err)
	assert.Empty(t, prov.fetched())
}

func TestRunFetch_LogsFailedPanoIDs(t *testing.T) {
	dir := t.TempDir()
	pids := filepath.Join(dir, "pids_urls.csv")
	writeURLsCSV(t, pids, [][]string{
		{"ok", "http://example.com/a.png", "0"},
		{"bad", "http://example.com/b.png", "0"},
	})

	logPath := filepath.Join(dir, "log.log")
	prov := &stubProvider{fetchFn: func(task model.FetchTask) error {
		if task.PanoID == "bad" {
			return eris.New("download failed")
		}
		return os.WriteFile(filepath.Join(task.OutputDir, task.PanoID+".png"), []byte("img"), 0o644)
	}}

	err := FetchMapillary(context.Background(), prov, FetchOptions{
		PidsPath:  pids,
		OutputDir: filepath.Join(dir, "mly_svi"),
		LogPath:   logPath,
		BatchSize: 10,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bad")
	assert.NotContains(t, string(data), "ok")
}

func TestMaxBatchNumber(t *testing.T) {
	dir := t.TempDir()
	n, err := maxBatchNumber(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "batch_1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "batch_7"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not_a_batch"), 0o755))

	n, err = maxBatchNumber(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestWriteMlyFinalPids_ColumnLayout(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "pids_raw.csv")
	require.NoError(t, WriteCSVRows(raw, rawPanoHeader([]string{"parcel_ref", "building_id"}), [][]string{
		rawPanoToRow(model.RawPano{PanoID: "m1", Lat: 1.34, Lon: 103.7, InputLat: 1.3, InputLon: 103.6, UserIDs: []string{"P-9", "B-3"}, CapturedAtMs: 1590000000000, IsPano: true}),
	}))

	final := filepath.Join(dir, "mly_pids.csv")
	require.NoError(t, WriteMlyFinalPids(raw, final, []string{"parcel_ref", "building_id"}))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "id,captured_at,compass_angle,is_pano,organization_id,sequence_id,input_latitude,input_longitude,lon,lat,parcel_ref,building_id")
	assert.Contains(t, content, "m1,1590000000000")
	assert.Contains(t, content, "P-9,B-3")
}

func TestWriteGsvFinalPids_EmptyYearMonth(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "pids_raw.csv")
	require.NoError(t, WriteCSVRows(raw, rawPanoHeader(nil), [][]string{
		rawPanoToRow(model.RawPano{PanoID: "g1", Lat: 1.34, Lon: 103.7}),
	}))

	final := filepath.Join(dir, "gsv_pids.csv")
	require.NoError(t, WriteGsvFinalPids(raw, final, nil))

	rows, err := ReadCSVRows(final)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "g1", rows[0][0])
	assert.Equal(t, "", rows[0][3]) // year
	assert.Equal(t, "", rows[0][4]) // month
}

func TestAppendFailureLog_Appends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.log")
	require.NoError(t, appendFailureLog(path, []string{"a", "b"}))
	require.NoError(t, appendFailureLog(path, []string{"c"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", string(data))
}
