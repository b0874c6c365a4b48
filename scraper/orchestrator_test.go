package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgvmax_archiver/config"
	"tgvmax_archiver/httputil"
	"tgvmax_archiver/models"
	"tgvmax_archiver/services"
	"tgvmax_archiver/storage"
)

func testConfig(t *testing.T, source string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	ds := models.TGVMax()
	ds.SourceURL = source
	return &config.Config{
		Dataset: ds,
		Scheduler: config.SchedulerConfig{
			Interval:        time.Hour,
			FreshnessWindow: time.Hour,
		},
		DataDir:   dir,
		DBPath:    filepath.Join(dir, "db.duckdb"),
		PublicDir: filepath.Join(dir, "public"),
		RunsDB:    filepath.Join(dir, "runs.db"),
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *storage.SQLiteStore) {
	t.Helper()
	ledger, err := storage.NewSQLiteStore(cfg.RunsDB)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return NewOrchestrator(cfg, ledger, httputil.NewClients("", 0), nil), ledger
}

func countArchive(t *testing.T, cfg *config.Config) int64 {
	t.Helper()
	store, err := storage.OpenDuckDB(context.Background(), cfg.DBPath)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.CountRows(context.Background(), cfg.Dataset.Table)
	require.NoError(t, err)
	return n
}

func TestRunCycleFetchesMergesAndExports(t *testing.T) {
	ctx := context.Background()
	srv := serveFile(t, writeFixture(t, fixtureRows))
	cfg := testConfig(t, srv.URL)
	orch, ledger := newTestOrchestrator(t, cfg)

	run, err := orch.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 3, run.RowsFetched)
	assert.EqualValues(t, 3, run.RowsInserted)
	assert.EqualValues(t, 3, run.RowsTotal)
	assert.Equal(t, 1, run.Partitions)
	require.NotNil(t, run.CapturedAt)

	for _, name := range []string{services.FullArtifact, services.LatestArtifact, services.LatestBatchArtifact} {
		rows, err := services.ParquetRows(filepath.Join(cfg.PublicDir, name))
		require.NoError(t, err, name)
		assert.EqualValues(t, 3, rows, name)
	}
	day := run.CapturedAt.UTC().Format("2006-01-02")
	assert.DirExists(t, services.PartitionPath(cfg.PublicDir, day))

	runs, err := ledger.GetRecentRuns("tgvmax", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.CycleID, runs[0].CycleID)
	assert.Equal(t, models.RunStatusCompleted, runs[0].Status)
	assert.EqualValues(t, 3, runs[0].RowsInserted)

	logs, err := ledger.GetRunLogs(run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestRunCycleSkipsWhenFresh(t *testing.T) {
	ctx := context.Background()
	var hits atomic.Int32
	path := writeFixture(t, fixtureRows)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.ServeFile(w, r, path)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	orch, ledger := newTestOrchestrator(t, cfg)

	require.NoError(t, orch.RunCycle(ctx))
	run, err := orch.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusSkipped, run.Status)
	require.NotNil(t, run.CapturedAt)
	assert.EqualValues(t, 1, hits.Load())

	logs, err := ledger.GetRunLogs(run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "Skipping refresh")
	assert.EqualValues(t, 3, countArchive(t, cfg))

	runs, err := ledger.GetRecentRuns("tgvmax", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusSkipped, runs[0].Status)
}

func TestRunCycleAfterWindowFetchesAgain(t *testing.T) {
	ctx := context.Background()
	srv := serveFile(t, writeFixture(t, fixtureRows))
	cfg := testConfig(t, srv.URL)
	orch, _ := newTestOrchestrator(t, cfg)

	require.NoError(t, orch.RunCycle(ctx))

	orch.Gate().WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	run, err := orch.Run(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 3, run.RowsFetched)
	assert.EqualValues(t, 0, run.RowsInserted)
	assert.EqualValues(t, 3, run.RowsTotal)
}

func TestForcedRunIgnoresGate(t *testing.T) {
	ctx := context.Background()
	srv := serveFile(t, writeFixture(t, fixtureRows))
	cfg := testConfig(t, srv.URL)
	orch, _ := newTestOrchestrator(t, cfg)

	require.NoError(t, orch.RunCycle(ctx))
	run, err := orch.Run(ctx, true)
	require.NoError(t, err)

	assert.True(t, run.Forced)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.EqualValues(t, 0, run.RowsInserted)
}

func TestRunCycleFetchFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	orch, ledger := newTestOrchestrator(t, cfg)

	run, err := orch.Run(ctx, false)
	require.Error(t, err)

	var fe *models.FetchError
	assert.True(t, errors.As(err, &fe))
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.NoFileExists(t, filepath.Join(cfg.PublicDir, services.FullArtifact))

	runs, err := ledger.GetRecentRuns("tgvmax", 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "502")
}

func TestRunCycleWithoutLedger(t *testing.T) {
	srv := serveFile(t, writeFixture(t, fixtureRows))
	cfg := testConfig(t, srv.URL)
	orch := NewOrchestrator(cfg, nil, httputil.NewClients("", 0), nil)

	run, err := orch.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Zero(t, run.ID)
}
