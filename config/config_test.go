package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "DB_PATH", "PUBLIC_DIR", "RUNS_DB_PATH", "RUNS_PG_URL",
		"REFRESH_INTERVAL", "REFRESH_CRON", "FRESHNESS_WINDOW", "FETCH_TIMEOUT",
		"TGVMAX_EXPORT_URL", "DATASET_CONFIG", "S3_BUCKET", "SERVE_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, time.Hour, cfg.Scheduler.FreshnessWindow)
	assert.Zero(t, cfg.Fetch.Timeout)
	assert.Equal(t, filepath.Join(".data", "db.duckdb"), filepath.Clean(cfg.DBPath))
	assert.Equal(t, filepath.Join(".data", "public", "incremental"), filepath.Clean(cfg.IncrementalDir()))
	assert.Equal(t, "tgvmax", cfg.Dataset.Table)
	assert.Len(t, cfg.Dataset.NaturalKey, 11)
	assert.Len(t, cfg.Dataset.LatestGroup, 10)
	assert.NotContains(t, cfg.Dataset.LatestGroup, "od_happy_card")
	assert.False(t, cfg.Publish.S3.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/srv/tgvmax")
	t.Setenv("REFRESH_INTERVAL", "1800")
	t.Setenv("FRESHNESS_WINDOW", "45m")
	t.Setenv("TGVMAX_EXPORT_URL", "file:///tmp/tgvmax.parquet")
	t.Setenv("S3_BUCKET", "archive")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 45*time.Minute, cfg.Scheduler.FreshnessWindow)
	assert.Equal(t, "/srv/tgvmax/db.duckdb", cfg.DBPath)
	assert.Equal(t, "/srv/tgvmax/public", cfg.PublicDir)
	assert.Equal(t, "file:///tmp/tgvmax.parquet", cfg.Dataset.SourceURL)
	assert.True(t, cfg.Publish.S3.Enabled())
}

func TestLoadDatasetYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "dataset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: tgvmax_test
table: tgvmax_test
latest_group: [date, train_no]
`), 0o644))
	t.Setenv("DATASET_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tgvmax_test", cfg.Dataset.Table)
	assert.Equal(t, []string{"date", "train_no"}, cfg.Dataset.LatestGroup)
	assert.Equal(t, "scrape_datetime", cfg.Dataset.TimestampColumn)
	assert.Len(t, cfg.Dataset.NaturalKey, 11)
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Dataset.NaturalKey = nil
	assert.Error(t, cfg.Validate())
}
