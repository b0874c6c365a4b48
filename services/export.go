package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

const (
	FullArtifact        = "tgvmax_full.parquet"
	LatestArtifact      = "tgvmax_latest.parquet"
	LatestBatchArtifact = "tgvmax_latest_incremental.parquet"
	IncrementalDir      = "incremental"
	PartitionColumn     = "scrape_date"
)

// Exporter rewrites the published parquet artifacts from the archive table.
// The four writes are independent; a failure stops the export but earlier
// artifacts are left as written.
type Exporter struct {
	dataset   models.Dataset
	publicDir string
	log       *logging.Logger
}

func NewExporter(ds models.Dataset, publicDir string, log *logging.Logger) *Exporter {
	if log == nil {
		log = logging.Nop()
	}
	return &Exporter{dataset: ds, publicDir: publicDir, log: log}
}

type ExportResult struct {
	Files           []string `json:"files"`
	FullRows        int64    `json:"full_rows"`
	LatestRows      int64    `json:"latest_rows"`
	LatestBatchRows int64    `json:"latest_batch_rows"`
	Partitions      int      `json:"partitions"`
}

func (e *Exporter) PublicDir() string {
	return e.publicDir
}

func (e *Exporter) Export(ctx context.Context, store Store) (ExportResult, error) {
	var result ExportResult
	ds := e.dataset

	exists, err := store.TableExists(ctx, ds.Table)
	if err != nil {
		return result, &models.ExportError{Artifact: ds.Table, Err: err}
	}
	if !exists {
		return result, &models.ExportError{Artifact: ds.Table, Err: fmt.Errorf("table %s does not exist", ds.Table)}
	}

	if err := os.MkdirAll(e.publicDir, 0755); err != nil {
		return result, &models.ExportError{Artifact: e.publicDir, Err: err}
	}

	if result.FullRows, err = e.copyToFile(ctx, store, "SELECT * FROM "+storage.QuoteIdent(ds.Table), FullArtifact); err != nil {
		return result, err
	}
	result.Files = append(result.Files, FullArtifact)

	// Grouped by the full natural key, od_happy_card included, unlike the
	// merge probe.
	if result.LatestRows, err = e.copyToFile(ctx, store, latestSQL(ds, ds.NaturalKey), LatestArtifact); err != nil {
		return result, err
	}
	result.Files = append(result.Files, LatestArtifact)

	if result.LatestBatchRows, err = e.copyToFile(ctx, store, latestBatchSQL(ds), LatestBatchArtifact); err != nil {
		return result, err
	}
	result.Files = append(result.Files, LatestBatchArtifact)

	if result.Partitions, err = e.exportIncremental(ctx, store); err != nil {
		return result, err
	}
	result.Files = append(result.Files, IncrementalDir+"/")

	e.log.Info("exported artifacts",
		"dir", e.publicDir,
		"full_rows", result.FullRows,
		"latest_rows", result.LatestRows,
		"latest_batch_rows", result.LatestBatchRows,
		"partitions", result.Partitions,
	)
	return result, nil
}

// copyToFile writes query to a sibling temp file and renames it into place,
// so readers of the public dir never see a half-written artifact.
func (e *Exporter) copyToFile(ctx context.Context, store Store, query, name string) (int64, error) {
	dst := filepath.Join(e.publicDir, name)
	tmp := dst + ".tmp"

	copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)", query, storage.QuoteLiteral(tmp))
	if _, err := store.ExecContext(ctx, copySQL); err != nil {
		os.Remove(tmp)
		return 0, &models.ExportError{Artifact: name, Err: err}
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, &models.ExportError{Artifact: name, Err: fmt.Errorf("rename: %w", err)}
	}

	var rows int64
	countSQL := "SELECT COUNT(*) FROM read_parquet(" + storage.QuoteLiteral(dst) + ")"
	if err := store.QueryRowContext(ctx, countSQL).Scan(&rows); err != nil {
		return 0, &models.ExportError{Artifact: name, Err: fmt.Errorf("count: %w", err)}
	}
	return rows, nil
}

// exportIncremental repartitions the whole table by the UTC calendar date of
// the capture timestamp. The tree is built beside the live one and swapped
// in, so every partition is rewritten and none is appended to.
func (e *Exporter) exportIncremental(ctx context.Context, store Store) (int, error) {
	ds := e.dataset
	table := storage.QuoteIdent(ds.Table)
	ts := storage.QuoteIdent(ds.TimestampColumn)
	dir := filepath.Join(e.publicDir, IncrementalDir)
	tmp := dir + ".tmp"
	old := dir + ".old"

	if err := os.RemoveAll(tmp); err != nil {
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: err}
	}
	copySQL := fmt.Sprintf(
		"COPY (SELECT strftime(%s, '%%Y-%%m-%%d') AS %s, * FROM %s) TO %s "+
			"(FORMAT PARQUET, PARTITION_BY (%s), COMPRESSION ZSTD, OVERWRITE_OR_IGNORE)",
		ts, PartitionColumn, table, storage.QuoteLiteral(tmp), PartitionColumn,
	)
	if _, err := store.ExecContext(ctx, copySQL); err != nil {
		os.RemoveAll(tmp)
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: err}
	}
	// An empty table writes no partitions and may leave no directory.
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: err}
	}

	os.RemoveAll(old)
	if err := os.Rename(dir, old); err != nil && !os.IsNotExist(err) {
		os.RemoveAll(tmp)
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: fmt.Errorf("swap: %w", err)}
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.Rename(old, dir)
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: fmt.Errorf("swap: %w", err)}
	}
	os.RemoveAll(old)

	var partitions int
	countSQL := fmt.Sprintf("SELECT COUNT(DISTINCT CAST(%s AS DATE)) FROM %s", ts, table)
	if err := store.QueryRowContext(ctx, countSQL).Scan(&partitions); err != nil {
		return 0, &models.ExportError{Artifact: IncrementalDir, Err: err}
	}
	return partitions, nil
}

// PartitionPath is the directory holding the rows captured on day.
func PartitionPath(publicDir, day string) string {
	return filepath.Join(publicDir, IncrementalDir, PartitionColumn+"="+day)
}
