package services

import (
	"context"
	"fmt"
	"strings"

	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

// Merger appends a staged snapshot to the archive table, skipping rows whose
// natural key already matches a row of the latest view.
type Merger struct {
	dataset models.Dataset
	log     *logging.Logger
}

func NewMerger(ds models.Dataset, log *logging.Logger) *Merger {
	if log == nil {
		log = logging.Nop()
	}
	return &Merger{dataset: ds, log: log}
}

type MergeResult struct {
	Fetched  int64 `json:"fetched"`
	Inserted int64 `json:"inserted"`
	Total    int64 `json:"total"`
	Created  bool  `json:"created"`
}

// Merge runs in one transaction:
//  1. create the archive table from the snapshot's shape if it is missing
//  2. (re)define the latest view over the archive
//  3. materialise the view's natural keys as the probe set (pre-merge state)
//  4. insert every snapshot row whose natural key is absent from the probe set
//
// Key comparison is SQL equality, so a snapshot row with NULL in any key
// column is always inserted.
func (m *Merger) Merge(ctx context.Context, store Store, snap *models.Snapshot) (MergeResult, error) {
	ds := m.dataset
	result := MergeResult{Fetched: snap.Rows}

	exists, err := store.TableExists(ctx, ds.Table)
	if err != nil {
		return result, &models.StoreError{Op: "inspect table", Err: err}
	}
	if err := m.checkSchema(ctx, store, snap, exists); err != nil {
		return result, err
	}

	table := storage.QuoteIdent(ds.Table)
	staged := storage.QuoteIdent(snap.Table)
	probe := storage.QuoteIdent(snap.Table + "_probe")

	tx, err := store.BeginTx(ctx)
	if err != nil {
		return result, &models.StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	steps := []struct {
		op    string
		query string
	}{
		{"create table", fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0", table, staged)},
		{"create latest view", fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s",
			storage.QuoteIdent(ds.LatestView), latestSQL(ds, ds.LatestGroup))},
		{"build probe", fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS SELECT %s FROM %s",
			probe, quoteList(ds.NaturalKey), storage.QuoteIdent(ds.LatestView))},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query); err != nil {
			return result, &models.StoreError{Op: step.op, Err: err}
		}
	}

	insert := fmt.Sprintf(
		"INSERT INTO %s SELECT s.* FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s p WHERE %s)",
		table, staged, probe, keyMatch("p", "s", ds.NaturalKey),
	)
	res, err := tx.ExecContext(ctx, insert)
	if err != nil {
		return result, &models.StoreError{Op: "insert", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil {
		result.Inserted = n
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+probe); err != nil {
		return result, &models.StoreError{Op: "drop probe", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return result, &models.StoreError{Op: "commit", Err: err}
	}
	result.Created = !exists

	total, err := store.CountRows(ctx, ds.Table)
	if err != nil {
		return result, &models.StoreError{Op: "count", Err: err}
	}
	result.Total = total

	m.log.Info("merged snapshot",
		"table", ds.Table,
		"fetched", result.Fetched,
		"inserted", result.Inserted,
		"skipped", result.Fetched-result.Inserted,
		"total", result.Total,
		"created", result.Created,
	)
	return result, nil
}

// checkSchema rejects snapshots whose columns differ from the archive's, or
// that lack a natural key column. The first snapshot fixes the schema.
func (m *Merger) checkSchema(ctx context.Context, store Store, snap *models.Snapshot, tableExists bool) error {
	staged, err := store.Columns(ctx, snap.Table)
	if err != nil {
		return &models.StoreError{Op: "inspect snapshot", Err: err}
	}

	have := make(map[string]bool, len(staged))
	for _, c := range staged {
		have[c.Name] = true
	}
	var missing []string
	for _, k := range append([]string{m.dataset.TimestampColumn}, m.dataset.NaturalKey...) {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &models.StoreError{
			Op:  "verify schema",
			Err: fmt.Errorf("%w: missing columns %s", models.ErrSchemaMismatch, strings.Join(missing, ", ")),
		}
	}

	if !tableExists {
		return nil
	}

	stored, err := store.Columns(ctx, m.dataset.Table)
	if err != nil {
		return &models.StoreError{Op: "inspect table", Err: err}
	}
	if diff := diffColumns(stored, staged); diff != "" {
		return &models.StoreError{
			Op:  "verify schema",
			Err: fmt.Errorf("%w: %s", models.ErrSchemaMismatch, diff),
		}
	}
	return nil
}

func diffColumns(stored, staged []models.Column) string {
	if len(stored) != len(staged) {
		return fmt.Sprintf("table has %d columns, snapshot has %d", len(stored), len(staged))
	}
	for i := range stored {
		if stored[i].Name != staged[i].Name || !strings.EqualFold(stored[i].Type, staged[i].Type) {
			return fmt.Sprintf("column %d is %s %s in table, %s %s in snapshot",
				i+1, stored[i].Name, stored[i].Type, staged[i].Name, staged[i].Type)
		}
	}
	return ""
}
