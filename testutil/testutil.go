// Package testutil builds tgvmax fixtures for tests: rows, staged snapshots
// and parquet files.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

// TGVColumns is the column order of the published tgvmax snapshot.
var TGVColumns = []string{
	"date",
	"train_no",
	"entity",
	"axe",
	"origine_iata",
	"destination_iata",
	"origine",
	"destination",
	"heure_depart",
	"heure_arrivee",
	"od_happy_card",
}

// Row returns one snapshot row for a Paris to Lyon train. Set an element to
// nil to produce a NULL.
func Row(date, train, depart, happy string) []any {
	return []any{
		date,
		train,
		"TGV INOUI",
		"SUD EST",
		"FRPLY",
		"FRLYS",
		"PARIS (intramuros)",
		"LYON (intramuros)",
		depart,
		"10:00",
		happy,
	}
}

// WithNull returns a copy of row with column col set to NULL.
func WithNull(row []any, col string) []any {
	out := append([]any(nil), row...)
	for i, c := range TGVColumns {
		if c == col {
			out[i] = nil
		}
	}
	return out
}

// ValuesSQL renders rows as a SELECT over a VALUES list with the snapshot's
// column names and types.
func ValuesSQL(rows [][]any) string {
	filter := ""
	if len(rows) == 0 {
		rows = [][]any{make([]any, len(TGVColumns))}
		filter = " WHERE false"
	}

	tuples := make([]string, len(rows))
	for i, row := range rows {
		vals := make([]string, len(row))
		for j, v := range row {
			typ := "VARCHAR"
			if TGVColumns[j] == "date" {
				typ = "DATE"
			}
			if v == nil {
				vals[j] = "NULL::" + typ
			} else {
				vals[j] = storage.QuoteLiteral(fmt.Sprint(v)) + "::" + typ
			}
		}
		tuples[i] = "(" + strings.Join(vals, ", ") + ")"
	}

	return fmt.Sprintf("SELECT * FROM (VALUES %s) AS v(%s)%s",
		strings.Join(tuples, ", "), strings.Join(TGVColumns, ", "), filter)
}

// OpenStore opens a DuckDB file in a temp dir, closed when the test ends.
func OpenStore(t *testing.T) *storage.DuckDBStore {
	t.Helper()
	store, err := storage.OpenDuckDB(context.Background(), filepath.Join(t.TempDir(), "tgvmax.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Stage loads rows into a temp table as a snapshot captured at capturedAt,
// the way the fetcher stages a download.
func Stage(t *testing.T, store *storage.DuckDBStore, table string, capturedAt time.Time, rows [][]any) *models.Snapshot {
	t.Helper()
	ctx := context.Background()
	capturedAt = capturedAt.UTC().Truncate(time.Microsecond)

	query := fmt.Sprintf("CREATE OR REPLACE TEMP TABLE %s AS SELECT %s AS scrape_datetime, * FROM (%s)",
		storage.QuoteIdent(table), storage.TimestampLiteral(capturedAt), ValuesSQL(rows))
	_, err := store.ExecContext(ctx, query)
	require.NoError(t, err)

	n, err := store.CountRows(ctx, table)
	require.NoError(t, err)

	return &models.Snapshot{
		Table:      table,
		Source:     "fixture",
		CapturedAt: capturedAt,
		Rows:       n,
	}
}

// WriteParquet writes rows to a parquet file at path.
func WriteParquet(t *testing.T, path string, rows [][]any) {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", ValuesSQL(rows), storage.QuoteLiteral(path)))
	require.NoError(t, err)
}

// QueryStrings runs a single-column query and returns its values, with NULL
// rendered as "<nil>".
func QueryStrings(t *testing.T, store *storage.DuckDBStore, query string) []string {
	t.Helper()
	rows, err := store.QueryContext(context.Background(), query)
	require.NoError(t, err)
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		require.NoError(t, rows.Scan(&v))
		if v.Valid {
			out = append(out, v.String)
		} else {
			out = append(out, "<nil>")
		}
	}
	require.NoError(t, rows.Err())
	return out
}
