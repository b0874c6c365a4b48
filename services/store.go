package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

// Store is the slice of the DuckDB session the refresh services need.
type Store interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context) (*sql.Tx, error)
	TableExists(ctx context.Context, name string) (bool, error)
	Columns(ctx context.Context, table string) ([]models.Column, error)
	CountRows(ctx context.Context, table string) (int64, error)
}

var _ Store = (*storage.DuckDBStore)(nil)

// latestSQL selects, for every group of rows sharing the given columns, the
// rows carrying the group's maximum timestamp. The correlated comparison uses
// plain SQL equality, so a row with NULL in any group column matches nothing
// and never appears in the result.
func latestSQL(ds models.Dataset, group []string) string {
	table := storage.QuoteIdent(ds.Table)
	ts := storage.QuoteIdent(ds.TimestampColumn)
	return fmt.Sprintf(
		"SELECT h.* FROM %s h WHERE h.%s = (SELECT MAX(i.%s) FROM %s i WHERE %s)",
		table, ts, ts, table, keyMatch("i", "h", group),
	)
}

// latestBatchSQL selects the rows captured at the most recent timestamp.
func latestBatchSQL(ds models.Dataset) string {
	table := storage.QuoteIdent(ds.Table)
	ts := storage.QuoteIdent(ds.TimestampColumn)
	return fmt.Sprintf("SELECT * FROM %s WHERE %s = (SELECT MAX(%s) FROM %s)", table, ts, ts, table)
}

func keyMatch(left, right string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		q := storage.QuoteIdent(c)
		parts[i] = left + "." + q + " = " + right + "." + q
	}
	return strings.Join(parts, " AND ")
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = storage.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}
