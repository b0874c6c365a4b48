package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"tgvmax_archiver/models"
)

// DuckDBStore is the file-backed analytical store holding the archived table.
// It is opened once per refresh cycle and closed at the end of it, so the
// file is never held across the scheduler's sleep.
type DuckDBStore struct {
	db   *sql.DB
	conn *sql.Conn
	path string
}

func OpenDuckDB(ctx context.Context, dbPath string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, &models.StoreError{Op: "open", Err: err}
	}
	// Staging tables are TEMP tables, which only exist on the connection
	// that created them.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, &models.StoreError{Op: "connect", Err: err}
	}

	return &DuckDBStore{db: db, conn: conn, path: dbPath}, nil
}

func (s *DuckDBStore) Close() error {
	cerr := s.conn.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return cerr
}

func (s *DuckDBStore) Path() string {
	return s.path
}

func (s *DuckDBStore) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *DuckDBStore) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *DuckDBStore) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *DuckDBStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.conn.BeginTx(ctx, nil)
}

// TableExists reports whether a table or view with this name exists in the
// main schema.
func (s *DuckDBStore) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'main' AND table_name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Columns returns the ordered column names and types of a table,
// including session temp tables.
func (s *DuckDBStore) Columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT name, type FROM pragma_table_info(%s)", QuoteLiteral(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *DuckDBStore) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n)
	return n, err
}

// StageParquet loads a parquet file into a temp table, prefixing every row
// with the same capture timestamp column.
func (s *DuckDBStore) StageParquet(ctx context.Context, table, tsColumn, path string, capturedAt time.Time) (int64, error) {
	query := fmt.Sprintf(
		"CREATE OR REPLACE TEMP TABLE %s AS SELECT %s AS %s, * FROM read_parquet(%s)",
		QuoteIdent(table),
		TimestampLiteral(capturedAt),
		QuoteIdent(tsColumn),
		QuoteLiteral(path),
	)
	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return 0, err
	}
	return s.CountRows(ctx, table)
}

// QuoteIdent quotes a DuckDB identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteLiteral quotes a DuckDB string literal.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// TimestampLiteral renders t as a UTC TIMESTAMP literal with microsecond
// precision, the resolution DuckDB stores.
func TimestampLiteral(t time.Time) string {
	return "TIMESTAMP '" + t.UTC().Format("2006-01-02 15:04:05.000000") + "'"
}
