package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tgvmax_archiver/models"
)

// PostgresStore mirrors refresh runs into a shared Postgres database so runs
// from several archive hosts can be watched in one place.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS refresh_runs (
			id BIGSERIAL PRIMARY KEY,
			cycle_id TEXT NOT NULL UNIQUE,
			dataset TEXT NOT NULL,
			host TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			status TEXT NOT NULL,
			forced BOOLEAN NOT NULL DEFAULT FALSE,
			captured_at TIMESTAMPTZ,
			rows_fetched BIGINT NOT NULL DEFAULT 0,
			rows_inserted BIGINT NOT NULL DEFAULT 0,
			rows_total BIGINT NOT NULL DEFAULT 0,
			partitions INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`)
	return err
}

func (s *PostgresStore) CreateRefreshRun(ctx context.Context, host string, run *models.RefreshRun) (int64, error) {
	query := `
		INSERT INTO refresh_runs (cycle_id, dataset, host, started_at, status, forced)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cycle_id) DO UPDATE SET status = EXCLUDED.status
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, query,
		run.CycleID, run.Dataset, host, run.StartedAt, string(run.Status), run.Forced,
	).Scan(&id)
	return id, err
}

func (s *PostgresStore) UpdateRefreshRun(ctx context.Context, run *models.RefreshRun) error {
	query := `
		UPDATE refresh_runs SET
			finished_at = $2,
			status = $3,
			captured_at = $4,
			rows_fetched = $5,
			rows_inserted = $6,
			rows_total = $7,
			partitions = $8,
			error = NULLIF($9, '')
		WHERE cycle_id = $1`

	tag, err := s.pool.Exec(ctx, query,
		run.CycleID, run.FinishedAt, string(run.Status), run.CapturedAt,
		run.RowsFetched, run.RowsInserted, run.RowsTotal, run.Partitions, run.Error,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refresh run %s not found", run.CycleID)
	}
	return nil
}

func (s *PostgresStore) GetLastCompletedRun(ctx context.Context, dataset string) (*models.RefreshRun, error) {
	query := `
		SELECT id, cycle_id, dataset, started_at, finished_at, status, forced, captured_at,
			rows_fetched, rows_inserted, rows_total, partitions, COALESCE(error, '')
		FROM refresh_runs
		WHERE dataset = $1 AND status = 'completed'
		ORDER BY started_at DESC LIMIT 1`

	var r models.RefreshRun
	var status string
	err := s.pool.QueryRow(ctx, query, dataset).Scan(
		&r.ID, &r.CycleID, &r.Dataset, &r.StartedAt, &r.FinishedAt, &status, &r.Forced, &r.CapturedAt,
		&r.RowsFetched, &r.RowsInserted, &r.RowsTotal, &r.Partitions, &r.Error,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	return &r, nil
}
