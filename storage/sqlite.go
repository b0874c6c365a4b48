package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tgvmax_archiver/models"
)

// SQLiteStore is the operational ledger: refresh runs, their log lines and
// operator commands. It never holds archived rows.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refresh_runs (
		id INTEGER PRIMARY KEY,
		cycle_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		forced BOOLEAN DEFAULT FALSE,
		captured_at DATETIME,
		rows_fetched INTEGER DEFAULT 0,
		rows_inserted INTEGER DEFAULT 0,
		rows_total INTEGER DEFAULT 0,
		partitions INTEGER DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS refresh_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		dataset TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON refresh_runs(dataset, started_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON refresh_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateRun(run *models.RefreshRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO refresh_runs (cycle_id, dataset, started_at, status, forced)
		VALUES (?, ?, ?, ?, ?)`,
		run.CycleID, run.Dataset, run.StartedAt, run.Status, run.Forced)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) UpdateRun(run *models.RefreshRun) error {
	_, err := s.db.Exec(`
		UPDATE refresh_runs SET finished_at = ?, status = ?, captured_at = ?,
			rows_fetched = ?, rows_inserted = ?, rows_total = ?, partitions = ?, error = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.CapturedAt, run.RowsFetched, run.RowsInserted,
		run.RowsTotal, run.Partitions, nullString(run.Error), run.ID)
	return err
}

func (s *SQLiteStore) GetRecentRuns(dataset string, limit int) ([]models.RefreshRun, error) {
	rows, err := s.db.Query(`
		SELECT id, cycle_id, dataset, started_at, finished_at, status, forced, captured_at,
			rows_fetched, rows_inserted, rows_total, partitions, error
		FROM refresh_runs WHERE dataset = ? ORDER BY started_at DESC, id DESC LIMIT ?`, dataset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RefreshRun
	for rows.Next() {
		var r models.RefreshRun
		var finished, captured sql.NullTime
		var errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.CycleID, &r.Dataset, &r.StartedAt, &finished, &r.Status, &r.Forced,
			&captured, &r.RowsFetched, &r.RowsInserted, &r.RowsTotal, &r.Partitions, &errMsg); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		if captured.Valid {
			r.CapturedAt = &captured.Time
		}
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, message, dataset string) error {
	_, err := s.db.Exec(`
		INSERT INTO refresh_logs (run_id, timestamp, level, message, dataset)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now(), level, message, dataset)
	return err
}

func (s *SQLiteStore) GetRunLogs(runID int64) ([]models.RunLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, message, dataset
		FROM refresh_logs WHERE run_id = ? ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &l.Dataset); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	var raw []byte
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return 0, err
		}
	}
	result, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, nullBytes(raw), time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// ResetAllData clears all ledger tables
func (s *SQLiteStore) ResetAllData() error {
	tables := []string{
		"refresh_logs",
		"refresh_runs",
		"commands",
	}

	for _, table := range tables {
		_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table))
		if err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
