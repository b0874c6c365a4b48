package scraper

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"tgvmax_archiver/config"
	"tgvmax_archiver/httputil"
	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/services"
	"tgvmax_archiver/storage"
)

// Orchestrator runs one refresh cycle: gate, fetch, merge, export.
type Orchestrator struct {
	cfg      *config.Config
	ledger   *storage.SQLiteStore
	gate     *services.FreshnessGate
	fetcher  *Fetcher
	merger   *services.Merger
	exporter *services.Exporter
	log      *logging.Logger

	// Postgres mirror of the run ledger
	pgStore *storage.PostgresStore
	host    string
}

func NewOrchestrator(cfg *config.Config, ledger *storage.SQLiteStore, clients *httputil.Clients, log *logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Nop()
	}
	ds := cfg.Dataset
	handler := NewHandler(ds.SourceURL, clients.Download)

	host, _ := os.Hostname()

	return &Orchestrator{
		cfg:      cfg,
		ledger:   ledger,
		gate:     services.NewFreshnessGate(ds, cfg.Scheduler.FreshnessWindow),
		fetcher:  NewFetcher(ds, handler, log).WithTimeout(cfg.Fetch.Timeout).WithTempDir(cfg.DataDir),
		merger:   services.NewMerger(ds, log),
		exporter: services.NewExporter(ds, cfg.PublicDir, log),
		log:      log,
		host:     host,
	}
}

// SetMirror enables the Postgres copy of the run ledger.
func (o *Orchestrator) SetMirror(pgStore *storage.PostgresStore) {
	o.pgStore = pgStore
}

func (o *Orchestrator) Gate() *services.FreshnessGate {
	return o.gate
}

func (o *Orchestrator) Fetcher() *Fetcher {
	return o.fetcher
}

// RunCycle runs one gated cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	_, err := o.Run(ctx, false)
	return err
}

// Run executes one cycle and returns its ledger record. force skips the
// freshness gate. Fetch, merge and export errors are returned unchanged so
// callers can tell them apart.
func (o *Orchestrator) Run(ctx context.Context, force bool) (*models.RefreshRun, error) {
	ds := o.cfg.Dataset
	run := &models.RefreshRun{
		CycleID:   uuid.NewString(),
		Dataset:   ds.Name,
		StartedAt: time.Now(),
		Status:    models.RunStatusRunning,
		Forced:    force,
	}
	o.startRun(ctx, run)

	err := o.cycle(ctx, run, force)

	now := time.Now()
	run.FinishedAt = &now
	if err != nil {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		o.record(run, models.LogLevelError, fmt.Sprintf("Cycle failed (%s): %v", models.ErrorKind(err), err))
	}
	o.finishRun(ctx, run)

	return run, err
}

func (o *Orchestrator) cycle(ctx context.Context, run *models.RefreshRun, force bool) error {
	session, err := storage.OpenDuckDB(ctx, o.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			o.log.Warn("close duckdb", "path", o.cfg.DBPath, "error", cerr)
		}
	}()

	if !force {
		fresh, err := o.gate.IsFresh(ctx, session)
		if err != nil {
			return err
		}
		last, ok, err := o.gate.LastCapture(ctx, session)
		if err != nil {
			return err
		}
		if fresh {
			run.Status = models.RunStatusSkipped
			run.CapturedAt = &last
			o.record(run, models.LogLevelInfo, fmt.Sprintf(
				"Skipping refresh: last capture %s is within %s", last.Format(time.RFC3339), o.gate.Window()))
			return nil
		}
		if ok {
			o.record(run, models.LogLevelInfo, fmt.Sprintf("Archive is stale, last capture %s", last.Format(time.RFC3339)))
		} else {
			o.record(run, models.LogLevelInfo, "Archive is empty, fetching first snapshot")
		}
	}

	snap, err := o.fetcher.Fetch(ctx, session)
	if err != nil {
		return err
	}
	run.CapturedAt = &snap.CapturedAt
	run.RowsFetched = snap.Rows

	merged, err := o.merger.Merge(ctx, session, snap)
	if err != nil {
		return err
	}
	run.RowsInserted = merged.Inserted
	run.RowsTotal = merged.Total
	o.record(run, models.LogLevelInfo, fmt.Sprintf("Merged %d of %d rows (%d total)",
		merged.Inserted, merged.Fetched, merged.Total))

	exported, err := o.exporter.Export(ctx, session)
	if err != nil {
		return err
	}
	run.Partitions = exported.Partitions

	run.Status = models.RunStatusCompleted
	o.record(run, models.LogLevelInfo, fmt.Sprintf("Exported %d artifacts, %d partitions",
		len(exported.Files), exported.Partitions))
	return nil
}

// Ledger writes never fail a cycle.
func (o *Orchestrator) startRun(ctx context.Context, run *models.RefreshRun) {
	if o.ledger != nil {
		id, err := o.ledger.CreateRun(run)
		if err != nil {
			o.log.Warn("create ledger run", "cycle", run.CycleID, "error", err)
		} else {
			run.ID = id
		}
	}
	if o.pgStore != nil {
		if _, err := o.pgStore.CreateRefreshRun(ctx, o.host, run); err != nil {
			o.log.Warn("create postgres run", "cycle", run.CycleID, "error", err)
		}
	}
	o.log.Info("cycle started", "cycle", run.CycleID, "forced", run.Forced)
}

func (o *Orchestrator) finishRun(ctx context.Context, run *models.RefreshRun) {
	if o.ledger != nil && run.ID != 0 {
		if err := o.ledger.UpdateRun(run); err != nil {
			o.log.Warn("update ledger run", "cycle", run.CycleID, "error", err)
		}
	}
	if o.pgStore != nil {
		// The cycle's own context may already be cancelled.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.pgStore.UpdateRefreshRun(pctx, run); err != nil {
			o.log.Warn("update postgres run", "cycle", run.CycleID, "error", err)
		}
	}
	o.log.Info("cycle finished",
		"cycle", run.CycleID,
		"status", run.Status,
		"fetched", run.RowsFetched,
		"inserted", run.RowsInserted,
		"total", run.RowsTotal,
		"duration", run.Duration(),
	)
}

func (o *Orchestrator) record(run *models.RefreshRun, level models.LogLevel, message string) {
	switch level {
	case models.LogLevelError:
		o.log.Error(message, "cycle", run.CycleID)
	case models.LogLevelWarn:
		o.log.Warn(message, "cycle", run.CycleID)
	default:
		o.log.Info(message, "cycle", run.CycleID)
	}
	if o.ledger == nil {
		return
	}
	var runID *int64
	if run.ID != 0 {
		runID = &run.ID
	}
	if err := o.ledger.Log(runID, level, message, run.Dataset); err != nil {
		o.log.Warn("write ledger log", "cycle", run.CycleID, "error", err)
	}
}
