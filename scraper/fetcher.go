package scraper

import (
	"context"
	"fmt"
	"os"
	"time"

	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
)

// Stager loads a parquet file into a session temp table.
type Stager interface {
	StageParquet(ctx context.Context, table, tsColumn, path string, capturedAt time.Time) (int64, error)
}

// Fetcher downloads the whole remote snapshot and stages it for merging.
// There is no retry; a failed fetch fails the cycle.
type Fetcher struct {
	dataset models.Dataset
	handler Handler
	timeout time.Duration
	tmpDir  string
	log     *logging.Logger
	now     func() time.Time
}

func NewFetcher(ds models.Dataset, handler Handler, log *logging.Logger) *Fetcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Fetcher{
		dataset: ds,
		handler: handler,
		log:     log,
		now:     time.Now,
	}
}

// WithTimeout bounds each fetch. Zero leaves it to the caller's context.
func (f *Fetcher) WithTimeout(d time.Duration) *Fetcher {
	f.timeout = d
	return f
}

// WithTempDir sets where downloads are spooled. Empty means os.TempDir.
func (f *Fetcher) WithTempDir(dir string) *Fetcher {
	f.tmpDir = dir
	return f
}

func (f *Fetcher) WithClock(now func() time.Time) *Fetcher {
	f.now = now
	return f
}

// StagingTable is the temp table holding the snapshot being merged.
func (f *Fetcher) StagingTable() string {
	return f.dataset.Table + "_snapshot"
}

// Fetch stamps one capture time, downloads the snapshot and stages every row
// with that timestamp as its first column.
func (f *Fetcher) Fetch(ctx context.Context, session Stager) (*models.Snapshot, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	capturedAt := f.now().UTC().Truncate(time.Microsecond)
	f.log.Info("fetching snapshot", "source", f.handler.ID(), "captured_at", capturedAt)

	tmp, err := os.CreateTemp(f.tmpDir, f.dataset.Name+"-*.parquet")
	if err != nil {
		return nil, &models.FetchError{Op: "spool", Err: err}
	}
	defer os.Remove(tmp.Name())

	n, err := f.handler.Download(ctx, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, &models.FetchError{Op: "download", Err: err}
	}

	rows, err := session.StageParquet(ctx, f.StagingTable(), f.dataset.TimestampColumn, tmp.Name(), capturedAt)
	if err != nil {
		return nil, &models.FetchError{Op: "read parquet", Err: fmt.Errorf("%d bytes from %s: %w", n, f.handler.ID(), err)}
	}

	f.log.Info("fetched snapshot", "rows", rows, "bytes", n, "table", f.StagingTable())
	return &models.Snapshot{
		Table:      f.StagingTable(),
		Source:     f.handler.ID(),
		CapturedAt: capturedAt,
		Rows:       rows,
		Bytes:      n,
	}, nil
}
