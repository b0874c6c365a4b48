package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tgvmax_archiver/models"
	"tgvmax_archiver/storage"
)

const DefaultFreshnessWindow = time.Hour

// FreshnessGate decides whether the archive is recent enough to skip a fetch.
type FreshnessGate struct {
	dataset models.Dataset
	window  time.Duration
	now     func() time.Time
}

func NewFreshnessGate(ds models.Dataset, window time.Duration) *FreshnessGate {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &FreshnessGate{dataset: ds, window: window, now: time.Now}
}

// WithClock replaces the gate's clock.
func (g *FreshnessGate) WithClock(now func() time.Time) *FreshnessGate {
	g.now = now
	return g
}

func (g *FreshnessGate) Window() time.Duration {
	return g.window
}

// LastCapture returns the newest capture timestamp in the archive. ok is false
// when the table is missing or empty.
func (g *FreshnessGate) LastCapture(ctx context.Context, store Store) (last time.Time, ok bool, err error) {
	exists, err := store.TableExists(ctx, g.dataset.Table)
	if err != nil {
		return time.Time{}, false, &models.StoreError{Op: "inspect table", Err: err}
	}
	if !exists {
		return time.Time{}, false, nil
	}

	var newest sql.NullTime
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s",
		storage.QuoteIdent(g.dataset.TimestampColumn), storage.QuoteIdent(g.dataset.Table))
	if err := store.QueryRowContext(ctx, query).Scan(&newest); err != nil {
		return time.Time{}, false, &models.StoreError{Op: "read last capture", Err: err}
	}
	if !newest.Valid {
		return time.Time{}, false, nil
	}
	return newest.Time, true, nil
}

// IsFresh reports whether the newest capture is strictly younger than the
// window. A missing or empty archive is never fresh.
func (g *FreshnessGate) IsFresh(ctx context.Context, store Store) (bool, error) {
	last, ok, err := g.LastCapture(ctx, store)
	if err != nil || !ok {
		return false, err
	}
	return g.FreshSince(last), nil
}

// FreshSince reports whether a capture at last is still inside the window.
func (g *FreshnessGate) FreshSince(last time.Time) bool {
	return g.now().Sub(last) < g.window
}
