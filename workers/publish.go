package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tgvmax_archiver/identity"
	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/services"
	"tgvmax_archiver/storage"
)

const ManifestName = "manifest.json"

// S3Uploader interface for uploading to S3-compatible storage
type S3Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// PublishWorker mirrors the public dir to object storage. Files whose content
// hash matches the last successful upload are skipped; failed uploads are
// retried on the next trigger.
type PublishWorker struct {
	root     string
	prefix   string
	uploader S3Uploader
	log      *logging.Logger
	logFn    LogFunc

	mu       sync.Mutex
	uploaded map[string]string // object key -> sha256 of the last upload
	trigger  chan struct{}
}

func NewPublishWorker(root, prefix string, uploader S3Uploader, log *logging.Logger) *PublishWorker {
	if log == nil {
		log = logging.Nop()
	}
	return &PublishWorker{
		root:     root,
		prefix:   prefix,
		uploader: uploader,
		log:      log,
		logFn:    NoOpLogger,
		uploaded: make(map[string]string),
		trigger:  make(chan struct{}, 1),
	}
}

// SetLogFunc routes publish summaries to the run ledger.
func (w *PublishWorker) SetLogFunc(fn LogFunc) {
	if fn != nil {
		w.logFn = fn
	}
}

type PublishResult struct {
	Uploaded int
	Skipped  int
	Failed   int
	Bytes    int64
}

type manifestEntry struct {
	Path   string    `json:"path"`
	Key    string    `json:"key"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	Rows   int64     `json:"rows"`
	MTime  time.Time `json:"modified_at"`
}

// Publish uploads every changed file under the public dir and, if anything
// changed, a manifest describing the full set.
func (w *PublishWorker) Publish(ctx context.Context) (PublishResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result PublishResult
	artifacts, err := services.Inventory(w.root)
	if err != nil {
		return result, fmt.Errorf("list %s: %w", w.root, err)
	}

	manifest := make([]manifestEntry, 0, len(artifacts))
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if a.Path == ManifestName {
			continue
		}

		key := storage.ObjectKey(w.prefix, a.Path)
		local := filepath.Join(w.root, filepath.FromSlash(a.Path))
		sum, _, err := identity.FileFingerprint(local)
		if err != nil {
			// Replaced by a concurrent export; picked up next time.
			w.log.Warn("fingerprint artifact", "path", a.Path, "error", err)
			result.Failed++
			continue
		}
		manifest = append(manifest, manifestEntry{
			Path: a.Path, Key: key, SHA256: sum, Size: a.Size, Rows: a.Rows, MTime: a.ModTime,
		})

		if w.uploaded[key] == sum {
			result.Skipped++
			continue
		}
		if err := w.uploadFile(ctx, key, local); err != nil {
			w.log.Warn("upload artifact", "key", key, "error", err)
			result.Failed++
			continue
		}
		w.uploaded[key] = sum
		result.Uploaded++
		result.Bytes += a.Size
		w.log.Debug("uploaded artifact", "key", key, "sha256", identity.Short(sum), "size", a.Size)
	}

	if result.Uploaded > 0 {
		if err := w.uploadManifest(ctx, manifest); err != nil {
			w.log.Warn("upload manifest", "error", err)
			result.Failed++
		}
	}

	msg := fmt.Sprintf("Published %d artifacts (%d unchanged, %d failed)", result.Uploaded, result.Skipped, result.Failed)
	level := models.LogLevelInfo
	if result.Failed > 0 {
		level = models.LogLevelWarn
	}
	w.logFn(level, msg)
	w.log.Info("publish finished",
		"uploaded", result.Uploaded, "skipped", result.Skipped, "failed", result.Failed, "bytes", result.Bytes)
	return result, nil
}

func (w *PublishWorker) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return w.uploader.Upload(ctx, key, f, contentType(path))
}

func (w *PublishWorker) uploadManifest(ctx context.Context, entries []manifestEntry) error {
	data, err := json.MarshalIndent(struct {
		GeneratedAt time.Time       `json:"generated_at"`
		Artifacts   []manifestEntry `json:"artifacts"`
	}{time.Now().UTC(), entries}, "", "  ")
	if err != nil {
		return err
	}
	return w.uploader.Upload(ctx, storage.ObjectKey(w.prefix, ManifestName), strings.NewReader(string(data)), "application/json")
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// Trigger requests a publish pass without blocking. Requests made while one
// is already pending are merged.
func (w *PublishWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run starts the publish worker loop
func (w *PublishWorker) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("publish worker stopping")
			return
		case <-tick:
		case <-w.trigger:
		}
		if _, err := w.Publish(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("publish failed", "error", err)
		}
	}
}
