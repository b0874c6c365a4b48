package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tgvmax_archiver/config"
	"tgvmax_archiver/httputil"
	"tgvmax_archiver/logging"
	"tgvmax_archiver/models"
	"tgvmax_archiver/scheduler"
	"tgvmax_archiver/scraper"
	"tgvmax_archiver/server"
	"tgvmax_archiver/storage"
	"tgvmax_archiver/workers"
)

var (
	runOnce = flag.Bool("once", false, "Run a single refresh cycle and exit")
	force   = flag.Bool("force", false, "With -once, skip the freshness check")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("refresh loop stopped", "kind", models.ErrorKind(err), "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Info("Goodbye!")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ds := cfg.Dataset
	logger.Info("Starting tgvmax archiver",
		"dataset", ds.Name,
		"source", ds.SourceURL,
		"db", cfg.DBPath,
		"public", cfg.PublicDir,
	)

	for _, dir := range []string{cfg.DataDir, cfg.IncrementalDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := storage.NewSQLiteStore(cfg.RunsDB)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	defer ledger.Close()
	logger.Info("Run ledger", "path", cfg.RunsDB)

	clients := httputil.NewClients(cfg.Fetch.ProxyURL, cfg.Fetch.Timeout)
	orchestrator := scraper.NewOrchestrator(cfg, ledger, clients, logger)

	if cfg.RunsPGURL != "" {
		pgStore, err := storage.NewPostgresStore(ctx, cfg.RunsPGURL)
		if err != nil {
			logger.Warn("Postgres mirror disabled", "error", err)
		} else {
			defer pgStore.Close()
			orchestrator.SetMirror(pgStore)
			logger.Info("Connected to Postgres", "url", maskConnectionString(cfg.RunsPGURL))
			if last, err := pgStore.GetLastCompletedRun(ctx, ds.Name); err != nil {
				logger.Warn("read last completed run", "error", err)
			} else if last != nil {
				logger.Info("Last completed run", "cycle", last.CycleID, "started_at", last.StartedAt, "rows_total", last.RowsTotal)
			}
		}
	}

	sched := scheduler.New(cfg, orchestrator, ledger, logger)

	var publisher *workers.PublishWorker
	if s3cfg := cfg.Publish.S3; s3cfg.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			Prefix:          s3cfg.Prefix,
		})
		if err != nil {
			logger.Warn("S3 publisher disabled", "error", err)
		} else {
			publisher = workers.NewPublishWorker(cfg.PublicDir, s3cfg.Prefix, uploader, logger.With("worker", "publish"))
			publisher.SetLogFunc(func(level models.LogLevel, message string) {
				ledger.Log(nil, level, message, ds.Name)
			})
			sched.SetWorkers(publisher)
			logger.Info("S3 publisher enabled", "bucket", s3cfg.Bucket,
				"manifest", uploader.PublicURL(storage.ObjectKey(s3cfg.Prefix, workers.ManifestName)))
		}
	}

	if *runOnce {
		logger.Info("Running single cycle", "force", *force)
		if err := sched.TriggerNow(ctx, *force); err != nil {
			return err
		}
		if publisher != nil {
			if _, err := publisher.Publish(ctx); err != nil {
				logger.Warn("publish failed", "error", err)
			}
		}
		logger.Info("Cycle complete")
		return nil
	}

	// Daemon mode
	if publisher != nil {
		go publisher.Run(ctx, cfg.Publish.Interval)
	}

	var httpServer *http.Server
	if cfg.Server.Addr != "" {
		httpServer = server.New(cfg.PublicDir, ds.Name, ledger, sched, logger.With("component", "server")).
			HTTPServer(cfg.Server.Addr)
		go func() {
			logger.Info("Serving artifacts", "addr", cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("artifact server stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()
	logger.Info("Daemon running. Press Ctrl+C to stop.")

	err = <-errCh

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info("Shutting down...")
		return nil
	}
	return err
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
