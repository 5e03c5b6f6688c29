package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datadiff/internal/config"
	"datadiff/internal/diff"
	"datadiff/internal/fileregistry"
	"datadiff/internal/metrics"
	"datadiff/internal/metrics/datadog"
	"datadiff/internal/progress"
	"datadiff/internal/schema"
	"datadiff/internal/server"
	"datadiff/internal/sqlquery"
	"datadiff/internal/storage"

	// register all backends with the storage factory.
	// config specifies which to use but we build in support for all of them.
	_ "datadiff/internal/storage/mssql"
	_ "datadiff/internal/storage/postgres"
	_ "datadiff/internal/storage/sqlite"
)

// main is the entry point for the upload service. It loads configuration
// from the environment, connects storage, optionally initializes a
// metrics backend, and serves the HTTP API until interrupted.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("%v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := storage.New(ctx, storage.Config{Kind: cfg.StorageKind, DSN: cfg.DatabaseURL})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureMetadata(ctx); err != nil {
		fatalf("storage: ensure metadata: %v", err)
	}

	files, err := fileregistry.New(repo, cfg.UploadDir)
	if err != nil {
		fatalf("file registry: %v", err)
	}

	// Decide metrics backend: env-selected, nop by default.
	var backend metrics.Backend = metrics.Nop{}
	switch cfg.MetricsBackend {
	case "datadog":
		// Datadog backend:
		//   - buffers metrics and submits periodically (default once per minute)
		//   - submits one final time at shutdown (Close())
		extraTags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))

		b, err := datadog.NewBackend(ctx, datadog.Options{
			Tags:       extraTags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v tags=%v", cfg.MetricsBackend, extraTags)
			backend = b

			// Close() stops the periodic flush loop and then performs a
			// final Flush(). This is the clean shutdown path.
			defer func() {
				if err := b.Close(); err != nil {
					log.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		// metrics disabled; nop backend remains

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", cfg.MetricsBackend)
	}

	tracker := progress.NewTracker()

	srv := &server.Server{
		Repo: repo,
		Engine: &diff.Engine{
			Repo:      repo,
			Schema:    &schema.Registry{Repo: repo},
			Files:     files,
			Progress:  tracker,
			Metrics:   backend,
			Logger:    log.Default(),
			BatchSize: cfg.BatchSize,
		},
		Files:          files,
		Progress:       tracker,
		Query:          &sqlquery.Service{Repo: repo, Files: files},
		LLM:            cfg.LLM,
		Log:            logger,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "storage", cfg.StorageKind)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
