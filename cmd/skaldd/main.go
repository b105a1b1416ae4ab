// SPDX-License-Identifier: MIT

// skaldd is the media processing daemon: it serves the HTTP API,
// consumes the job queues, and runs the recovery sweeper, all in one
// process. Scale-out deployments run multiple instances with disjoint
// worker maps against the same Redis and object store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skald-media/skald/internal/api"
	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/dispatch"
	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/ingest"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/notify"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/reaper"
	"github.com/skald-media/skald/internal/runner"
	"github.com/skald-media/skald/internal/store"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	apiOnly := flag.Bool("api-only", false, "serve the API without consuming job queues")
	flag.Parse()

	if *showVersion {
		fmt.Printf("skaldd %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: "info", Service: "skald", Version: version})
	logger := log.WithComponent("daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "skald", Version: version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, *apiOnly); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, configPath string, apiOnly bool) error {
	logger := log.WithComponent("daemon")

	holder := config.NewHolder(cfg, configPath)
	if configPath != "" {
		if err := holder.StartWatcher(ctx); err != nil {
			logger.Warn().Err(err).Msg("config watcher unavailable; live reload disabled")
		}
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.Data.Dir, "skald.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ix, err := index.Open(filepath.Join(cfg.Data.Dir, "index"))
	if err != nil {
		return fmt.Errorf("open search index: %w", err)
	}
	defer func() { _ = ix.Close() }()

	blobStore, err := openBlob(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	broker, err := queue.NewRedisBroker(queue.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer func() { _ = broker.Close() }()

	hub := notify.NewHub()
	manager := &lifecycle.Manager{
		Store:  st,
		Broker: broker,
		Blob:   blobStore,
		Index:  ix,
		Notify: hub,
		Config: holder,
	}

	tempDir := filepath.Join(cfg.Data.Dir, "tmp")
	if err := os.MkdirAll(tempDir, 0o750); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	coordinator := &ingest.Coordinator{
		Store:     st,
		Blob:      blobStore,
		Lifecycle: manager,
		TempDir:   tempDir,
	}

	summarizer := newSummarizer(cfg.LLM)

	server := &api.Server{
		Store:      st,
		Index:      ix,
		Blob:       blobStore,
		Broker:     broker,
		Lifecycle:  manager,
		Ingest:     coordinator,
		Hub:        hub,
		Config:     holder,
		Summarizer: summarizer,
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if !apiOnly {
		dispatcher := &dispatch.Dispatcher{
			Deps: dispatch.Deps{
				Lifecycle: manager,
				Broker:    broker,
				Store:     st,
				Config:    holder,
				Transcription: &pipeline.Transcription{
					Blob:    blobStore,
					Runner:  runner.New(cfg.Runner),
					TempDir: tempDir,
				},
				Waveform: &pipeline.Waveform{Blob: blobStore, TempDir: tempDir},
				Download: &pipeline.Download{
					Fetcher: pipeline.NewHTTPFetcher(0),
					TempDir: tempDir,
				},
				Summarizer: summarizer,
				Ingest:     coordinator,
			},
			Workers: dispatch.DefaultWorkers(),
		}
		g.Go(func() error { return dispatcher.Run(ctx) })

		sweeper := &reaper.Reaper{Store: st, Lifecycle: manager, Config: holder}
		g.Go(func() error { return sweeper.Run(ctx) })
	}

	logger.Info().
		Bool("api_only", apiOnly).
		Str("blob_backend", cfg.Blob.Backend).
		Msg("daemon started")
	return g.Wait()
}

func openBlob(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			Endpoint:  cfg.Blob.Endpoint,
			PathStyle: cfg.Blob.PathStyle,
		})
	default:
		return blob.NewFSStore(filepath.Join(cfg.Data.Dir, "blobs"))
	}
}

// newSummarizer returns nil when no LLM is configured; the dispatcher
// and the façade both treat nil as "summarization disabled".
func newSummarizer(cfg config.LLMConfig) pipeline.Summarizer {
	s := pipeline.NewSummarizer(cfg)
	if s == nil {
		logger := log.WithComponent("daemon")
		logger.Info().Msg("no llm configured; summarization disabled")
		return nil
	}
	return s
}
