package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"hls-pipeline/internal/pipeline"
	"hls-pipeline/internal/platform/config"
	"hls-pipeline/internal/platform/logger"
	"hls-pipeline/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	sourceRoot := config.GetEnv("SOURCE_ROOT", "./media")
	scratchDir := config.GetEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "hls-pipeline"))
	tierSpec := config.GetEnv("TIERS", "720p=2500k,480p=1000k")
	extensions := splitList(config.GetEnv("MEDIA_EXTENSIONS", ".mp4,.mkv,.mov,.ts"))
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	registry := pipeline.NewStreamRegistry()
	manifests := pipeline.NewManifestBuilder()
	store := pipeline.NewMemorySegmentStore(pipeline.RetentionPolicy{
		MaxSegments: config.GetEnvInt("RETENTION_MAX_SEGMENTS", 0),
		MaxAge:      config.GetEnvDuration("RETENTION_MAX_AGE", 0),
	}, manifests)

	transcoder := pipeline.NewCommandTranscoder(
		pipeline.WithBinary(config.GetEnv("TRANSCODER_BIN", "hls-transcode")),
		pipeline.WithTerminationGrace(config.GetEnvDuration("TERMINATION_GRACE", pipeline.DefaultTerminationGrace)),
	)

	watcher, err := pipeline.NewWatcher(pipeline.WatcherConfig{
		Root:       sourceRoot,
		Extensions: extensions,
		Debounce:   config.GetEnvDuration("DEBOUNCE_WINDOW", pipeline.DefaultDebounceWindow),
	}, log)
	if err != nil {
		log.Error("watcher setup failed", "root", sourceRoot, "error", err)
		os.Exit(1)
	}

	met := metrics.New()
	scheduler := pipeline.NewScheduler(pipeline.SchedulerConfig{
		Tiers:           pipeline.ParseTiers(tierSpec),
		MaxConcurrent:   config.GetEnvInt("MAX_CONCURRENT_JOBS", 2),
		QueueDepth:      config.GetEnvInt("ADMISSION_QUEUE_DEPTH", 64),
		MaxAttempts:     config.GetEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBase:       config.GetEnvDuration("RETRY_BASE", time.Second),
		RetryCap:        config.GetEnvDuration("RETRY_CAP", time.Minute),
		ProgressTimeout: config.GetEnvDuration("PROGRESS_TIMEOUT", 2*time.Minute),
		ScratchDir:      scratchDir,
	}, watcher.Events(), transcoder, store, manifests, registry, met, log)

	h := pipeline.NewHandler(registry, store, manifests, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(registry.ActiveStreamCount())
			met.SetStoredSegments(store.SegmentCount())
		}).ServeHTTP(w, req)
	})
	h.Routes(r)

	srv := &http.Server{Addr: ":" + port, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := watcher.Run(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("watcher stopped", "error", err)
		}
		// Observation loss is surfaced through the degraded flag; the HTTP
		// surface and running jobs keep going.
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("pipeline starting",
		"port", port,
		"source_root", sourceRoot,
		"tiers", tierSpec,
		"log_level", logLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("pipeline stopped", "error", err)
		os.Exit(1)
	}

	log.Info("pipeline stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
