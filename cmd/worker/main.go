// worker accepts video uploads, runs object detection over sampled frames and
// serves job progress, results and annotated videos.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/videodetect-worker/internal/api"
	"github.com/adverant/nexus/videodetect-worker/internal/clients"
	"github.com/adverant/nexus/videodetect-worker/internal/config"
	"github.com/adverant/nexus/videodetect-worker/internal/detector"
	"github.com/adverant/nexus/videodetect-worker/internal/encoder"
	"github.com/adverant/nexus/videodetect-worker/internal/extractor"
	"github.com/adverant/nexus/videodetect-worker/internal/notifier"
	"github.com/adverant/nexus/videodetect-worker/internal/observability"
	"github.com/adverant/nexus/videodetect-worker/internal/processor"
	"github.com/adverant/nexus/videodetect-worker/internal/queue"
	"github.com/adverant/nexus/videodetect-worker/internal/storage"
	"github.com/adverant/nexus/videodetect-worker/internal/utils"
	"github.com/adverant/nexus/videodetect-worker/pkg/backoff"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.LoadWorkerConfig()

	// Subprocess mode keeps stdout clean for the JSON result
	if cfg.Mode == config.ModeSubprocess {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		os.Exit(runSubprocess(cfg))
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	if err := run(cfg); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

// components are the long-lived pieces shared by every mode
type components struct {
	metrics        *observability.Metrics
	metricsHandler http.Handler
	store          storage.JobStore
	redis          *redis.Client
	archive        *storage.HistoryArchive
	processor      *processor.VideoProcessor
	enqueuer       *queue.Enqueuer
	codec          encoder.Selection
}

func (c *components) Close() {
	if c.enqueuer != nil {
		if err := c.enqueuer.Close(); err != nil {
			slog.Warn("Failed to close enqueuer", "error", err)
		}
	}
	if c.archive != nil {
		if err := c.archive.Close(); err != nil {
			slog.Warn("Failed to close history archive", "error", err)
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			slog.Warn("Failed to close job store", "error", err)
		}
	}
}

// build wires the processor for cfg. The caller closes the result.
func build(ctx context.Context, cfg *config.WorkerConfig) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// 1. Metrics
	c.metrics, c.metricsHandler, err = observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// 2. FFmpeg helper
	ffmpeg, err := utils.NewFFmpegHelper(cfg.TempDir)
	if err != nil {
		return nil, err
	}
	slog.Info("✓ FFmpeg initialized", "tempDir", cfg.TempDir)

	// 3. Encoder with codec fallback
	encoders, err := encoder.NewFactory(ctx, ffmpeg, cfg.OutputDir, encoder.DefaultCodecs, c.metrics)
	if err != nil {
		return nil, err
	}
	c.codec = encoders.Preferred()

	// 4. Detection model
	inference := clients.NewInferenceClient(cfg.InferenceURL, cfg.InferenceTimeout)
	if err := inference.HealthCheck(ctx); err != nil {
		slog.Warn("Inference service health check failed", "url", cfg.InferenceURL, "error", err)
	} else {
		slog.Info("✓ Inference service reachable", "url", cfg.InferenceURL)
	}

	// 5. Job store, progress publisher and archive
	var publisher processor.ProgressPublisher
	switch cfg.StoreBackend {
	case config.StoreRedis:
		c.redis, err = storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		c.store = storage.WithRetry(storage.NewRedisJobStore(c.redis, cfg.ResultTTL), c.metrics, &backoff.Config{Initial: 100 * time.Millisecond})
		publisher = storage.NewRedisProgressPublisher(c.redis)
		slog.Info("✓ Redis job store initialized")
	default:
		c.store = storage.NewMemoryStore()
		slog.Info("✓ In-memory job store initialized")
	}

	var archive processor.Archiver
	if cfg.PostgresURL != "" {
		c.archive, err = storage.NewHistoryArchive(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		archive = c.archive
		slog.Info("✓ History archive initialized (PostgreSQL)")
	}

	// 6. Launcher for queue mode
	var launcher processor.Launcher
	if cfg.Mode == config.ModeQueue {
		c.enqueuer, err = queue.NewEnqueuer(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		launcher = c.enqueuer
	}

	// 7. Video processor
	c.processor, err = processor.NewVideoProcessor(processor.Options{
		Store:             c.store,
		Media:             extractor.NewFrameExtractor(ffmpeg),
		Encoders:          encoders,
		Detector:          detector.NewAdapter(inference, c.metrics),
		Publisher:         publisher,
		Archive:           archive,
		Launcher:          launcher,
		Metrics:           c.metrics,
		TempDir:           cfg.TempDir,
		PublicBaseURL:     cfg.PublicBaseURL,
		MaxVideoSize:      cfg.MaxVideoSize,
		FrameSkip:         cfg.FrameSkip,
		Confidence:        &cfg.ConfidenceThreshold,
		DetectConcurrency: cfg.DetectConcurrency,
		ProgressStep:      cfg.ProgressStep,
		PollInterval:      cfg.PushInterval,
		Heartbeat:         cfg.StaleJobTimeout / 4,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("✓ Video processor initialized", "mode", cfg.Mode)

	return c, nil
}

func run(cfg *config.WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := context.Background()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// Fail jobs a previous run left unfinished. A standalone worker owns every
	// record; queue workers only sweep PROCESSING jobs nobody refreshed.
	sweep := processor.SweepOptions{MaxIdle: cfg.StaleJobTimeout}
	if cfg.Mode == config.ModeStandalone {
		if n, err := c.processor.RecoverStale(ctx, processor.SweepOptions{IncludePending: true}); err != nil {
			slog.Warn("Failed to recover unfinished jobs", "error", err)
		} else if n > 0 {
			slog.Info("✓ Recovered unfinished jobs from a previous run", "count", n)
		}
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.Mode == config.ModeQueue || cfg.Mode == config.ModeConsumer {
		go c.processor.WatchStale(sweepCtx, cfg.StaleJobTimeout/2, sweep)
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", c.metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// API server. No write timeout: /process and /events stay open for the
	// lifetime of a job.
	var apiServer *http.Server
	if cfg.Mode != config.ModeConsumer {
		handler := api.NewHandler(
			c.processor,
			notifier.New(c.processor, cfg.PushInterval, cfg.PushMaxWait),
			cfg.OutputDir,
			cfg.MaxVideoSize,
			c.store.Ping,
		)
		apiServer = &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           api.NewRouter(api.RouterConfig{Handler: handler, Metrics: c.metrics}),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			slog.Info("Starting API server", "port", cfg.Port)
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	// Queue consumer
	var consumer *queue.RedisConsumer
	if cfg.Mode == config.ModeQueue || cfg.Mode == config.ModeConsumer {
		consumer, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:        cfg.RedisURL,
			Concurrency:     cfg.WorkerConcurrency,
			Executor:        c.processor,
			ShutdownTimeout: cfg.ShutdownTimeout,
		})
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return err
		}
		slog.Info("✓ Queue consumer initialized", "concurrency", cfg.WorkerConcurrency)
	}

	slog.Info("✓ Video detection worker ready",
		"mode", cfg.Mode,
		"store", cfg.StoreBackend,
		"codec", c.codec.Codec.Name,
		"frameSkip", cfg.FrameSkip,
		"confidenceThreshold", cfg.ConfidenceThreshold,
	)

	// Wait for shutdown signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received, stopping gracefully...", "signal", sig.String())
	case runErr = <-serverErr:
		slog.Error("Server error", "error", runErr)
	}

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := c.processor.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Jobs cancelled at shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Video detection worker stopped")
	return runErr
}
