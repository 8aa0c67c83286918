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

	"frame-relay/internal/encode"
	"frame-relay/internal/livestream"
	"frame-relay/internal/platform/config"
	"frame-relay/internal/platform/logger"
	"frame-relay/internal/platform/metrics"
	"frame-relay/internal/recording"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	policy := recording.Policy{
		Mode:               recording.Mode(cfg.BufferMode),
		MaxFrames:          cfg.BufferMaxFrames,
		MaxAudioChunks:     cfg.BufferMaxAudioChunks,
		Window:             cfg.BufferWindow,
		FullMaxFrames:      cfg.FullRecordingMaxFrames,
		FullMaxAudioChunks: cfg.FullRecordingMaxAudio,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("buffer configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.ExportDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	ffmpeg := encode.NewFFmpeg(encode.FFmpegOptions{
		BinaryPath: cfg.FFmpegPath,
		Preset:     cfg.FFmpegPreset,
		CRF:        cfg.FFmpegCRF,
	}, log)
	if err := ffmpeg.Available(); err != nil {
		// Exports fail with EncoderUnavailable until it is installed.
		log.Warn("encoder not found, exports disabled", slog.String("error", err.Error()))
	}
	pipeline := encode.NewPipeline(ffmpeg, encode.Config{
		OutputDir:   cfg.ExportDir,
		WorkDir:     cfg.ExportWorkDir,
		MinFrames:   cfg.ExportMinFrames,
		FrameRate:   cfg.ExportFrameRate,
		Timeout:     cfg.ExportTimeout,
		Concurrency: cfg.ExportConcurrency,
	}, log)

	met := metrics.New()
	registry := livestream.NewRegistry(log)
	svc := livestream.NewService(registry, recording.NewInMemoryStore(), pipeline, policy, log, met)
	h := livestream.NewHandler(svc, log)
	gw := livestream.NewGateway(svc, livestream.GatewayConfig{
		QueueSize:      cfg.ViewerQueueSize,
		IngestMaxFPS:   cfg.IngestMaxFPS,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", h.Healthz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(svc.ActiveStreamCount())
			met.SetViewers(svc.ViewerCount())
			met.SetConnections(gw.ConnectionCount())
		}).ServeHTTP(w, r)
	})
	r.Handle("/ws", gw)
	r.Group(func(r chi.Router) {
		r.Use(livestream.AdminOnly(cfg.AdminToken))
		r.Get("/streams", h.ListStreams)
		r.Route("/streams/{stream_id}", func(r chi.Router) {
			r.Post("/end", h.EndStream)
			r.Get("/recording", h.RecordingStatus)
			r.Post("/recording/full", h.ToggleFullRecording)
			r.With(exportLimiter(cfg.ExportRateLimit)).Post("/exports/{mode}", h.Export)
			r.Get("/exports/{mode}", h.Download)
		})
		r.Get("/recordings", h.ListRecordings)
		r.Delete("/recordings/{stream_id}", h.Purge)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		gw.Close()
		return err
	})

	log.Info("server starting",
		"port", cfg.Port,
		"version", version,
		"buffer_mode", cfg.BufferMode,
		"export_dir", cfg.ExportDir,
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}

// exportLimiter limits export requests per client IP per minute. A
// non-positive limit disables it.
func exportLimiter(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.LimitByIP(perMinute, time.Minute)
}
