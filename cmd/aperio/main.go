// Command aperio runs the video processing service: it loads
// configuration from the environment, opens the job store, reconciles
// state left over from a previous run, then starts the scheduler and
// the HTTP API and blocks until a termination signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aperio-dev/aperio/internal/config"
	"github.com/aperio-dev/aperio/internal/health"
	"github.com/aperio-dev/aperio/internal/httpapi"
	"github.com/aperio-dev/aperio/internal/logx"
	"github.com/aperio-dev/aperio/internal/metrics"
	"github.com/aperio-dev/aperio/internal/permits"
	"github.com/aperio-dev/aperio/internal/queue"
	"github.com/aperio-dev/aperio/internal/recovery"
	"github.com/aperio-dev/aperio/internal/retention"
	"github.com/aperio-dev/aperio/internal/scheduler"
	"github.com/aperio-dev/aperio/internal/store"
	"github.com/aperio-dev/aperio/internal/validate"
	"github.com/aperio-dev/aperio/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logx.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)

	if err := os.MkdirAll(cfg.WorkingDir, 0o755); err != nil {
		logger.Error("creating working directory failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		logger.Error("creating storage directory failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DBMaxConnections)
	if err != nil {
		logger.Error("opening job store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	validator := validate.New(validate.Config{
		MaxURLLength:   cfg.MaxURLLength,
		AllowedDomains: cfg.AllowedDomains,
	})

	q := queue.New()
	gate := permits.New(cfg.MaxConcurrentDownloads, cfg.MaxConcurrentProcessing, cfg.MaxConcurrentJobs)

	downloader := worker.NewDownloader(worker.DownloadConfig{
		Command:       cfg.DownloadCommand,
		WorkingDir:    cfg.WorkingDir,
		Timeout:       cfg.DownloadTimeout,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
		Retries:       2,
	})
	processor := worker.NewProcessor(worker.ProcessConfig{
		Command:      cfg.FFmpegCommand,
		StorageDir:   cfg.StoragePath,
		VideoCodec:   cfg.VideoCodec,
		AudioCodec:   cfg.AudioCodec,
		Preset:       cfg.Preset,
		CRF:          cfg.CRF,
		AudioBitrate: cfg.AudioBitrate,
		Timeout:      cfg.ProcessingTimeout,
	})

	registry := prometheus.NewRegistry()
	metricsCollector := metrics.New(registry, q, gate)

	sched := scheduler.New(st, q, gate, logger, downloader.Run, processor.Run, metricsCollector)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	report, err := recovery.Run(bgCtx, st, q, gate, logger, cfg.WorkingDir)
	if err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}
	logger.Info("recovery complete",
		"failed_in_flight", report.FailedInFlight,
		"requeued_pending", report.RequeuedPending,
		"orphan_files", len(report.OrphanFiles),
	)
	for _, path := range report.OrphanFiles {
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("removing orphan working file failed", "path", path, "error", err)
		}
	}

	go sched.Run(bgCtx)
	sched.Wake()

	var sweeper *retention.Sweeper
	if cfg.RetentionEnabled {
		sweeper = retention.New(st, logger, time.Duration(cfg.CleanupIntervalHours)*time.Hour, cfg.RetentionDays)
		go sweeper.Run(bgCtx)
	}

	healthChecker := health.New(st, cfg.DownloadCommand, cfg.FFmpegCommand, cfg.StoragePath)

	apiServer := httpapi.New(st, validator, sched, metricsCollector, healthChecker, registry, q, gate, sweeper, logger, httpapi.Config{
		CORSOrigins:        cfg.CORSOrigins,
		StoragePath:        cfg.StoragePath,
		MaxPayload:         cfg.MaxPayload,
		AdmitRatePerSecond: cfg.AdmitRatePerSecond,
		AdmitBurst:         cfg.AdmitBurst,
	})

	httpServer := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.ClientTimeout,
		WriteTimeout: cfg.ClientTimeout,
		IdleTimeout:  cfg.KeepAlive,
	}

	go func() {
		logger.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	stopBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if err := st.Checkpoint(); err != nil {
		logger.Error("store checkpoint failed", "error", err)
	}
}
