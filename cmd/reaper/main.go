// The reaper binary runs the lease expiry sweep and the proof archive
// worker. It shares the database and Redis with the API but holds no HTTP
// surface beyond /metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uexplodem-png/socidev-sub003/internal/config"
	"github.com/uexplodem-png/socidev-sub003/internal/lease"
	"github.com/uexplodem-png/socidev-sub003/internal/proof"
	"github.com/uexplodem-png/socidev-sub003/internal/queue"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/telemetry"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	uploader, err := proof.NewUploader(ctx, cfg)
	if err != nil {
		log.Error("init uploader", "error", err)
		os.Exit(1)
	}
	archive := queue.NewArchiveQueue(rdb, cfg.ArchiveVisibility)
	archiver := proof.NewArchiver(cfg, st, uploader, log)
	worker := proof.NewWorker(archive, archiver, log)

	reaper := lease.NewReaper(st, cfg.ReaperInterval, cfg.ReaperBatchSize, log)

	metricsServer := &http.Server{Addr: ":9091", Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listen", "error", err)
		}
	}()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("archive worker stopped", "error", err)
		}
	}()

	log.Info("reaper running", "interval", cfg.ReaperInterval.String())
	if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reaper stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("reaper stopped")
}
