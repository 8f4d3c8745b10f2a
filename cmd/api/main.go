package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	socidev "github.com/uexplodem-png/socidev-sub003"
	"github.com/uexplodem-png/socidev-sub003/internal/api"
	"github.com/uexplodem-png/socidev-sub003/internal/audit"
	"github.com/uexplodem-png/socidev-sub003/internal/config"
	"github.com/uexplodem-png/socidev-sub003/internal/ledger"
	"github.com/uexplodem-png/socidev-sub003/internal/lease"
	"github.com/uexplodem-png/socidev-sub003/internal/orders"
	"github.com/uexplodem-png/socidev-sub003/internal/queue"
	"github.com/uexplodem-png/socidev-sub003/internal/ratelimit"
	"github.com/uexplodem-png/socidev-sub003/internal/review"
	"github.com/uexplodem-png/socidev-sub003/internal/store"
	"github.com/uexplodem-png/socidev-sub003/internal/taskpool"
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

	migrations, err := fs.Sub(socidev.MigrationsFS, "migrations")
	if err != nil {
		log.Error("open migrations", "error", err)
		os.Exit(1)
	}
	if err := store.RunMigrations(cfg.DatabaseURL, migrations); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	auditSink := audit.NewPostgresAudit(st.Pool(), log)
	activity := audit.NewPostgresActivity(st.Pool(), log)
	archive := queue.NewArchiveQueue(rdb, cfg.ArchiveVisibility)
	limiter := ratelimit.NewTokenBucket(rdb, "claim", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	led := ledger.New(st, activity, log)
	ord := orders.New(st, auditSink, activity, cfg.PayoutShare, log)
	pool := taskpool.New(st, auditSink, activity, cfg.LeaseTTL, log)
	leases := lease.New(st, activity, archive, log)
	reviews := review.New(st, ord, auditSink, log)

	server := api.New(cfg, led, ord, pool, leases, reviews, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		log.Info("api listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
