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

	"call-processing/internal/config"
	"call-processing/internal/ingest"
	"call-processing/internal/notify"
	"call-processing/internal/processor"
	"call-processing/internal/store"
	"call-processing/internal/transcribe"
	"call-processing/pkg/logger"
	"call-processing/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.DB.URL, utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(rootCtx, db); err != nil {
		log.Error("schema migration failed", "err", err)
		os.Exit(1)
	}

	// Redis only backs the best-effort trigger gate; the service runs
	// correctly without it.
	var gate processor.Gate
	if cfg.Redis.Addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.Redis.Addr})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		gate = processor.NewRedisGate(rdb, 0, log)
	}

	st := store.NewPostgres(db)
	notifier := notify.New(64, log)
	transcriber := transcribe.NewMock(transcribe.MockConfig{FailureRate: cfg.AI.FailureRate})

	proc := processor.New(st, transcriber, notifier, gate, processor.Config{
		MaxRetries: cfg.AI.MaxRetries,
		Logger:     log,
	})
	ing := ingest.NewService(st, proc, log)

	r, err := buildRouter(cfg, log, db, st, ing, notifier)
	if err != nil {
		log.Error("router init failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Wait for in-flight workers until the shutdown deadline. Calls whose
	// workers are still running then stay PROCESSING_AI; the idempotence
	// guard treats that state as owned, so later triggers skip them.
	if err := proc.Wait(shutdownCtx); err != nil {
		log.Warn("workers still running at shutdown", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
