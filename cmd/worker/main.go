package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"cronwatch/internal/archive"
	"cronwatch/internal/config"
	"cronwatch/internal/logbuf"
	"cronwatch/internal/queue"
	"cronwatch/internal/scheduler"
	"cronwatch/internal/store"
	"cronwatch/internal/telemetry"
	"cronwatch/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "cronwatch-worker")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg.VisibilityTimeout)
	buffer := logbuf.NewBuffer(rdb, cfg.LogBufferCap)
	sched := scheduler.New(st, q, cfg.ScheduleSafetyMargin, logger)

	// Startup rebuild: stale buffered logs and schedulers from a previous
	// process are dropped, then every eligible tenant is re-provisioned.
	if err := buffer.Clear(ctx); err != nil {
		logger.Error("clear log buffers", "error", err)
		os.Exit(1)
	}
	provisioned, err := sched.InitialLoad(ctx)
	if err != nil {
		logger.Error("initial load", "error", err)
		os.Exit(1)
	}
	logger.Info("schedule rebuilt", "jobs", provisioned)

	flusher := logbuf.NewFlusher(buffer, st, cfg.LogFlushInterval, cfg.LogFlushParallelism, logger)
	go func() {
		if err := flusher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("log flusher stopped", "error", err)
		}
	}()

	sweeper, err := archive.NewSweeper(ctx, cfg, st, logger)
	if err != nil {
		logger.Error("init retention sweeper", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("retention sweeper stopped", "error", err)
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	prober := worker.NewProber(cfg.ProbeTimeout, st, buffer, logger)
	processor := worker.NewProcessor(cfg, q, prober, sched, workerID, logger)

	logger.Info("worker started", "worker_id", workerID, "visibility", cfg.VisibilityTimeout.String())
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", "error", err)
	}
}
