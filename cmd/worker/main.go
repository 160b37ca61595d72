package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"fileconverter/config"
	"fileconverter/queue"
	"fileconverter/services"
	"fileconverter/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "err", err)
		os.Exit(1)
	}

	store, err := services.NewJobStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	objects := services.NewObjectStore(cfg)
	broker := queue.NewBroker(rdb, cfg.RedisPrefix, cfg.LeaseTimeout)
	registry := services.BuildRegistry(cfg)

	pool := worker.NewPool(cfg, store, objects, broker, registry, logger.With("component", "worker"))

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.Run(runCtx, workerID)
		}(i)
	}
	logger.Info("workers started", "count", cfg.WorkerCount, "queue", cfg.WorkerQueue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, draining workers")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("drain timeout, forcing exit")
	}

	rdb.Close()
}
