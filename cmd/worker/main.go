package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"messmeal/internal/attendance"
	"messmeal/internal/config"
	"messmeal/internal/logger"
	"messmeal/internal/metrics"
	"messmeal/internal/queue"
	"messmeal/internal/store"
)

// Worker consumes selection events from the redis queue and writes the audit ledger.
func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if cfg.QueueBackend != "redis" {
		log.Fatal("worker needs QUEUE_BACKEND=redis; the api drains in-memory events itself")
	}

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db connect failed", "error", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal("db migrate failed", "error", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Client.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	reg := prometheus.NewRegistry()
	metrics.RegisterCollectors(reg)
	if cfg.MetricsPort != "" {
		srv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	repo := attendance.NewAuditRepository(db.Client)

	log.Info("worker started, waiting for messages")
	if err := attendance.ConsumeAudit(ctx, q, repo, log); err != nil {
		log.Fatal("queue consume failed", "error", err)
	}
	log.Info("worker stopped")
}
