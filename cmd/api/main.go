package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/diptych/internal/api"
	"github.com/dunamismax/diptych/internal/app"
	"github.com/dunamismax/diptych/internal/config"
	"github.com/dunamismax/diptych/internal/queue"
	"github.com/dunamismax/diptych/internal/ratelimit"
	"github.com/dunamismax/diptych/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Fatalf("tracing setup failed: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	render, err := app.NewRender(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("render setup failed: %v", err)
	}
	defer func() {
		if err := render.Close(); err != nil {
			logger.Printf("render close error: %v", err)
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := api.Options{
		Batches:      render.Orchestrator,
		Previews:     render.Previews,
		Queue:        queueClient,
		Records:      render.Records,
		UserIDHeader: cfg.API.UserIDHeader,
		Gatherers:    prometheus.Gatherers{render.Metrics.Gatherer()},
	}
	if cfg.API.RateLimitEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		budget, err := ratelimit.NewRenderBudget(redisClient, cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow, ratelimit.DefaultKeyPrefix)
		if err != nil {
			logger.Fatalf("render budget setup failed: %v", err)
		}
		opts.RateLimiter = budget
		logger.Printf("render budget enabled diptychs=%d window=%s", cfg.API.RateLimitCapacity, cfg.API.RateLimitWindow)
	}

	server, err := api.NewServer(logger, opts)
	if err != nil {
		logger.Fatalf("api setup failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	logger.Println("waiting for running batches")
	render.Orchestrator.Drain()
}
