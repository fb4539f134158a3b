package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "compute-queue/internal/api"
	"compute-queue/internal/config"
	"compute-queue/internal/jobs"
	"compute-queue/internal/notify"
	"compute-queue/internal/ratelimit"
	"compute-queue/internal/store"
	"compute-queue/internal/telemetry"
	"compute-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	snapshots := store.MultiSnapshots{}
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresSnapshots(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		snapshots = append(snapshots, pg)
	}
	snapshots = append(snapshots, store.NewFileSnapshots(cfg.JobsDirectory, cfg.SnapshotFilename))

	var notifier notify.Notifier = notify.Log{PublicURL: cfg.PublicURL}
	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		notifier = notify.Multi{
			notify.NewRedisOutbox(rdb, cfg.NotifyOutboxKey, cfg.PublicURL),
			notifier,
		}
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	archiver, err := worker.NewArchiver(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}
	runner := worker.NewRunner(cfg, snapshots, archiver)
	manager := jobs.New(cfg, runner, notifier, snapshots)

	if _, err := manager.Recover(ctx); err != nil {
		log.Printf("recovery: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	server := api.New(cfg, manager, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("api listening on :%s pool=%d user_process_limit=%d user_job_limit=%d",
		cfg.HTTPPort, cfg.ConcurrentJobs, cfg.UserProcessLimit, cfg.UserJobLimit)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// The pool outlives the signal until the API stopped taking submissions.
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	runDone := make(chan error, 1)
	go func() { runDone <- manager.Run(runCtx) }()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	stopRun()
	if err := <-runDone; err != nil {
		log.Printf("dispatcher stopped: %v", err)
	}
	runner.Wait()
	log.Printf("shutdown complete")
}
