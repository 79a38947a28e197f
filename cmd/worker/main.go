package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"permit-pipeline/internal/config"
	"permit-pipeline/internal/dispatch"
	"permit-pipeline/internal/payments"
	"permit-pipeline/internal/queue"
	"permit-pipeline/internal/recovery"
	"permit-pipeline/internal/store"
	"permit-pipeline/internal/telemetry"
	workerproc "permit-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	archiver, err := workerproc.NewArchiver(ctx, cfg)
	if err != nil {
		log.Fatalf("init artifact archiver: %v", err)
	}

	generator := workerproc.NewHTTPGenerator(cfg.GeneratorURL)
	pool := workerproc.NewPool(cfg, q, st, generator, archiver, workerID)

	dispatcher := dispatch.New(st, q, cfg.MaxAttempts)
	processor := payments.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey, 0)
	scheduler := recovery.NewScheduler(cfg, st, q, processor, dispatcher)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		if err := scheduler.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("recovery scheduler stopped: %v", err)
		}
	}()

	log.Printf("worker started concurrency=%d visibility=%s generation_timeout=%s",
		cfg.WorkerConcurrency, cfg.VisibilityTimeout, cfg.GenerationTimeout)
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
