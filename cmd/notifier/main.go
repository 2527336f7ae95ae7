package main

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/hibiken/asynq"

	"github.com/yanyu/chat-core/internal/config"
	"github.com/yanyu/chat-core/internal/metrics"
	"github.com/yanyu/chat-core/internal/notify"
)

func main() {
	log.Println("Starting YanYu notifier...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.NotifierConcurrency,
		Queues:      map[string]int{notify.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("[notifier] task %s failed: %v", task.Type(), err)
		}),
	})

	mux := asynq.NewServeMux()
	notify.RegisterWorker(mux, notify.NewHTTPDispatcher(cfg.Push))

	if cfg.NotifierMetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.NotifierMetricsAddr, metricsMux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[notifier] metrics server: %v", err)
			}
		}()
	}

	log.Printf("YanYu notifier running")
	log.Printf("  redis_addr:    %s", cfg.RedisAddr)
	log.Printf("  push_endpoint: %s", cfg.Push.Endpoint)
	log.Printf("  concurrency:   %d", cfg.NotifierConcurrency)
	log.Printf("  metrics_addr:  %s", cfg.NotifierMetricsAddr)

	// Run blocks until SIGINT or SIGTERM, then drains in-flight tasks.
	if err := srv.Run(mux); err != nil {
		log.Fatalf("notifier: %v", err)
	}
}
