package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"catalog-ingest/internal/app"
	"catalog-ingest/internal/config"
	"catalog-ingest/internal/ingest"
	"catalog-ingest/internal/logging"
	"catalog-ingest/internal/telemetry"
	"catalog-ingest/internal/webhook"
	workerproc "catalog-ingest/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Configure(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer rt.Close()

	pipeline := ingest.NewPipeline(ingest.Deps{
		Files:    rt.Uploads,
		Jobs:     rt.Jobs,
		Staging:  ingest.PostgresStaging(rt.Store),
		Progress: rt.Publisher,
		Events:   rt.Tasks,
	}, cfg.CSVBatchSize)
	dispatcher := webhook.NewDispatcher(rt.Store, rt.Tasks)
	deliverer := webhook.NewDeliverer(nil, webhook.DelivererConfig{
		Timeout:         cfg.WebhookTimeout,
		Secret:          cfg.WebhookSecret,
		BreakerFailures: cfg.WebhookBreakerFailures,
		BreakerCooldown: cfg.WebhookBreakerCooldown,
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	workerID := app.WorkerID()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		processor := workerproc.NewProcessorWithID(cfg, rt.Queue, rt.Store, fmt.Sprintf("%s-%d", workerID, i))
		workerproc.Register(processor, pipeline, dispatcher, deliverer)
		g.Go(func() error {
			return processor.Run(gctx)
		})
	}

	log.WithFields(log.Fields{
		"worker_id":       workerID,
		"concurrency":     cfg.WorkerConcurrency,
		"visibility":      cfg.VisibilityTimeout,
		"backoff_initial": cfg.BackoffInitial,
	}).Info("worker started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
