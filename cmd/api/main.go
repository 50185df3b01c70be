package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/api"
	"catalog-ingest/internal/app"
	"catalog-ingest/internal/config"
	"catalog-ingest/internal/logging"
	"catalog-ingest/internal/progress"
	"catalog-ingest/internal/ratelimit"
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

	limiter := ratelimit.NewTokenBucket(rt.Redis, "ratelimit:upload:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(cfg, api.Deps{
		Store:    rt.Store,
		Jobs:     rt.Jobs,
		Tasks:    rt.Tasks,
		Progress: progress.NewWatcher(rt.Progress, cfg.ProgressPollInterval, rt.Jobs),
		DLQ:      rt.Queue,
		Limiter:  limiter,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
}
