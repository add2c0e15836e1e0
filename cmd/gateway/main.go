package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"wagate/internal/breaker"
	"wagate/internal/config"
	"wagate/internal/delivery"
	"wagate/internal/httpserver"
	"wagate/internal/logging"
	"wagate/internal/observability"
	"wagate/internal/providers/whatsmeow"
	"wagate/internal/queue/pgqueue"
	"wagate/internal/service"
	"wagate/internal/session"
	"wagate/internal/store/pg"
	"wagate/internal/telemetry"
)

func main() {
	cfg := config.LoadGateway()
	logger := logging.Init("gateway", cfg.LogFormat, cfg.LogLevel)

	// Use a root ctx we can cancel
	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("gateway db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.SessionsDir, 0o700); err != nil {
		slog.Error("sessions dir not writable", "dir", cfg.SessionsDir, "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	queue := pgqueue.New(db, cfg.QueueStaleAfter)

	br := breaker.New(
		breaker.WithThreshold(cfg.BreakerThreshold),
		breaker.WithResetTimeout(cfg.BreakerResetTimeout),
		breaker.WithOnChange(func(dest string, from, to breaker.State) {
			observability.CircuitTransitions.WithLabelValues(string(to)).Inc()
			slog.Warn("circuit state change", "url", dest, "from", from, "to", to)
		}),
	)
	deliverer := delivery.NewDeliverer(&http.Client{}, cfg.WebhookTimeout)
	webhooks := &service.Webhooks{Store: st, Queue: queue, Deliverer: deliverer}

	creds := whatsmeow.NewCredentialStore(cfg.SessionsDir)
	factory := session.NewFactory(session.FactoryOptions{
		Credentials:     creds,
		HTTP:            &http.Client{Timeout: 60 * time.Second},
		Logger:          logger,
		CloudAPIBaseURL: cfg.CloudAPIBaseURL,
		CloudAPIVersion: cfg.CloudAPIVersion,
		CloudAPIRPS:     cfg.CloudAPIRPS,
		CloudAPIBurst:   cfg.CloudAPIBurst,
	})
	mgr := session.NewManager(st, factory, webhooks, creds, cfg.RestartDelay, logger)
	messaging := &service.Messaging{Store: st, Queue: queue, Instances: mgr, BroadcastDelay: cfg.BroadcastDelay}

	if err := mgr.Reload(ctx); err != nil {
		slog.Error("instance reload failed", "err", err)
		os.Exit(1)
	}

	// queue workers
	workers := []*pgqueue.Worker{
		{
			Queue: queue, Name: pgqueue.Scheduler, Concurrency: cfg.SchedulerConcurrency, PollInterval: cfg.QueuePollInterval,
			Handler: &delivery.SchedulerHandler{Store: st, Sessions: mgr},
		},
		{
			Queue: queue, Name: pgqueue.Broadcast, Concurrency: cfg.BroadcastConcurrency, PollInterval: cfg.QueuePollInterval,
			Handler: &delivery.BroadcastHandler{Store: st, Sessions: mgr, Progress: queue, LeaseTimeout: queue.StaleAfter},
		},
		{
			Queue: queue, Name: pgqueue.Webhook, Concurrency: cfg.WebhookConcurrency, PollInterval: cfg.QueuePollInterval,
			Handler: &delivery.WebhookHandler{Deliverer: deliverer, Breaker: br, Attempts: st},
		},
	}
	var workersWG sync.WaitGroup
	workerErrCh := make(chan error, len(workers))
	for _, w := range workers {
		workersWG.Add(1)
		go func(w *pgqueue.Worker) {
			defer workersWG.Done()
			slog.Info("gateway worker starting", "queue", w.Name, "concurrency", w.Concurrency)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				workerErrCh <- err
			}
		}(w)
	}

	// cron: housekeeping + telemetry
	c := cron.New()
	housekeeping := &service.Housekeeping{Queue: queue, Attempts: st}
	if _, err := c.AddFunc(cfg.HousekeepingSchedule, func() {
		hctx, hcancel := context.WithTimeout(ctx, 5*time.Minute)
		defer hcancel()
		if err := housekeeping.Run(hctx); err != nil {
			slog.Error("housekeeping failed", "err", err)
		}
	}); err != nil {
		slog.Error("invalid housekeeping schedule", "schedule", cfg.HousekeepingSchedule, "err", err)
		os.Exit(1)
	}
	monitor := telemetry.NewMonitor(mgr, cfg.MemoryWarnMB, logger)
	if _, err := monitor.Start(c, cfg.TelemetrySchedule); err != nil {
		slog.Error("invalid telemetry schedule", "schedule", cfg.TelemetrySchedule, "err", err)
		os.Exit(1)
	}
	c.Start()

	// api + health
	s := httpserver.New()
	(&httpserver.API{Sessions: mgr, Messaging: messaging, Webhooks: webhooks}).Register(s.Mux)
	s.RegisterHealth(2*time.Second, func(rctx context.Context) error { return db.Ping(rctx) })

	apiSrv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux, ReadHeaderTimeout: 10 * time.Second}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}

	apiErrCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "port", cfg.Port)
		apiErrCh <- apiSrv.ListenAndServe()
	}()
	metricsErrCh := make(chan error, 1)
	go func() {
		slog.Info("gateway metrics listening", "port", cfg.MetricsPort)
		metricsErrCh <- metricsSrv.ListenAndServe()
	}()

	// shutdown wiring
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-workerErrCh:
		slog.Error("gateway worker failed", "err", err)
		exitCode = 1
	case err := <-apiErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server failed", "err", err)
			exitCode = 1
		}
	case err := <-metricsErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("gateway metrics server failed", "err", err)
			exitCode = 1
		}
	case sig := <-sigCh:
		slog.Info("gateway shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Info("gateway shutdown timeout waiting for workers")
	}

	mgr.Close()
	if exitCode != 0 {
		db.Close()
		os.Exit(exitCode)
	}
}
