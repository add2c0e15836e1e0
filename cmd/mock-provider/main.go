package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/config"
	"wagate/internal/httpserver"
	"wagate/internal/logging"
)

func main() {
	cfg := config.LoadMockProvider()
	logging.Init("mock-provider", cfg.LogFormat, cfg.LogLevel)

	s := newServer(cfg)
	h := httpserver.New()
	h.RegisterHealth(time.Second)
	s.Register(h.Mux)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h.Mux, ReadHeaderTimeout: 10 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("mock provider shutdown", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("mock provider listening", "port", cfg.Port, "mode", cfg.OutcomeMode, "outcomes", cfg.OutcomesRaw)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}
