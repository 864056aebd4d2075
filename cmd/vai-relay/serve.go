package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/handlers"
	gatewayserver "github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/server"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/telemetry"
)

// cancelGrace bounds the wait for canceled calls to write their ledger rows.
const cancelGrace = 5 * time.Second

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout/WriteTimeout: media streams are long-lived hijacked
	// connections with their own ping and write deadlines.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, logOut io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newServer == nil || deps.openLedger == nil || deps.setupTracing == nil {
		return errors.New("missing server dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logOut != nil {
		logger = newLogger(cfg, logOut)
	}
	if logger == nil {
		logger = slog.Default()
	}

	shutdownTracing, err := deps.setupTracing(ctx, handlers.ServiceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := deps.openLedger(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open call ledger: %w", err)
	}
	defer store.Close()

	relay := deps.newServer(cfg, logger, gatewayserver.Options{Metrics: metrics, Ledger: store})
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"model", cfg.RealtimeModel,
		"voice", cfg.Voice,
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
		"ledger", cfg.DatabaseURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String(), "active_calls", relay.ActiveCalls())
	}

	relay.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !relay.WaitCalls(waitCtx) {
		logger.Warn("grace period over, ending live calls", "call_ids", relay.CallIDs())
		relay.CancelCalls()
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		relay.WaitCalls(cancelCtx)
		cancel()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}
