package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vaultrails/internal/app"
	"vaultrails/internal/config"
	"vaultrails/internal/idempotency"
	"vaultrails/internal/reconcile"
	"vaultrails/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := idempotency.Open(ctx, cfg.Service.IdempotencyStore, cfg.Service.IdempotencyStorePath, cfg.Service.PostgresDSN)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeStore()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	queue := &reconcile.Queue{Dir: cfg.Service.ReconcileDir, Log: log.Named("reconcile")}
	apiServer := server.NewServer(cfg.Service, a, store, queue, a.Registry, log.Named("server"))

	if p, ok := store.(purger); ok {
		go purgeExpired(ctx, p, cfg.Service.IdempotencyWindow, log)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// In-flight workflows may be waiting on receipts; give them the confirmation deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Chain.Deadline+5*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

type purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// purgeExpired drops expired idempotency records from shared stores at most hourly.
func purgeExpired(ctx context.Context, p purger, window time.Duration, log *zap.Logger) {
	interval := window
	if interval <= 0 || interval > time.Hour {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.Purge(ctx, now)
			if err != nil {
				log.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("idempotency records purged", zap.Int64("count", n))
			}
		}
	}
}
