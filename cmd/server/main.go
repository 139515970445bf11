// server is the sync conflict engine binary. It exposes the conflict REST
// API and a WebSocket update stream over a local SQLite store.
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

	"fitsync/internal/api"
	"fitsync/internal/audit"
	"fitsync/internal/config"
	"fitsync/internal/engine"
	"fitsync/internal/logging"
	"fitsync/internal/storage"
	syncnotify "fitsync/internal/sync"
	"fitsync/internal/websocket"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	if err := run(*addr); err != nil {
		logging.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(addrOverride string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level)).
		WithComponent("server")

	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open conflict store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var trail *audit.Trail
	if cfg.Audit.Enabled {
		trail, err = audit.NewTrail(cfg.Audit.BaseDir)
		if err != nil {
			return fmt.Errorf("failed to start audit trail: %w", err)
		}
		defer trail.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	notifier := syncnotify.NewNotifier(hub, logger)
	service := engine.NewService(store, cfg.Policy, notifier, trail, logger)
	router := api.NewRouter(cfg, service, hub, logger)

	go runResolutionSweep(ctx, service, logger)

	addr := addrOverride
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "db", cfg.Storage.DatabasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// sweepInterval paces the background pass over the unresolved backlog.
const sweepInterval = time.Minute

// runResolutionSweep periodically retries automatic resolution on
// conflicts that became eligible after detection, such as those unlocked
// by a late recommendation.
func runResolutionSweep(ctx context.Context, service *engine.Service, logger logging.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.ResolvePending(ctx); err != nil {
				logger.Warn("resolution sweep failed", "error", err)
			}
		}
	}
}
