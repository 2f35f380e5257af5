// Command agentmb runs the browser-automation control-plane daemon: it
// supervises the session registry, the action pipeline, and the HTTP
// surface, with optional persistent audit/metrics storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/agentmb/dbopen"
	"github.com/hazyhaar/agentmb/internal/config"
	"github.com/hazyhaar/agentmb/internal/daemon"
	"github.com/hazyhaar/agentmb/internal/pipeline"
	"github.com/hazyhaar/agentmb/internal/session"
	"github.com/hazyhaar/agentmb/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if err := acquirePIDFile(cfg.PIDFile()); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDFile())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional persistent observability store.
	var (
		auditLog *observability.AuditLogger
		metrics  *observability.MetricsManager
		events   *observability.EventLogger
	)
	if cfg.AuditDB != "" {
		db, err := dbopen.Open(cfg.AuditDB, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		defer db.Close()
		if err := observability.Init(db); err != nil {
			return fmt.Errorf("audit db schema: %w", err)
		}
		auditLog = observability.NewAuditLogger(db, 1000)
		defer auditLog.Close()
		metrics = observability.NewMetricsManager(db, 100, 5*time.Second)
		defer metrics.Close()
		events = observability.NewEventLogger(db)
		events.LogEvent(ctx, observability.SessionEvent{EventType: observability.EventDaemonStarted, Success: true})
		defer events.LogEvent(context.Background(), observability.SessionEvent{EventType: observability.EventDaemonStopped, Success: true})

		hb := observability.NewHeartbeatWriter(db, "agentmb", time.Minute)
		hb.Start(ctx)
		defer hb.Stop()
		logger.Info("persistent audit enabled", "path", cfg.AuditDB)
	}

	reg := session.NewRegistry(session.Config{
		DataDir:       cfg.DataDir,
		DefaultPolicy: cfg.DefaultPolicyProfile,
		RingSize:      cfg.RingBufferSize,
		SnapshotLRU:   cfg.SnapshotLRU,
		Logger:        logger,
		Events:        events,
	})
	if restored, err := reg.Restore(cfg.SessionsFile(), cfg.PersistKey); err != nil {
		logger.Warn("session restore failed", "error", err)
	} else if restored > 0 {
		logger.Info("restored sessions as zombies", "count", restored)
	}

	pipe := pipeline.New(logger, auditLog, metrics)
	srv := daemon.New(reg, pipe, cfg.APIToken, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentmb listening", "addr", cfg.Addr(), "version", daemon.Version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	if err := reg.Save(cfg.SessionsFile(), cfg.PersistKey); err != nil {
		logger.Warn("session persistence failed", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	reg.Drain(drainCtx)

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// acquirePIDFile guards against a second daemon on the same data dir.
// A stale file from a dead process is replaced.
func acquirePIDFile(path string) error {
	if raw, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil && pid > 0 {
			if proc, err := os.FindProcess(pid); err == nil {
				if proc.Signal(syscall.Signal(0)) == nil {
					return fmt.Errorf("daemon already running with pid %d (%s)", pid, path)
				}
			}
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}
