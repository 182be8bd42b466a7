// Package kernel is the orchestrator that wires all subsystems together
// and runs the HTTP server.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aether-os/aether/internal/api"
	"github.com/aether-os/aether/internal/audit"
	"github.com/aether-os/aether/internal/auth"
	"github.com/aether-os/aether/internal/config"
	"github.com/aether-os/aether/internal/eventbus"
	"github.com/aether-os/aether/internal/proc"
	"github.com/aether-os/aether/internal/sched"
	"github.com/aether-os/aether/internal/store"
)

// Kernel is the assembled agent operating system.
type Kernel struct {
	cfg    *config.Config
	store  store.Store
	bus    *eventbus.Bus
	auth   *auth.Service
	table  *proc.Table
	sched  *sched.Scheduler
	audit  *audit.Logger
	api    *api.Server
	logger *slog.Logger
}

// NewLogger builds the kernel logger from configuration. When bus is
// non-nil, records are also published as log.entry events.
func NewLogger(cfg config.LoggingConfig, bus *eventbus.Bus) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var inner slog.Handler
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		inner = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	if bus != nil {
		return slog.New(eventbus.NewSlogHandler(inner, bus))
	}
	return slog.New(inner)
}

// New creates a kernel from configuration.
func New(cfg *config.Config, logger *slog.Logger, bus *eventbus.Bus) (*Kernel, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	tokenSecret := cfg.Auth.TokenSecret
	if tokenSecret == "" {
		tokenSecret, err = config.GenerateRandomSecret()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		logger.Warn("no token secret configured, generated an ephemeral one; sessions will not survive restart")
	}

	authSvc := auth.NewService(db, bus, []byte(tokenSecret), cfg.Auth.TokenExpiry.Duration)

	adminUser, adminPass := "admin", "admin"
	if cfg.Auth.InitialAdmin != nil {
		adminUser, adminPass = cfg.Auth.InitialAdmin.Username, cfg.Auth.InitialAdmin.Password
	}
	created, err := authSvc.Bootstrap(context.Background(), adminUser, adminPass)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}
	if created != nil {
		logger.Info("bootstrapped initial admin user", "username", created.Username)
		if adminPass == "admin" {
			logger.Warn("default admin credentials in use (admin/admin), change them immediately in production")
		}
	}

	table := proc.NewTable(bus, cfg.Process.MaxConcurrent, cfg.Process.AdmissionQueueMax)
	scheduler := sched.New(db, bus, table, logger)
	auditLog := audit.New(db, bus, logger)
	apiSrv := api.NewServer(db, authSvc, table, scheduler, auditLog, bus, cfg, logger)

	k := &Kernel{
		cfg:    cfg,
		store:  db,
		bus:    bus,
		auth:   authSvc,
		table:  table,
		sched:  scheduler,
		audit:  auditLog,
		api:    apiSrv,
		logger: logger.With("component", "kernel"),
	}

	// Reaped processes are archived for /api/agents/history. Keeping the
	// archive here keeps the process table free of storage concerns.
	bus.Subscribe(eventbus.ProcessReaped, k.archiveReaped)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return k, nil
}

func (k *Kernel) archiveReaped(subject string, payload any) {
	snap, ok := payload.(map[string]any)
	if !ok {
		return
	}
	rec := &store.ProcessRecord{
		PID:      intOf(snap["pid"]),
		PPID:     intOf(snap["ppid"]),
		Priority: intOf(snap["priority"]),
		ExitedAt: time.Now().UTC(),
	}
	rec.UID, _ = snap["uid"].(string)
	rec.OwnerUID, _ = snap["owner_uid"].(string)
	rec.Name, _ = snap["name"].(string)
	rec.State, _ = snap["state"].(string)
	rec.Phase, _ = snap["phase"].(string)
	if t, ok := snap["spawned_at"].(time.Time); ok {
		rec.SpawnedAt = t
	}
	if t, ok := snap["exited_at"].(time.Time); ok && !t.IsZero() {
		rec.ExitedAt = t
	}
	if cfg, ok := snap["config"]; ok {
		if b, err := json.Marshal(cfg); err == nil {
			rec.Config = b
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.store.ArchiveProcess(ctx, rec); err != nil {
		k.logger.Warn("archive reaped process failed", "pid", rec.PID, "error", err)
	}
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// Run starts the kernel and blocks until the context is canceled.
func (k *Kernel) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    k.cfg.Server.Addr,
		Handler: k.api.Handler(),
	}

	if !k.cfg.Scheduler.Disabled {
		go func() {
			if err := k.sched.Run(ctx); err != nil && ctx.Err() == nil {
				k.logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	go k.audit.RunRetention(ctx, k.cfg.Storage.AuditRetention.Duration, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		k.logger.Info("kernel listening", "addr", k.cfg.Server.Addr)
		if k.cfg.Server.TLSCert != "" && k.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(k.cfg.Server.TLSCert, k.cfg.Server.TLSKey)
		} else {
			k.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		k.logger.Info("shutting down kernel gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			k.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		k.audit.Close()
		_ = k.store.Close()
		k.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		k.audit.Close()
		_ = k.store.Close()
		return err
	}
}
