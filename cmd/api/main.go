// Command api runs the authorization and audit service.
//
// With NEWSTRNT_PG_DSN set it persists users, role grants, and the audit
// trail in Postgres; without it everything lives in memory, which is enough
// for local development and the test suites of the frontends.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"newstrnt.org/internal/audit"
	"newstrnt.org/internal/config"
	"newstrnt.org/internal/engine"
	"newstrnt.org/internal/httpapi"
	"newstrnt.org/internal/obs"
	"newstrnt.org/internal/rbac"
	"newstrnt.org/internal/session"
	"newstrnt.org/internal/store/pg"
)

var version = "dev"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("NEWSTRNT_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		users    engine.UserStore
		auditLog audit.Log
		probe    httpapi.ReadyProbe
		regOpts  []rbac.RegistryOption
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			obs.Logger().Fatalf("postgres: %v", err)
		}
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			obs.Logger().Fatalf("postgres ping: %v", err)
		}
		users = store
		auditLog = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
		regOpts = append(regOpts, rbac.WithGrants(store))
		obs.LogEvent(map[string]any{"level": "info", "msg": "postgres connected"})
	} else {
		users = engine.NewMemoryUsers()
		auditLog = audit.NewMemoryLog()
		obs.LogEvent(map[string]any{"level": "info", "msg": "running on in-memory stores"})
	}

	catalog := rbac.NewCatalog()
	registry := rbac.NewRegistry(catalog, regOpts...)
	if err := rbac.Seed(ctx, catalog, registry); err != nil {
		obs.Logger().Fatalf("seed rbac: %v", err)
	}

	sessions := session.NewMemoryStore(
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithCountHook(obs.SetActiveSessions),
	)

	eng := engine.New(users, sessions, catalog, registry, auditLog, []byte(cfg.TokenSecret),
		engine.WithSessionTTL(cfg.SessionTTL),
		engine.WithLoginLimit(cfg.LoginRateMax, cfg.LoginRateWindow),
	)
	defer eng.Close()

	if cfg.BootstrapEmail != "" && cfg.BootstrapPassword != "" {
		if err := eng.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword); err != nil {
			obs.Logger().Fatalf("bootstrap: %v", err)
		}
	}

	go drainAuditErrors(ctx, eng)
	go sweepExpired(ctx, sessions, auditLog, cfg.AuditRetentionDays)

	api := httpapi.New(eng, probe, version,
		httpapi.WithRateLimit(cfg.HTTPRatePerSec, cfg.HTTPRateBurst))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpc.NewServer()
		hs := health.NewServer()
		hs.SetServingStatus("newstrnt.authz", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, hs)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			obs.Logger().Fatalf("grpc listen: %v", err)
		}
		go func() {
			obs.LogEvent(map[string]any{"level": "info", "msg": "grpc health listening", "addr": cfg.GRPCAddr})
			if err := grpcSrv.Serve(lis); err != nil {
				obs.Logger().Printf("grpc serve: %v", err)
			}
		}()
	}

	go func() {
		obs.LogEvent(map[string]any{"level": "info", "msg": "http listening", "addr": cfg.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Logger().Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.LogEvent(map[string]any{"level": "info", "msg": "shutting down"})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Logger().Printf("shutdown: %v", err)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
}

// drainAuditErrors surfaces dropped or failed audit writes in the process log.
func drainAuditErrors(ctx context.Context, eng *engine.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-eng.AuditErrors():
			if !ok {
				return
			}
			obs.LogEvent(map[string]any{"level": "error", "msg": "audit write failed", "error": err.Error()})
		}
	}
}

// sweepExpired periodically drops expired sessions and prunes audit entries
// past the retention window.
func sweepExpired(ctx context.Context, sessions *session.MemoryStore, log audit.Log, retentionDays int) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.PruneExpired(); n > 0 {
				obs.LogEvent(map[string]any{"level": "info", "msg": "sessions pruned", "count": n})
			}
			if retentionDays <= 0 {
				continue
			}
			pruneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			n, err := log.Prune(pruneCtx, audit.PruneOptions{RetentionDays: retentionDays})
			cancel()
			if err != nil {
				obs.LogEvent(map[string]any{"level": "error", "msg": "audit prune failed", "error": err.Error()})
				continue
			}
			if n > 0 {
				obs.LogEvent(map[string]any{"level": "info", "msg": "audit entries pruned", "count": n})
			}
		}
	}
}
