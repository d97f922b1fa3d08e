package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/libervia/gateway/internal/auth"
	"github.com/libervia/gateway/internal/backup"
	"github.com/libervia/gateway/internal/config"
	"github.com/libervia/gateway/internal/core"
	"github.com/libervia/gateway/internal/httpapi"
	"github.com/libervia/gateway/internal/telemetry"
	"github.com/libervia/gateway/internal/tenant"
)

func main() {
	// .env is a dev convenience; the real environment always wins.
	_ = godotenv.Load()

	cfg := config.Load()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "libervia-gateway").Logger()
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("refusing to start with invalid configuration")
	}

	hasher, err := tenant.NewTokenHasher(cfg.AuthPepper)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid auth pepper")
	}

	registry, err := tenant.NewRegistry(cfg.BaseDir, hasher)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot open tenant registry")
	}

	global, err := auth.LoadGlobal(cfg.BaseDir, cfg.AdminToken, hasher)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load global admin keys")
	}

	runtime := tenant.NewRuntime(registry, nil)

	metrics := telemetry.NewRegistry()
	health := telemetry.NewHealthAssessor(metrics)

	srv, err := buildServer(cfg, registry, runtime, global, metrics, health)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot wire backup engine")
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("base_dir", cfg.BaseDir).Msg("starting gateway")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := runtime.ShutdownAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("instance shutdown error")
	}
	registry.Close()

	log.Info().Msg("gateway stopped")
}

// buildServer wires the backup engine onto the tenant runtime and assembles
// the HTTP server.
func buildServer(
	cfg *config.Config,
	registry *tenant.Registry,
	runtime *tenant.Runtime,
	global *auth.Global,
	metrics *telemetry.Registry,
	health *telemetry.HealthAssessor,
) (*httpapi.Server, error) {
	crypto := backup.NewCrypto(cfg.BackupPepper)
	repo, err := backup.NewRepository(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	repo.CleanupOrphans()

	// instanceFor boots the tenant's core on demand; backup and restore work
	// against live instances so append-only semantics hold under traffic.
	instanceFor := func(ctx context.Context, tenantID string) (*core.Core, error) {
		return runtime.GetOrCreate(ctx, tenantID)
	}

	providers := func(tenantID string) (backup.Provider, error) {
		t, err := registry.Get(tenantID)
		if err != nil {
			return nil, err
		}
		if !t.Features.BackupEnabled {
			return nil, fmt.Errorf("backups are disabled for %s", tenantID)
		}
		return func(ctx context.Context, entity backup.EntityType) ([]map[string]any, error) {
			if entity == backup.EntityTenantRegistry {
				t, err := registry.Get(tenantID)
				if err != nil {
					return nil, err
				}
				return []map[string]any{tenantAsMap(t)}, nil
			}
			c, err := instanceFor(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			return c.EntityData(entityName(entity))
		}, nil
	}

	binder := func(tenantID string) (backup.Checker, backup.Appender, error) {
		c, err := instanceFor(context.Background(), tenantID)
		if err != nil {
			return nil, nil, err
		}
		checker := func(entity backup.EntityType, item map[string]any) (bool, error) {
			if entity == backup.EntityTenantRegistry {
				return true, nil // registry entries restore via admin APIs, never blindly
			}
			id, _ := item["id"].(string)
			if id == "" {
				return false, fmt.Errorf("item has no id")
			}
			return c.HasEntity(entityName(entity), id)
		}
		appender := func(entity backup.EntityType, item map[string]any) error {
			return c.AppendEntity(entityName(entity), item)
		}
		return checker, appender, nil
	}

	sink := func(event string, fields map[string]any) {
		log.Info().Str("event", event).Fields(fields).Msg("backup lifecycle")
	}

	backups := backup.NewService(crypto, repo, providers, sink)
	restores := backup.NewRestoreService(crypto, repo, binder, sink)

	dr := backup.NewDRService(backup.Hooks{
		LocateLatest: func(ctx context.Context, tenantID string) (string, error) {
			meta, err := repo.LatestFor(tenantID)
			if err != nil {
				return "", err
			}
			return meta.BackupID, nil
		},
		VerifyBackup: func(ctx context.Context, backupID string) error {
			snap, err := repo.Load(backupID)
			if err != nil {
				return err
			}
			if errs := crypto.Verify(snap); len(errs) > 0 {
				return errs[0]
			}
			return nil
		},
		DryRunRestore: func(ctx context.Context, tenantID, backupID string) error {
			_, err := restores.Restore(ctx, backupID, backup.RestoreOptions{DryRun: true, TenantID: tenantID})
			return err
		},
		ExecuteRestore: func(ctx context.Context, tenantID, backupID string) error {
			_, err := restores.Restore(ctx, backupID, backup.RestoreOptions{TenantID: tenantID})
			return err
		},
		VerifyChain: func(ctx context.Context, tenantID string) error {
			c, err := instanceFor(ctx, tenantID)
			if err != nil {
				return err
			}
			return c.Events.Verify()
		},
	}, func(p backup.Procedure) {
		log.Info().
			Str("procedure_id", p.ProcedureID).
			Str("status", p.Status).
			Str("tenant_id", p.TenantID).
			Msg("dr procedure progress")
	})

	return &httpapi.Server{
		Config:     cfg,
		Registry:   registry,
		Runtime:    runtime,
		Global:     global,
		Metrics:    metrics,
		Health:     health,
		Backups:    backups,
		Restores:   restores,
		DR:         dr,
		BackupRepo: repo,
		Limiter:    httpapi.NewRateLimiter(),
	}, nil
}

// entityName maps snapshot entity types to the core's collection names.
func entityName(et backup.EntityType) string {
	switch et {
	case backup.EntityEventLog:
		return "eventlog"
	case backup.EntityObservations:
		return "observacoes"
	case backup.EntityMandates:
		return "autonomy_mandates"
	case backup.EntityReviewCases:
		return "review_cases"
	}
	return string(et)
}

func tenantAsMap(t *tenant.Tenant) map[string]any {
	raw, err := json.Marshal(t.Redacted())
	if err != nil {
		return map[string]any{"id": t.ID}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"id": t.ID}
	}
	return m
}
