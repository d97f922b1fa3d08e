package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/libervia/gateway/internal/auth"
	"github.com/libervia/gateway/internal/backup"
	"github.com/libervia/gateway/internal/config"
	"github.com/libervia/gateway/internal/telemetry"
	"github.com/libervia/gateway/internal/tenant"
)

// Server wires the gateway services into one HTTP surface.
type Server struct {
	Config     *config.Config
	Registry   *tenant.Registry
	Runtime    *tenant.Runtime
	Global     *auth.Global
	Metrics    *telemetry.Registry
	Health     *telemetry.HealthAssessor
	Backups    *backup.Service
	Restores   *backup.RestoreService
	DR         *backup.DRService
	BackupRepo *backup.Repository
	Limiter    *RateLimiter
}

// Routes builds the full router. Middleware order matters: the request id and
// telemetry wrap everything, tenant resolution binds the instance for
// tenant-facing routes, and each route group applies its own auth before the
// rate limiter runs.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(s.telemetryMiddleware)
	if len(s.Config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.Config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(s.tenantResolver)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, CodeNotFound, "no such route", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed", nil)
	})

	// Public allow-list: probes, the JSON metrics summary, and the admin UI.
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Get("/metrics", s.handleMetricsJSON)

	r.Route("/admin", func(ar chi.Router) {
		ar.Get("/ui", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, "/admin/ui/", http.StatusFound)
		})
		ar.Handle("/ui/*", s.adminUIHandler())

		// Global surfaces: tenant lifecycle, fleet views, DR.
		ar.Group(func(g chi.Router) {
			g.Use(s.requireGlobalAdmin)

			g.Get("/tenants", s.handleListTenants)
			g.Post("/tenants", s.handleCreateTenant)
			g.Get("/tenants/{id}", s.handleGetTenant)
			g.Patch("/tenants/{id}", s.handleUpdateTenant)
			g.Delete("/tenants/{id}", s.handleRemoveTenant)
			g.Post("/tenants/{id}/suspend", s.handleSuspendTenant)
			g.Post("/tenants/{id}/resume", s.handleResumeTenant)
			g.Post("/tenants/{id}/shutdown", s.handleShutdownTenant)
			g.Post("/shutdown-all", s.handleShutdownAll)

			g.Get("/metrics", s.handleAdminMetrics)
			g.Get("/health", s.handleAdminHealth)
			g.Get("/instances", s.handleAdminInstances)

			g.Get("/query/tenants", s.handleQueryTenants)
			g.Get("/query/instances", s.handleAdminInstances)
			g.Get("/query/metrics", s.handleAdminMetrics)
			g.Get("/query/eventlog", s.handleQueryEventlog)

			g.Post("/dr/procedures", s.handleDRStart)
			g.Get("/dr/procedures", s.handleDRList)
			g.Get("/dr/procedures/{procedureId}", s.handleDRGet)
			g.Post("/dr/procedures/{procedureId}/confirm", s.handleDRConfirm)
		})

		// Per-tenant surfaces: global_admin or that tenant's tenant_admin.
		ar.Group(func(g chi.Router) {
			g.Use(s.requireTenantAdmin)

			g.Get("/tenants/{id}/audit/verify", s.handleAuditVerify)
			g.Get("/tenants/{id}/audit/verify-fast", s.handleAuditVerifyFast)
			g.Get("/tenants/{id}/audit/export", s.handleAuditExport)
			g.Get("/tenants/{id}/audit/replay", s.handleAuditReplay)
			g.Get("/tenants/{id}/events", s.handleTenantEvents)

			g.Get("/tenants/{id}/keys", s.handleListKeys)
			g.Post("/tenants/{id}/keys", s.handleCreateKey)
			g.Post("/tenants/{id}/keys/{keyId}/revoke", s.handleRevokeKey)
			g.Post("/tenants/{id}/keys/rotate", s.handleRotateKey)

			g.Get("/tenants/{id}/metrics", s.handleTenantMetrics)

			g.Post("/tenants/{id}/backups", s.handleCreateBackup)
			g.Get("/tenants/{id}/backups", s.handleListBackups)
			g.Get("/tenants/{id}/backups/{backupId}/verify", s.handleVerifyBackup)
			g.Post("/tenants/{id}/backups/{backupId}/restore", s.handleRestoreBackup)

			g.Get("/query/{id}/mandates", s.entityQueryHandler("autonomy_mandates", "mandates"))
			g.Get("/query/{id}/reviews", s.entityQueryHandler("review_cases", "reviews"))
			g.Get("/query/{id}/consequences", s.entityQueryHandler("observacoes", "consequences"))
			g.Get("/query/{id}/dashboard", s.handleQueryDashboard)
		})
	})

	r.Route("/internal", func(ir chi.Router) {
		ir.Group(func(g chi.Router) {
			g.Use(s.requireGlobalAdmin)
			g.Get("/metrics", s.handlePrometheusText)
			g.Get("/metrics/json", s.handlePrometheusJSON)
			g.Get("/health/operational", s.handleOperationalHealth)
			g.Get("/health/operational/status", s.handleOperationalStatus)
		})
		ir.Group(func(g chi.Router) {
			g.Use(s.requireTenantAdmin)
			g.Get("/tenants/{id}/metrics", s.handleTenantPrometheusText)
			g.Get("/tenants/{id}/metrics/json", s.handleTenantPrometheusJSON)
		})
	})

	r.Route("/api/v1", func(pr chi.Router) {
		pr.Use(s.requirePublicAPI)
		pr.Use(s.rateLimitMiddleware)

		mount := func(g chi.Router) {
			g.Post("/decisoes", s.handleRegisterDecision)
			g.Get("/episodios/{id}", s.handleGetEpisode)
			g.Post("/episodios/{id}/encerrar", s.handleCloseEpisode)
			g.Post("/observacoes", s.handleRecordObservation)
			g.Get("/eventos", s.handleListEvents)
			g.Get("/eventlog/status", s.handleEventlogStatus)
		}
		mount(pr)
		// Path-tenancy alias: the tenant resolver already validated that the
		// path tenant agrees with any header or host tenant.
		pr.Route("/tenants/{tenantId}", func(g chi.Router) {
			mount(g)
		})
	})

	return r
}

// adminUIHandler serves the optional static admin UI. Without a configured
// directory the route answers 404 in the standard error shape.
func (s *Server) adminUIHandler() http.Handler {
	if s.Config.AdminUIDir == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			writeError(w, req, http.StatusNotFound, CodeNotFound, "admin ui is not configured", nil)
		})
	}
	fs := http.StripPrefix("/admin/ui/", http.FileServer(http.Dir(s.Config.AdminUIDir)))
	return fs
}
