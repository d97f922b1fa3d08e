package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/libervia/gateway/internal/tenant"
	"github.com/rs/zerolog/log"
)

// skippedPrefixes are route classes that never carry a resolved tenant:
// health probes, global admin surfaces, metric exports and internal routes.
// Per-tenant admin routes authorize against the URL parameter instead.
var skippedPrefixes = []string{"/health", "/admin", "/metrics", "/internal"}

// tenantResolver extracts and validates the tenant for every tenant-facing
// request, boots (or reuses) its core instance, and binds both to the
// context. Conflicting sources refuse the request outright.
func (s *Server) tenantResolver(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range skippedPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		res := tenant.ExtractTenantID(r)
		if res.HasConflict {
			s.Metrics.RecordTenantConflict()
			log.Warn().
				Str("request_id", GetRequestID(r.Context())).
				Interface("sources", res.ConflictDetails).
				Msg("conflicting tenant identifiers")
			writeError(w, r, http.StatusBadRequest, CodeTenantConflict,
				"conflicting tenant identifiers", res.ConflictDetails)
			return
		}
		if res.TenantID == "" {
			writeError(w, r, http.StatusBadRequest, CodeMissingTenant,
				"no tenant identifier in header, path or host", nil)
			return
		}

		if !s.Registry.Exists(res.TenantID) {
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound,
				"unknown tenant: "+res.TenantID, nil)
			return
		}

		inst, err := s.Runtime.GetOrCreate(r.Context(), res.TenantID)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrTenantSuspended):
				writeError(w, r, http.StatusForbidden, CodeTenantSuspended,
					"tenant is suspended: "+res.TenantID, nil)
			case errors.Is(err, tenant.ErrTenantDeleted), errors.Is(err, tenant.ErrTenantNotFound):
				writeError(w, r, http.StatusNotFound, CodeTenantNotFound,
					"unknown tenant: "+res.TenantID, nil)
			default:
				writeInternalError(w, r, err)
			}
			return
		}

		ctx := context.WithValue(r.Context(), tenantIDKey, res.TenantID)
		ctx = context.WithValue(ctx, instanceKey, inst)
		logger := log.Ctx(ctx).With().Str("tenant_id", res.TenantID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
