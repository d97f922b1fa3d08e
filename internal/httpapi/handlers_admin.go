package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/libervia/gateway/internal/core"
	"github.com/libervia/gateway/internal/tenant"
)

// adminInstance boots (or fetches) the instance for a URL-addressed tenant,
// writing the error response itself on failure.
func (s *Server) adminInstance(w http.ResponseWriter, r *http.Request, id string) (*core.Core, bool) {
	c, err := s.Runtime.GetOrCreate(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrTenantSuspended):
			writeError(w, r, http.StatusForbidden, CodeTenantSuspended, "tenant is suspended: "+id, nil)
		case errors.Is(err, tenant.ErrTenantDeleted), errors.Is(err, tenant.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		default:
			writeInternalError(w, r, err)
		}
		return nil, false
	}
	return c, true
}

// --- tenant lifecycle (global admin) ---

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	tenants := s.Registry.List(includeDeleted)
	out := make([]*tenant.Tenant, len(tenants))
	for i, t := range tenants {
		out[i] = t.Redacted()
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out, "total": len(out)})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var input tenant.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return
	}

	t, err := s.Registry.Register(input)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrTenantExists):
			writeError(w, r, http.StatusConflict, CodeTenantExists, err.Error(), nil)
		case errors.Is(err, tenant.ErrInvalidTenantID):
			writeError(w, r, http.StatusBadRequest, CodeInvalidTenantID, err.Error(), nil)
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	s.Metrics.SetTenantsTotal(len(s.Registry.List(false)))
	writeJSON(w, http.StatusCreated, t.Redacted())
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.Registry.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var input tenant.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return
	}

	t, err := s.Registry.Update(id, input)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Remove(id); err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	// A removed tenant keeps its data on disk but loses its live instance.
	if err := s.Runtime.Shutdown(r.Context(), id); err != nil {
		writeInternalError(w, r, err)
		return
	}
	s.Metrics.SetTenantsTotal(len(s.Registry.List(false)))
	writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (s *Server) handleSuspendTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Suspend(id); err != nil {
		s.writeTransitionError(w, r, id, err)
		return
	}
	// Suspension takes effect immediately: the cached instance is evicted.
	if err := s.Runtime.Shutdown(r.Context(), id); err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspended": id})
}

func (s *Server) handleResumeTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Registry.Resume(id); err != nil {
		s.writeTransitionError(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": id})
}

func (s *Server) writeTransitionError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
	case errors.Is(err, tenant.ErrInvalidTransition):
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	default:
		writeInternalError(w, r, err)
	}
}

func (s *Server) handleShutdownTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wasActive := s.Runtime.IsActive(id)
	if err := s.Runtime.Shutdown(r.Context(), id); err != nil {
		writeInternalError(w, r, err)
		return
	}
	s.Metrics.SetActiveInstances(s.Runtime.InstanceCount())
	writeJSON(w, http.StatusOK, map[string]any{"shutdown": id, "wasActive": wasActive})
}

func (s *Server) handleShutdownAll(w http.ResponseWriter, r *http.Request) {
	ids := s.Runtime.ListActive()
	if err := s.Runtime.ShutdownAll(r.Context()); err != nil {
		writeInternalError(w, r, err)
		return
	}
	s.Metrics.SetActiveInstances(0)
	writeJSON(w, http.StatusOK, map[string]any{"shutdown": ids, "count": len(ids)})
}

// --- fleet views (global admin) ---

func (s *Server) handleAdminMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instances":     s.Runtime.AllMetrics(),
		"instanceCount": s.Runtime.InstanceCount(),
		"tenantCount":   len(s.Registry.List(false)),
		"uptimeSeconds": s.Metrics.UptimeSeconds(),
	})
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	instances := make(map[string]bool)
	for _, id := range s.Runtime.ListActive() {
		instances[id] = s.Runtime.IsHealthy(id)
	}
	healthy := true
	for _, ok := range instances {
		healthy = healthy && ok
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "instances": instances})
}

func (s *Server) handleAdminInstances(w http.ResponseWriter, r *http.Request) {
	ids := s.Runtime.ListActive()
	writeJSON(w, http.StatusOK, map[string]any{"instances": ids, "count": len(ids)})
}

func (s *Server) handleQueryTenants(w http.ResponseWriter, r *http.Request) {
	tenants := s.Registry.ListActive()
	out := make([]map[string]any, len(tenants))
	for i, t := range tenants {
		out[i] = map[string]any{
			"id":     t.ID,
			"name":   t.Name,
			"status": t.Status,
			"active": s.Runtime.IsActive(t.ID),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out, "total": len(out)})
}

// handleQueryEventlog summarizes every live instance's chain status.
func (s *Server) handleQueryEventlog(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any)
	for _, id := range s.Runtime.ListActive() {
		if c, ok := s.Runtime.Get(id); ok {
			out[id] = c.EventLogStatus()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventlogs": out})
}

// --- per-tenant audit and queries ---

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	result := map[string]any{
		"tenantId":    id,
		"totalEvents": c.Events.Count(),
		"chainValid":  true,
		"mode":        "full",
	}
	if err := c.Events.Verify(); err != nil {
		result["chainValid"] = false
		result["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditVerifyFast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	result := map[string]any{
		"tenantId":    id,
		"totalEvents": c.Events.Count(),
		"chainValid":  true,
		"mode":        "fast",
	}
	if err := c.Events.VerifyFast(); err != nil {
		result["chainValid"] = false
		result["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	entries, total := c.Events.List(0, 0)
	if entries == nil {
		entries = []core.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":   id,
		"exportedAt": time.Now().UTC(),
		"eventos":    entries,
		"total":      total,
	})
}

// handleAuditReplay rebuilds the chain from the first entry and reports
// where, if anywhere, it diverges.
func (s *Server) handleAuditReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	result := map[string]any{
		"tenantId":    id,
		"totalEvents": c.Events.Count(),
		"replayValid": true,
	}
	if last := c.Events.Last(); last != nil {
		result["lastEventId"] = last.ID
		result["lastEventHash"] = last.CurrentHash
	}
	if err := c.Events.Verify(); err != nil {
		result["replayValid"] = false
		result["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)
	entries, total := c.Events.List(limit, 0)
	if entries == nil {
		entries = []core.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"eventos": entries, "total": total, "limit": limit})
}

func (s *Server) handleTenantMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Metrics())
}

// entityQueryHandler builds a read-only listing handler over one entity
// collection, rendered under the given response field.
func (s *Server) entityQueryHandler(entity, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, ok := s.adminInstance(w, r, id)
		if !ok {
			return
		}
		items, err := c.EntityData(entity)
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		if items == nil {
			items = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{field: items, "total": len(items)})
	}
}

func (s *Server) handleQueryDashboard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := s.adminInstance(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":     id,
		"entityCounts": c.EntityCounts(),
		"eventlog":     c.EventLogStatus(),
		"startedAt":    c.StartedAt,
		"lastActivity": c.LastActivity(),
	})
}

// --- key management ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keys, err := s.Registry.ListKeys(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys, "total": len(keys)})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Role        tenant.Role `json:"role"`
		Description string      `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return
	}

	created, err := s.Registry.CreateKey(id, body.Role, body.Description)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		case errors.Is(err, tenant.ErrInvalidRole):
			writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	// The plaintext token appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	keyID := chi.URLParam(r, "keyId")
	if err := s.Registry.RevokeKey(id, keyID); err != nil {
		switch {
		case errors.Is(err, tenant.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		case errors.Is(err, tenant.ErrKeyNotFound):
			writeError(w, r, http.StatusNotFound, CodeNotFound, "no such key: "+keyID, nil)
		case errors.Is(err, tenant.ErrKeyRevoked):
			writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": keyID})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Role tenant.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return
	}

	created, err := s.Registry.RotateKey(id, body.Role)
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrTenantNotFound):
			writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		case errors.Is(err, tenant.ErrInvalidRole):
			writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
