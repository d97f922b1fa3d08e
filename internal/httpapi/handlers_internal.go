package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
)

// --- public probes ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"timestamp":     time.Now().UTC(),
		"uptimeSeconds": s.Metrics.UptimeSeconds(),
	})
}

// handleReady reports readiness: the base directory must be writable and
// every live instance's chain tail must verify.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	unhealthy := []string{}
	for _, id := range s.Runtime.ListActive() {
		if !s.Runtime.IsHealthy(id) {
			ready = false
			unhealthy = append(unhealthy, id)
		}
	}

	baseDirWritable := true
	probe := filepath.Join(s.Config.BaseDir, ".ready-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		baseDirWritable = false
		ready = false
	} else {
		_ = os.Remove(probe)
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":             ready,
		"baseDirWritable":   baseDirWritable,
		"activeInstances":   s.Runtime.InstanceCount(),
		"registeredTenants": len(s.Registry.List(false)),
		"unhealthy":         unhealthy,
	})
}

// handleMetricsJSON is the unauthenticated JSON metric summary. It carries no
// per-tenant series; those live behind /internal.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds":   s.Metrics.UptimeSeconds(),
		"activeInstances": s.Runtime.InstanceCount(),
		"tenantsTotal":    len(s.Registry.List(false)),
	})
}

func (s *Server) refreshGauges() {
	s.Metrics.SetActiveInstances(s.Runtime.InstanceCount())
	s.Metrics.SetTenantsTotal(len(s.Registry.List(false)))
	s.Metrics.UpdateRuntimeMetrics()
}

// --- internal metric exports (global admin) ---

func (s *Server) handlePrometheusText(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.Metrics.PrometheusText(w); err != nil {
		writeInternalError(w, r, err)
	}
}

func (s *Server) handlePrometheusJSON(w http.ResponseWriter, r *http.Request) {
	s.refreshGauges()
	snap, err := s.Metrics.GenerateSnapshot()
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- per-tenant metric exports (tenant admin or global) ---

func (s *Server) handleTenantPrometheusText(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.refreshGauges()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.Metrics.PrometheusTextForTenant(w, id); err != nil {
		writeInternalError(w, r, err)
	}
}

func (s *Server) handleTenantPrometheusJSON(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.refreshGauges()
	snap, err := s.Metrics.GenerateSnapshotForTenant(id)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- operational health (global admin) ---

func (s *Server) handleOperationalHealth(w http.ResponseWriter, r *http.Request) {
	assessment, err := s.Health.Assess()
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, assessment.HTTPStatus(), assessment)
}

// handleOperationalStatus is the cheap variant: the overall grade without the
// per-check breakdown.
func (s *Server) handleOperationalStatus(w http.ResponseWriter, r *http.Request) {
	assessment, err := s.Health.Assess()
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, assessment.HTTPStatus(), map[string]any{
		"status":    assessment.Status,
		"summary":   assessment.Summary,
		"timestamp": assessment.Timestamp,
	})
}
