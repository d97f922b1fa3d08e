package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/libervia/gateway/internal/backup"
	"github.com/libervia/gateway/internal/tenant"
)

// backupGuard checks that the tenant exists and has backups enabled.
func (s *Server) backupGuard(w http.ResponseWriter, r *http.Request, id string) bool {
	t, err := s.Registry.Get(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		return false
	}
	if !t.Features.BackupEnabled {
		writeError(w, r, http.StatusForbidden, CodeValidation, "backups are disabled for this tenant", nil)
		return false
	}
	return true
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.backupGuard(w, r, id) {
		return
	}

	var body struct {
		IncludeEntities []backup.EntityType `json:"includeEntities"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
			return
		}
	}

	snap, path, err := s.Backups.Create(r.Context(), id, body.IncludeEntities)
	if err != nil {
		if errors.Is(err, backup.ErrConfigMissing) {
			writeError(w, r, http.StatusInternalServerError, CodeBackupConfigMissing,
				"backup signing is not configured", nil)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"backupId":     snap.Metadata.BackupID,
		"tenantId":     snap.Metadata.TenantID,
		"createdAt":    snap.Metadata.CreatedAt,
		"entityCounts": snap.Metadata.EntityCounts,
		"contentHash":  snap.ContentHash,
		"path":         path,
	})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Registry.Exists(id) {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		return
	}
	backups, err := s.BackupRepo.List(id)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if backups == nil {
		backups = []backup.Metadata{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups, "total": len(backups)})
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	backupID := chi.URLParam(r, "backupId")
	if !s.Registry.Exists(id) {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+id, nil)
		return
	}

	snap, findings, err := s.Backups.Verify(backupID)
	if err != nil {
		if errors.Is(err, backup.ErrBackupNotFound) {
			writeError(w, r, http.StatusNotFound, CodeBackupNotFound, err.Error(), nil)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	// A backup addressed through another tenant's route does not exist as far
	// as that tenant is concerned.
	if snap.Metadata.TenantID != id {
		writeError(w, r, http.StatusNotFound, CodeBackupNotFound, "no such backup for tenant "+id, nil)
		return
	}

	msgs := make([]string, len(findings))
	for i, e := range findings {
		msgs[i] = e.Error()
	}
	if err := backup.CheckFormatVersion(snap.Metadata.FormatVersion); err != nil {
		msgs = append(msgs, err.Error())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backupId":      snap.Metadata.BackupID,
		"tenantId":      snap.Metadata.TenantID,
		"formatVersion": snap.Metadata.FormatVersion,
		"valid":         len(msgs) == 0,
		"errors":        msgs,
	})
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	backupID := chi.URLParam(r, "backupId")
	if !s.backupGuard(w, r, id) {
		return
	}

	var body struct {
		DryRun          bool                `json:"dryRun"`
		IncludeEntities []backup.EntityType `json:"includeEntities"`
		// Continuity checking defaults to on; only an explicit false skips it.
		VerifyEventLogContinuity *bool `json:"verifyEventLogContinuity"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
			return
		}
	}

	result, err := s.Restores.Restore(r.Context(), backupID, backup.RestoreOptions{
		DryRun:              body.DryRun,
		IncludeEntities:     body.IncludeEntities,
		TenantID:            id,
		SkipContinuityCheck: body.VerifyEventLogContinuity != nil && !*body.VerifyEventLogContinuity,
	})
	if err != nil {
		s.writeRestoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeRestoreError maps restore failures onto the stable error codes. The
// specific verification failures (format, signature, hashes) outrank the
// generic rejection so clients can tell tampering from misconfiguration.
func (s *Server) writeRestoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, backup.ErrBackupNotFound):
		writeError(w, r, http.StatusNotFound, CodeBackupNotFound, err.Error(), nil)
	case errors.Is(err, backup.ErrConfigMissing):
		writeError(w, r, http.StatusInternalServerError, CodeBackupConfigMissing,
			"backup signing is not configured", nil)
	case errors.Is(err, backup.ErrFormatInvalid):
		writeError(w, r, http.StatusBadRequest, CodeBackupFormatInvalid, err.Error(), nil)
	case errors.Is(err, backup.ErrSignatureInvalid):
		writeError(w, r, http.StatusBadRequest, CodeBackupSignatureInvalid, err.Error(), nil)
	case errors.Is(err, backup.ErrHashMismatch):
		writeError(w, r, http.StatusBadRequest, CodeBackupHashMismatch, err.Error(), nil)
	case errors.Is(err, backup.ErrContinuityBroken):
		writeError(w, r, http.StatusBadRequest, CodeContinuityBroken, err.Error(), nil)
	case errors.Is(err, backup.ErrRestoreRejected):
		writeError(w, r, http.StatusBadRequest, CodeRestoreRejected, err.Error(), nil)
	case errors.Is(err, backup.ErrTenantMismatch):
		writeError(w, r, http.StatusBadRequest, CodeTenantMismatch, err.Error(), nil)
	case errors.Is(err, tenant.ErrTenantNotFound):
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, err.Error(), nil)
	default:
		writeInternalError(w, r, err)
	}
}

// --- disaster recovery (global admin) ---

func (s *Server) handleDRStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type     backup.ProcedureType `json:"type"`
		TenantID string               `json:"tenantId"`
		BackupID string               `json:"backupId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return
	}
	if body.TenantID == "" {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "tenantId is required", nil)
		return
	}
	if !s.Registry.Exists(body.TenantID) {
		writeError(w, r, http.StatusNotFound, CodeTenantNotFound, "unknown tenant: "+body.TenantID, nil)
		return
	}

	proc, err := s.DR.Start(r.Context(), body.Type, body.TenantID, body.BackupID)
	if err != nil {
		if errors.Is(err, backup.ErrUnknownProcedureType) {
			writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	// A failed preparation still yields the procedure record; 201 reports the
	// procedure was created, its status carries the outcome.
	writeJSON(w, http.StatusCreated, proc)
}

func (s *Server) handleDRList(w http.ResponseWriter, r *http.Request) {
	procs := s.DR.List()
	writeJSON(w, http.StatusOK, map[string]any{"procedures": procs, "total": len(procs)})
}

func (s *Server) handleDRGet(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "procedureId")
	proc, err := s.DR.Get(procID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, proc)
}

func (s *Server) handleDRConfirm(w http.ResponseWriter, r *http.Request) {
	procID := chi.URLParam(r, "procedureId")
	proc, err := s.DR.Confirm(r.Context(), procID)
	if err != nil {
		switch {
		case errors.Is(err, backup.ErrProcedureNotFound):
			writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
		case errors.Is(err, backup.ErrNotAwaitingConfirm):
			writeError(w, r, http.StatusBadRequest, CodeDRProcedureError, err.Error(), nil)
		default:
			writeInternalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, proc)
}
