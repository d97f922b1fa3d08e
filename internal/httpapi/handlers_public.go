package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/libervia/gateway/internal/core"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// requestActor names the credential behind a mutation for the event log.
// Dev-mode requests carry no credential and are recorded as such.
func requestActor(r *http.Request) string {
	if ac := AuthContext(r.Context()); ac != nil {
		return string(ac.Role) + ":" + ac.KeyID
	}
	return "dev"
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeValidation, "request body must be a JSON object", nil)
		return nil, false
	}
	return payload, true
}

func (s *Server) handleRegisterDecision(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	payload, ok := decodeBody(w, r)
	if !ok {
		return
	}

	decision, err := c.RegisterDecision(requestActor(r), payload)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	id := chi.URLParam(r, "id")

	episode, ok := c.GetEpisode(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "no such episode: "+id, nil)
		return
	}
	writeJSON(w, http.StatusOK, episode)
}

func (s *Server) handleCloseEpisode(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	id := chi.URLParam(r, "id")

	var payload map[string]any
	if r.ContentLength > 0 {
		var ok bool
		if payload, ok = decodeBody(w, r); !ok {
			return
		}
	}

	episode, err := c.CloseEpisode(id, requestActor(r), payload)
	if err != nil {
		if strings.Contains(err.Error(), "no such episode") {
			writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
			return
		}
		writeError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, episode)
}

func (s *Server) handleRecordObservation(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	payload, ok := decodeBody(w, r)
	if !ok {
		return
	}

	obs, err := c.RecordObservation(requestActor(r), payload)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, obs)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	limit := parseLimit(r.URL.Query().Get("limit"), defaultEventLimit, maxEventLimit)
	offset := 0
	if q := r.URL.Query().Get("offset"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			offset = n
		}
	}

	entries, total := c.ListEvents(limit, offset)
	if entries == nil {
		entries = []core.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eventos": entries,
		"total":   total,
		"limit":   limit,
	})
}

func (s *Server) handleEventlogStatus(w http.ResponseWriter, r *http.Request) {
	c := TenantInstance(r.Context())
	writeJSON(w, http.StatusOK, c.EventLogStatus())
}
