package api

import (
	"errors"
	"net/http"

	"github.com/nugget/n8n-bridge/internal/entries"
)

func (s *Server) handleEntryList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Entries == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "config entries not configured")
		return
	}
	statuses, err := s.cfg.Entries.Statuses()
	if err != nil {
		s.logger.Error("list config entries failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list entries failed")
		return
	}
	s.ok(w, map[string]any{"entries": statuses})
}

// handleFlowStart returns the empty setup form.
func (s *Server) handleFlowStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Flow == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "config flow not configured")
		return
	}
	res, err := s.cfg.Flow.StepUser(r.Context(), nil)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.ok(w, res)
}

// handleFlowSubmit runs the user step with the submitted form. Form
// errors come back as a 200 "form" result, matching HA's flow API.
func (s *Server) handleFlowSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Flow == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "config flow not configured")
		return
	}
	var in entries.UserInput
	if err := decodeObject(r, &in); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.cfg.Flow.StepUser(r.Context(), &in)
	if err != nil {
		s.logger.Error("config flow failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "config flow failed")
		return
	}
	s.ok(w, res)
}

// handleEntryDelete unloads an entry and removes it from the store.
func (s *Server) handleEntryDelete(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Entries == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "config entries not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.cfg.Entries.Remove(id); err != nil {
		if errors.Is(err, entries.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "entry not found")
			return
		}
		s.logger.Error("remove config entry failed", "entry_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "remove entry failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
