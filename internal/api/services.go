package api

import (
	"errors"
	"net/http"

	"github.com/nugget/n8n-bridge/internal/scheduler"
	"github.com/nugget/n8n-bridge/internal/services"
)

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Services == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "service registry not configured")
		return
	}
	s.ok(w, map[string]any{"services": s.cfg.Services.List()})
}

// handleServiceCall invokes a registered service with the request body
// as its data.
// POST /api/services/n8n_conversation/schedule_action {"timer_id": "porch", ...}
func (s *Server) handleServiceCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Services == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "service registry not configured")
		return
	}

	var data map[string]any
	if err := decodeObject(r, &data); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	domain, name := r.PathValue("domain"), r.PathValue("service")
	resp, err := s.cfg.Services.Call(r.Context(), domain, name, data)

	var verr *services.ValidationError
	var uerr *scheduler.UnknownActionError
	switch {
	case err == nil:
	case errors.As(err, &verr):
		s.errorDetail(w, http.StatusBadRequest, verr.Error(), verr.Fields)
		return
	case errors.Is(err, services.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	case errors.As(err, &uerr):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.logger.Error("service call failed", "domain", domain, "service", name, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if resp == nil {
		resp = map[string]any{}
	}
	s.ok(w, resp)
}

// handleTimerList returns pending timers ordered by fire time.
func (s *Server) handleTimerList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Scheduler == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	pending := s.cfg.Scheduler.Pending()
	s.ok(w, map[string]any{
		"count":  len(pending),
		"timers": pending,
	})
}
