package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nocdash/noc-core/internal/audit"
	"github.com/nocdash/noc-core/internal/incident"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// closeRequest is the optional body of POST /incidents/{ticket}/close.
type closeRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleListOpenIncidents(w http.ResponseWriter, r *http.Request) {
	open, err := s.incidents.Open(r.Context())
	if err != nil {
		s.internalError(w, r, "listing open incidents", err)
		return
	}
	if open == nil {
		open = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": open,
		"count":     len(open),
	})
}

func (s *Server) handleListRecentIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	recent, err := s.incidents.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "listing recent incidents", err)
		return
	}
	if recent == nil {
		recent = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": recent,
		"count":     len(recent),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.incidents.Get(r.Context(), chi.URLParam(r, "ticket"))
	if err != nil {
		s.incidentError(w, r, "getting incident", err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleCreateIncident records an operator-entered incident.
func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req incident.ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inc, err := s.incidents.CreateManual(r.Context(), req)
	if err != nil {
		s.incidentError(w, r, "creating incident", err)
		return
	}

	s.logger.Info("manual incident recorded",
		"ticket_id", inc.TicketID,
		"node", inc.Node,
		"operator", subjectFrom(r.Context()),
	)
	s.recordAudit(r, audit.ActionIncidentCreate, inc.TicketID, map[string]any{
		"node":   inc.Node,
		"closed": !inc.IsOpen(),
	})
	writeJSON(w, http.StatusCreated, inc)
}

// handleCloseIncident closes an open incident and its cascade children.
func (s *Server) handleCloseIncident(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	note := strings.TrimSpace(req.Note)
	if operator := subjectFrom(r.Context()); operator != "" && note == "" {
		note = "closed by " + operator
	}

	inc, err := s.incidents.CloseManual(r.Context(), chi.URLParam(r, "ticket"), note)
	if err != nil {
		s.incidentError(w, r, "closing incident", err)
		return
	}
	s.recordAudit(r, audit.ActionIncidentClose, inc.TicketID, map[string]any{"note": note})
	writeJSON(w, http.StatusOK, inc)
}

// incidentError maps engine errors to responses.
func (s *Server) incidentError(w http.ResponseWriter, r *http.Request, action string, err error) {
	switch {
	case errors.Is(err, incident.ErrValidation):
		writeValidationError(w, err.Error())
	case errors.Is(err, incident.ErrIncidentNotFound):
		writeError(w, http.StatusNotFound, "incident not found")
	case errors.Is(err, incident.ErrOpenIncidentExists):
		writeError(w, http.StatusConflict, "an open incident already exists for this node")
	case errors.Is(err, incident.ErrAlreadyClosed):
		writeError(w, http.StatusConflict, "incident already closed")
	default:
		s.internalError(w, r, action, err)
	}
}

// internalError logs err with request context and writes a generic 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.logger.Error(action+" failed",
		"error", err,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
	)
	writeInternalError(w)
}
