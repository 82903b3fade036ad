package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nocdash/noc-core/internal/audit"
)

// recordAudit stores an operator action. A failed write is logged and
// never fails the request that caused it.
func (s *Server) recordAudit(r *http.Request, action, target string, details map[string]any) {
	if s.audit == nil {
		return
	}
	entry := &audit.Entry{
		Action:   action,
		Target:   target,
		Operator: subjectFrom(r.Context()),
		Details:  details,
	}
	if err := s.audit.Record(r.Context(), entry); err != nil {
		s.logger.Warn("audit entry not recorded",
			"action", action,
			"target", target,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
}

// handleListAudit pages through operator actions, newest first.
// Filters: action, target, operator. Paging: limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log is not configured")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Action:   q.Get("action"),
		Target:   q.Get("target"),
		Operator: q.Get("operator"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	page, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.internalError(w, r, "listing audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
