package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nocdash/noc-core/internal/audit"
	"github.com/nocdash/noc-core/internal/status"
)

func (s *Server) handleListStatus(w http.ResponseWriter, r *http.Request) {
	entries := s.status.Snapshot()

	filter := r.URL.Query().Get("status")
	if filter != "" {
		state, err := status.ParseState(filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, "status must be up or down")
			return
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.Status == state {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.status.Get(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleRebuildStatus reloads the cache from the database mirror.
func (s *Server) handleRebuildStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.status.Rebuild(r.Context()); err != nil {
		s.internalError(w, r, "rebuilding status cache", err)
		return
	}
	count := len(s.status.Snapshot())
	s.recordAudit(r, audit.ActionStatusRebuild, "", map[string]any{"count": count})
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Status cache rebuilt",
		"count":   count,
	})
}

// handleDownstream lists nodes fed through a node. ?recursive=false
// limits the answer to direct children.
func (s *Server) handleDownstream(w http.ResponseWriter, r *http.Request) {
	name, ok := s.topology.Resolve(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}

	recursive := true
	if v := r.URL.Query().Get("recursive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "recursive must be true or false")
			return
		}
		recursive = b
	}

	downstream := s.topology.Downstream(name, recursive)
	if downstream == nil {
		downstream = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node":       name,
		"recursive":  recursive,
		"downstream": downstream,
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, _ *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "device sync is not configured")
		return
	}
	st := s.sync.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":       st.Runs,
		"failures":   st.Failures,
		"last_run":   st.LastRun,
		"last_error": st.LastError,
		"last":       st.Last,
	})
}

// handleTriggerSync asks the sync loop for an immediate run.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "device sync is not configured")
		return
	}
	accepted := s.sync.Trigger()
	s.recordAudit(r, audit.ActionSyncTrigger, "", map[string]any{"queued": accepted})
	if !accepted {
		writeJSON(w, http.StatusAccepted, messageResponse{Message: "Sync already pending"})
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "Sync triggered"})
}
