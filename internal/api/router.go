package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// healthTimeout bounds each component check in /health.
const healthTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(withRequestID)
	r.Use(s.accessLog)
	r.Use(s.recoverPanics)
	r.Use(s.cors)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Monitoring systems authenticate with the shared webhook secret.
		r.Post("/webhook/status", s.handleStatusWebhook)

		// WebSocket authenticates with a single-use ticket.
		r.Get(s.wsRoute(), s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", s.handleListOpenIncidents)
				r.Post("/", s.handleCreateIncident)
				r.Get("/recent", s.handleListRecentIncidents)
				r.Get("/{ticket}", s.handleGetIncident)
				r.Post("/{ticket}/close", s.handleCloseIncident)
			})

			r.Route("/status", func(r chi.Router) {
				r.Get("/", s.handleListStatus)
				r.Get("/{name}", s.handleGetStatus)
				r.Post("/rebuild", s.handleRebuildStatus)
			})

			r.Get("/topology/{name}/downstream", s.handleDownstream)

			r.Get("/sync", s.handleSyncStats)
			r.Post("/sync", s.handleTriggerSync)

			r.Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// wsRoute is the WebSocket path relative to /api/v1.
func (s *Server) wsRoute() string {
	if rest, ok := strings.CutPrefix(s.wsCfg.Path, "/api/v1/"); ok && rest != "" {
		return "/" + rest
	}
	return "/ws"
}

// handleHealth reports overall and per-component health. Any failing
// component turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make(map[string]string, len(names))
	code, overall := http.StatusOK, "ok"
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			code, overall = http.StatusServiceUnavailable, "degraded"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     overall,
		"version":    s.version,
		"components": components,
		"websocket":  map[string]int{"clients": s.hub.ClientCount()},
	})
}
