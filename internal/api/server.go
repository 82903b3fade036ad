package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nocdash/noc-core/internal/audit"
	"github.com/nocdash/noc-core/internal/devicesync"
	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/infrastructure/config"
	"github.com/nocdash/noc-core/internal/infrastructure/logging"
	"github.com/nocdash/noc-core/internal/infrastructure/metrics"
	"github.com/nocdash/noc-core/internal/status"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// IncidentService is the correlation engine as seen by the API.
type IncidentService interface {
	HandleEvent(ctx context.Context, ev incident.Event) (incident.Result, error)
	CreateManual(ctx context.Context, req incident.ManualRequest) (*incident.Incident, error)
	CloseManual(ctx context.Context, ticketID, note string) (*incident.Incident, error)
	Open(ctx context.Context) ([]incident.Incident, error)
	Get(ctx context.Context, ticketID string) (*incident.Incident, error)
	Recent(ctx context.Context, limit int) ([]incident.Incident, error)
}

// StatusService is the device status cache.
type StatusService interface {
	Snapshot() []status.Entry
	Get(name string) (status.Entry, bool)
	Rebuild(ctx context.Context) error
}

// TopologyService answers dependency questions.
type TopologyService interface {
	Resolve(name string) (string, bool)
	Downstream(name string, recursive bool) []string
}

// SyncService triggers device sync runs.
type SyncService interface {
	Trigger() bool
	Stats() devicesync.Stats
}

// HealthChecker is implemented by every backing component.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the API server. Incidents, Status and
// Topology are required; the rest are optional.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Incidents IncidentService
	Status    StatusService
	Topology  TopologyService
	Sync      SyncService
	Audit     audit.Repository
	Metrics   *metrics.Metrics

	// Health lists components reported by /health, by name.
	Health map[string]HealthChecker

	// Hub, when set, is used instead of a hub owned by the server so
	// other components can broadcast before the server starts.
	Hub *Hub

	Version string
}

// Server is the HTTP API server: status webhook, incident and status
// endpoints, WebSocket hub and Prometheus metrics.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	incidents IncidentService
	status    StatusService
	topology  TopologyService
	sync      SyncService
	audit     audit.Repository
	metrics   *metrics.Metrics
	health    map[string]HealthChecker
	version   string

	hub         *Hub
	externalHub bool
	tickets     *ticketStore

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Incidents == nil {
		return nil, fmt.Errorf("incident service is required")
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("status service is required")
	}
	if deps.Topology == nil {
		return nil, fmt.Errorf("topology is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		incidents: deps.Incidents,
		status:    deps.Status,
		topology:  deps.Topology,
		sync:      deps.Sync,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		health:    deps.Health,
		version:   deps.Version,
		tickets:   newTicketStore(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background. Binding errors
// such as a port in use are returned.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
