package devicesync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nocdash/noc-core/internal/routeros"
	"github.com/nocdash/noc-core/internal/status"
)

const (
	// DefaultCommand enumerates interfaces with their running flags.
	DefaultCommand = "/interface/print"

	// defaultInterval is used when Config.Interval is not positive.
	defaultInterval = 5 * time.Minute

	// defaultRunTimeout bounds one complete sync run.
	defaultRunTimeout = 30 * time.Second
)

// Logger defines the logging interface used by the Syncer.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder receives one status entry per enumerated device.
type Recorder interface {
	Upsert(name string, state status.State, reason, source string) (status.Entry, error)
}

// DialFunc opens an authenticated session to the appliance.
type DialFunc func(ctx context.Context) (routeros.Executor, error)

// Config holds sync settings.
type Config struct {
	Router   routeros.Config
	User     string
	Password string

	// Interval between periodic runs. Default: 5 minutes.
	Interval time.Duration

	// Command is the print command, split into API words.
	// Default: /interface/print.
	Command []string

	// RunTimeout bounds a single run. Default: 30 seconds.
	RunTimeout time.Duration
}

// Result summarises one sync run.
type Result struct {
	Devices  int           `json:"devices"`
	Up       int           `json:"up"`
	Down     int           `json:"down"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
	At       time.Time     `json:"at"`
}

// Stats holds operational counters.
type Stats struct {
	Runs      uint64
	Failures  uint64
	LastRun   time.Time
	LastError string
	Last      Result
}

// Syncer enumerates appliance devices into the status cache.
type Syncer struct {
	cfg      Config
	recorder Recorder
	dial     DialFunc
	logger   Logger

	hookMu sync.RWMutex
	onRun  func(Result, error)

	// runMu serialises runs; the protocol client allows one command at a time.
	runMu sync.Mutex

	trigger chan struct{}
	done    chan struct{}
	started atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64

	statsMu   sync.RWMutex
	lastRun   time.Time
	lastError string
	last      Result
}

// New creates a Syncer. The Syncer does not start automatically.
func New(cfg Config, recorder Recorder) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{DefaultCommand}
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}

	s := &Syncer{
		cfg:      cfg,
		recorder: recorder,
		logger:   noopLogger{},
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.dial = s.dialRouter
	return s
}

// SetLogger sets the logger for the syncer.
func (s *Syncer) SetLogger(logger Logger) {
	s.logger = logger
}

// SetOnRun registers a callback invoked after every run, failed or not.
func (s *Syncer) SetOnRun(fn func(Result, error)) {
	s.hookMu.Lock()
	s.onRun = fn
	s.hookMu.Unlock()
}

// SetDialer replaces how sessions are opened.
func (s *Syncer) SetDialer(dial DialFunc) {
	s.dial = dial
}

func (s *Syncer) dialRouter(ctx context.Context) (routeros.Executor, error) {
	if s.cfg.Router.Host == "" {
		return nil, ErrNotConfigured
	}
	client, err := routeros.Connect(ctx, s.cfg.Router)
	if err != nil {
		return nil, err
	}
	if l, ok := s.logger.(routeros.Logger); ok {
		client.SetLogger(l)
	}
	if err := client.Login(ctx, s.cfg.User, s.cfg.Password); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// SyncOnce performs one sync run.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.run(ctx)
	result.Duration = time.Since(started)
	result.At = started.UTC()

	s.runs.Add(1)
	s.statsMu.Lock()
	s.lastRun = result.At
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		s.last = result
	}
	s.statsMu.Unlock()

	if err != nil {
		s.failures.Add(1)
		err = fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	s.hookMu.RLock()
	fn := s.onRun
	s.hookMu.RUnlock()
	if fn != nil {
		fn(result, err)
	}

	if err != nil {
		return result, err
	}

	s.logger.Info("device sync complete",
		"devices", result.Devices,
		"up", result.Up,
		"down", result.Down,
		"skipped", result.Skipped,
		"duration", result.Duration,
	)
	return result, nil
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	session, err := s.dial(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	reply, err := session.Execute(ctx, s.cfg.Command...)
	if err != nil {
		return Result{}, fmt.Errorf("running %s: %w", s.cfg.Command[0], err)
	}

	var result Result
	for _, row := range reply.Rows {
		name, state, reason, ok := deviceState(row)
		if !ok {
			result.Skipped++
			continue
		}
		if _, err := s.recorder.Upsert(name, state, reason, status.SourceSync); err != nil {
			s.logger.Warn("sync row rejected", "name", name, "error", err)
			result.Skipped++
			continue
		}
		result.Devices++
		if state == status.StateUp {
			result.Up++
		} else {
			result.Down++
		}
	}
	return result, nil
}

// deviceState maps one print row to a status entry. Rows without a name
// are skipped. A disabled or non-running device is down.
func deviceState(row *routeros.Attributes) (name string, state status.State, reason string, ok bool) {
	name = strings.TrimSpace(row.Value("name"))
	if name == "" {
		return "", "", "", false
	}

	comment := strings.TrimSpace(row.Value("comment"))
	switch {
	case flag(row, "disabled"):
		state, reason = status.StateDown, "disabled"
	case hasFlag(row, "running") && !flag(row, "running"):
		state, reason = status.StateDown, "not running"
	default:
		state = status.StateUp
	}
	if comment != "" {
		if reason == "" {
			reason = comment
		} else {
			reason = reason + ": " + comment
		}
	}
	return name, state, reason, true
}

func hasFlag(row *routeros.Attributes, key string) bool {
	_, ok := row.Get(key)
	return ok
}

func flag(row *routeros.Attributes, key string) bool {
	v, _ := row.Get(key)
	return strings.EqualFold(v, "true") || v == "yes"
}

// Start runs the sync loop until ctx is cancelled: one run immediately,
// then one per interval and one per Trigger.
func (s *Syncer) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.runLogged(ctx)
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("device sync failed", "error", err)
	}
}

// Trigger requests an immediate run from the loop. It reports false when
// a request is already pending.
func (s *Syncer) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Stop waits for the loop to exit. The caller must cancel the context
// passed to Start first.
func (s *Syncer) Stop() {
	if s.started.Load() {
		<-s.done
	}
}

// Stats returns sync counters.
func (s *Syncer) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return Stats{
		Runs:      s.runs.Load(),
		Failures:  s.failures.Load(),
		LastRun:   s.lastRun,
		LastError: s.lastError,
		Last:      s.last,
	}
}
