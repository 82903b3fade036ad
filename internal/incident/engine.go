package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nocdash/noc-core/internal/status"
)

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StatusRecorder receives the raw status of every valid event.
type StatusRecorder interface {
	Upsert(name string, state status.State, reason, source string) (status.Entry, error)
}

// Event is one device status notification.
type Event struct {
	Device  string `json:"device"`
	Status  string `json:"status"`
	IP      string `json:"ip,omitempty"`
	Message string `json:"message,omitempty"`

	// Source names the transport for the status cache (webhook, mqtt).
	// Empty means webhook.
	Source string `json:"-"`
}

// Outcome is what HandleEvent did with an event.
type Outcome string

// Event outcomes.
const (
	ResultCreated          Outcome = "created"
	ResultAlreadyActive    Outcome = "already_active"
	ResultClosed           Outcome = "closed"
	ResultNoActiveIncident Outcome = "no_active_incident"
)

// Result describes the handling of one event.
type Result struct {
	Outcome Outcome
	Mapping Mapping

	// Incident is the created or closed incident, or the open incident
	// that made the event a duplicate.
	Incident *Incident

	// Children are the cascade incidents created or closed with Incident.
	Children []Incident

	// CascadeFailures counts children that could not be created or closed.
	CascadeFailures int
}

// Message is the human-readable summary returned to event sources.
func (r Result) Message() string {
	switch r.Outcome {
	case ResultCreated:
		return "Incident created"
	case ResultAlreadyActive:
		return "Incident already active"
	case ResultClosed:
		return "Incident closed"
	default:
		return "No active incident to close"
	}
}

// Stats holds engine counters.
type Stats struct {
	EventsTotal     uint64
	Created         uint64
	Closed          uint64
	Duplicates      uint64
	CascadeCreated  uint64
	CascadeFailures uint64
}

// Engine correlates device events into incidents.
//
// Event handling is serialised by a mutex; across processes the store's
// open-node index keeps creation atomic.
type Engine struct {
	store    Store
	topo     Topology
	resolver *Resolver
	recorder StatusRecorder

	mu sync.Mutex

	hookMu    sync.RWMutex
	onCreated func(Incident)
	onClosed  func(Incident)

	logger      Logger
	now         func() time.Time
	newTicketID func() string

	eventsTotal     atomic.Uint64
	created         atomic.Uint64
	closed          atomic.Uint64
	duplicates      atomic.Uint64
	cascadeCreated  atomic.Uint64
	cascadeFailures atomic.Uint64
}

// NewEngine creates an engine. topo and recorder may be nil.
func NewEngine(store Store, topo Topology, resolver *Resolver, recorder StatusRecorder) *Engine {
	if resolver == nil {
		resolver = NewResolver(nil, nil, topo)
	}
	return &Engine{
		store:       store,
		topo:        topo,
		resolver:    resolver,
		recorder:    recorder,
		logger:      noopLogger{},
		now:         time.Now,
		newTicketID: NewTicketID,
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetOnCreated registers a callback for every incident opened, cascade
// children included. It runs while the engine lock is held and must not
// block.
func (e *Engine) SetOnCreated(fn func(Incident)) {
	e.hookMu.Lock()
	e.onCreated = fn
	e.hookMu.Unlock()
}

// SetOnClosed registers a callback for every incident closed. The same
// rules as SetOnCreated apply.
func (e *Engine) SetOnClosed(fn func(Incident)) {
	e.hookMu.Lock()
	e.onClosed = fn
	e.hookMu.Unlock()
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EventsTotal:     e.eventsTotal.Load(),
		Created:         e.created.Load(),
		Closed:          e.closed.Load(),
		Duplicates:      e.duplicates.Load(),
		CascadeCreated:  e.cascadeCreated.Load(),
		CascadeFailures: e.cascadeFailures.Load(),
	}
}

// HandleEvent processes one device notification.
//
// A malformed event returns ErrValidation. Store failures while opening or
// closing the main incident are returned; cascade child failures are
// logged and counted in Result.CascadeFailures.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) (Result, error) {
	device := NormalizeNode(ev.Device)
	if device == "" {
		return Result{}, fmt.Errorf("%w: device is required", ErrValidation)
	}
	if strings.TrimSpace(ev.Status) == "" {
		return Result{}, fmt.Errorf("%w: status is required", ErrValidation)
	}
	state, err := status.ParseState(ev.Status)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	e.eventsTotal.Add(1)
	e.recordStatus(device, state, ev)

	mapping := e.resolver.Resolve(device, ev.IP)
	final := mapping.FinalNodeName

	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.store.QueryOpen(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading open incidents: %w", err)
	}
	tracked := findOpen(open, nameVariants(device, final))

	logger := e.logger
	switch {
	case state == status.StateDown && tracked != nil:
		e.duplicates.Add(1)
		logger.Debug("incident already active", "device", device, "node", final, "ticket_id", tracked.TicketID)
		return Result{Outcome: ResultAlreadyActive, Mapping: mapping, Incident: tracked.DeepCopy()}, nil

	case state == status.StateDown:
		return e.openIncident(ctx, ev, mapping, open)

	case tracked != nil:
		result, err := e.closeIncident(ctx, tracked, final, open, fmt.Sprintf("%s reported up", device))
		result.Mapping = mapping
		return result, err

	default:
		logger.Debug("no active incident to close", "device", device, "node", final)
		return Result{Outcome: ResultNoActiveIncident, Mapping: mapping}, nil
	}
}

func (e *Engine) recordStatus(device string, state status.State, ev Event) {
	if e.recorder == nil {
		return
	}
	source := ev.Source
	if source == "" {
		source = status.SourceWebhook
	}
	if _, err := e.recorder.Upsert(device, state, ev.Message, source); err != nil {
		e.logger.Warn("status cache update failed", "device", device, "error", err)
	}
}

// openIncident creates the parent incident and, for whole-node failures,
// its cascade children. Caller holds e.mu.
func (e *Engine) openIncident(ctx context.Context, ev Event, mapping Mapping, open []Incident) (Result, error) {
	final := mapping.FinalNodeName
	now := e.now().UTC()

	reason := strings.TrimSpace(ev.Message)
	if reason == "" {
		reason = fmt.Sprintf("%s reported down", NormalizeNode(ev.Device))
	}

	parent := &Incident{
		TicketID:      e.newTicketID(),
		Node:          final,
		NodeID:        NodeKey(final),
		FailureType:   mapping.FailureType,
		FailureReason: reason,
		StartDate:     now,
		AffectedPONs:  append([]string(nil), mapping.AffectedPONs...),
		Source:        SourceWebhook,
	}

	if err := e.store.CreateOpen(ctx, parent); err != nil {
		if errors.Is(err, ErrOpenIncidentExists) {
			e.duplicates.Add(1)
			return Result{Outcome: ResultAlreadyActive, Mapping: mapping}, nil
		}
		return Result{}, fmt.Errorf("creating incident for %s: %w", final, err)
	}
	e.created.Add(1)
	e.logger.Info("incident created",
		"ticket_id", parent.TicketID,
		"node", final,
		"failure_type", parent.FailureType,
		"matched_by", mapping.MatchedBy,
	)
	e.fireCreated(*parent)

	result := Result{Outcome: ResultCreated, Mapping: mapping, Incident: parent.DeepCopy()}
	if mapping.IsPONFailure || e.topo == nil {
		return result, nil
	}

	for _, child := range e.topo.Downstream(final, true) {
		if findOpen(open, nameVariants(child)) != nil {
			continue
		}

		causedBy := final
		inc := &Incident{
			TicketID:      e.newTicketID(),
			Node:          child,
			NodeID:        NodeKey(child),
			FailureType:   FailureUpstreamDown,
			FailureReason: fmt.Sprintf("Upstream node %s down", final),
			StartDate:     now,
			AffectedPONs:  []string{WholeNode},
			CausedByNode:  &causedBy,
			Source:        SourceCascade,
		}

		if err := e.store.CreateOpen(ctx, inc); err != nil {
			if errors.Is(err, ErrOpenIncidentExists) {
				continue
			}
			result.CascadeFailures++
			e.cascadeFailures.Add(1)
			e.logger.Warn("cascade incident not created",
				"parent_ticket_id", parent.TicketID,
				"node", child,
				"error", err,
			)
			continue
		}

		e.cascadeCreated.Add(1)
		e.fireCreated(*inc)
		result.Children = append(result.Children, *inc.DeepCopy())
	}

	if len(result.Children) > 0 {
		e.logger.Info("cascade incidents created",
			"parent_ticket_id", parent.TicketID,
			"count", len(result.Children),
		)
	}
	return result, nil
}

// closeIncident closes inc and every open incident caused by it.
// Caller holds e.mu.
func (e *Engine) closeIncident(ctx context.Context, inc *Incident, final string, open []Incident, why string) (Result, error) {
	now := e.now().UTC()

	closedParent, patch := closing(inc, now, why)
	if err := e.store.Update(ctx, inc.TicketID, patch); err != nil {
		return Result{}, fmt.Errorf("closing incident %s: %w", inc.TicketID, err)
	}
	e.closed.Add(1)
	e.logger.Info("incident closed",
		"ticket_id", inc.TicketID,
		"node", inc.Node,
		"restore_time_minutes", *closedParent.RestoreTimeMinutes,
	)
	e.fireClosed(*closedParent)

	result := Result{Outcome: ResultClosed, Incident: closedParent}

	causes := nameVariants(final, inc.Node)
	var (
		patches  []TicketPatch
		children []Incident
	)
	for i := range open {
		child := &open[i]
		if child.TicketID == inc.TicketID || child.CausedByNode == nil {
			continue
		}
		if !causes[NormalizeNode(*child.CausedByNode)] {
			continue
		}
		closedChild, p := closing(child, now, fmt.Sprintf("upstream node %s restored", inc.Node))
		patches = append(patches, TicketPatch{TicketID: child.TicketID, Patch: p})
		children = append(children, *closedChild)
	}

	if len(patches) == 0 {
		return result, nil
	}

	if err := e.store.BatchUpdate(ctx, patches); err != nil {
		result.CascadeFailures = len(patches)
		e.cascadeFailures.Add(uint64(len(patches)))
		e.logger.Warn("cascade incidents not closed",
			"parent_ticket_id", inc.TicketID,
			"count", len(patches),
			"error", err,
		)
		return result, nil
	}

	e.closed.Add(uint64(len(children)))
	for _, c := range children {
		e.fireClosed(c)
	}
	result.Children = children
	e.logger.Info("cascade incidents closed", "parent_ticket_id", inc.TicketID, "count", len(children))
	return result, nil
}

// closing returns the closed copy of inc and the patch that produces it.
func closing(inc *Incident, now time.Time, why string) (*Incident, Patch) {
	end := now
	restore := restoreMinutes(inc.StartDate, now)
	notes := appendNote(inc.Notes, fmt.Sprintf("[%s] Closed automatically: %s.", now.Format(time.RFC3339), why))
	review := true

	closed := inc.DeepCopy()
	closed.EndDate = &end
	closed.RestoreTimeMinutes = &restore
	closed.Notes = notes
	closed.NeedsReview = review
	closed.UpdatedAt = now

	return closed, Patch{
		EndDate:            &end,
		RestoreTimeMinutes: &restore,
		Notes:              &notes,
		NeedsReview:        &review,
	}
}

func (e *Engine) fireCreated(inc Incident) {
	e.hookMu.RLock()
	fn := e.onCreated
	e.hookMu.RUnlock()
	if fn != nil {
		fn(inc)
	}
}

func (e *Engine) fireClosed(inc Incident) {
	e.hookMu.RLock()
	fn := e.onClosed
	e.hookMu.RUnlock()
	if fn != nil {
		fn(inc)
	}
}
