package incident

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ManualRequest is an operator-entered incident.
type ManualRequest struct {
	Node              string     `json:"node"`
	FailureType       string     `json:"failure_type"`
	FailureReason     string     `json:"failure_reason"`
	AffectedCustomers int        `json:"affected_customers"`
	AffectedPONs      []string   `json:"affected_pons"`
	StartDate         *time.Time `json:"start_date,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	Notes             string     `json:"notes,omitempty"`
}

// CreateManual records an operator-entered incident.
//
// An open incident follows the same one-per-node rule as events and
// returns ErrOpenIncidentExists when the node is already tracked. A
// request with an end date records a past outage as closed. Manual
// incidents never cascade.
func (e *Engine) CreateManual(ctx context.Context, req ManualRequest) (*Incident, error) {
	node := NormalizeNode(req.Node)
	if node == "" {
		return nil, fmt.Errorf("%w: node is required", ErrValidation)
	}
	if e.topo != nil {
		if canonical, ok := e.topo.Resolve(node); ok {
			node = canonical
		}
	}

	now := e.now().UTC()
	start := now
	if req.StartDate != nil {
		start = req.StartDate.UTC()
	}
	if req.EndDate != nil && req.EndDate.Before(start) {
		return nil, fmt.Errorf("%w: end_date before start_date", ErrValidation)
	}
	if req.AffectedCustomers < 0 {
		return nil, fmt.Errorf("%w: affected_customers must not be negative", ErrValidation)
	}

	failureType := strings.TrimSpace(req.FailureType)
	if failureType == "" {
		failureType = FailureNodeDown
	}
	pons := req.AffectedPONs
	if len(pons) == 0 {
		pons = []string{WholeNode}
	}

	inc := &Incident{
		TicketID:          e.newTicketID(),
		Node:              node,
		NodeID:            NodeKey(node),
		FailureType:       failureType,
		FailureReason:     strings.TrimSpace(req.FailureReason),
		StartDate:         start,
		AffectedCustomers: req.AffectedCustomers,
		AffectedPONs:      append([]string(nil), pons...),
		Source:            SourceManual,
		Notes:             req.Notes,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.EndDate != nil {
		end := req.EndDate.UTC()
		restore := restoreMinutes(start, end)
		inc.EndDate = &end
		inc.RestoreTimeMinutes = &restore
		if err := e.store.Create(ctx, inc); err != nil {
			return nil, fmt.Errorf("recording incident for %s: %w", node, err)
		}
		e.logger.Info("closed incident recorded", "ticket_id", inc.TicketID, "node", node)
		return inc.DeepCopy(), nil
	}

	open, err := e.store.QueryOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open incidents: %w", err)
	}
	if tracked := findOpen(open, nameVariants(node)); tracked != nil {
		return nil, fmt.Errorf("%w: %s (%s)", ErrOpenIncidentExists, node, tracked.TicketID)
	}

	if err := e.store.CreateOpen(ctx, inc); err != nil {
		return nil, fmt.Errorf("creating incident for %s: %w", node, err)
	}
	e.created.Add(1)
	e.logger.Info("manual incident created", "ticket_id", inc.TicketID, "node", node)
	e.fireCreated(*inc)
	return inc.DeepCopy(), nil
}

// CloseManual closes an open incident and the incidents it caused.
// note, when set, is appended to the incident notes.
func (e *Engine) CloseManual(ctx context.Context, ticketID, note string) (*Incident, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inc, err := e.store.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if !inc.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClosed, ticketID)
	}

	open, err := e.store.QueryOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading open incidents: %w", err)
	}

	if note = strings.TrimSpace(note); note != "" {
		inc.Notes = appendNote(inc.Notes, note)
	}

	result, err := e.closeIncident(ctx, inc, inc.Node, open, "closed by operator")
	if err != nil {
		return nil, err
	}
	return result.Incident, nil
}

// Open returns every open incident.
func (e *Engine) Open(ctx context.Context) ([]Incident, error) {
	return e.store.QueryOpen(ctx)
}

// Get returns one incident by ticket ID.
func (e *Engine) Get(ctx context.Context, ticketID string) (*Incident, error) {
	return e.store.Get(ctx, ticketID)
}

// Recent returns the most recent incidents, newest first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]Incident, error) {
	return e.store.ListRecent(ctx, limit)
}
