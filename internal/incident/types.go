package incident

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source records what opened an incident.
type Source string

// Incident sources.
const (
	SourceManual  Source = "manual"
	SourceWebhook Source = "webhook"
	SourceCascade Source = "webhook_cascade"
)

// WholeNode is the AffectedPONs sentinel for a full node outage.
const WholeNode = "NODO_COMPLETO"

// nodePrefix is the conventional prefix of node names.
const nodePrefix = "NODO "

// Failure type labels.
const (
	FailureNodeDown     = "Node down"
	FailurePON          = "PON failure"
	FailureUpstreamDown = "Upstream node down"
)

// Incident is one outage record.
type Incident struct {
	TicketID           string     `json:"ticket_id"`
	Node               string     `json:"node"`
	NodeID             string     `json:"node_id"`
	FailureType        string     `json:"failure_type"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	StartDate          time.Time  `json:"start_date"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	AffectedCustomers  int        `json:"affected_customers"`
	AffectedPONs       []string   `json:"affected_pons"`
	CausedByNode       *string    `json:"caused_by_node,omitempty"`
	Source             Source     `json:"source"`
	RestoreTimeMinutes *int       `json:"restore_time_minutes,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	NeedsReview        bool       `json:"needs_review"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsOpen reports whether the incident has no end date.
func (i *Incident) IsOpen() bool {
	return i.EndDate == nil
}

// DeepCopy returns a copy that shares no pointers with i.
func (i *Incident) DeepCopy() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	cp.AffectedPONs = slices.Clone(i.AffectedPONs)
	if i.EndDate != nil {
		t := *i.EndDate
		cp.EndDate = &t
	}
	if i.CausedByNode != nil {
		s := *i.CausedByNode
		cp.CausedByNode = &s
	}
	if i.RestoreTimeMinutes != nil {
		m := *i.RestoreTimeMinutes
		cp.RestoreTimeMinutes = &m
	}
	return &cp
}

// Patch lists the fields of an incident to change. Nil fields are left as is.
type Patch struct {
	EndDate            *time.Time
	RestoreTimeMinutes *int
	Notes              *string
	NeedsReview        *bool
	AffectedCustomers  *int
}

// TicketPatch pairs a ticket with its patch for BatchUpdate.
type TicketPatch struct {
	TicketID string
	Patch    Patch
}

// NormalizeNode trims and upper-cases a node name.
func NormalizeNode(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// NodeKey is the dedup key of a node name: normalised, without the
// "NODO " prefix. "NODO PICHIL" and "pichil" share a key.
func NodeKey(name string) string {
	return strings.TrimSpace(strings.TrimPrefix(NormalizeNode(name), nodePrefix))
}

// nameVariants returns the names an open incident may be recorded under
// for any of names: each as given and with or without the "NODO " prefix.
func nameVariants(names ...string) map[string]bool {
	out := make(map[string]bool, len(names)*2)
	for _, n := range names {
		n = NormalizeNode(n)
		if n == "" {
			continue
		}
		out[n] = true
		if strings.HasPrefix(n, nodePrefix) {
			out[strings.TrimSpace(strings.TrimPrefix(n, nodePrefix))] = true
		} else {
			out[nodePrefix+n] = true
		}
	}
	return out
}

// findOpen returns the first open incident recorded under one of variants.
func findOpen(open []Incident, variants map[string]bool) *Incident {
	for i := range open {
		if open[i].IsOpen() && variants[NormalizeNode(open[i].Node)] {
			return &open[i]
		}
	}
	return nil
}

// NewTicketID returns a fresh ticket identifier such as "INC-1A2B3C4D".
func NewTicketID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "INC-" + strings.ToUpper(id[:8])
}

// restoreMinutes is the whole number of minutes between start and end,
// never negative.
func restoreMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// appendNote adds a line to existing notes.
func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
