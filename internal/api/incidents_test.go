package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nocdash/noc-core/internal/incident"
)

type incidentList struct {
	Incidents []incident.Incident `json:"incidents"`
	Count     int                 `json:"count"`
}

func TestIncidents_RequireToken(t *testing.T) {
	f := newFixture(t)

	past := signWithClaims(t, testJWTSecret, "operator-1", time.Now().Add(-time.Minute))
	foreign, _ := IssueToken("another-secret-key-at-least-32-characters", "operator-1", time.Minute)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage", "Bearer not.a.token"},
		{"expired", "Bearer " + past},
		{"wrong secret", "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			resp, _ := f.do(t, http.MethodGet, "/api/v1/incidents", nil, headers)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestIncidents_ManualLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := f.authed(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"node":               "pichil",
		"failure_reason":     "planned maintenance",
		"affected_customers": 120,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", resp.StatusCode, body)
	}
	inc := decode[incident.Incident](t, body)
	if inc.Node != "NODO PICHIL" || inc.Source != incident.SourceManual || inc.AffectedCustomers != 120 {
		t.Errorf("created = %+v", inc)
	}

	// One open incident per node.
	resp, _ = f.authed(t, http.MethodPost, "/api/v1/incidents", map[string]any{"node": "NODO PICHIL"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp, body = f.authed(t, http.MethodGet, "/api/v1/incidents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if list := decode[incidentList](t, body); list.Count != 1 || list.Incidents[0].TicketID != inc.TicketID {
		t.Errorf("open list = %s", body)
	}

	resp, body = f.authed(t, http.MethodGet, "/api/v1/incidents/"+inc.TicketID, nil)
	if resp.StatusCode != http.StatusOK || decode[incident.Incident](t, body).TicketID != inc.TicketID {
		t.Errorf("get status = %d, body = %s", resp.StatusCode, body)
	}

	resp, body = f.authed(t, http.MethodPost, "/api/v1/incidents/"+inc.TicketID+"/close", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, body = %s", resp.StatusCode, body)
	}
	closed := decode[incident.Incident](t, body)
	if closed.EndDate == nil || closed.RestoreTimeMinutes == nil {
		t.Errorf("closed incident missing end data: %+v", closed)
	}
	if !strings.Contains(closed.Notes, "closed by operator-1") {
		t.Errorf("notes = %q, want operator attribution", closed.Notes)
	}

	resp, _ = f.authed(t, http.MethodPost, "/api/v1/incidents/"+inc.TicketID+"/close", map[string]string{"note": "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second close status = %d, want 409", resp.StatusCode)
	}

	resp, body = f.authed(t, http.MethodGet, "/api/v1/incidents/recent?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recent status = %d", resp.StatusCode)
	}
	if list := decode[incidentList](t, body); list.Count != 1 {
		t.Errorf("recent = %s", body)
	}
}

func TestIncidents_CloseWithNote(t *testing.T) {
	f := newFixture(t)

	_, body := f.authed(t, http.MethodPost, "/api/v1/incidents", map[string]any{"node": "SECTOR LAGO"})
	inc := decode[incident.Incident](t, body)

	resp, body := f.authed(t, http.MethodPost, "/api/v1/incidents/"+inc.TicketID+"/close",
		map[string]string{"note": "power restored by utility"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d", resp.StatusCode)
	}
	if got := decode[incident.Incident](t, body).Notes; !strings.Contains(got, "power restored by utility") {
		t.Errorf("notes = %q", got)
	}
}

func TestIncidents_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown ticket", http.MethodGet, "/api/v1/incidents/INC-00000000", nil, http.StatusNotFound},
		{"close unknown ticket", http.MethodPost, "/api/v1/incidents/INC-00000000/close", nil, http.StatusNotFound},
		{"create without node", http.MethodPost, "/api/v1/incidents", map[string]any{"failure_reason": "x"}, http.StatusBadRequest},
		{"create malformed", http.MethodPost, "/api/v1/incidents", `{"node":`, http.StatusBadRequest},
		{"negative customers", http.MethodPost, "/api/v1/incidents", map[string]any{"node": "X", "affected_customers": -1}, http.StatusBadRequest},
		{"bad recent limit", http.MethodGet, "/api/v1/incidents/recent?limit=abc", nil, http.StatusBadRequest},
		{"zero recent limit", http.MethodGet, "/api/v1/incidents/recent?limit=0", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.authed(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestIncidents_EmptyListsAreArrays(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/api/v1/incidents", "/api/v1/incidents/recent"} {
		_, body := f.authed(t, http.MethodGet, path, nil)
		if !strings.Contains(string(body), `"incidents":[]`) {
			t.Errorf("GET %s = %s, want empty array", path, body)
		}
	}
}
