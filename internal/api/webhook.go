package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/status"
)

// WebhookSecretHeader carries the shared secret of status webhooks.
const WebhookSecretHeader = "X-Webhook-Secret"

// statusEvent is the webhook body.
type statusEvent struct {
	Device  string `json:"device"`
	Status  string `json:"status"`
	IP      string `json:"ip,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleStatusWebhook feeds a monitoring notification into the engine.
//
// Responses:
//
//	200 {"message":"Incident created","ticket_id":"INC-..."}
//	200 {"message":"Incident already active"}
//	200 {"message":"Incident closed","id":"INC-..."}
//	200 {"message":"No active incident to close"}
//	400 missing or malformed fields
//	403 wrong or missing secret
//	500 anything else
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.validWebhookSecret(r.Header.Get(WebhookSecretHeader)) {
		s.countEvent("forbidden")
		s.logger.Warn("status webhook rejected", "remote", r.RemoteAddr, "request_id", middleware.GetReqID(r.Context()))
		writeForbidden(w)
		return
	}

	var body statusEvent
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.countEvent("invalid")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.incidents.HandleEvent(r.Context(), incident.Event{
		Device:  body.Device,
		Status:  body.Status,
		IP:      body.IP,
		Message: body.Message,
		Source:  status.SourceWebhook,
	})
	if err != nil {
		if errors.Is(err, incident.ErrValidation) {
			s.countEvent("invalid")
			writeValidationError(w, err.Error())
			return
		}
		s.countEvent("error")
		s.logger.Error("status webhook failed",
			"device", body.Device,
			"status", body.Status,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeInternalError(w)
		return
	}

	s.countEvent(string(result.Outcome))
	resp := messageResponse{Message: result.Message()}
	switch result.Outcome {
	case incident.ResultCreated:
		resp.TicketID = result.Incident.TicketID
	case incident.ResultClosed:
		resp.ID = result.Incident.TicketID
	}
	writeJSON(w, http.StatusOK, resp)
}

// validWebhookSecret compares in constant time. An unconfigured secret
// rejects everything.
func (s *Server) validWebhookSecret(got string) bool {
	want := s.secCfg.WebhookSecret
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) countEvent(outcome string) {
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(status.SourceWebhook, outcome).Inc()
	}
}
