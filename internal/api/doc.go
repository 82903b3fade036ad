// Package api implements the NOC Core HTTP API and WebSocket server.
//
// Routes:
//
//	POST /api/v1/webhook/status          status event (X-Webhook-Secret)
//	GET  /api/v1/health                  component health
//	GET  /metrics                        Prometheus exposition
//	GET  /api/v1/ws?ticket=...           live events
//
//	Operator routes (Authorization: Bearer <HS256 JWT>):
//	POST /api/v1/auth/ws-ticket
//	GET  /api/v1/incidents               open incidents
//	POST /api/v1/incidents               manual incident
//	GET  /api/v1/incidents/recent
//	GET  /api/v1/incidents/{ticket}
//	POST /api/v1/incidents/{ticket}/close
//	GET  /api/v1/status[?status=down]
//	GET  /api/v1/status/{name}
//	POST /api/v1/status/rebuild
//	GET  /api/v1/topology/{name}/downstream
//	GET  /api/v1/sync
//	POST /api/v1/sync
//	GET  /api/v1/audit[?action=&target=&operator=&limit=&offset=]
//
// Operator actions (manual incidents and closes, cache rebuilds, sync
// triggers) are written to the audit log when one is configured.
//
// The webhook response bodies are fixed strings consumed by monitoring
// scripts; see handleStatusWebhook. A wrong secret gets 403 with no
// detail. Internal failures get a generic 500 and are logged with the
// request ID.
//
// WebSocket clients subscribe to channels by sending
//
//	{"type":"subscribe","id":"1","channels":["incident.created"]}
//
// and receive {"type":"event","channel":...,"time":...,"data":...}.
// The channel "*" subscribes to everything.
//
// Operator tokens are not issued over HTTP; use IssueToken (the noccore
// binary exposes it as -issue-token).
package api
