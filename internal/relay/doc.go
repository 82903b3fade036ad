// Package relay connects the correlation engine to the outside world.
//
// Outbound, a Relay attached to the engine, the status cache and the
// device syncer fans every notification out to:
//
//   - MQTT: noc/incidents/created, noc/incidents/closed and the retained
//     noc/status/{device}
//   - InfluxDB: incident, device_status and device_sync points
//   - WebSocket clients on the incident.created, incident.closed,
//     device.status_changed and device.sync_completed channels
//   - Prometheus counters
//
// Inbound, Inbound subscribes to noc/events/status and feeds each message
// through the same engine path as the HTTP webhook, with source mqtt.
package relay
