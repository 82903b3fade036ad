package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceStatus = "device_status"
	MeasurementIncident     = "incident"
	MeasurementDeviceSync   = "device_sync"
)

// Incident lifecycle events.
const (
	EventOpened = "opened"
	EventClosed = "closed"
)

// IncidentPoint describes one incident lifecycle event.
type IncidentPoint struct {
	Event       string
	TicketID    string
	Node        string
	FailureType string
	Source      string
	CausedBy    string

	AffectedPONs       int
	AffectedCustomers  int
	RestoreTimeMinutes int

	At time.Time
}

// WriteDeviceStatus records a status transition. up is stored as a 0/1
// field so dashboards can graph availability.
func (c *Client) WriteDeviceStatus(device, state, source string, at time.Time) {
	up := 0
	if state == "up" {
		up = 1
	}
	c.emit(write.NewPoint(
		MeasurementDeviceStatus,
		map[string]string{
			"device": device,
			"source": source,
		},
		map[string]any{
			"up":    up,
			"state": state,
		},
		at,
	))
}

// WriteIncident records an incident being opened or closed.
func (c *Client) WriteIncident(p IncidentPoint) {
	tags := map[string]string{
		"event":        p.Event,
		"node":         p.Node,
		"failure_type": p.FailureType,
		"source":       p.Source,
	}
	if p.CausedBy != "" {
		tags["caused_by"] = p.CausedBy
	}

	fields := map[string]any{
		"ticket_id":          p.TicketID,
		"affected_pons":      p.AffectedPONs,
		"affected_customers": p.AffectedCustomers,
	}
	if p.Event == EventClosed {
		fields["restore_time_minutes"] = p.RestoreTimeMinutes
	}

	c.emit(write.NewPoint(MeasurementIncident, tags, fields, p.At))
}

// WriteSyncRun records the outcome of one device sync run.
func (c *Client) WriteSyncRun(devices, up, down, skipped int, duration time.Duration, at time.Time) {
	c.emit(write.NewPoint(
		MeasurementDeviceSync,
		nil,
		map[string]any{
			"devices":     devices,
			"up":          up,
			"down":        down,
			"skipped":     skipped,
			"duration_ms": duration.Milliseconds(),
		},
		at,
	))
}

// WritePoint writes a custom point timestamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	c.emit(write.NewPoint(measurement, tags, fields, timestamp))
}
