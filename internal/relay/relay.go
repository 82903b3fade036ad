package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nocdash/noc-core/internal/devicesync"
	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/infrastructure/influxdb"
	"github.com/nocdash/noc-core/internal/infrastructure/metrics"
	"github.com/nocdash/noc-core/internal/infrastructure/mqtt"
	"github.com/nocdash/noc-core/internal/status"
)

// WebSocket channels.
const (
	ChannelStatusChanged   = "device.status_changed"
	ChannelIncidentCreated = "incident.created"
	ChannelIncidentClosed  = "incident.closed"
	ChannelSyncCompleted   = "device.sync_completed"
)

// defaultQueueSize bounds notifications waiting for delivery.
const defaultQueueSize = 1024

// Logger defines the logging interface used by the relay.
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

// Publisher sends JSON messages to the broker.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// History records time-series points.
type History interface {
	WriteDeviceStatus(device, state, source string, at time.Time)
	WriteIncident(p influxdb.IncidentPoint)
	WriteSyncRun(devices, up, down, skipped int, duration time.Duration, at time.Time)
}

// Broadcaster pushes events to live WebSocket clients.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Relay delivers incident, status and sync notifications to the broker,
// the history store, WebSocket clients and metrics.
//
// Engine and cache hooks run under their callers' locks, so the hook
// methods only enqueue. Run drains the queue on its own goroutine. When
// the queue is full the notification is dropped and counted.
type Relay struct {
	publisher Publisher
	history   History
	hub       Broadcaster
	metrics   *metrics.Metrics
	logger    Logger
	topics    mqtt.Topics

	queue chan notification

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	runOnce sync.Once
	done    chan struct{}
}

// Stats holds relay counters.
type Stats struct {
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

type kind int

const (
	kindCreated kind = iota
	kindClosed
	kindStatus
	kindSync
)

type notification struct {
	kind     kind
	incident incident.Incident
	entry    status.Entry
	sync     devicesync.Result
	syncErr  error
}

// Option configures a Relay.
type Option func(*Relay)

// WithPublisher delivers to the MQTT broker.
func WithPublisher(p Publisher) Option { return func(r *Relay) { r.publisher = p } }

// WithHistory delivers to the time-series store.
func WithHistory(h History) Option { return func(r *Relay) { r.history = h } }

// WithBroadcaster delivers to WebSocket clients.
func WithBroadcaster(b Broadcaster) Option { return func(r *Relay) { r.hub = b } }

// WithMetrics counts deliveries in Prometheus.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Relay) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l Logger) Option { return func(r *Relay) { r.logger = l } }

// WithQueueSize overrides the delivery queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan notification, n)
		}
	}
}

// New creates a Relay. Sinks not given are skipped.
func New(opts ...Option) *Relay {
	r := &Relay{
		logger: noopLogger{},
		queue:  make(chan notification, defaultQueueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach registers the relay's hooks on the engine, the cache and,
// when not nil, the syncer.
func (r *Relay) Attach(engine *incident.Engine, cache *status.Cache, syncer *devicesync.Syncer) {
	engine.SetOnCreated(r.IncidentCreated)
	engine.SetOnClosed(r.IncidentClosed)
	cache.SetOnChange(r.StatusChanged)
	if syncer != nil {
		syncer.SetOnRun(r.SyncCompleted)
	}
}

// IncidentCreated queues an opened incident.
func (r *Relay) IncidentCreated(inc incident.Incident) {
	r.enqueue(notification{kind: kindCreated, incident: inc})
}

// IncidentClosed queues a closed incident.
func (r *Relay) IncidentClosed(inc incident.Incident) {
	r.enqueue(notification{kind: kindClosed, incident: inc})
}

// StatusChanged queues a device state flip.
func (r *Relay) StatusChanged(e status.Entry) {
	r.enqueue(notification{kind: kindStatus, entry: e})
}

// SyncCompleted queues the outcome of a device sync run.
func (r *Relay) SyncCompleted(res devicesync.Result, err error) {
	r.enqueue(notification{kind: kindSync, sync: res, syncErr: err})
}

func (r *Relay) enqueue(n notification) {
	select {
	case r.queue <- n:
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RelayDrops.WithLabelValues("queue").Inc()
		}
		r.logger.Warn("relay queue full, notification dropped", "error", ErrQueueFull)
	}
}

// Run delivers queued notifications until ctx is cancelled, then drains
// what is already queued. It returns nil; the error result lets it run
// in an errgroup.
func (r *Relay) Run(ctx context.Context) error {
	started := false
	r.runOnce.Do(func() { started = true })
	if !started {
		return nil
	}
	defer close(r.done)

	for {
		select {
		case n := <-r.queue:
			r.deliver(n)
		case <-ctx.Done():
			for {
				select {
				case n := <-r.queue:
					r.deliver(n)
				default:
					return nil
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (r *Relay) Wait() {
	<-r.done
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
}

func (r *Relay) deliver(n notification) {
	switch n.kind {
	case kindCreated:
		r.deliverIncident(n.incident, influxdb.EventOpened)
	case kindClosed:
		r.deliverIncident(n.incident, influxdb.EventClosed)
	case kindStatus:
		r.deliverStatus(n.entry)
	case kindSync:
		r.deliverSync(n.sync, n.syncErr)
	}
	r.delivered.Add(1)
}

func (r *Relay) deliverIncident(inc incident.Incident, event string) {
	topic, channel, at := r.topics.IncidentCreated(), ChannelIncidentCreated, inc.StartDate
	if event == influxdb.EventClosed {
		topic, channel = r.topics.IncidentClosed(), ChannelIncidentClosed
		if inc.EndDate != nil {
			at = *inc.EndDate
		}
	}

	r.publish(topic, inc, false)
	if r.hub != nil {
		r.hub.Broadcast(channel, inc)
	}
	if r.history != nil {
		r.history.WriteIncident(incidentPoint(inc, event, at))
	}
	if r.metrics != nil {
		if event == influxdb.EventOpened {
			r.metrics.IncidentsCreated.WithLabelValues(string(inc.Source)).Inc()
		} else {
			r.metrics.IncidentsClosed.WithLabelValues(string(inc.Source)).Inc()
		}
	}
}

func (r *Relay) deliverStatus(e status.Entry) {
	r.publish(r.topics.DeviceStatus(e.Name), e, true)
	if r.hub != nil {
		r.hub.Broadcast(ChannelStatusChanged, e)
	}
	if r.history != nil {
		r.history.WriteDeviceStatus(e.Name, string(e.Status), e.Source, e.LastUpdate)
	}
	if r.metrics != nil {
		r.metrics.StatusChanges.WithLabelValues(string(e.Status)).Inc()
	}
}

// syncPayload is the WebSocket view of a sync run.
type syncPayload struct {
	devicesync.Result
	Error string `json:"error,omitempty"`
}

func (r *Relay) deliverSync(res devicesync.Result, err error) {
	result := "ok"
	payload := syncPayload{Result: res}
	if err != nil {
		result = "error"
		payload.Error = err.Error()
	}

	if r.hub != nil {
		r.hub.Broadcast(ChannelSyncCompleted, payload)
	}
	if r.history != nil && err == nil {
		r.history.WriteSyncRun(res.Devices, res.Up, res.Down, res.Skipped, res.Duration, res.At)
	}
	if r.metrics != nil {
		r.metrics.SyncRuns.WithLabelValues(result).Inc()
	}
}

func (r *Relay) publish(topic string, v any, retained bool) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishJSON(topic, v, retained); err != nil {
		r.failed.Add(1)
		if r.metrics != nil {
			r.metrics.RelayDrops.WithLabelValues("mqtt").Inc()
		}
		r.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func incidentPoint(inc incident.Incident, event string, at time.Time) influxdb.IncidentPoint {
	p := influxdb.IncidentPoint{
		Event:             event,
		TicketID:          inc.TicketID,
		Node:              inc.Node,
		FailureType:       inc.FailureType,
		Source:            string(inc.Source),
		AffectedPONs:      len(inc.AffectedPONs),
		AffectedCustomers: inc.AffectedCustomers,
		At:                at,
	}
	if inc.CausedByNode != nil {
		p.CausedBy = *inc.CausedByNode
	}
	if inc.RestoreTimeMinutes != nil {
		p.RestoreTimeMinutes = *inc.RestoreTimeMinutes
	}
	return p
}
