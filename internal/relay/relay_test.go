package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocdash/noc-core/internal/devicesync"
	"github.com/nocdash/noc-core/internal/incident"
	"github.com/nocdash/noc-core/internal/infrastructure/database"
	"github.com/nocdash/noc-core/internal/infrastructure/influxdb"
	"github.com/nocdash/noc-core/internal/infrastructure/metrics"
	"github.com/nocdash/noc-core/internal/status"
	"github.com/nocdash/noc-core/internal/topology"
)

type publishedMsg struct {
	topic    string
	v        any
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []publishedMsg
	err  error
}

func (f *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, publishedMsg{topic, v, retained})
	return f.err
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.topic
	}
	return out
}

type fakeHistory struct {
	mu        sync.Mutex
	statuses  []string
	incidents []influxdb.IncidentPoint
	syncRuns  int
}

func (f *fakeHistory) WriteDeviceStatus(device, state, _ string, _ time.Time) {
	f.mu.Lock()
	f.statuses = append(f.statuses, device+"="+state)
	f.mu.Unlock()
}

func (f *fakeHistory) WriteIncident(p influxdb.IncidentPoint) {
	f.mu.Lock()
	f.incidents = append(f.incidents, p)
	f.mu.Unlock()
}

func (f *fakeHistory) WriteSyncRun(int, int, int, int, time.Duration, time.Time) {
	f.mu.Lock()
	f.syncRuns++
	f.mu.Unlock()
}

type fakeHub struct {
	mu       sync.Mutex
	channels []string
}

func (f *fakeHub) Broadcast(channel string, _ any) {
	f.mu.Lock()
	f.channels = append(f.channels, channel)
	f.mu.Unlock()
}

func (f *fakeHub) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels...)
}

type sinks struct {
	pub     *fakePublisher
	history *fakeHistory
	hub     *fakeHub
	metrics *metrics.Metrics
}

func newTestRelay(opts ...Option) (*Relay, sinks) {
	s := sinks{pub: &fakePublisher{}, history: &fakeHistory{}, hub: &fakeHub{}, metrics: metrics.New()}
	all := append([]Option{
		WithPublisher(s.pub),
		WithHistory(s.history),
		WithBroadcaster(s.hub),
		WithMetrics(s.metrics),
	}, opts...)
	return New(all...), s
}

// drain runs the relay until everything queued so far is delivered.
func drain(t *testing.T, r *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
}

func TestRelay_IncidentLifecycle(t *testing.T) {
	r, s := newTestRelay()

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Minute)
	restore := 95
	parent := "NODO RIO SUR 2"

	r.IncidentCreated(incident.Incident{TicketID: "INC-00000001", Node: "NODO PICHIL", Source: incident.SourceCascade, StartDate: start, CausedByNode: &parent, AffectedPONs: []string{incident.WholeNode}})
	r.IncidentClosed(incident.Incident{TicketID: "INC-00000001", Node: "NODO PICHIL", Source: incident.SourceCascade, StartDate: start, EndDate: &end, RestoreTimeMinutes: &restore})
	drain(t, r)

	assert.Equal(t, []string{"noc/incidents/created", "noc/incidents/closed"}, s.pub.topics())
	assert.Equal(t, []string{ChannelIncidentCreated, ChannelIncidentClosed}, s.hub.got())

	require.Len(t, s.history.incidents, 2)
	opened, closed := s.history.incidents[0], s.history.incidents[1]
	assert.Equal(t, influxdb.EventOpened, opened.Event)
	assert.Equal(t, parent, opened.CausedBy)
	assert.Equal(t, 1, opened.AffectedPONs)
	assert.Equal(t, start, opened.At)
	assert.Equal(t, influxdb.EventClosed, closed.Event)
	assert.Equal(t, 95, closed.RestoreTimeMinutes)
	assert.Equal(t, end, closed.At)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.IncidentsCreated.WithLabelValues("webhook_cascade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.IncidentsClosed.WithLabelValues("webhook_cascade")))
	assert.Equal(t, uint64(2), r.Stats().Delivered)
}

func TestRelay_StatusChangeIsRetained(t *testing.T) {
	r, s := newTestRelay()

	r.StatusChanged(status.Entry{Name: "NODO PICHIL", Status: status.StateDown, Source: status.SourceWebhook})
	drain(t, r)

	require.Len(t, s.pub.msgs, 1)
	assert.Equal(t, "noc/status/NODO_PICHIL", s.pub.msgs[0].topic)
	assert.True(t, s.pub.msgs[0].retained)
	assert.Equal(t, []string{ChannelStatusChanged}, s.hub.got())
	assert.Equal(t, []string{"NODO PICHIL=down"}, s.history.statuses)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.StatusChanges.WithLabelValues("down")))
}

func TestRelay_SyncRuns(t *testing.T) {
	r, s := newTestRelay()

	r.SyncCompleted(devicesync.Result{Devices: 3, Up: 3}, nil)
	r.SyncCompleted(devicesync.Result{}, errors.New("auth failed"))
	drain(t, r)

	assert.Equal(t, []string{ChannelSyncCompleted, ChannelSyncCompleted}, s.hub.got())
	assert.Equal(t, 1, s.history.syncRuns, "failed runs are not written to history")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.SyncRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.SyncRuns.WithLabelValues("error")))
	assert.Empty(t, s.pub.msgs)
}

func TestRelay_PublishFailureIsCounted(t *testing.T) {
	r, s := newTestRelay()
	s.pub.err = errors.New("not connected")

	r.StatusChanged(status.Entry{Name: "OLT-1", Status: status.StateUp})
	drain(t, r)

	assert.Equal(t, uint64(1), r.Stats().Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RelayDrops.WithLabelValues("mqtt")))
	assert.Equal(t, []string{ChannelStatusChanged}, s.hub.got(), "other sinks still receive it")
}

func TestRelay_FullQueueDrops(t *testing.T) {
	r, s := newTestRelay(WithQueueSize(1))

	r.StatusChanged(status.Entry{Name: "A", Status: status.StateUp})
	r.StatusChanged(status.Entry{Name: "B", Status: status.StateUp})

	assert.Equal(t, uint64(1), r.Stats().Dropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RelayDrops.WithLabelValues("queue")))

	drain(t, r)
	assert.Equal(t, uint64(1), r.Stats().Delivered)
}

func TestRelay_NoSinks(t *testing.T) {
	r := New()
	r.IncidentCreated(incident.Incident{TicketID: "INC-1"})
	r.StatusChanged(status.Entry{Name: "A", Status: status.StateUp})
	r.SyncCompleted(devicesync.Result{}, nil)
	drain(t, r)

	assert.Equal(t, uint64(3), r.Stats().Delivered)
}

func TestRelay_RunOnlyOnce(t *testing.T) {
	r := New()
	r.StatusChanged(status.Entry{Name: "A", Status: status.StateUp})

	// The first Run owns the relay: with ctx already cancelled it drains
	// the queue and returns.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))
	r.Wait()
	assert.Equal(t, uint64(1), r.Stats().Delivered)

	// Any later Run returns immediately, even with a live context.
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second Run did not return")
	}
}

func TestRelay_AttachToEngine(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	graph, err := topology.New([]topology.Node{
		{Name: "NODO RIO SUR 2", Downstream: []string{"NODO PICHIL"}},
		{Name: "NODO PICHIL"},
	}, nil)
	require.NoError(t, err)

	cache := status.NewCache(nil)
	engine := incident.NewEngine(incident.NewSQLiteStore(db.DB), graph, nil, cache)

	r, s := newTestRelay()
	r.Attach(engine, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()

	_, err = engine.HandleEvent(ctx, incident.Event{Device: "NODO RIO SUR 2", Status: "down"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(s.hub.got()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	r.Wait()

	channels := s.hub.got()
	assert.Contains(t, channels, ChannelStatusChanged)
	assert.Equal(t, 2, countOf(channels, ChannelIncidentCreated), "parent and cascade child")
}

func TestRelay_InboundEventAfterAttach(t *testing.T) {
	db, err := database.Open(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	graph, err := topology.New([]topology.Node{{Name: "NODO PICHIL"}}, nil)
	require.NoError(t, err)

	cache := status.NewCache(nil)
	engine := incident.NewEngine(incident.NewSQLiteStore(db.DB), graph, nil, cache)

	// Startup order: hooks first, then the broker subscription, so a
	// message delivered as soon as Subscribe returns is still relayed.
	r, s := newTestRelay()
	r.Attach(engine, cache, nil)

	ctx, cancel := context.WithCancel(context.Background())
	in := NewInbound(ctx, engine, nil, nil)
	sub := &fakeSubscriber{}
	require.NoError(t, in.Subscribe(sub, 1))
	require.NoError(t, sub.handler(sub.topic, []byte(`{"device":"NODO PICHIL","status":"down"}`)))

	go func() { _ = r.Run(ctx) }()
	assert.Eventually(t, func() bool {
		return countOf(s.hub.got(), ChannelIncidentCreated) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	r.Wait()

	assert.Contains(t, s.hub.got(), ChannelStatusChanged)
}

func countOf(list []string, v string) int {
	n := 0
	for _, s := range list {
		if s == v {
			n++
		}
	}
	return n
}
