package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nocdash/noc-core/internal/infrastructure/config"
	"github.com/nocdash/noc-core/internal/infrastructure/logging"
	"github.com/nocdash/noc-core/internal/relay"
)

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"

	// AllChannels subscribes to every channel.
	AllChannels = "*"
)

const (
	outboxSize = 256

	defaultMaxMessageSize = 8192
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
)

// channels lists what a client may subscribe to.
var channels = map[string]bool{
	relay.ChannelStatusChanged:   true,
	relay.ChannelIncidentCreated: true,
	relay.ChannelIncidentClosed:  true,
	relay.ChannelSyncCompleted:   true,
}

// ClientFrame is a message from a WebSocket client.
type ClientFrame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// ServerFrame is a message to a WebSocket client.
type ServerFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Time    string `json:"time"`
	Data    any    `json:"data,omitempty"`
}

// HubStats holds delivery counters.
type HubStats struct {
	Clients int
	Sent    uint64
	Dropped uint64
}

// Hub fans NOC events out to subscribed WebSocket clients. A client
// whose outbox is full misses the event; the hub never blocks on a slow
// client.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type wsClient struct {
	hub     *Hub
	conn    *websocket.Conn
	subject string

	out  chan []byte
	done chan struct{}
	stop sync.Once

	mu   sync.RWMutex
	subs map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with a single-use ticket, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero limits in cfg use defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}

// Broadcast sends payload to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := json.Marshal(ServerFrame{
		Type:    FrameEvent,
		Channel: channel,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Data:    payload,
	})
	if err != nil {
		h.logger.Error("websocket event not encoded", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(data) {
			h.sent.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// drop removes c and stops its writer. Safe to call more than once.
func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop.Do(func() { close(c.done) })
}

func (h *Hub) limits() (maxSize int64, pingInterval, pongWait time.Duration) {
	maxSize = int64(h.cfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	pingInterval = time.Duration(h.cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait = time.Duration(h.cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = defaultPongTimeout
	}
	return maxSize, pingInterval, pongWait
}

// handleWebSocket upgrades a connection that presents a ticket from
// POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeError(w, http.StatusUnauthorized, "ticket query parameter is required")
		return
	}
	subject, ok := s.tickets.redeem(ticket)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err, "subject", subject)
		return
	}

	c := &wsClient{
		hub:     s.hub,
		conn:    conn,
		subject: subject,
		out:     make(chan []byte, outboxSize),
		done:    make(chan struct{}),
		subs:    make(map[string]bool),
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	s.logger.Debug("websocket client connected", "subject", subject)

	go c.writeLoop()
	go c.readLoop()
}

func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel] || c.subs[AllChannels]
}

func (c *wsClient) readLoop() {
	defer c.hub.drop(c)

	maxSize, pingInterval, pongWait := c.hub.limits()
	deadline := func() error { return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait)) }

	c.conn.SetReadLimit(maxSize)
	//nolint:errcheck // a failed deadline surfaces as a read error
	deadline()
	c.conn.SetPongHandler(func(string) error { return deadline() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers that ignore protocol pings stay alive by talking.
		//nolint:errcheck // a failed deadline surfaces as a read error
		deadline()
		c.dispatch(data)
	}
}

func (c *wsClient) writeLoop() {
	_, pingInterval, pongWait := c.hub.limits()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(pongWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case <-c.done:
			//nolint:errcheck // best effort on the way out
			write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case data := <-c.out:
			if err := write(websocket.TextMessage, data); err != nil {
				c.hub.drop(c)
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

func (c *wsClient) dispatch(data []byte) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.reply("", FrameError, map[string]string{"message": "invalid JSON frame"})
		return
	}

	switch f.Type {
	case FrameSubscribe:
		if unknown := unknownChannels(f.Channels); len(unknown) > 0 {
			c.reply(f.ID, FrameError, map[string]any{"message": "unknown channels", "channels": unknown})
			return
		}
		c.mu.Lock()
		for _, ch := range f.Channels {
			c.subs[ch] = true
		}
		c.mu.Unlock()
		c.reply(f.ID, FrameAck, map[string]any{"channels": c.channelList()})
	case FrameUnsubscribe:
		c.mu.Lock()
		for _, ch := range f.Channels {
			delete(c.subs, ch)
		}
		c.mu.Unlock()
		c.reply(f.ID, FrameAck, map[string]any{"channels": c.channelList()})
	case FramePing:
		c.reply(f.ID, FramePong, nil)
	default:
		c.reply(f.ID, FrameError, map[string]string{"message": "unknown frame type: " + f.Type})
	}
}

// channelList returns the current subscriptions, sorted.
func (c *wsClient) channelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (c *wsClient) reply(id, kind string, data any) {
	b, err := json.Marshal(ServerFrame{
		Type: kind,
		ID:   id,
		Time: time.Now().UTC().Format(time.RFC3339Nano),
		Data: data,
	})
	if err != nil {
		return
	}
	c.enqueue(b)
}

func unknownChannels(names []string) []string {
	var unknown []string
	for _, n := range names {
		if n != AllChannels && !channels[n] {
			unknown = append(unknown, n)
		}
	}
	return unknown
}
