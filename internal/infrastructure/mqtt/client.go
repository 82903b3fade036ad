package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nocdash/noc-core/internal/infrastructure/config"
)

// Client is the NOC Core broker connection. It consumes device status
// events and publishes incident lifecycle and retained device status.
//
// Subscriptions survive reconnects: the client re-subscribes every
// remembered topic from the paho on-connect handler. All methods are
// safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	// opTimeout bounds each publish, subscribe and unsubscribe.
	opTimeout time.Duration

	mu           sync.RWMutex
	up           bool
	subs         map[string]subscription
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger

	published     atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
	reconnects    atomic.Uint64
}

// Logger receives handler failures and connection loss.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Stats holds message counters.
type Stats struct {
	Published     uint64
	Received      uint64
	HandlerErrors uint64
	Reconnects    uint64
	Subscriptions int
}

// Connect dials the broker configured in cfg and waits for the session,
// bounded by ctx and the connect timeout.
//
// A retained offline Last Will is registered on the system status topic
// and a retained online status is published on every (re)connect.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := newClient(nil, cfg)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	c.paho = pahomqtt.NewClient(opts)

	if err := c.await(ctx, c.paho.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		c.paho.Disconnect(0)
		return nil, err
	}

	// The on-connect handler may not have run yet.
	c.setUp(true)
	return c, nil
}

// newClient wraps pc, which may be nil until Connect builds it.
func newClient(pc pahomqtt.Client, cfg config.MQTTConfig) *Client {
	c := &Client{
		paho:      pc,
		cfg:       cfg,
		opTimeout: defaultPublishTimeout,
		subs:      make(map[string]subscription),
	}
	if pc != nil {
		c.up = pc.IsConnected()
	}
	return c
}

// await waits for token, ctx or timeout and wraps failures in sentinel.
func (c *Client) await(ctx context.Context, token pahomqtt.Token, timeout time.Duration, sentinel error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", sentinel, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

func (c *Client) setUp(v bool) {
	c.mu.Lock()
	c.up = v
	c.mu.Unlock()
}

// connected runs on the paho goroutine after every successful connect.
func (c *Client) connected() {
	c.mu.Lock()
	wasDown := !c.up
	c.up = true
	subs := make([]subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	hook := c.onConnect
	c.mu.Unlock()

	if wasDown {
		c.reconnects.Add(1)
	}
	for _, s := range subs {
		c.paho.Subscribe(s.topic, s.qos, c.dispatch(s.handler))
	}
	c.paho.Publish(Topics{}.SystemStatus(), c.qos(), true, buildStatusPayload(c.cfg.Broker.ClientID, "online", ""))

	if hook != nil {
		hook()
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	c.up = false
	hook := c.onDisconnect
	logger := c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	if hook != nil {
		hook(err)
	}
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

// Close announces a graceful offline status and disconnects. Safe on a
// nil client.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}

	if c.IsConnected() {
		offline := buildStatusPayload(c.cfg.Broker.ClientID, "offline", "graceful_shutdown")
		c.paho.Publish(Topics{}.SystemStatus(), c.qos(), true, offline).WaitTimeout(c.opTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.setUp(false)
	return nil
}

// HealthCheck fails with ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after connect and every reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// Stats returns message counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	n := len(c.subs)
	c.mu.RUnlock()
	return Stats{
		Published:     c.published.Load(),
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
		Reconnects:    c.reconnects.Load(),
		Subscriptions: n,
	}
}
