package routeros

import (
	"bufio"
	"context"
	"crypto/md5" //nolint:gosec // MD5 is mandated by the appliance login challenge
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts for appliance communication.
const (
	// DefaultPort is the plain-text API port.
	DefaultPort = 8728

	// defaultConnectTimeout is the maximum time to wait for the TCP dial.
	defaultConnectTimeout = 5 * time.Second

	// defaultReadTimeout is the idle window allowed between reply sentences.
	defaultReadTimeout = 10 * time.Second

	// defaultWriteTimeout is the timeout for writing one command.
	defaultWriteTimeout = 5 * time.Second
)

// Config holds appliance connection configuration.
type Config struct {
	// Host is the appliance hostname or IP address.
	Host string

	// Port is the API port. Default: 8728.
	Port int

	// ConnectTimeout bounds the TCP dial. Default: 5 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout is how long a pending reply may stay silent before the
	// connection is torn down. Default: 10 seconds.
	ReadTimeout time.Duration
}

// Stats holds operational statistics.
type Stats struct {
	CommandsTotal uint64
	RowsTotal     uint64
	TrapsTotal    uint64
	ErrorsTotal   uint64
	LastActivity  time.Time
	Connected     bool
	LoggedIn      bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Executor is the subset of the client used by callers that only run
// commands. It allows fakes in tests.
type Executor interface {
	Execute(ctx context.Context, words ...string) (*Reply, error)
	IsConnected() bool
	Close() error
}

// Ensure Client implements Executor.
var _ Executor = (*Client)(nil)

// Client is a connection to a RouterOS-style appliance API.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Only one command may wait for its reply at a time; a concurrent
//     Execute fails fast with ErrBusy instead of queueing.
//
// A read timeout, a transport error or a !fatal reply tears the connection
// down. The client does not reconnect; callers dial a new one.
type Client struct {
	cfg Config

	connMu    sync.RWMutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool

	inFlight atomic.Bool
	loggedIn atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	commandsTotal atomic.Uint64
	rowsTotal     atomic.Uint64
	trapsTotal    atomic.Uint64
	errorsTotal   atomic.Uint64
	lastActivity  atomic.Int64
}

// Connect dials the appliance.
//
// The dial is bounded by cfg.ConnectTimeout and by ctx. Refusal and
// timeout both surface as ErrConnection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrConnection)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	address := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(connectCtx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, address, err)
	}

	c := &Client{
		cfg:       cfg,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		connected: true,
	}
	c.lastActivity.Store(time.Now().Unix())
	return c, nil
}

// Login authenticates with the appliance.
//
// The plain login is tried first. If the appliance answers with a "ret"
// challenge, the MD5 challenge response is sent. A rejected login returns
// an *AuthError carrying the appliance's message; transport failures are
// returned unchanged.
func (c *Client) Login(ctx context.Context, user, password string) error {
	reply, err := c.Execute(ctx, "/login", "=name="+user, "=password="+password)
	if err != nil {
		return loginError(err)
	}

	if reply.Ret != "" {
		response, err := ChallengeResponse(password, reply.Ret)
		if err != nil {
			return &AuthError{Reason: err.Error()}
		}
		reply, err = c.Execute(ctx, "/login", "=name="+user, "=response="+response)
		if err != nil {
			return loginError(err)
		}
	}

	if !reply.OK() {
		return &AuthError{Reason: reply.Message}
	}

	c.loggedIn.Store(true)
	c.logInfo("logged in to appliance", "host", c.cfg.Host, "user", user)
	return nil
}

func loginError(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return &AuthError{Reason: pe.Message}
	}
	return err
}

// ChallengeResponse computes the legacy login response for a hex challenge:
// "00" followed by hex(md5(0x00 || password || challenge)).
func ChallengeResponse(password, challengeHex string) (string, error) {
	challenge, err := hex.DecodeString(challengeHex)
	if err != nil {
		return "", fmt.Errorf("invalid challenge: %w", err)
	}

	h := md5.New() //nolint:gosec // required by the login protocol
	h.Write([]byte{0x00})
	h.Write([]byte(password))
	h.Write(challenge)
	return "00" + hex.EncodeToString(h.Sum(nil)), nil
}

// Execute sends one command and waits for its complete reply.
//
// The reply completes at !done or !fatal. A reply ending in !trap or
// !fatal is returned together with a *ProtocolError. If no sentence
// arrives within the read window, or ctx is cancelled, the connection is
// torn down and ErrConnection is returned.
func (c *Client) Execute(ctx context.Context, words ...string) (*Reply, error) {
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrProtocol)
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer c.inFlight.Store(false)

	c.connMu.RLock()
	conn, reader, connected := c.conn, c.reader, c.connected
	c.connMu.RUnlock()
	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	msg, err := EncodeSentence(words)
	if err != nil {
		c.errorsTotal.Add(1)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrConnection, ctx.Err())
	default:
	}

	writeDeadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(writeDeadline) {
		writeDeadline = d
	}
	if err := conn.SetWriteDeadline(writeDeadline); err != nil {
		return nil, c.fail(fmt.Errorf("%w: set write deadline: %w", ErrConnection, err))
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, c.fail(fmt.Errorf("%w: write: %w", ErrConnection, err))
	}
	c.commandsTotal.Add(1)
	c.logDebug("command sent", "command", words[0])

	// Cancellation unblocks the pending read by expiring its deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	builder := newReplyBuilder()
	for {
		readDeadline := time.Now().Add(c.cfg.ReadTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(readDeadline) {
			readDeadline = d
		}
		if ctx.Err() != nil {
			return nil, c.fail(fmt.Errorf("%w: %w", ErrConnection, ctx.Err()))
		}
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return nil, c.fail(fmt.Errorf("%w: set read deadline: %w", ErrConnection, err))
		}

		sentence, err := readSentence(reader)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return nil, c.fail(err)
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return nil, c.fail(fmt.Errorf("%w: read: %w", ErrConnection, err))
		}
		c.lastActivity.Store(time.Now().Unix())

		if builder.add(sentence) {
			break
		}
	}

	reply := builder.build()
	c.rowsTotal.Add(uint64(len(reply.Rows)))

	switch reply.Status {
	case StatusTrap:
		c.trapsTotal.Add(1)
		return reply, &ProtocolError{Status: reply.Status, Message: reply.Message}
	case StatusFatal:
		c.teardown()
		c.logInfo("appliance closed session", "message", reply.Message)
		return reply, &ProtocolError{Status: reply.Status, Message: reply.Message}
	}
	return reply, nil
}

// fail counts err, tears the connection down and returns err.
func (c *Client) fail(err error) error {
	c.errorsTotal.Add(1)
	c.teardown()
	c.logError("connection torn down", err)
	return err
}

// teardown closes the socket and marks the client disconnected.
func (c *Client) teardown() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	c.loggedIn.Store(false)
}

// Close closes the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true while the socket is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() Stats {
	return Stats{
		CommandsTotal: c.commandsTotal.Load(),
		RowsTotal:     c.rowsTotal.Load(),
		TrapsTotal:    c.trapsTotal.Load(),
		ErrorsTotal:   c.errorsTotal.Load(),
		LastActivity:  time.Unix(c.lastActivity.Load(), 0),
		Connected:     c.IsConnected(),
		LoggedIn:      c.loggedIn.Load(),
	}
}

// HealthCheck reports whether the connection is still open.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
