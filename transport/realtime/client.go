// Package realtime receives push notifications about remote changes over a
// websocket so a sync pass can run as soon as another device writes,
// instead of waiting for the next polling tick.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/relsync/logging"
)

// Notification types.
const (
	TypeDataChanged   = "data_changed"
	TypeSyncRequested = "sync_requested"
	// TypeReconnected is emitted locally after a dropped connection is
	// re-established, since changes may have been missed meanwhile.
	TypeReconnected = "reconnected"
)

// Notification represents a real-time update notification
type Notification struct {
	Type      string    `json:"type"`
	Table     string    `json:"table,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes incoming notifications. It runs on the read goroutine.
type Handler func(Notification)

// ConnectionStatus represents the state of the real-time connection
type ConnectionStatus struct {
	Connected         bool
	LastConnected     time.Time
	ReconnectAttempts int
	Error             error
}

// Client maintains a websocket subscription and reconnects with backoff.
type Client struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	backoff      BackoffStrategy
	tables       map[string]bool
	pingInterval time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	status ConnectionStatus
}

// Option configures a Client.
type Option func(*Client)

// WithHeader adds a header to the websocket handshake.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Set(key, value) }
}

// WithBackoff sets the reconnect strategy.
func WithBackoff(b BackoffStrategy) Option {
	return func(c *Client) { c.backoff = b }
}

// WithDialer sets a custom websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithTables drops data_changed notifications for any other table.
func WithTables(tables ...string) Option {
	return func(c *Client) {
		for _, t := range tables {
			if t != "" {
				c.tables[t] = true
			}
		}
	}
}

// WithPingInterval sets the keepalive ping interval. The connection is
// dropped when nothing, pongs included, arrives for two intervals. Zero
// disables pings and the read deadline.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the websocket endpoint at url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		header:       make(http.Header),
		dialer:       websocket.DefaultDialer,
		backoff:      DefaultBackoff(),
		tables:       make(map[string]bool),
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent(logging.Component("realtime")).Logger
	}
	return c
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsConnected returns true if the real-time connection is active
func (c *Client) IsConnected() bool {
	return c.Status().Connected
}

func (c *Client) setStatus(connected bool, attempts int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = connected
	c.status.ReconnectAttempts = attempts
	c.status.Error = err
	if connected {
		c.status.LastConnected = time.Now()
	}
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with
// backoff whenever the connection drops. It only returns ctx.Err().
func (c *Client) Run(ctx context.Context, handler Handler) error {
	attempt := 0
	everConnected := false

	for {
		err := c.session(ctx, handler, everConnected, func() {
			everConnected = true
			attempt = 0
			c.backoff.Reset()
		})
		if ctx.Err() != nil {
			c.setStatus(false, attempt, nil)
			return ctx.Err()
		}

		delay := c.backoff.NextDelay(attempt)
		attempt++
		c.setStatus(false, attempt, err)
		c.logger.WarnContext(ctx, "realtime connection lost, reconnecting",
			"error", err,
			"attempt", attempt,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setStatus(false, attempt, nil)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails.
func (c *Client) session(ctx context.Context, handler Handler, reconnect bool, onConnect func()) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	onConnect()
	c.setStatus(true, 0, nil)
	c.logger.InfoContext(ctx, "realtime connection established", "url", c.url)
	if reconnect {
		handler(Notification{Type: TypeReconnected, Timestamp: time.Now()})
	}

	readTimeout := 2 * c.pingInterval
	extendDeadline := func() error {
		if readTimeout <= 0 {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	if err := extendDeadline(); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error { return extendDeadline() })

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed connection")
			}
			return err
		}
		if err := extendDeadline(); err != nil {
			return err
		}

		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			c.logger.WarnContext(ctx, "dropping malformed notification", "error", err)
			continue
		}
		if !c.relevant(n) {
			continue
		}
		if n.Timestamp.IsZero() {
			n.Timestamp = time.Now()
		}
		c.logger.DebugContext(ctx, "remote change notification",
			"type", n.Type,
			"table", n.Table,
			"entity_id", n.EntityID)
		handler(n)
	}
}

func (c *Client) relevant(n Notification) bool {
	switch n.Type {
	case TypeSyncRequested:
		return true
	case TypeDataChanged:
		return len(c.tables) == 0 || c.tables[n.Table]
	default:
		return false
	}
}

// keepalive pings until done. It closes conn when ctx is cancelled or a
// ping cannot be written so the blocked read returns.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Warn("ping failed, closing connection", "error", err)
				conn.Close()
				return
			}
		}
	}
}
