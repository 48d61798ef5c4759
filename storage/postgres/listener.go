package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/relsync/logging"
)

// Notification is the payload published by the schema trigger for every
// insert or update on a remote table.
type Notification struct {
	Table     string    `json:"table"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NotificationHandler receives decoded notifications. It runs on the
// listener goroutine and should return quickly.
type NotificationHandler func(Notification)

// parseNotification decodes a NOTIFY payload.
func parseNotification(extra string) (Notification, error) {
	var n Notification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return Notification{}, fmt.Errorf("failed to parse notification payload: %w", err)
	}
	return n, nil
}

// Listener delivers remote change notifications over LISTEN/NOTIFY. A
// reconnect is reported to the handler as a Notification with an empty
// Table, since changes may have been missed while disconnected.
type Listener struct {
	channel string
	tables  map[string]bool
	logger  *slog.Logger

	listener *pq.Listener
	closed   int32 // atomic
	done     chan struct{}

	pingInterval time.Duration
	reconnected  chan struct{}
}

// NewListener creates a listener for config.Channel. Notifications for
// tables other than config.Tables are dropped.
func NewListener(config *Config) (*Listener, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	l := &Listener{
		channel: config.Channel,
		tables: map[string]bool{
			config.Tables.Relationships: true,
			config.Tables.Requests:      true,
		},
		logger:       logging.WithComponent(logging.Component("postgres-listener")).Logger,
		done:         make(chan struct{}),
		pingInterval: 90 * time.Second,
		reconnected:  make(chan struct{}, 1),
	}
	if config.Logger != nil {
		l.logger = config.Logger
	}

	l.listener = pq.NewListener(
		config.ConnectionString,
		config.MinReconnectInterval,
		config.MaxReconnectInterval,
		l.eventCallback,
	)
	return l, nil
}

// eventCallback handles pq.Listener events
func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.Warn("disconnected from PostgreSQL", "error", err)
	case pq.ListenerEventReconnected:
		l.logger.Info("reconnected to PostgreSQL")
		select {
		case l.reconnected <- struct{}{}:
		default:
		}
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("connection attempt failed", "error", err)
	}
}

// Run subscribes to the channel and calls handler for every relevant
// notification until ctx is cancelled or Close is called.
func (l *Listener) Run(ctx context.Context, handler NotificationHandler) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	if err := l.listener.Listen(l.channel); err != nil && err != pq.ErrChannelAlreadyOpen {
		return fmt.Errorf("failed to listen to channel %s: %w", l.channel, err)
	}
	l.logger.InfoContext(ctx, "listening for remote changes", "channel", l.channel)
	defer l.logger.InfoContext(ctx, "notification listener stopped")

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.reconnected:
			// pq.Listener re-issues LISTEN itself; changes made while
			// disconnected were not delivered.
			handler(Notification{})
		case n := <-l.listener.Notify:
			if n == nil {
				continue
			}
			l.dispatch(ctx, n, handler)
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("ping failed", "error", err)
				}
			}()
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, n *pq.Notification, handler NotificationHandler) {
	payload, err := parseNotification(n.Extra)
	if err != nil {
		l.logger.WarnContext(ctx, "dropping malformed notification",
			"channel", n.Channel,
			"error", err)
		return
	}
	if !l.tables[payload.Table] {
		return
	}
	l.logger.DebugContext(ctx, "remote change",
		"table", payload.Table,
		"id", payload.ID)
	handler(payload)
}

// Close shuts down the listener.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	return l.listener.Close()
}
