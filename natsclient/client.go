// Package natsclient provides the internal event bus client. It wraps a
// NATS connection with status tracking and publish deadlines so pipeline
// components only see the narrow EventBus capability set.
package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kafaat/sahool-iot-pipeline/errors"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned when an operation needs a live connection.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages the NATS connection for the pipeline
type Client struct {
	url    string
	logger *slog.Logger

	conn   *nats.Conn
	status atomic.Value // ConnectionStatus

	reconnects     atomic.Int64
	publishTimeout time.Duration

	subs   []*nats.Subscription
	subsMu sync.Mutex

	onReconnect func()
	closeMu     sync.Mutex
	closed      atomic.Bool
}

// Option configures the client
type Option func(*Client)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPublishTimeout bounds how long a publish may wait for the connection
func WithPublishTimeout(d time.Duration) Option {
	return func(c *Client) { c.publishTimeout = d }
}

// WithOnReconnect registers a callback invoked after each reconnect
func WithOnReconnect(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}

// NewClient creates a new event bus client
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		logger:         slog.Default().With("component", "natsclient"),
		publishTimeout: 2 * time.Second,
	}
	c.status.Store(StatusDisconnected)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection. Reconnects are handled by the
// underlying NATS client; the pipeline observes them through the status
// and the reconnect counter.
func (c *Client) Connect(ctx context.Context) error {
	c.status.Store(StatusConnecting)

	conn, err := nats.Connect(c.url,
		nats.Name("sahool-iot-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.status.Store(StatusReconnecting)
			c.logger.Warn("bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.status.Store(StatusConnected)
			c.reconnects.Add(1)
			c.logger.Info("bus reconnected")
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.status.Store(StatusDisconnected)
		}),
	)
	if err != nil {
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(err, "natsclient", "Connect", "NATS connection")
	}

	select {
	case <-ctx.Done():
		conn.Close()
		c.status.Store(StatusDisconnected)
		return errors.WrapTransient(ctx.Err(), "natsclient", "Connect", "connection wait")
	default:
	}

	c.conn = conn
	c.status.Store(StatusConnected)
	c.logger.Info("connected to bus", "url", c.url)
	return nil
}

// Publish publishes data on a subject. The deadline comes from the caller
// context, bounded by the configured publish timeout.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	conn := c.conn
	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(ErrNotConnected, "natsclient", "Publish", "connection check")
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Publish(subject, data) }()

	select {
	case <-pubCtx.Done():
		return errors.WrapTransient(errors.ErrPublishTimeout, "natsclient", "Publish", "bus publish")
	case err := <-done:
		if err != nil {
			return errors.WrapTransient(err, "natsclient", "Publish", "bus publish")
		}
		return nil
	}
}

// Subscribe registers a handler for a subject. NATS delivers messages for
// one subscription sequentially, which preserves per-device ordering as
// long as publishers key on device_id.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn := c.conn
	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "natsclient", "Subscribe", "connection check")
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Subscribe", "bus subscription")
	}

	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return nil
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	s, _ := c.status.Load().(ConnectionStatus)
	return s
}

// IsConnected reports whether the connection is usable
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns how many times the connection was re-established
func (c *Client) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions and closes the connection. Safe to call more
// than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.subsMu.Lock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.subsMu.Unlock()

	if c.conn != nil {
		done := make(chan struct{})
		go func() {
			_ = c.conn.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			c.conn.Close()
		}
	}
	c.status.Store(StatusDisconnected)
	return nil
}
