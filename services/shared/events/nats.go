// Package events publishes relay activity to NATS.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("not connected to NATS")

// SubjectPrefix namespaces every relay subject.
const SubjectPrefix = "oauth_relay."

// Event types.
const (
	EventTokenExchanged = "token.exchanged"
	EventTokenRejected  = "token.rejected"
	EventProfileFetched = "profile.fetched"
	EventCircuitChanged = "circuit.changed"
)

// Config holds NATS client configuration.
type Config struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "oauth-relay",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Event is the envelope published for every relay event. Data never carries
// codes, tokens or client secrets.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Provider  string         `json:"provider"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event for a provider.
func NewEvent(eventType, provider string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Provider:  provider,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subject returns the NATS subject an event is published on.
func (e Event) Subject() string {
	return SubjectPrefix + e.Provider + "." + e.Type
}

// Publisher publishes relay events.
type Publisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// PublishEvent implements Publisher.
func (Nop) PublishEvent(context.Context, Event) error { return nil }

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
}

// ConnectionListener receives connection state changes.
type ConnectionListener interface {
	Disconnected(err error)
	Reconnected(url string)
}

// New connects to NATS.
func New(cfg Config, listener ConnectionListener) (*Client, error) {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaults.MaxReconnects
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if listener != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { listener.Disconnected(err) }),
			nats.ReconnectHandler(func(nc *nats.Conn) { listener.Reconnected(nc.ConnectedUrl()) }),
		)
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	return &Client{conn: conn}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Ping round-trips to the server.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.conn.FlushTimeout(timeout)
}

// Publish publishes raw bytes to a subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.conn.Publish(subject, data)
}

// PublishEvent publishes an event on its subject.
func (c *Client) PublishEvent(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return c.Publish(ctx, event.Subject(), data)
}
