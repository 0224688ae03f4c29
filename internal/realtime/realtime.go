// Package realtime consumes remote change notifications: it batches cache
// invalidations and raises admin sale alerts.
//
// Transports live in subpackages (wsfeed, redisfeed). They only decode
// messages into Changes; everything else happens here.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Change is one remote row change.
type Change struct {
	Table  string         `json:"table"`
	Type   EventType      `json:"type"`
	Record map[string]any `json:"record,omitempty"`
}

// Validate checks that the change names a table and a known event type.
func (c Change) Validate() error {
	if c.Table == "" {
		return errors.New("change: missing table")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("change: invalid event type %q", c.Type)
	}
	return nil
}

// DecodeChange parses and validates one JSON change message.
func DecodeChange(data []byte) (Change, error) {
	var c Change
	if err := json.Unmarshal(data, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	return c, nil
}

// StringField returns Record[name] when it is a string.
func (c Change) StringField(name string) string {
	s, _ := c.Record[name].(string)
	return s
}

// Handler reacts to a change.
type Handler interface {
	HandleChange(ctx context.Context, c Change)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c Change)

// HandleChange calls f.
func (f HandlerFunc) HandleChange(ctx context.Context, c Change) {
	f(ctx, c)
}

// Consume passes every change to each handler in order until ctx is done
// or changes is closed.
func Consume(ctx context.Context, changes <-chan Change, handlers ...Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			for _, h := range handlers {
				h.HandleChange(ctx, c)
			}
		}
	}
}

// Feed is a change-notification transport.
type Feed interface {
	// Subscribe delivers changes to out until ctx is done or the
	// connection fails.
	Subscribe(ctx context.Context, out chan<- Change) error
}

// Reconnect delays.
const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

type streamConfig struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// StreamOption configures Stream.
type StreamOption func(*streamConfig)

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(lo, hi time.Duration) StreamOption {
	return func(c *streamConfig) { c.minBackoff, c.maxBackoff = lo, hi }
}

// WithStreamLogger sets the logger for reconnects.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(c *streamConfig) { c.logger = l }
}

// Stream keeps feed subscribed until ctx is done, reconnecting with
// doubling backoff after each failure. A subscription that delivered at
// least one change resets the backoff.
//
// Feeds must stop sending once ctx is done.
func Stream(ctx context.Context, feed Feed, out chan<- Change, opts ...StreamOption) error {
	cfg := streamConfig{
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	backoff := cfg.minBackoff

	for {
		relay := make(chan Change)
		errc := make(chan error, 1)
		go func() { errc <- feed.Subscribe(ctx, relay) }()

		delivered := false
	forward:
		for {
			select {
			case c := <-relay:
				delivered = true
				select {
				case out <- c:
				case <-ctx.Done():
				}
			case err := <-errc:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if delivered {
					backoff = cfg.minBackoff
				}
				cfg.logger.Warn("change feed disconnected", "error", err, "retry_in", backoff)
				break forward
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, cfg.maxBackoff)
	}
}
