// Package redisfeed receives change notifications from a Redis pub/sub
// channel. Each message payload is one JSON-encoded realtime.Change.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/possync/internal/realtime"
)

// DefaultChannel is the channel changes are published on.
const DefaultChannel = "possync:changes"

// NewClient creates a Redis client tuned for a single long-lived
// subscription plus occasional publishes.
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

// Feed is a Redis pub/sub change feed.
type Feed struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// Option configures a Feed.
type Option func(*Feed)

// WithChannel sets the channel name.
func WithChannel(ch string) Option {
	return func(f *Feed) { f.channel = ch }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

// New creates a feed over client.
func New(client redis.UniversalClient, opts ...Option) *Feed {
	f := &Feed{
		client:  client,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "redisfeed", "channel", f.channel)
	return f
}

// Subscribe implements realtime.Feed. Undecodable messages are logged
// and skipped.
func (f *Feed) Subscribe(ctx context.Context, out chan<- realtime.Change) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("change feed connected")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			c, err := realtime.DecodeChange([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("skipping change message", "error", err)
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Publish sends c on the feed's channel.
func (f *Feed) Publish(ctx context.Context, c realtime.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.channel, err)
	}
	return nil
}
