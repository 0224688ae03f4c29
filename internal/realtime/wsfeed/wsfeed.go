// Package wsfeed receives change notifications over a WebSocket. Each text
// frame carries one JSON-encoded realtime.Change.
package wsfeed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/possync/internal/realtime"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// Feed is a WebSocket change feed.
type Feed struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// Option configures a Feed.
type Option func(*Feed)

// WithAPIKey sends key as both the apikey header and a bearer token.
func WithAPIKey(key string) Option {
	return func(f *Feed) {
		f.header.Set("apikey", key)
		f.header.Set("Authorization", "Bearer "+key)
	}
}

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(f *Feed) { f.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.logger = l }
}

// New creates a feed for the ws:// or wss:// url.
func New(url string, opts ...Option) *Feed {
	f := &Feed{
		url:    url,
		header: make(http.Header),
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "wsfeed")
	return f
}

// Subscribe implements realtime.Feed. Undecodable frames are logged and
// skipped.
func (f *Feed) Subscribe(ctx context.Context, out chan<- realtime.Change) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go ping(conn, pingDone)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.logger.Info("change feed connected", "url", f.url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		c, err := realtime.DecodeChange(data)
		if err != nil {
			f.logger.Warn("skipping change frame", "error", err)
			continue
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
