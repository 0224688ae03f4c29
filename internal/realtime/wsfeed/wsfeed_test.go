package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/possync/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newServer pushes frames to every client, then waits for the client to
// go away.
func newServer(t *testing.T, frames []string, gotKey chan<- string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotKey != nil {
			gotKey <- r.Header.Get("apikey")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribe_DeliversChanges(t *testing.T) {
	url := newServer(t, []string{
		`{"table":"sales","type":"INSERT","record":{"id":"s1"}}`,
		`garbage`,
		`{"table":"customers","type":"UPDATE"}`,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan realtime.Change)
	done := make(chan error, 1)
	go func() { done <- New(url).Subscribe(ctx, out) }()

	var got []realtime.Change
	for len(got) < 2 {
		select {
		case c := <-out:
			got = append(got, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d changes", len(got))
		}
	}
	assert.Equal(t, "sales", got[0].Table)
	assert.Equal(t, "s1", got[0].StringField("id"))
	assert.Equal(t, realtime.EventUpdate, got[1].Type)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSubscribe_SendsAPIKey(t *testing.T) {
	keys := make(chan string, 1)
	url := newServer(t, nil, keys)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(url, WithAPIKey("secret")).Subscribe(ctx, make(chan realtime.Change)) }()

	select {
	case k := <-keys:
		assert.Equal(t, "secret", k)
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
	}
	cancel()
	<-done
}

func TestSubscribe_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	err := New(url).Subscribe(context.Background(), make(chan realtime.Change))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}
