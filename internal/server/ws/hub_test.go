package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/venuearb/internal/cache/memory"
	"github.com/alanyoungcy/venuearb/internal/domain"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_RelaysSubscribedChannels(t *testing.T) {
	bus := memory.NewSignalBus(0)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "server", Venues: []string{"binance", "kraken"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "?channels=settlement:*")
	status := readEnvelope(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.Contains(t, string(status.Payload), `"kraken"`)

	// The hub subscribes asynchronously; keep publishing until it relays.
	payload := []byte(`{"id":"s-1","phase":"buying"}`)
	got := make(chan envelope, 1)
	go func() {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) == nil {
			got <- env
		}
	}()
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, domain.ChannelOpportunities, []byte(`{}`))
		_ = bus.Publish(ctx, domain.SettlementChannel("s-1"), payload)
		return len(got) > 0
	}, 3*time.Second, 20*time.Millisecond)

	env := <-got
	assert.Equal(t, "event", env.Type)
	assert.Equal(t, "settlement:s-1", env.Channel, "unsubscribed channels are not relayed")
	assert.JSONEq(t, string(payload), string(env.Payload))
}

func TestHub_RunDisconnectsClientsOnCancel(t *testing.T) {
	bus := memory.NewSignalBus(0)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn := dial(t, srv, "")
	assert.Equal(t, "status", readEnvelope(t, conn).Type)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "hub closes the connection on shutdown")
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"scans": true, "settlement:*": true}}
	assert.True(t, c.isSubscribed("scans"))
	assert.True(t, c.isSubscribed("settlement:abc"))
	assert.False(t, c.isSubscribed("opportunities"))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{"settlement:*"}})
	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"opportunities"}})
	assert.False(t, c.isSubscribed("settlement:abc"))
	assert.True(t, c.isSubscribed("opportunities"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}
