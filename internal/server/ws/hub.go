// Package ws relays signal bus traffic to WebSocket clients. Each client
// picks the channels it wants, and glob patterns such as "settlement:*"
// follow every settlement.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/venuearb/internal/domain"
)

// relayed are the bus channels the hub listens on.
var relayed = []string{
	domain.ChannelOpportunities,
	domain.ChannelScans,
	domain.ChannelSettlements,
	domain.SettlementChannel("*"),
}

// defaultTopics apply when a client connects without ?channels=.
// Per-settlement channels are opt-in.
var defaultTopics = []string{
	domain.ChannelOpportunities,
	domain.ChannelScans,
	domain.ChannelSettlements,
}

// envelope is the frame format sent to clients.
type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Config is the runtime metadata a client receives on connect.
type Config struct {
	Mode      string
	Venues    []string
	StartedAt time.Time
	// AllowedOrigins restricts the handshake Origin. Empty allows all.
	AllowedOrigins []string
}

// Hub owns the connected clients and fans bus messages out to them.
type Hub struct {
	bus      domain.SignalBus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mode      string
	venues    []string
	startedAt time.Time

	mu      sync.RWMutex
	clients map[*client]struct{}
	stopped bool
}

func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	started := cfg.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return &Hub{
		bus:    bus,
		logger: logger.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		mode:      mode,
		venues:    append([]string(nil), cfg.Venues...),
		startedAt: started,
		clients:   make(map[*client]struct{}),
	}
}

// originChecker admits requests without an Origin header, and any origin
// when allowed is empty or holds "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the relayed bus channels and blocks until ctx is done,
// then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ch := range relayed {
		wg.Go(func() { h.relay(ctx, ch) })
	}
	<-ctx.Done()

	h.mu.Lock()
	h.stopped = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	wg.Wait()
	return nil
}

// relay forwards one bus subscription to the clients that want it.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		name := resolveChannel(channel, data)
		frame, err := json.Marshal(envelope{Type: "event", Channel: name, Payload: data})
		if err != nil {
			h.logger.Warn("ws: dropping non-JSON payload", slog.String("channel", channel))
			continue
		}
		h.fanOut(name, frame)
	}
}

// resolveChannel names the concrete channel of a message received on a
// pattern subscription. The bus does not report it, so settlement updates
// are routed by the id they carry.
func resolveChannel(subscribed string, data []byte) string {
	if !strings.ContainsAny(subscribed, "*?[") {
		return subscribed
	}
	var probe struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.ID != "" {
		return domain.SettlementChannel(probe.ID)
	}
	return subscribed
}

// fanOut queues frame for every client subscribed to channel. A client whose
// queue is full misses the frame.
func (h *Hub) fanOut(channel string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(channel) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("ws: client queue full, frame dropped", slog.String("channel", channel))
		}
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Info("ws: client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Info("ws: client disconnected", slog.Int("clients", len(h.clients)))
}

// HandleWS upgrades GET /ws. ?channels=a,b replaces the default topics.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	topics := defaultTopics
	if v := strings.TrimSpace(r.URL.Query().Get("channels")); v != "" {
		topics = strings.Split(v, ",")
	}
	c := newClient(h, conn, topics)
	c.queue(h.statusFrame())
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// statusFrame lets a client mark the connection healthy before any event
// arrives.
func (h *Hub) statusFrame() []byte {
	payload, _ := json.Marshal(map[string]any{
		"mode":           h.mode,
		"venues":         h.venues,
		"uptime_seconds": max(int64(time.Since(h.startedAt).Seconds()), 0),
	})
	frame, _ := json.Marshal(envelope{Type: "status", Payload: payload})
	return frame
}
