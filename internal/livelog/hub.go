package livelog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// Frame is one websocket message. Type is "initial" for the snapshot a
// new client receives and "update" for live entries.
type Frame struct {
	Type         string `json:"type"`
	Data         any    `json:"data,omitempty"`
	HealthAlert  any    `json:"health_alert,omitempty"`
	GlobalHealth any    `json:"global_health,omitempty"`
}

// Hub fans live entries out to websocket subscribers and feeds the ring.
// A write failure drops the subscriber.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	ring     *Ring
	upgrader websocket.FastHTTPUpgrader
	log      *slog.Logger
}

// NewHub wires a hub to its ring.
func NewHub(ring *Ring, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns: make(map[*websocket.Conn]struct{}),
		ring:  ring,
		upgrader: websocket.FastHTTPUpgrader{
			// The dashboard is served from arbitrary local origins.
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
		log: log,
	}
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects. The client receives the ring snapshot first, then live
// updates. Inbound messages are read and discarded to drive keepalives.
func (h *Hub) HandleWebSocket(ctx *fasthttp.RequestCtx) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		if err := conn.WriteJSON(Frame{Type: "initial", Data: h.ring.Snapshot()}); err != nil {
			return
		}
		h.mu.Lock()
		h.conns[conn] = struct{}{}
		n := len(h.conns)
		h.mu.Unlock()
		h.log.Debug("live log subscriber connected", slog.Int("subscribers", n))

		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
	}
}

// Publish stamps the entry, pushes it onto the ring, and broadcasts an
// update frame. healthAlert is included only when the request tripped an
// anomaly; globalHealth rides along on every frame.
func (h *Hub) Publish(entry Entry, healthAlert, globalHealth any) {
	if entry.Time == "" {
		entry.Stamp(time.Now())
	}
	h.ring.Push(entry)

	frame := Frame{
		Type:         "update",
		Data:         entry,
		HealthAlert:  healthAlert,
		GlobalHealth: globalHealth,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(frame); err != nil {
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// Ring returns the backing feed.
func (h *Hub) Ring() *Ring { return h.ring }

// Subscribers reports the current client count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
