// Package hub fans position events out to WebSocket consumers. Each
// connection gets a buffered send queue; a consumer that stops draining its
// queue is disconnected rather than allowed to stall the broadcast path.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/presence.report/internal/engine"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the client.
	pongWait = 60 * time.Second

	// Ping interval; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames, so inbound frames stay tiny.
	maxMessageSize = 512

	// Outbound queue length per client.
	sendQueueLen = 64
)

var logf = monitoring.Prefixed("[hub]")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub broadcasts position events to every connected WebSocket client. It
// implements http.Handler so the API server can mount it directly.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

func New() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// ServeHTTP upgrades the request and services the connection until either
// side closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueLen)}
	if !h.register(c) {
		conn.Close()
		return
	}
	logf("client connected from %s (%d active)", r.RemoteAddr, h.Len())

	go c.writePump()
	c.readPump()
	h.unregister(c)
	logf("client disconnected from %s (%d active)", r.RemoteAddr, h.Len())
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// unregister removes c and closes its queue. Queue sends and closes are
// both serialized under h.mu, so Broadcast can never send on a closed
// channel.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast queues data for every client. A client whose queue is full is
// disconnected; it can reconnect rather than stall everyone else.
func (h *Hub) Broadcast(data []byte) {
	h.broadcasts.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logf("client queue full, dropping connection")
			delete(h.clients, c)
			close(c.send)
			h.dropped.Add(1)
		}
	}
}

// Run broadcasts every gated position event as JSON until ctx ends or the
// engine stream closes.
func (h *Hub) Run(ctx context.Context, eng *engine.Engine) {
	id, events := eng.SubscribeEvents()
	defer eng.UnsubscribeEvents(id)

	for {
		select {
		case <-ctx.Done():
			return
		case est, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(est)
			if err != nil {
				logf("failed to marshal position event: %v", err)
				continue
			}
			h.Broadcast(data)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// Stats is the admin snapshot of the hub.
type Stats struct {
	Clients         int    `json:"clients"`
	EventsBroadcast uint64 `json:"events_broadcast"`
	ClientsDropped  uint64 `json:"clients_dropped"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Clients:         h.Len(),
		EventsBroadcast: h.broadcasts.Load(),
		ClientsDropped:  h.dropped.Load(),
	}
}

// AttachAdminRoutes registers the hub stats endpoint on mux.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, h.Stats())
	})
}

// writePump drains the send queue to the connection and keeps it alive
// with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the connection so close and pong control frames are
// processed. Consumers are read-only; data frames are discarded.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logf("read error: %v", err)
			}
			return
		}
	}
}
