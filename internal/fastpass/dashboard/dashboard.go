// Package dashboard broadcasts periodic endpoint/scheduler snapshots to
// live-connected operators over WebSocket, following gorilla/websocket's
// standard hub/client broadcaster shape.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is the JSON payload broadcast to every connected client.
type Snapshot struct {
	Timestamp    time.Time         `json:"timestamp"`
	Stats        endpoint.Stats    `json:"stats"`
	Destinations []DestinationView `json:"destinations"`
}

// DestinationView is one destination's counters, labeled with its ID
// (endpoint.Destinations loses the ID by returning a plain slice).
type DestinationView struct {
	DstID     uint16 `json:"dst_id"`
	Demand    uint64 `json:"demand"`
	Requested uint64 `json:"requested"`
	Acked     uint64 `json:"acked"`
	Alloc     uint64 `json:"alloc"`
	Used      uint64 `json:"used"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the set of connected dashboard clients and the ticker that
// polls the endpoint for fresh snapshots.
type Hub struct {
	ep     *endpoint.Endpoint
	logger *zap.Logger
	period time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	closeCh    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewHub builds a Hub that polls ep every period for a fresh snapshot.
func NewHub(ep *endpoint.Endpoint, period time.Duration, logger *zap.Logger) *Hub {
	if period <= 0 {
		period = time.Second
	}
	h := &Hub{
		ep:         ep,
		logger:     logger,
		period:     period,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 16),
		closeCh:    make(chan struct{}),
	}
	h.wg.Add(2)
	go h.run()
	go h.pollLoop()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.closeCh:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) pollLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			snap := h.buildSnapshot()
			payload, err := json.Marshal(snap)
			if err != nil {
				h.logger.Error("marshal dashboard snapshot failed", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- payload:
			case <-h.closeCh:
				return
			}
		}
	}
}

func (h *Hub) buildSnapshot() Snapshot {
	dests := h.ep.Destinations()
	views := make([]DestinationView, len(dests))
	for i, d := range dests {
		views[i] = DestinationView{
			DstID: uint16(i), Demand: d.Demand, Requested: d.Requested,
			Acked: d.Acked, Alloc: d.Alloc, Used: d.Used,
		}
	}
	return Snapshot{Timestamp: time.Now(), Stats: h.ep.Stats(), Destinations: views}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// recipient. Implements http.Handler so it can be wired directly into
// an admin-plane route.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 4)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// readPump drains and discards client messages purely to detect
// disconnects — the dashboard stream is one-way (server to operator).
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Close stops the poll loop and drops every connected client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closeCh) })
	h.wg.Wait()
}
