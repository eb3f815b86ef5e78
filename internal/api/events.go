package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cinesuite/pkg/logging"
	"cinesuite/pkg/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	clientQueue  = 64
)

// EventHub fans timeline, merge, sequencer, playback and generation events
// out to websocket clients and the event log.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]bool
	closed  bool
}

type hubClient struct {
	conn *websocket.Conn
	send chan model.TimelineEvent
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*hubClient]bool),
	}
}

// Publish logs ev and queues it for every client. Clients whose queue is
// full are dropped.
func (h *EventHub) Publish(ev model.TimelineEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	logging.LogEvent(&ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slog.Warn("EventHub: dropping slow client", "remote", c.conn.RemoteAddr())
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *EventHub) removeLocked(c *hubClient) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP handles GET /api/events.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("EventHub: upgrade failed", "error", err)
		return
	}

	c := &hubClient{conn: conn, send: make(chan model.TimelineEvent, clientQueue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	h.mu.Unlock()
	slog.Debug("EventHub: client connected", "remote", conn.RemoteAddr(), "clients", h.Clients())

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *EventHub) readPump(c *hubClient) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
