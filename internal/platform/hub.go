package platform

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gnsshal/internal/eventbus"
	"gnsshal/internal/fix"
)

const (
	hubClientBuffer = 16
	hubWriteTimeout = 5 * time.Second
)

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans one bus channel out to websocket clients as JSON. A client whose
// buffer is full is dropped so Broadcast never blocks.
type Hub[T any] struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	last    []byte
	sub     *eventbus.Subscription
}

type (
	LocationHub  = Hub[fix.Record]
	SatelliteHub = Hub[[]fix.Satellite]
)

func NewLocationHub(logger *slog.Logger) *LocationHub {
	return NewHub[fix.Record]("location", logger)
}

func NewSatelliteHub(logger *slog.Logger) *SatelliteHub {
	return NewHub[[]fix.Satellite]("satellites", logger)
}

func NewHub[T any](what string, logger *slog.Logger) *Hub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub[T]{
		log: logger.With("component", "ws", "stream", what),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

func (h *Hub[T]) Attach(ch *eventbus.Channel[T]) {
	sub := ch.Subscribe(h.Broadcast)
	h.mu.Lock()
	old := h.sub
	h.sub = sub
	h.mu.Unlock()
	old.Unsubscribe()
}

func (h *Hub[T]) Broadcast(v T) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("marshal failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = b
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.removeLocked(c)
			h.log.Warn("dropping slow websocket client")
		}
	}
}

func (h *Hub[T]) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub[T]) removeLocked(c *hubClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ServeHTTP upgrades the request and streams updates until the client leaves.
// A new client receives the most recent value first.
func (h *Hub[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, hubClientBuffer)}

	h.mu.Lock()
	if h.last != nil {
		c.send <- h.last
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	// Inbound messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", "error", err)
			}
			break
		}
	}
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub[T]) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close disconnects every client and detaches from the bus.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	sub.Unsubscribe()
}
