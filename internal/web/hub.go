// Package web provides an optional live-tail surface: a websocket hub
// operators can connect to in order to watch committed CDC batches as
// they land, mirroring the teacher's client registry/broadcast pattern.
package web

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chaincdc/relay/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected websocket tail subscriber.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out broadcast messages to every registered client without
// blocking the caller: a slow or dead client is dropped rather than
// allowed to stall the commit path.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// ServeHTTP upgrades the request to a websocket and registers the
// resulting client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *Hub) readLoop(c *Client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *Client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast fans msg out to every connected client. A client whose send
// buffer is full is dropped rather than blocked on.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			logging.Log.Warn("web: dropping slow tail client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}
