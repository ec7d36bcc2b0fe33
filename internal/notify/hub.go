// Package notify pushes replay outcomes to any open client surface over
// WebSocket. Delivery is best-effort and at-most-once per event; clients
// recover missed events by re-querying queue status.
package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	EventOperationQueued      = "operation.queued"
	EventOperationUploaded    = "operation.uploaded"
	EventOperationRetrying    = "operation.upload_failed_will_retry"
	EventOperationDeadLetter  = "operation.dead_letter"
	EventOperationQuarantined = "operation.quarantined"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains active connections and fans events out to all of them.
type Hub struct {
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex

	upgrader websocket.Upgrader
}

func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The agent only serves the technician UI on the device itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			log.Printf("[ws] client connected: %s (total: %d)", c.id, h.clientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("[ws] client disconnected: %s (total: %d)", c.id, h.clientCount())

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Stalled client; drop it rather than block the hub.
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		// Inbound messages are ignored; the bridge is one-way.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends one event to every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("[ws] failed to marshal event: %v", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		// Bridge is a convenience channel, never the source of truth.
		log.Printf("[ws] broadcast buffer full, dropping %s", eventType)
	}
}

// The methods below satisfy the replay coordinator's Notifier.

func (h *Hub) OperationQueued(opID string) {
	h.Broadcast(EventOperationQueued, map[string]any{"operation_id": opID})
}

func (h *Hub) OperationUploaded(opID string) {
	h.Broadcast(EventOperationUploaded, map[string]any{"operation_id": opID})
}

func (h *Hub) OperationRetrying(opID string, attempt int, reason string) {
	h.Broadcast(EventOperationRetrying, map[string]any{
		"operation_id": opID,
		"attempt":      attempt,
		"reason":       reason,
	})
}

func (h *Hub) OperationDeadLetter(opID string, reason string) {
	h.Broadcast(EventOperationDeadLetter, map[string]any{
		"operation_id": opID,
		"reason":       reason,
	})
}

func (h *Hub) OperationQuarantined(opID string, reason string) {
	h.Broadcast(EventOperationQuarantined, map[string]any{
		"operation_id": opID,
		"reason":       reason,
	})
}
