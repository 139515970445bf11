// Package websocket provides the WebSocket hub and client management for
// streaming conflict updates to connected devices.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fitsync/internal/logging"
)

// ConflictEvent is one update pushed to subscribed clients.
type ConflictEvent struct {
	Type          string    `json:"type"`
	Action        string    `json:"action,omitempty"` // "detected", "resolved", "escalated", "recommendation"
	ConflictID    string    `json:"conflict_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	DataType      string    `json:"data_type,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	Severity      string    `json:"severity,omitempty"`
	SyncSessionID string    `json:"sync_session_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data,omitempty"`
}

// Client represents one connected device.
type Client struct {
	ID            string
	Connection    *websocket.Conn
	Send          chan ConflictEvent
	Hub           *Hub
	UserID        string // Only this user's conflicts are delivered
	SyncSessionID string // Optional narrower filter
	closed        bool
	mu            sync.Mutex
}

// SafeClose closes the client's send channel exactly once.
func (c *Client) SafeClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && c.Send != nil {
		close(c.Send)
		c.closed = true
	}
}

// Hub manages WebSocket connections and broadcasts.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan ConflictEvent
	mutex      sync.RWMutex
	logger     logging.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan ConflictEvent, 256),
		logger:     logger.WithComponent("websocket"),
	}
}

// Run starts the hub's main loop. It exits when ctx is cancelled, closing
// every remaining client connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mutex.Lock()
		for client := range h.clients {
			client.SafeClose()
			if err := client.Connection.Close(); err != nil {
				h.logger.Warn("error closing client connection", "error", err)
			}
		}
		h.mutex.Unlock()
	}()

	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mutex.Unlock()

			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

			welcome := ConflictEvent{
				Type:      "connection",
				Action:    "connected",
				Timestamp: time.Now(),
				Data: map[string]any{
					"client_id": client.ID,
					"message":   "Connected to conflict update stream",
				},
			}
			select {
			case client.Send <- welcome:
			default:
				h.removeClient(client)
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				if h.shouldSendToClient(client, &event) {
					select {
					case client.Send <- event:
					default:
						// Client's send channel is full, remove them
						h.removeClientUnsafe(client)
					}
				}
			}
			h.mutex.RUnlock()

		case <-ctx.Done():
			h.logger.Info("websocket hub shutting down")
			return
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeClientUnsafe(client)
}

// removeClientUnsafe removes a client; caller holds the lock.
func (h *Hub) removeClientUnsafe(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.SafeClose()
		if err := client.Connection.Close(); err != nil {
			h.logger.Warn("error closing client connection", "error", err)
		}
		h.logger.Debug("client disconnected", "client_id", client.ID, "total", len(h.clients))
	}
}

// shouldSendToClient filters events so a device only sees its own user's
// conflicts, and optionally only its own sync session.
func (h *Hub) shouldSendToClient(client *Client, event *ConflictEvent) bool {
	if event.Type == "connection" || event.Type == "system" {
		return true
	}
	if client.UserID != "" && event.UserID != "" && client.UserID != event.UserID {
		return false
	}
	if client.SyncSessionID != "" && event.SyncSessionID != "" && client.SyncSessionID != event.SyncSessionID {
		return false
	}
	return true
}

// RegisterClient registers a new client with the hub.
func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

// UnregisterClient unregisters a client from the hub.
func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// BroadcastConflictEvent sends an event to all matching clients. The hub
// never blocks a caller: when the broadcast channel is full the event is
// dropped with a warning.
func (h *Hub) BroadcastConflictEvent(event *ConflictEvent) {
	select {
	case h.broadcast <- *event:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"type", event.Type, "conflict_id", event.ConflictID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// NewClient creates a client for the given connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, userID, syncSessionID string) *Client {
	return &Client{
		ID:            id,
		Connection:    conn,
		Send:          make(chan ConflictEvent, 256),
		Hub:           hub,
		UserID:        userID,
		SyncSessionID: syncSessionID,
	}
}

// WritePump pumps events from the hub to the websocket connection.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.Connection.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			_ = c.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The hub closed the channel
				_ = c.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Connection.WriteJSON(event); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Connection.SetWriteDeadline(time.Now().Add(10 * time.Second))
			heartbeat := ConflictEvent{Type: "heartbeat", Timestamp: time.Now()}
			if err := c.Connection.WriteJSON(heartbeat); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.unregister <- c
		_ = c.Connection.Close()
	}()

	c.Connection.SetReadLimit(512)
	_ = c.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Connection.SetPongHandler(func(string) error {
		return c.Connection.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			var msg map[string]any
			if err := c.Connection.ReadJSON(&msg); err != nil {
				return
			}
			c.handleClientMessage(msg)
		}
	}
}

// handleClientMessage processes subscription messages from the client.
func (c *Client) handleClientMessage(msg map[string]any) {
	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	switch msgType {
	case "subscribe":
		if session, ok := msg["sync_session_id"].(string); ok {
			c.SyncSessionID = session
		}

	case "unsubscribe":
		if _, ok := msg["sync_session_id"]; ok {
			c.SyncSessionID = ""
		}

	case "ping":
		pong := ConflictEvent{Type: "pong", Timestamp: time.Now()}
		select {
		case c.Send <- pong:
		default:
		}
	}
}
