package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/mealsync/internal/logging"
	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
	"github.com/kimhsiao/mealsync/internal/uuid"
)

const (
	// EventSyncStatus carries every status change.
	EventSyncStatus = "sync.status"
	// EventSyncCompleted follows a SUCCESS status.
	EventSyncCompleted = "sync.completed"
	// EventSyncFailed follows an ERROR or OFFLINE status.
	EventSyncFailed = "sync.failed"
)

const (
	clientSendBuffer = 64
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	writeWait        = 10 * time.Second
)

// Envelope wraps all WebSocket messages.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu sync.Mutex
	// empty means every event
	subscriptions map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub maintains WebSocket clients and fans events out to them.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewHub creates a Hub. allowedOrigins limits browser origins; requests
// without an Origin header are always accepted.
func NewHub(allowedOrigins ...string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends an event to all subscribed clients. Clients whose send
// buffer is full are disconnected.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	payload, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		logging.Error("Failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if !client.wants(eventType) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			delete(h.clients, id)
			close(client.send)
			logging.Warn("Dropped slow event client", map[string]interface{}{"client_id": id})
		}
	}
}

// RelayStatus broadcasts every status received on statuses until ctx ends or
// the channel closes. describe adds detail to terminal statuses and may be nil.
func (h *Hub) RelayStatus(ctx context.Context, statuses <-chan syncpkg.SyncStatus, describe func(context.Context) map[string]any) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			h.Broadcast(EventSyncStatus, map[string]any{"status": string(st)})

			var detail map[string]any
			if st.Terminal() && describe != nil {
				detail = describe(ctx)
			}
			switch st {
			case syncpkg.SyncStatusSuccess:
				h.Broadcast(EventSyncCompleted, detail)
			case syncpkg.SyncStatusError, syncpkg.SyncStatusOffline:
				if detail == nil {
					detail = map[string]any{}
				}
				detail["status"] = string(st)
				h.Broadcast(EventSyncFailed, detail)
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		close(c.send)
		logging.Debug("Event client disconnected", map[string]interface{}{
			"client_id": c.id,
			"total":     len(h.clients),
		})
	}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, clientSendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()
	logging.Debug("Event client connected", map[string]interface{}{
		"client_id": client.id,
		"total":     total,
	})

	go client.writePump()
	go client.readPump()
}

type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// readPump handles subscribe, unsubscribe and ping actions.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]any{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]any{"action": "pong"})
		}
	}
}

// reply queues a direct response. It is dropped when the client is gone or
// its buffer is full.
func (c *wsClient) reply(body map[string]any) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.hub.clients[c.id] != c {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
