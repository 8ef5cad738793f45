package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/billing"
)

var upgrader = websocket.Upgrader{
	// The API's CORS middleware decides which origins reach this handler.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

// Message is the frame written to subscribers.
type Message struct {
	ID      string          `json:"id"`
	ScopeID billing.ScopeID `json:"scope_id,omitempty"`
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    any             `json:"data"`
}

// Hub fans notifications out to websocket sessions, grouped by manager
// scope. Run must be running for connections to register.
type Hub struct {
	connections map[billing.ScopeID]map[*Connection]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *Message
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger
}

type Connection struct {
	ws    *websocket.Conn
	scope billing.ScopeID
	send  chan *Message
	hub   *Hub
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[billing.ScopeID]map[*Connection]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *Message, sendBuffer),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("component", "notify.hub")),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			var conns []*Connection
			for _, m := range h.connections {
				for c := range m {
					conns = append(conns, c)
				}
			}
			h.mu.RUnlock()

			// Pumps see the error and exit.
			for _, c := range conns {
				_ = c.ws.Close()
			}
			return

		case conn := <-h.register:
			h.mu.Lock()
			if h.connections[conn.scope] == nil {
				h.connections[conn.scope] = make(map[*Connection]bool)
			}
			h.connections[conn.scope][conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(conn)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections[message.ScopeID] {
				select {
				case conn.send <- message:
				default:
					// Slow reader.
					h.removeLocked(conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(conn *Connection) {
	connections, ok := h.connections[conn.scope]
	if !ok {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.send)
	if len(connections) == 0 {
		delete(h.connections, conn.scope)
	}
}

// Connections reports how many sessions are subscribed to scope.
func (h *Hub) Connections(scope billing.ScopeID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[scope])
}

// Broadcast queues message for every session of scope. It returns false
// when the queue is full and the message was dropped.
func (h *Hub) Broadcast(scope billing.ScopeID, message *Message) bool {
	message.ScopeID = scope
	select {
	case h.broadcast <- message:
		return true
	default:
		h.logger.Warn("hub broadcast channel is full, dropping message",
			zap.String("scope_id", string(scope)),
			zap.String("type", message.Type))
		return false
	}
}

// Send implements billing.Notifier.
func (h *Hub) Send(_ context.Context, n billing.Notification) (string, error) {
	if n.ScopeID == "" {
		return "", &billing.ValidationError{RecordID: string(n.TenantID), Field: "scope_id", Message: "notification has no scope"}
	}
	msg := &Message{
		ID:      uuid.NewString(),
		Type:    "notification." + n.Kind,
		Channel: "scope#" + string(n.ScopeID),
		Data: map[string]string{
			"tenant_id": string(n.TenantID),
			"subject":   n.Subject,
			"body":      n.Body,
		},
	}
	if !h.Broadcast(n.ScopeID, msg) {
		return "", fmt.Errorf("hub queue full for scope %s", n.ScopeID)
	}
	return msg.ID, nil
}

// HandleWebSocket upgrades the request and subscribes it to scope.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, scope billing.ScopeID) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Connection{
		ws:    ws,
		scope: scope,
		send:  make(chan *Message, sendBuffer),
		hub:   h,
	}

	select {
	case h.register <- conn:
	case <-h.done:
		_ = ws.Close()
		return
	}

	go conn.writePump()
	go conn.readPump()
}

func (c *Connection) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket closed", zap.String("scope_id", string(c.scope)), zap.Error(err))
			}
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ billing.Notifier = (*Hub)(nil)
