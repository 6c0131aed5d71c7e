package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ksred/semicrypto-api/internal/auth"
	"github.com/ksred/semicrypto-api/pkg/response"
)

// Event types pushed to clients
const (
	EventOrderFilled    = "order.filled"
	EventOrderCancelled = "order.cancelled"
	EventChatMessage    = "chat.message"
	EventPriceUpdated   = "price.updated"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Event is the envelope written to every websocket client
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans events out to the websocket connections of each user
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients are authenticated by token, not by origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Publish sends an event to every connection of userID. Slow connections
// drop the event rather than block the publisher.
func (h *Hub) Publish(userID, eventType string, data interface{}) {
	payload, ok := h.encode(eventType, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		h.deliver(c, eventType, payload)
	}
}

// Broadcast sends an event to every connection
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, ok := h.encode(eventType, data)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			h.deliver(c, eventType, payload)
		}
	}
}

// ClientCount returns the number of open connections for userID
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) encode(eventType string, data interface{}) ([]byte, bool) {
	payload, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: h.now().UTC()})
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Str("component", "realtime").Msg("failed to encode event")
		return nil, false
	}
	return payload, true
}

// deliver must be called with h.mu held
func (h *Hub) deliver(c *client, eventType string, payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Warn().
			Str("user_id", c.userID).
			Str("event", eventType).
			Str("component", "realtime").
			Msg("client send buffer full, dropping event")
	}
}

// register reports false once the hub is closed
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for userID, conns := range h.clients {
		for c := range conns {
			close(c.send)
		}
		delete(h.clients, userID)
	}
}

// readPump discards client frames and keeps the read deadline alive. It
// returns when the connection fails or closes.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.userID).Str("component", "realtime").Msg("websocket read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// TokenValidator checks bearer access tokens
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Handler handles GET /ws. Browsers cannot set headers on the upgrade
// request, so the access token may also be passed as ?token=.
func (h *Hub) Handler(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if parts := strings.Split(c.GetHeader("Authorization"), " "); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			token = parts[1]
		}

		claims, err := validator.ValidateToken(token)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			log.Debug().Err(err).Str("component", "realtime").Msg("websocket upgrade failed")
			return
		}

		cl := &client{
			userID: claims.UserID,
			conn:   conn,
			send:   make(chan []byte, sendBuffer),
		}
		if !h.register(cl) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}
		log.Debug().Str("user_id", cl.userID).Str("component", "realtime").Msg("websocket connected")

		go h.writePump(cl)
		go h.readPump(cl)
	}
}
