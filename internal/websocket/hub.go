// Package websocket fans reachability transitions and host-state
// snapshots out to dashboard clients. Delivery is best effort: a client
// that cannot keep up is dropped, and the host table itself is the
// recovery path.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/vigilproject/vigil/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard runs on the LAN; same-origin enforcement is left to
		// the reverse proxy.
		return true
	},
}

// Client is one connected dashboard session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Message is the frame sent to dashboard clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains dashboard clients and broadcasts to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	// getState supplies the current host table for new clients and
	// requestData frames.
	getState func() any
	logger   zerolog.Logger
}

// NewHub creates a Hub. getState may be nil until SetStateGetter is
// called.
func NewHub(getState func() any, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		getState:   getState,
		logger:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

// SetStateGetter sets the state supplier after construction.
func (h *Hub) SetStateGetter(getState func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getState = getState
}

// Run drives the hub loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info().Str("client", client.id).Msg("Dashboard client connected")
			h.sendState(client, "initialState")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info().Str("client", client.id).Msg("Dashboard client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it rather than stall the hub.
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
				}
			}

		case <-pingTicker.C:
			h.broadcastMessage(Message{
				Type: "ping",
				Data: map[string]int64{"timestamp": time.Now().Unix()},
			})
		}
	}
}

// HandleWebSocket upgrades a dashboard connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   ulid.Make().String(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// BroadcastTransition announces a reachability change to all clients.
func (h *Hub) BroadcastTransition(event models.TransitionEvent) {
	h.broadcastMessage(Message{Type: "transition", Data: event})
}

// BroadcastState pushes a full host-table snapshot to all clients.
func (h *Hub) BroadcastState(state any) {
	h.broadcastMessage(Message{Type: "hostState", Data: state})
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Marshal broadcast failed")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, frame dropped")
	}
}

func (h *Hub) sendState(client *Client, msgType string) {
	h.mu.RLock()
	getState := h.getState
	h.mu.RUnlock()
	if getState == nil {
		return
	}
	data, err := json.Marshal(Message{Type: msgType, Data: getState()})
	if err != nil {
		h.logger.Error().Err(err).Str("client", client.id).Msg("Marshal state failed")
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn().Str("client", client.id).Msg("Client buffer full, state frame dropped")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Warn().Err(err).Str("client", c.id).Msg("Unparseable client frame")
			continue
		}

		switch msg.Type {
		case "ping":
			pong := Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}
			if data, err := json.Marshal(pong); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		case "requestData":
			c.hub.sendState(c, "hostState")
		default:
			c.hub.logger.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled client frame")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
