package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event kinds of the chat stream. The consumer applies events strictly in
// emission order; Seq makes that order checkable on the wire.
const (
	EventContentDelta = "content_delta"
	EventToolCall     = "tool_call"
	EventTerminal     = "terminal"
)

// EventArg mirrors a recorded tool-call argument in a tool_call event.
type EventArg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event is one element of the ordered stream emitted while a turn runs.
type Event struct {
	Type      string     `json:"type"`
	Seq       int        `json:"seq"`
	SessionID string     `json:"session_id,omitempty"`
	Delta     string     `json:"delta,omitempty"`
	Tool      string     `json:"tool,omitempty"`
	Args      []EventArg `json:"args,omitempty"`
	Summary   string     `json:"summary,omitempty"`
	State     string     `json:"state,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Inbound is a message from the front end.
type Inbound struct {
	Type      string `json:"type"` // "chat"
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

type Client struct {
	Hub            *Hub
	Conn           *websocket.Conn
	Send           chan []byte
	UserID         string
	SessionID      string
	MessageHandler func(*Client, []byte)

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	seq int
}

// Context is cancelled when the connection goes away, so a turn in flight
// stops instead of running against a closed socket.
func (c *Client) Context() context.Context {
	return c.ctx
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			slog.Info("Client registered", "user_id", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			slog.Info("Client unregistered", "user_id", client.UserID, "session_id", client.SessionID)
		}
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, userID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register <- client
	return client
}

// SendEvent queues one event for delivery. Sequence numbers are assigned
// under the client lock so concurrent emitters cannot produce out-of-order
// streams.
func (c *Client) SendEvent(event Event) {
	c.mu.Lock()
	c.seq++
	event.Seq = c.seq
	if event.SessionID == "" {
		event.SessionID = c.SessionID
	}
	c.mu.Unlock()

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("Failed to marshal event", "error", err, "type", event.Type)
		return
	}

	select {
	case c.Send <- payload:
	default:
		// Dropping a mid-stream event would break ordered delivery, so a
		// consumer that cannot keep up loses the connection instead.
		slog.Warn("Client send buffer full, closing connection", "user_id", c.UserID, "type", event.Type)
		c.cancel()
		c.Conn.Close()
	}
}

// ReadPump reads inbound messages and hands them to the message handler
// synchronously, so one turn of a session runs to completion before the next
// message is read.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(300 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(300 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket error", "error", err)
			}
			break
		}

		if c.MessageHandler != nil {
			c.MessageHandler(c, messageBytes)
		} else {
			slog.Warn("No message handler configured", "user_id", c.UserID)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued events into the same frame, newline-delimited, so
			// delivery order matches emission order.
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
