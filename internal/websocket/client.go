package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection tuning. Pings go out well inside the pong deadline so a
// healthy peer never times out between them.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Game clients connect from embedded webviews without a stable origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Command is a frame sent by the client. Subscriptions are per game;
// anything broadcast for that game then lands on this connection.
type Command struct {
	Type   string `json:"type"`
	GameID string `json:"game_id,omitempty"`
}

// Client is one subscriber connection. The hub owns registration and
// fan-out; the client owns its socket and drains its send queue onto it.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger.With("client_id", id),
	}
}

// readPump consumes command frames until the peer goes away, feeding the
// pong handler that keeps the read deadline alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read failed", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(frame, &cmd); err != nil {
			c.logger.Warn("unparseable command frame", "error", err)
			c.enqueue(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd Command) {
	switch cmd.Type {
	case MessageTypeSubscribe:
		if cmd.GameID == "" {
			c.enqueue(Message{Type: MessageTypeError, Data: map[string]string{"error": "game_id required for subscribe"}})
			return
		}
		c.hub.Subscribe(c, cmd.GameID)
		c.enqueue(Message{Type: "subscribed", GameID: cmd.GameID, Data: map[string]string{"status": "ok"}})

	case MessageTypeUnsubscribe:
		if cmd.GameID == "" {
			return
		}
		c.hub.Unsubscribe(c, cmd.GameID)
		c.enqueue(Message{Type: "unsubscribed", GameID: cmd.GameID, Data: map[string]string{"status": "ok"}})

	case MessageTypePing:
		c.enqueue(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown command type", "type", cmd.Type)
	}
}

// enqueue stamps and marshals a reply onto the send queue. A full queue
// means the peer is not draining; the frame is dropped rather than letting
// the read loop block on it.
func (c *Client) enqueue(msg Message) {
	msg.Timestamp = time.Now()
	frame, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshaling reply", "error", err)
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// writePump drains the send queue onto the socket and keeps the peer alive
// with periodic pings. Frames already queued behind the current one are
// coalesced into the same websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub shut this client down.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)
			for i := len(c.send); i > 0; i-- {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

// ServeWs upgrades an HTTP request into a registered client connection.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("websocket connected")
}
