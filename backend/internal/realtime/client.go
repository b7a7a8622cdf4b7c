package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"convograph/backend/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Observers only send pings and small control messages
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the graph view is read-only and served to any origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is a websocket subscriber
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewClient wraps conn with a send buffer of the given size
func NewClient(conn *websocket.Conn, buffer int) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger.Named("ws").With(zap.String("subscriber_id", id)),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues ev without blocking
func (c *Client) Send(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return true
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which sends a close frame and closes the connection
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ServeWS upgrades the request, subscribes the connection to hub and blocks until the
// peer disconnects
func ServeWS(ctx context.Context, hub *Hub, w http.ResponseWriter, r *http.Request, buffer int) {
	log := logger.Named("ws")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Failed to upgrade connection", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := NewClient(conn, buffer)
	go c.writePump()

	if err := hub.Subscribe(ctx, c); err != nil {
		log.Error("Failed to subscribe", zap.Error(err))
		c.Close()
		return
	}

	c.readPump()
	hub.Unsubscribe(c.id)
}

// readPump consumes control frames until the peer goes away
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.logger.Debug("Received message from client", zap.ByteString("message", bytes.TrimSpace(message)))
	}
}

// writePump is the only writer on the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Failed to write message", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("Failed to send ping", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}
