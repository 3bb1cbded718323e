package realtime

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nova-social/backend/pkg/logger"
)

const maxMessageSize = 512 * 1024

// Client wraps one WebSocket connection. ClientID identifies the
// connection instance (used as the Redis Streams consumer name and the
// sync_state primary key); UserID identifies the person behind it.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	ClientID string
	UserID   string
	log      *logger.Logger

	pingInterval time.Duration
	pongWait     time.Duration
}

func NewClient(hub *Hub, conn *websocket.Conn, clientID, userID string, pingInterval, pongWait time.Duration, bufferSize int, log *logger.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, bufferSize),
		done:         make(chan struct{}),
		ClientID:     clientID,
		UserID:       userID,
		log:          log,
		pingInterval: pingInterval,
		pongWait:     pongWait,
	}
}

// ReadPump drains the connection solely to detect client disconnects
// and keep the pong deadline alive; this path is receive-only, clients
// never publish directly through the socket.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

// WritePump delivers queued realtime messages and periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
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
		case <-c.done:
			return
		}
	}
}
