package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// MessageHandler receives what a client sends.
type MessageHandler func(c *Connection, message []byte)

// Connection is one websocket client following a topic.
type Connection struct {
	ID          string
	Topic       string
	RemoteAddr  string
	ConnectedAt time.Time

	ws      *websocket.Conn
	manager *ConnectionManager
	handler MessageHandler
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
	closeCode int
	closeText string
}

// Write queues data for this connection only. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) Write(data []byte) bool {
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

// Close ends the connection with a close frame carrying code.
func (c *Connection) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
	c.manager.remove(c)
}

func (c *Connection) deadline() time.Time {
	return time.Now().Add(c.manager.config.WriteTimeout)
}

func (c *Connection) writePump() {
	ping := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ping.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			if err := c.ws.WriteControl(websocket.CloseMessage, frame, c.deadline()); err != nil {
				log.Debug().Err(err).Str("connection_id", c.ID).Msg("close frame not sent")
			}
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(c.deadline())
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to write to websocket")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to ping websocket")
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	timeout := c.manager.config.ReadTimeout
	c.ws.SetReadLimit(c.manager.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connection_id", c.ID).Msg("websocket closed unexpectedly")
			}
			c.Close(websocket.CloseNormalClosure, "")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		if c.handler == nil {
			log.Debug().Str("connection_id", c.ID).Msg("ignoring client message")
			continue
		}
		c.handler(c, message)
	}
}
