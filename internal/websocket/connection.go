package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps a websocket with a single writer goroutine. Data frames
// and pings are written only by writeLoop; the mailbox is never closed.
type Connection struct {
	conn    *websocket.Conn
	config  Config
	logger  *slog.Logger
	mailbox <-chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection starts the writer for conn. Payloads arriving on mailbox
// are written verbatim as text frames, interleaved with heartbeat pings.
// The connection closes when parent is cancelled.
func NewConnection(parent context.Context, conn *websocket.Conn, mailbox <-chan []byte, config Config, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		conn:    conn,
		config:  config,
		logger:  logger,
		mailbox: mailbox,
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	defer c.Close()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.mailbox:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("delivery write failed", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}

		case <-c.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.config.WriteTimeout))
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// ReadLoop reads frames until the peer goes away or the connection is
// closed, handing every text frame to handle. Other frame types are
// skipped. Pongs extend the read deadline.
func (c *Connection) ReadLoop(handle func([]byte)) error {
	c.conn.SetReadLimit(c.config.ReadLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return err
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handle(data)
	}
}

// Done is closed once the connection is closing.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
