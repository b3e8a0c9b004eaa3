package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("client send buffer full")
)

// wsClient owns one upgraded connection. Frames queued with Send are written by
// writePump; readPump feeds inbound frames to the dispatcher.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	log     *zap.Logger
	metrics *metrics.Gateway
}

func newClient(id string, conn *websocket.Conn, buffer int, log *zap.Logger, m *metrics.Gateway) *wsClient {
	return &wsClient{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		log:     log.With(zap.String("connection_id", id)),
		metrics: m,
	}
}

// Send queues frame without blocking. A slow client loses the frame rather than
// stalling the caller.
func (c *wsClient) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		c.metrics.FrameDropped()
		c.log.Warn("Dropping frame for slow client", zap.Int("buffer", cap(c.send)))
		return errSendBufferFull
	}
}

// close stops writePump, which sends a close frame and closes the socket.
func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) readPump(d Dispatcher, readLimit int64, release func()) {
	defer func() {
		c.close()
		d.Disconnect(c.id)
		release()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("Error reading from client", zap.Error(err))
			} else {
				c.log.Debug("Client closed connection", zap.Error(err))
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		d.Handle(c.id, msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write error", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("Ping error", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
