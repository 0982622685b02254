package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/live-relay/internal/metrics"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024

	sendBufferSize    = 256
	inboundBufferSize = 64
)

// Conn wraps the browser socket. Writes go through a bounded queue drained
// by writePump; reads are handed to the session loop in arrival order.
type Conn struct {
	ws      *websocket.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
	send    chan *ServerMessage
	inbound chan []byte
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

func NewConn(ws *websocket.Conn, m *metrics.Metrics, logger *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		logger:  logger,
		metrics: m,
		send:    make(chan *ServerMessage, sendBufferSize),
		inbound: make(chan []byte, inboundBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *Conn) Send(msg *ServerMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.send <- msg:
		c.metrics.EventsRelayed.WithLabelValues(msg.Type).Inc()
	default:
		c.metrics.DroppedMessages.Inc()
		c.logger.Warn("send buffer full, dropping message", "type", msg.Type)
	}
}

func (c *Conn) Inbound() <-chan []byte {
	return c.inbound
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.ws.Close()
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		close(c.inbound)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case c.inbound <- message:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// writePump drains the queue until the connection closes. When ctx is
// cancelled, queued messages are flushed ahead of the close frame.
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Warn("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			return
		}
	}
}

func (c *Conn) write(msg *ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "error", err)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
