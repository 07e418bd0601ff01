package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/conduit/internal/log"
	"github.com/zjrosen/conduit/internal/protocol"
)

// ErrConnClosed is returned by Send once the connection is closing.
var ErrConnClosed = errors.New("ws: connection closed")

// conn adapts one WebSocket to hub.Conn. Send never blocks: events queue in
// an unbounded outbox drained in order by writePump.
type conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	outbox []protocol.Event
	closed bool

	wake chan struct{}
	done chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(evt protocol.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.outbox = append(c.outbox, evt)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// close stops accepting events. writePump flushes what is queued, then
// sends a close frame.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *conn) take() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

func (c *conn) writePump(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.wake:
			if err := c.flush(writeWait); err != nil {
				log.Debug(log.CatWS, "write failed", "conn", c.id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.flush(writeWait)
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *conn) flush(writeWait time.Duration) error {
	for _, evt := range c.take() {
		data, err := protocol.Marshal(evt)
		if err != nil {
			log.ErrorErr(log.CatWS, "marshal event failed", err, "type", evt.Type())
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}
