package hub

import (
	"sync"
	"time"

	fiberws "github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

type frame struct {
	typ  int
	data []byte
}

type clientConn struct {
	id         string
	conn       *fiberws.Conn
	send       chan frame
	done       chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *clientConn) refreshDeadline(timeout time.Duration) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// readPump blocks until the peer closes or a read fails. Application frames
// are discarded; pings are answered through the outbound queue so that the
// writer stays the only goroutine writing frames.
func (c *clientConn) readPump(h *Hub) {
	timeout := h.cfg.ReadTimeout
	c.conn.SetPingHandler(func(appData string) error {
		c.refreshDeadline(timeout)
		if err := h.enqueue(c.id, frame{typ: fiberws.PongMessage, data: []byte(appData)}); err != nil {
			h.log.Debug("pong not queued", zap.String("client", c.id), zap.Error(err))
		}
		return nil
	})
	c.conn.SetPongHandler(func(string) error {
		c.refreshDeadline(timeout)
		return nil
	})

	for {
		c.refreshDeadline(timeout)
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !fiberws.IsCloseError(err, fiberws.CloseNormalClosure, fiberws.CloseGoingAway) {
				h.log.Debug("client read ended", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *clientConn) writePump(h *Hub) {
	defer close(c.writerDone)
	for {
		select {
		case f := <-c.send:
			var err error
			if f.typ == fiberws.PongMessage {
				err = c.conn.WriteControl(fiberws.PongMessage, f.data, time.Now().Add(writeWait))
			} else {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = c.conn.WriteMessage(f.typ, f.data)
			}
			if err != nil {
				h.log.Warn("client write failed", zap.String("client", c.id), zap.Error(err))
				h.remove(c)
				return
			}
		case <-c.done:
			return
		}
	}
}
