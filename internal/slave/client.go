package slave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

const writeWait = 10 * time.Second

// Handler consumes one decoded message. Messages are handed over one at a
// time in arrival order.
type Handler func(ctx context.Context, msg protocol.SyncMessage)

// ClientConfig configures the connection to a master.
type ClientConfig struct {
	MasterURL        string
	HandshakeTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// PingInterval is the keepalive period. The connection is considered dead
	// after three intervals of silence.
	PingInterval time.Duration
}

func (c *ClientConfig) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
}

// Client keeps a websocket connection to the master open and feeds every
// message it receives to a Handler.
type Client struct {
	cfg     ClientConfig
	url     string
	handler Handler
	log     *zap.Logger

	connected      atomic.Bool
	received       atomic.Uint64
	protocolErrors atomic.Uint64
	reconnects     atomic.Uint64
}

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(cfg ClientConfig, handler Handler) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		url:     toWebSocketURL(cfg.MasterURL),
		handler: handler,
		log:     logger.Named("slave-client"),
	}
}

// Connected reports whether a master connection is open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Received returns the number of messages decoded.
func (c *Client) Received() uint64 { return c.received.Load() }

// ProtocolErrors returns the number of frames dropped as undecodable.
func (c *Client) ProtocolErrors() uint64 { return c.protocolErrors.Load() }

// Reconnects returns the number of reconnection attempts made.
func (c *Client) Reconnects() uint64 { return c.reconnects.Load() }

// Run connects and reconnects until ctx is done. The delay between attempts
// doubles from ReconnectInitial up to ReconnectMax and resets after a
// successful connection.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectInitial
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.cfg.ReconnectInitial
		}
		c.log.Warn("master connection lost",
			zap.String("url", c.url),
			zap.Error(err),
			zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		c.reconnects.Add(1)
		backoff = min(backoff*2, c.cfg.ReconnectMax)
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected to master", zap.String("url", c.url))

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, ws, done)

	return true, c.readPump(ctx, ws)
}

func (c *Client) readPump(ctx context.Context, ws *websocket.Conn) error {
	defer ws.Close()

	deadline := 3 * c.cfg.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("closed by master")
			}
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))

		msg, err := protocol.Decode(raw)
		if err != nil {
			c.protocolErrors.Add(1)
			c.log.Warn("frame dropped",
				zap.Bool("protocol_error", protocol.IsProtocolError(err)),
				zap.Int("bytes", len(raw)),
				zap.Error(err))
			continue
		}
		c.received.Add(1)
		c.handler(ctx, msg)
	}
}

// keepalive pings the master and closes the connection on shutdown.
func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

// toWebSocketURL converts an HTTP(s) URL or bare host:port to a ws:// URL.
func toWebSocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
