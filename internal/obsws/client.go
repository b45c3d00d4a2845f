// Package obsws adapts an obs-websocket v5 server to the engine interfaces.
package obsws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

// Config holds connection settings.
type Config struct {
	URL               string
	Password          string
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
	Subscriptions     int
	EventBuffer       int
}

func (c *Config) withDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.Subscriptions == 0 {
		c.Subscriptions = DefaultSubscriptions
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Client is a single obs-websocket session that reconnects under Run.
// It implements engine.Controller.
type Client struct {
	cfg    Config
	log    *zap.Logger
	events chan engine.Event

	mu      sync.Mutex // guards conn, done, pending
	writeMu sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	pending map[string]chan requestResponseData

	connected atomic.Bool
}

// New creates a client. Nothing is dialed until Connect or Run.
func New(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		log:     logger.Named("obsws"),
		events:  make(chan engine.Event, cfg.EventBuffer),
		pending: make(map[string]chan requestResponseData),
	}
}

// Events is the native event feed. It is never closed.
func (c *Client) Events() <-chan engine.Event {
	return c.events
}

// Connected reports whether an identified session is live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps a session open until ctx is cancelled, redialing after every loss.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()
	for {
		if err := c.Connect(ctx); err != nil {
			c.log.Warn("obs connect failed", zap.String("url", c.cfg.URL), zap.Error(err))
		} else {
			c.log.Info("obs connected", zap.String("url", c.cfg.URL))
			select {
			case <-ctx.Done():
				return nil
			case <-c.sessionDone():
				c.log.Warn("obs connection lost")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// Connect dials and completes the Hello/Identify handshake. It is a no-op
// while a session is live.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial obs: %w", err)
	}

	if err := c.identify(ws); err != nil {
		ws.Close()
		return err
	}

	c.conn = ws
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.readPump(ws, c.done)
	return nil
}

func (c *Client) identify(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var hello message
	if err := ws.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != OpHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var h helloData
	if err := json.Unmarshal(hello.D, &h); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	id := identifyData{RPCVersion: RPCVersion, EventSubscriptions: c.cfg.Subscriptions}
	if h.Authentication != nil {
		if c.cfg.Password == "" {
			return errors.New("obs requires authentication but no password is configured")
		}
		id.Authentication = authResponse(c.cfg.Password, h.Authentication.Salt, h.Authentication.Challenge)
	}
	if err := writeOp(ws, OpIdentify, id); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	var reply message
	if err := ws.ReadJSON(&reply); err != nil {
		// obs closes the socket with 4009 on bad credentials.
		return fmt.Errorf("read identified: %w", err)
	}
	if reply.Op != OpIdentified {
		return fmt.Errorf("expected identified, got op %d", reply.Op)
	}
	var ided identifiedData
	if err := json.Unmarshal(reply.D, &ided); err != nil {
		return fmt.Errorf("decode identified: %w", err)
	}
	c.log.Debug("obs identified", zap.String("version", h.ObsWebSocketVersion), zap.Int("rpc", ided.NegotiatedRPCVersion))
	return nil
}

func writeOp(ws *websocket.Conn, op OpCode, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return ws.WriteJSON(message{Op: op, D: raw})
}

// Close ends the current session, failing in-flight requests.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.conn
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) sessionDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// ─── read pump ──────────────────────────────────────────────────────────────

func (c *Client) readPump(ws *websocket.Conn, done chan struct{}) {
	defer c.teardown(ws, done)

	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			c.log.Debug("obs read ended", zap.Error(err))
			return
		}

		switch msg.Op {
		case OpRequestResponse:
			var resp requestResponseData
			if err := json.Unmarshal(msg.D, &resp); err != nil {
				c.log.Warn("malformed obs response", zap.Error(err))
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.RequestID]
			delete(c.pending, resp.RequestID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}

		case OpEvent:
			var ev eventData
			if err := json.Unmarshal(msg.D, &ev); err != nil {
				c.log.Warn("malformed obs event", zap.Error(err))
				continue
			}
			native, err := translateEvent(ev)
			if err != nil {
				c.log.Warn("obs event dropped", zap.String("event", ev.EventType), zap.Error(err))
				continue
			}
			select {
			case c.events <- native:
			case <-done:
				return
			}
		}
	}
}

func (c *Client) teardown(ws *websocket.Conn, done chan struct{}) {
	_ = ws.Close()

	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
		c.connected.Store(false)
	}
	pending := c.pending
	c.pending = make(map[string]chan requestResponseData)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(done)
}

// ─── requests ───────────────────────────────────────────────────────────────

// Request sends one request and decodes responseData into out when non-nil.
func (c *Client) Request(ctx context.Context, requestType string, data any, out any) error {
	id := uuid.NewString()
	ch := make(chan requestResponseData, 1)

	c.mu.Lock()
	ws := c.conn
	if ws == nil {
		c.mu.Unlock()
		return engine.ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeOp(ws, OpRequest, requestData{RequestType: requestType, RequestID: id, RequestData: data})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", requestType, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return engine.ErrNotConnected
		}
		if !resp.RequestStatus.Result {
			return &RequestError{Type: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("decode %s response: %w", requestType, err)
			}
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return fmt.Errorf("%s: no response within %s", requestType, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
