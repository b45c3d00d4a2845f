// Package hub fans synchronization messages out to every connected slave.
//
// A Hub accepts websocket upgrades on any path of its port. Each connection
// gets its own bounded outbound queue drained by a dedicated writer, so a
// slow slave never delays the others: when its queue is full it is evicted
// and is expected to reconnect and resynchronize from a fresh snapshot.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/httpapi"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

const writeWait = 10 * time.Second

var (
	ErrUnknownClient = errors.New("hub: unknown client")
	ErrQueueFull     = errors.New("hub: client queue full")
	ErrStopped       = errors.New("hub: stopped")
)

// BindError is returned by Start when the listen address cannot be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("hub: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config configures a Hub.
type Config struct {
	// ClientBuffer is the per-connection outbound queue length.
	ClientBuffer int
	// ReadTimeout closes a connection that sends nothing, not even a ping,
	// for this long. Zero disables it.
	ReadTimeout time.Duration
	// OnJoin runs in its own goroutine once a connection is registered.
	OnJoin func(id string)
	// Routes mounts additional HTTP routes on the hub's server.
	Routes       func(r fiber.Router)
	ErrorHandler fiber.ErrorHandler
	Logger       *zap.Logger
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Clients    int    `json:"clients"`
	Broadcasts uint64 `json:"broadcasts"`
	Evictions  uint64 `json:"evictions"`
	Dropped    uint64 `json:"dropped"`
}

// Hub is the master-side broadcast server.
type Hub struct {
	cfg Config
	log *zap.Logger
	app *fiber.App

	mu      sync.RWMutex
	conns   map[string]*clientConn
	stopped bool

	addr     net.Addr
	cancel   context.CancelFunc
	stopOnce sync.Once

	broadcasts atomic.Uint64
	evictions  atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a hub. Nothing listens until Start.
func New(cfg Config) *Hub {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Named("hub")
	}
	h := &Hub{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[string]*clientConn),
	}

	h.app = httpapi.NewApp(fiber.Config{ErrorHandler: cfg.ErrorHandler})
	httpapi.Use(h.app, h.log)
	upgrade := fiberws.New(h.handleConnection)
	h.app.Use(func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return upgrade(c)
		}
		return c.Next()
	})
	if cfg.Routes != nil {
		cfg.Routes(h.app)
	}
	return h
}

// Start binds :port on all interfaces and begins serving. Bind failures are
// returned immediately. in is consumed until ctx is done or Stop is called.
func (h *Hub) Start(ctx context.Context, port int, in <-chan protocol.SyncMessage) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.addr = ln.Addr()
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		if err := h.app.Listener(ln); err != nil {
			h.log.Error("hub server stopped", zap.Error(err))
		}
	}()
	go h.fanout(runCtx, in)
	go func() {
		<-runCtx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = h.Stop(shutdownCtx)
	}()

	h.log.Info("hub listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *Hub) Addr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addr
}

// Stop stops accepting, stops the fan-out loop and aborts every open
// connection. Queued but unsent messages are discarded.
func (h *Hub) Stop(ctx context.Context) error {
	var err error
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.stopped = true
		cancel := h.cancel
		conns := make([]*clientConn, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		clear(h.conns)
		h.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		for _, c := range conns {
			c.close()
		}
		err = h.app.ShutdownWithContext(ctx)
		h.log.Info("hub stopped", zap.Int("aborted", len(conns)))
	})
	return err
}

// ConnectedCount returns the number of registered connections.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats returns activity counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:    h.ConnectedCount(),
		Broadcasts: h.broadcasts.Load(),
		Evictions:  h.evictions.Load(),
		Dropped:    h.dropped.Load(),
	}
}

// ─── fan-out ────────────────────────────────────────────────────────────────

func (h *Hub) fanout(ctx context.Context, in <-chan protocol.SyncMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			h.Broadcast(msg)
		}
	}
}

// Broadcast encodes msg once and queues the same bytes on every connection.
// Connections whose queue is full are evicted. It returns the number of
// connections the message was queued on.
func (h *Hub) Broadcast(msg protocol.SyncMessage) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.dropped.Add(1)
		h.log.Error("dropping unencodable message", zap.String("type", string(msg.Kind)), zap.Error(err))
		return 0
	}
	f := frame{typ: fiberws.TextMessage, data: data}

	var (
		queued  int
		evicted []*clientConn
	)
	h.mu.RLock()
	for _, c := range h.conns {
		select {
		case c.send <- f:
			queued++
		default:
			evicted = append(evicted, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range evicted {
		h.evictions.Add(1)
		h.log.Warn("evicting slow client", zap.String("client", c.id), zap.Int("queue", cap(c.send)))
		h.remove(c)
	}
	h.broadcasts.Add(1)
	return queued
}

// Unicast queues msg on a single connection.
func (h *Hub) Unicast(id string, msg protocol.SyncMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return h.enqueue(id, frame{typ: fiberws.TextMessage, data: data})
}

func (h *Hub) enqueue(id string, f frame) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	if !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	select {
	case c.send <- f:
		h.mu.RUnlock()
		return nil
	default:
	}
	h.mu.RUnlock()

	h.evictions.Add(1)
	h.log.Warn("evicting slow client", zap.String("client", id))
	h.remove(c)
	return fmt.Errorf("%w: %s", ErrQueueFull, id)
}

// ─── registry ───────────────────────────────────────────────────────────────

func (h *Hub) register(c *clientConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.conns[c.id] = c
	return true
}

// remove unregisters c and closes its socket. Safe to call more than once.
func (h *Hub) remove(c *clientConn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	c.close()
}

// handleConnection runs for the lifetime of one upgraded connection.
func (h *Hub) handleConnection(ws *fiberws.Conn) {
	c := &clientConn{
		id:         uuid.NewString(),
		conn:       ws,
		send:       make(chan frame, h.cfg.ClientBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if !h.register(c) {
		_ = ws.Close()
		return
	}
	h.log.Info("client connected", zap.String("client", c.id), zap.String("remote", ws.RemoteAddr().String()))

	go c.writePump(h)
	if h.cfg.OnJoin != nil {
		go h.cfg.OnJoin(c.id)
	}

	c.readPump(h)

	h.remove(c)
	// The fiber connection is released when this handler returns.
	<-c.writerDone
	h.log.Info("client disconnected", zap.String("client", c.id))
}
