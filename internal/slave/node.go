package slave

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/internal/httpapi"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// Engine is the engine link a node drives.
type Engine interface {
	engine.Controller
	Events() <-chan engine.Event
	Run(ctx context.Context) error
}

// NodeConfig configures a slave node.
type NodeConfig struct {
	Client     ClientConfig
	ScratchDir string
	// AlertBuffer is the capacity of the reconciler's alert queue.
	AlertBuffer int
	// AlertHistory is how many alerts the status API keeps.
	AlertHistory int
	// StatusAddress enables the REST API when set, e.g. "127.0.0.1:9002".
	StatusAddress string
	// EngineCheck is how often the engine link is polled for reconnection.
	EngineCheck time.Duration
}

// Node connects an engine to a master.
type Node struct {
	cfg     NodeConfig
	eng     Engine
	rec     *Reconciler
	client  *Client
	history *AlertLog
	app     *fiber.App
	log     *zap.Logger
	started time.Time

	engineUp atomic.Bool
}

// NewNode builds a node. Nothing runs until Run.
func NewNode(cfg NodeConfig, eng Engine) *Node {
	if cfg.EngineCheck <= 0 {
		cfg.EngineCheck = time.Second
	}
	n := &Node{
		cfg:     cfg,
		eng:     eng,
		history: NewAlertLog(cfg.AlertHistory),
		log:     logger.Named("slave"),
	}
	n.rec = NewReconciler(eng,
		WithScratch(NewScratch(cfg.ScratchDir)),
		WithAlertBuffer(cfg.AlertBuffer),
		WithLogger(n.log))
	n.client = NewClient(cfg.Client, n.apply)

	n.app = httpapi.NewApp(fiber.Config{})
	httpapi.Use(n.app, n.log)
	n.routes(n.app)
	return n
}

// Reconciler returns the node's reconciler.
func (n *Node) Reconciler() *Reconciler { return n.rec }

// Client returns the node's master connection.
func (n *Node) Client() *Client { return n.client }

// Alerts returns the node's alert log.
func (n *Node) Alerts() *AlertLog { return n.history }

func (n *Node) apply(ctx context.Context, msg protocol.SyncMessage) {
	err := n.rec.Apply(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrNotConnected):
		n.log.Warn("message not applied, engine offline", zap.String("type", string(msg.Kind)))
	default:
		n.log.Warn("message not applied", zap.String("type", string(msg.Kind)), zap.Error(err))
	}
}

// Run blocks until ctx is cancelled or a component fails.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	n.started = time.Now()
	n.engineUp.Store(n.eng.Connected())

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(n.cfg.EngineCheck),
		gocron.NewTask(n.checkEngine, ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("schedule engine check: %w", err)
	}
	scheduler.Start()

	g.Go(func() error { return n.eng.Run(ctx) })
	g.Go(func() error { return n.client.Run(ctx) })
	g.Go(func() error { return n.observe(ctx) })
	g.Go(func() error { return n.collectAlerts(ctx) })
	if n.cfg.StatusAddress != "" {
		g.Go(func() error {
			n.log.Info("status api listening", zap.String("addr", n.cfg.StatusAddress))
			return n.app.Listen(n.cfg.StatusAddress)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		var errs []error
		errs = append(errs, scheduler.Shutdown())
		if n.cfg.StatusAddress != "" {
			errs = append(errs, n.app.ShutdownWithTimeout(5*time.Second))
		}
		return errors.Join(errs...)
	})

	n.log.Info("slave node started",
		zap.String("master", n.client.url),
		zap.String("scratch", n.rec.ScratchDir()))
	return g.Wait()
}

// checkEngine reapplies the desired state when the engine link comes back.
func (n *Node) checkEngine(ctx context.Context) {
	up := n.eng.Connected()
	if was := n.engineUp.Swap(up); up && !was {
		n.log.Info("engine reconnected, resyncing")
		if err := n.rec.Resync(ctx); err != nil {
			n.log.Warn("resync failed", zap.Error(err))
		}
	}
}

func (n *Node) observe(ctx context.Context) error {
	events := n.eng.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.rec.Observe(ev)
		}
	}
}

func (n *Node) collectAlerts(ctx context.Context) error {
	alerts := n.rec.Alerts()
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-alerts:
			n.history.Add(a)
		}
	}
}
