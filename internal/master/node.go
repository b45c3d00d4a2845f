package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/internal/httpapi"
	"github.com/FlowingSPDG/obs-sync/internal/hub"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// Engine is the engine link a node drives: control, events and its own
// connection loop.
type Engine interface {
	engine.Controller
	Events() <-chan engine.Event
	Run(ctx context.Context) error
}

// NodeConfig configures a master node.
type NodeConfig struct {
	Port              int
	Targets           []protocol.TargetType
	HeartbeatInterval time.Duration
	ClientBuffer      int
	ReadTimeout       time.Duration
	WatchImages       bool
	// SnapshotRetry is how often a join snapshot is retried while the engine
	// is disconnected.
	SnapshotRetry time.Duration
}

// Node wires the reconciler, the hub, the heartbeat job and the image
// watcher around one engine link.
type Node struct {
	cfg     NodeConfig
	eng     Engine
	rec     *Reconciler
	hub     *hub.Hub
	watcher *ImageWatcher
	log     *zap.Logger
	started time.Time
	ctx     context.Context
}

// NewNode builds a node. Nothing runs until Run.
func NewNode(cfg NodeConfig, eng Engine) (*Node, error) {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.SnapshotRetry <= 0 {
		cfg.SnapshotRetry = time.Second
	}
	n := &Node{
		cfg: cfg,
		eng: eng,
		log: logger.Named("master"),
		ctx: context.Background(),
	}

	opts := []Option{WithLogger(n.log)}
	if len(cfg.Targets) > 0 {
		opts = append(opts, WithTargets(cfg.Targets))
	}
	if cfg.WatchImages {
		w, err := NewImageWatcher(0)
		if err != nil {
			return nil, err
		}
		n.watcher = w
		opts = append(opts, WithImageObserver(w.Track), WithImageRelease(w.Untrack))
	}
	n.rec = NewReconciler(eng, opts...)

	n.hub = hub.New(hub.Config{
		ClientBuffer: cfg.ClientBuffer,
		ReadTimeout:  cfg.ReadTimeout,
		OnJoin:       n.sendSnapshot,
		Routes:       n.routes,
		ErrorHandler: httpapi.ErrorHandler,
		Logger:       logger.Named("hub"),
	})
	return n, nil
}

// Reconciler returns the node's reconciler.
func (n *Node) Reconciler() *Reconciler { return n.rec }

// Hub returns the node's hub.
func (n *Node) Hub() *hub.Hub { return n.hub }

// Run blocks until ctx is cancelled or a component fails. A bind failure of
// the hub is returned immediately.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	n.ctx = ctx
	n.started = time.Now()

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		n.closeWatcher()
		return fmt.Errorf("create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(n.cfg.HeartbeatInterval),
		gocron.NewTask(n.heartbeat),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = scheduler.Shutdown()
		n.closeWatcher()
		return fmt.Errorf("schedule heartbeat: %w", err)
	}

	if err := n.hub.Start(ctx, n.cfg.Port, n.rec.Messages()); err != nil {
		_ = scheduler.Shutdown()
		n.closeWatcher()
		return err
	}
	scheduler.Start()

	g.Go(func() error { return n.eng.Run(ctx) })
	g.Go(func() error { return n.rec.Run(ctx, n.eng.Events()) })
	if n.watcher != nil {
		g.Go(func() error { return n.watcher.Run(ctx, n.rec.Handle) })
		g.Go(func() error { return n.primeWatcher(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(scheduler.Shutdown(), n.hub.Stop(shutdownCtx))
	})

	n.log.Info("master node started",
		zap.Int("port", n.cfg.Port),
		zap.Any("targets", n.rec.ActiveTargets()),
		zap.Duration("heartbeat", n.cfg.HeartbeatInterval))
	return g.Wait()
}

// closeWatcher releases the watcher when Run fails before starting it.
func (n *Node) closeWatcher() {
	if n.watcher != nil {
		_ = n.watcher.Close()
	}
}

func (n *Node) heartbeat() {
	if err := n.rec.SendHeartbeat(); err != nil {
		n.log.Warn("heartbeat skipped", zap.Error(err))
	}
}

// waitConnected blocks until the engine link is up.
func (n *Node) waitConnected(ctx context.Context) bool {
	if n.eng.Connected() {
		return true
	}
	ticker := time.NewTicker(n.cfg.SnapshotRetry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if n.eng.Connected() {
				return true
			}
		}
	}
}

// primeWatcher builds one snapshot at startup so that every image source
// file gets tracked before any slave joins.
func (n *Node) primeWatcher(ctx context.Context) error {
	if !n.waitConnected(ctx) {
		return nil
	}
	if _, err := n.rec.BuildInitialState(ctx); err != nil {
		n.log.Warn("initial image scan failed", zap.Error(err))
	}
	return nil
}

// sendSnapshot delivers a state_sync to a newly joined slave.
//
// A delta produced while the snapshot is being built may reach the slave
// before the snapshot and then be overwritten by older state; the next change
// of the same item or scene repairs it.
func (n *Node) sendSnapshot(id string) {
	ctx := n.ctx
	for {
		if !n.waitConnected(ctx) {
			return
		}
		msg, err := n.rec.BuildInitialState(ctx)
		if err == nil {
			if err := n.hub.Unicast(id, msg); err != nil {
				n.log.Warn("snapshot not delivered", zap.String("client", id), zap.Error(err))
			} else {
				n.log.Info("snapshot sent", zap.String("client", id))
			}
			return
		}
		n.log.Warn("snapshot failed, retrying", zap.String("client", id), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(n.cfg.SnapshotRetry):
		}
	}
}
