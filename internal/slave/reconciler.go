// Package slave applies sync messages from a master to the local engine and
// runs the slave node.
package slave

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// ErrUnsupportedKind is returned for message kinds a slave does not apply.
var ErrUnsupportedKind = errors.New("slave: unsupported message kind")

// settleWindow is how long local program changes are not reported after the
// slave itself switched scenes.
const settleWindow = 2 * time.Second

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithScratch sets where received images are written.
func WithScratch(s *Scratch) Option {
	return func(r *Reconciler) { r.scratch = s }
}

// WithAlertBuffer sets the capacity of the alert queue.
func WithAlertBuffer(n int) Option {
	return func(r *Reconciler) { r.alertBuffer = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

type itemKey struct {
	scene string
	id    int64
}

// desired is the master state last received, whether or not it applied.
type desired struct {
	program    string
	preview    string
	transforms map[itemKey]engine.Transform
	images     map[string]string
}

// Reconciler applies sync messages to an engine. Engine failures become
// alerts; they never stop the caller from applying the next message.
type Reconciler struct {
	engine      engine.Controller
	scratch     *Scratch
	log         *zap.Logger
	alertBuffer int
	alerts      *alertQueue
	latency     *applyLatency

	// mu serializes application so engine calls keep message order.
	mu sync.Mutex

	stateMu sync.Mutex
	state   desired
	// settled is when the last program change we made should have echoed back.
	settled time.Time

	applied       atomic.Uint64
	lastHeartbeat atomic.Int64
}

// NewReconciler creates a reconciler writing images under the OS temp
// directory unless WithScratch is given.
func NewReconciler(ctrl engine.Controller, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:      ctrl,
		log:         logger.Named("slave"),
		alertBuffer: 100,
		latency:     newApplyLatency(),
		state: desired{
			transforms: make(map[itemKey]engine.Transform),
			images:     make(map[string]string),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.scratch == nil {
		r.scratch = NewScratch("")
	}
	r.alerts = newAlertQueue(r.alertBuffer)
	return r
}

// Alerts returns the alert stream. Reading it is optional; when nobody
// keeps up the oldest alerts are dropped.
func (r *Reconciler) Alerts() <-chan DesyncAlert { return r.alerts.ch }

// DroppedAlerts returns how many alerts were discarded unread.
func (r *Reconciler) DroppedAlerts() uint64 { return r.alerts.dropped.Load() }

// ScratchDir returns where received images are written.
func (r *Reconciler) ScratchDir() string { return r.scratch.Dir() }

// Applied returns the number of messages applied.
func (r *Reconciler) Applied() uint64 { return r.applied.Load() }

// Latency summarizes how long applied messages took.
func (r *Reconciler) Latency() LatencyStats { return r.latency.stats() }

// LastHeartbeat returns when the master was last heard from by heartbeat.
func (r *Reconciler) LastHeartbeat() time.Time {
	ms := r.lastHeartbeat.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r *Reconciler) alert(scene, source, message string, severity Severity) {
	a := newAlert(scene, source, message, severity)
	r.log.Warn("desync",
		zap.String("scene", scene),
		zap.String("source", source),
		zap.String("severity", string(severity)),
		zap.String("message", message))
	r.alerts.push(a)
}

// Apply applies one message. It returns an error only when the message could
// not be attempted at all: the engine is disconnected or the kind is not
// supported. Engine-call failures are reported as alerts.
func (r *Reconciler) Apply(ctx context.Context, msg protocol.SyncMessage) error {
	if msg.Kind == protocol.KindHeartbeat {
		r.lastHeartbeat.Store(time.Now().UnixMilli())
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(msg)
	start := time.Now()

	if !r.engine.Connected() {
		return fmt.Errorf("apply %s: %w", msg.Kind, engine.ErrNotConnected)
	}

	switch p := msg.Payload.(type) {
	case protocol.SceneChangePayload:
		r.applySceneChange(ctx, msg.TargetType, p)
	case protocol.TransformUpdatePayload:
		r.applyTransform(ctx, p)
	case protocol.ImageUpdatePayload:
		r.applyImage(ctx, p)
	case protocol.StateSyncPayload:
		r.applyState(ctx, p)
	default:
		r.log.Warn("message not applied", zap.String("type", string(msg.Kind)))
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, msg.Kind)
	}
	r.applied.Add(1)
	r.latency.record(time.Since(start))
	return nil
}

// record folds msg into the desired state.
func (r *Reconciler) record(msg protocol.SyncMessage) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	switch p := msg.Payload.(type) {
	case protocol.SceneChangePayload:
		if msg.TargetType == protocol.TargetPreview {
			r.state.preview = p.SceneName
		} else {
			r.state.program = p.SceneName
			r.settled = time.Now().Add(settleWindow)
		}
	case protocol.TransformUpdatePayload:
		r.state.transforms[itemKey{p.SceneName, p.SceneItemID}] = fromWire(p.Transform)
	case protocol.StateSyncPayload:
		r.state.program = p.CurrentProgramScene
		r.settled = time.Now().Add(settleWindow)
		r.state.preview = ""
		if p.CurrentPreviewScene != nil {
			r.state.preview = *p.CurrentPreviewScene
		}
	}
}

func (r *Reconciler) applySceneChange(ctx context.Context, target protocol.TargetType, p protocol.SceneChangePayload) {
	if target == protocol.TargetPreview {
		if err := r.engine.SetCurrentPreviewScene(ctx, p.SceneName); err != nil && !errors.Is(err, engine.ErrUnsupported) {
			r.alert(p.SceneName, "", "failed to change preview scene: "+err.Error(), SeverityWarning)
		}
		return
	}
	if err := r.engine.SetCurrentProgramScene(ctx, p.SceneName); err != nil {
		r.alert(p.SceneName, "", "failed to change scene: "+err.Error(), SeverityError)
	}
}

// applyTransform replaces the item's transform wholesale.
func (r *Reconciler) applyTransform(ctx context.Context, p protocol.TransformUpdatePayload) {
	if err := r.engine.SetSceneItemTransform(ctx, p.SceneName, p.SceneItemID, fromWire(p.Transform)); err != nil {
		r.alert(p.SceneName, "", fmt.Sprintf("failed to update transform of item %d: %v", p.SceneItemID, err), SeverityWarning)
	}
}

func (r *Reconciler) applyImage(ctx context.Context, p protocol.ImageUpdatePayload) {
	if err := r.materialize(ctx, p.SourceName, p.File, p.ImageData); err != nil {
		r.alert(p.SceneName, p.SourceName, "failed to update image: "+err.Error(), SeverityWarning)
	}
}

// applyState converges the engine on a snapshot. Item transforms are not
// reapplied.
func (r *Reconciler) applyState(ctx context.Context, p protocol.StateSyncPayload) {
	if err := r.engine.SetCurrentProgramScene(ctx, p.CurrentProgramScene); err != nil {
		r.alert(p.CurrentProgramScene, "", "failed to apply initial state: "+err.Error(), SeverityError)
		return
	}
	if p.CurrentPreviewScene != nil {
		err := r.engine.SetCurrentPreviewScene(ctx, *p.CurrentPreviewScene)
		switch {
		case errors.Is(err, engine.ErrUnsupported):
			r.log.Debug("preview scene not set, studio mode is off", zap.String("scene", *p.CurrentPreviewScene))
		case err != nil:
			r.alert(*p.CurrentPreviewScene, "", "failed to set preview scene: "+err.Error(), SeverityWarning)
		}
	}

	for _, scene := range p.Scenes {
		for _, item := range scene.Items {
			if item.ImageData == nil || item.ImagePath == nil {
				continue
			}
			if err := r.materialize(ctx, item.SourceName, *item.ImagePath, item.ImageData); err != nil {
				r.alert(scene.SceneName, item.SourceName, "failed to sync image: "+err.Error(), SeverityWarning)
			}
		}
	}
	r.log.Info("initial state applied",
		zap.String("program", p.CurrentProgramScene),
		zap.Int("scenes", len(p.Scenes)))
}

// materialize writes image bytes to the scratch area and points the input at
// the written file.
func (r *Reconciler) materialize(ctx context.Context, input, masterPath string, data []byte) error {
	path, err := r.scratch.Write(masterPath, data)
	if err != nil {
		return err
	}
	r.stateMu.Lock()
	r.state.images[input] = path
	r.stateMu.Unlock()
	if err := r.engine.SetInputSettings(ctx, input, map[string]any{"file": path}); err != nil {
		return fmt.Errorf("set input settings: %w", err)
	}
	r.log.Debug("image synced", zap.String("source", input), zap.String("path", path))
	return nil
}

// Resync reapplies the desired state, typically after the engine link came
// back. Failures are reported as alerts like any other application.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.engine.Connected() {
		return fmt.Errorf("resync: %w", engine.ErrNotConnected)
	}

	r.stateMu.Lock()
	program, preview := r.state.program, r.state.preview
	transforms := maps.Clone(r.state.transforms)
	images := maps.Clone(r.state.images)
	r.settled = time.Now().Add(settleWindow)
	r.stateMu.Unlock()

	if program != "" {
		r.applySceneChange(ctx, protocol.TargetProgram, protocol.SceneChangePayload{SceneName: program})
	}
	if preview != "" {
		r.applySceneChange(ctx, protocol.TargetPreview, protocol.SceneChangePayload{SceneName: preview})
	}
	for key, t := range transforms {
		if err := r.engine.SetSceneItemTransform(ctx, key.scene, key.id, t); err != nil {
			r.alert(key.scene, "", fmt.Sprintf("failed to restore transform of item %d: %v", key.id, err), SeverityWarning)
		}
	}
	for input, path := range images {
		if err := r.engine.SetInputSettings(ctx, input, map[string]any{"file": path}); err != nil {
			r.alert("", input, "failed to restore image: "+err.Error(), SeverityWarning)
		}
	}
	r.log.Info("desired state reapplied", zap.String("program", program))
	return nil
}

// Observe inspects a local engine event and raises a warning when the local
// program scene moves away from the master's.
func (r *Reconciler) Observe(ev engine.Event) {
	if ev.Kind != engine.EventProgramSceneChanged {
		return
	}
	r.stateMu.Lock()
	want, settling := r.state.program, time.Now().Before(r.settled)
	r.stateMu.Unlock()
	if want != "" && !settling && ev.SceneName != want {
		r.alert(ev.SceneName, "", fmt.Sprintf("program scene changed locally, master is on %q", want), SeverityWarning)
	}
}

func fromWire(t protocol.Transform) engine.Transform {
	return engine.Transform{
		PositionX: t.PositionX,
		PositionY: t.PositionY,
		Rotation:  t.Rotation,
		ScaleX:    t.ScaleX,
		ScaleY:    t.ScaleY,
		Width:     t.Width,
		Height:    t.Height,
	}
}
