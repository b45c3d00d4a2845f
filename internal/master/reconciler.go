// Package master turns native engine events on the master into sync messages
// and runs the master node.
package master

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

// ErrOutboundFull is returned by SendHeartbeat when the outbound stream is full.
var ErrOutboundFull = errors.New("master: outbound stream full")

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTargets sets the initial active targets.
func WithTargets(targets []protocol.TargetType) Option {
	return func(r *Reconciler) { r.setTargets(targets) }
}

// WithBuffer sets the capacity of the outbound stream.
func WithBuffer(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithImageObserver registers fn to be told about every image source file the
// reconciler reads, so that the file can be watched.
func WithImageObserver(fn func(input, path string)) Option {
	return func(r *Reconciler) { r.observe = fn }
}

// WithImageRelease registers fn to be told when an input is removed.
func WithImageRelease(fn func(input string)) Option {
	return func(r *Reconciler) { r.release = fn }
}

// Reconciler translates engine events into protocol messages for the active
// targets and publishes them on Messages.
type Reconciler struct {
	engine  engine.Controller
	log     *zap.Logger
	buffer  int
	out     chan protocol.SyncMessage
	observe func(input, path string)
	release func(input string)

	mu      sync.RWMutex
	targets map[protocol.TargetType]struct{}

	translated atomic.Uint64
	filtered   atomic.Uint64
}

// NewReconciler creates a reconciler with the default targets {program, source}.
func NewReconciler(ctrl engine.Controller, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine: ctrl,
		log:    logger.Named("master"),
		buffer: 256,
	}
	r.setTargets(protocol.DefaultTargets())
	for _, opt := range opts {
		opt(r)
	}
	r.out = make(chan protocol.SyncMessage, r.buffer)
	return r
}

// Messages is the outbound stream. It is never closed.
func (r *Reconciler) Messages() <-chan protocol.SyncMessage {
	return r.out
}

// SetActiveTargets replaces the active target set. Unknown targets are ignored.
func (r *Reconciler) SetActiveTargets(targets []protocol.TargetType) {
	r.setTargets(targets)
	r.log.Info("active targets updated", zap.Any("targets", r.ActiveTargets()))
}

func (r *Reconciler) setTargets(targets []protocol.TargetType) {
	set := make(map[protocol.TargetType]struct{}, len(targets))
	for _, t := range targets {
		if t.Valid() {
			set[t] = struct{}{}
		}
	}
	r.mu.Lock()
	r.targets = set
	r.mu.Unlock()
}

// ActiveTargets returns the active targets in a stable order.
func (r *Reconciler) ActiveTargets() []protocol.TargetType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.TargetType, 0, len(r.targets))
	for t := range r.targets {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *Reconciler) active(t protocol.TargetType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.targets[t]
	return ok
}

// Run consumes events until ctx is done or events is closed.
func (r *Reconciler) Run(ctx context.Context, events <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, ev); err != nil {
				return nil
			}
		}
	}
}

// Handle translates one event and publishes the result, if any. It blocks
// while the outbound stream is full and fails only when ctx is done.
func (r *Reconciler) Handle(ctx context.Context, ev engine.Event) error {
	msg, ok := r.Translate(ctx, ev)
	if !ok {
		return nil
	}
	return r.publish(ctx, msg)
}

func (r *Reconciler) publish(ctx context.Context, msg protocol.SyncMessage) error {
	select {
	case r.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func targetOf(kind engine.EventKind) (protocol.TargetType, bool) {
	switch kind {
	case engine.EventProgramSceneChanged:
		return protocol.TargetProgram, true
	case engine.EventPreviewSceneChanged:
		return protocol.TargetPreview, true
	case engine.EventItemTransformChanged, engine.EventInputSettingsChanged:
		return protocol.TargetSource, true
	}
	return "", false
}

// Translate maps one native event to a message. ok is false when the event
// has no counterpart, its target is inactive, or its payload cannot be built.
func (r *Reconciler) Translate(ctx context.Context, ev engine.Event) (protocol.SyncMessage, bool) {
	target, known := targetOf(ev.Kind)
	if ev.Kind == engine.EventInputRemoved && r.release != nil {
		r.release(ev.InputName)
	}
	if !known {
		r.log.Debug("event not synchronized", zap.Stringer("kind", ev.Kind), zap.String("name", ev.Name))
		return protocol.SyncMessage{}, false
	}
	if !r.active(target) {
		r.filtered.Add(1)
		return protocol.SyncMessage{}, false
	}

	var msg protocol.SyncMessage
	switch ev.Kind {
	case engine.EventProgramSceneChanged, engine.EventPreviewSceneChanged:
		msg = protocol.New(protocol.KindSceneChange, target, protocol.SceneChangePayload{SceneName: ev.SceneName})

	case engine.EventItemTransformChanged:
		msg = protocol.New(protocol.KindTransformUpdate, target, protocol.TransformUpdatePayload{
			SceneName:   ev.SceneName,
			SceneItemID: ev.SceneItemID,
			Transform:   toWire(ev.Transform),
		})

	case engine.EventInputSettingsChanged:
		file, ok := ev.FileSetting()
		if !ok {
			r.log.Debug("settings change without file", zap.String("input", ev.InputName))
			return protocol.SyncMessage{}, false
		}
		data, err := ReadImageFile(file)
		if err != nil {
			r.log.Warn("image change dropped", zap.String("input", ev.InputName), zap.String("file", file), zap.Error(err))
			return protocol.SyncMessage{}, false
		}
		r.noteImage(ev.InputName, file)
		msg = protocol.New(protocol.KindImageUpdate, target, protocol.ImageUpdatePayload{
			SourceName: ev.InputName,
			File:       file,
			ImageData:  data,
		})
	}

	if err := msg.Validate(); err != nil {
		r.log.Warn("event dropped", zap.Stringer("kind", ev.Kind), zap.Error(err))
		return protocol.SyncMessage{}, false
	}
	r.translated.Add(1)
	return msg, true
}

func (r *Reconciler) noteImage(input, path string) {
	if r.observe != nil {
		r.observe(input, path)
	}
}

// SendHeartbeat queues a heartbeat without blocking.
func (r *Reconciler) SendHeartbeat() error {
	select {
	case r.out <- protocol.Heartbeat():
		return nil
	default:
		return ErrOutboundFull
	}
}

// SendInitialState builds a snapshot and publishes it on the outbound stream.
func (r *Reconciler) SendInitialState(ctx context.Context) error {
	msg, err := r.BuildInitialState(ctx)
	if err != nil {
		return err
	}
	return r.publish(ctx, msg)
}

// BuildInitialState captures the master's full state. Failing to read the
// program scene or the scene list is fatal; an image that cannot be read is
// left out of its item with a warning.
func (r *Reconciler) BuildInitialState(ctx context.Context) (protocol.SyncMessage, error) {
	program, err := r.engine.CurrentProgramScene(ctx)
	if err != nil {
		return protocol.SyncMessage{}, fmt.Errorf("get program scene: %w", err)
	}

	var preview *string
	if name, ok, err := r.engine.CurrentPreviewScene(ctx); err != nil {
		r.log.Warn("preview scene unavailable", zap.Error(err))
	} else if ok {
		preview = &name
	}

	names, err := r.engine.ListScenes(ctx)
	if err != nil {
		return protocol.SyncMessage{}, fmt.Errorf("list scenes: %w", err)
	}

	images := make(map[string][]byte)
	scenes := make([]protocol.SceneInfo, 0, len(names))
	for _, name := range names {
		items, err := r.engine.ListSceneItems(ctx, name)
		if err != nil {
			return protocol.SyncMessage{}, fmt.Errorf("list items of scene %q: %w", name, err)
		}
		infos := make([]protocol.SceneItemInfo, 0, len(items))
		for _, it := range items {
			info := protocol.SceneItemInfo{
				ItemID:     it.ID,
				SourceName: it.SourceName,
				SourceType: it.SourceType,
				Transform:  toWire(it.Transform),
			}
			if it.IsImage() {
				r.attachImage(ctx, &info, images)
			}
			infos = append(infos, info)
		}
		scenes = append(scenes, protocol.SceneInfo{SceneName: name, Items: infos})
	}

	msg := protocol.New(protocol.KindStateSync, protocol.TargetProgram, protocol.StateSyncPayload{
		CurrentProgramScene: program,
		CurrentPreviewScene: preview,
		Scenes:              scenes,
	})
	if err := msg.Validate(); err != nil {
		return protocol.SyncMessage{}, fmt.Errorf("build state: %w", err)
	}
	return msg, nil
}

// attachImage fills the item's image fields. cache holds file contents
// already read for this snapshot.
func (r *Reconciler) attachImage(ctx context.Context, info *protocol.SceneItemInfo, cache map[string][]byte) {
	settings, err := r.engine.InputSettings(ctx, info.SourceName)
	if err != nil {
		r.log.Warn("image settings unavailable", zap.String("source", info.SourceName), zap.Error(err))
		return
	}
	file, ok := engine.StringSetting(settings, "file")
	if !ok {
		return
	}
	data, cached := cache[file]
	if !cached {
		data, err = ReadImageFile(file)
		if err != nil {
			r.log.Warn("image skipped in snapshot", zap.String("source", info.SourceName), zap.String("file", file), zap.Error(err))
			return
		}
		cache[file] = data
	}
	r.noteImage(info.SourceName, file)
	info.ImagePath = &file
	info.ImageData = data
}

// Stats reports translation counters.
func (r *Reconciler) Stats() (translated, filtered uint64) {
	return r.translated.Load(), r.filtered.Load()
}

func toWire(t engine.Transform) protocol.Transform {
	return protocol.Transform{
		PositionX: t.PositionX,
		PositionY: t.PositionY,
		Rotation:  t.Rotation,
		ScaleX:    t.ScaleX,
		ScaleY:    t.ScaleY,
		Width:     t.Width,
		Height:    t.Height,
	}
}
