// Package enginetest provides an in-memory engine.Controller for tests.
package enginetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
)

// Operation names, as recorded in Call.Op and accepted by Fail.
const (
	OpCurrentProgramScene    = "CurrentProgramScene"
	OpCurrentPreviewScene    = "CurrentPreviewScene"
	OpSetCurrentProgramScene = "SetCurrentProgramScene"
	OpSetCurrentPreviewScene = "SetCurrentPreviewScene"
	OpListScenes             = "ListScenes"
	OpListSceneItems         = "ListSceneItems"
	OpSetSceneItemTransform  = "SetSceneItemTransform"
	OpInputSettings          = "InputSettings"
	OpSetInputSettings       = "SetInputSettings"
)

// Call is one recorded mutating operation.
type Call struct {
	Op string
	// Target is the scene or input name the call addressed.
	Target    string
	ItemID    int64
	Transform engine.Transform
	Settings  map[string]any
}

type failKey struct {
	op, target string
}

// Engine is a recording fake. The zero value is not usable; call New.
type Engine struct {
	mu         sync.Mutex
	connected  bool
	studioMode bool
	program    string
	preview    string
	sceneOrder []string
	items      map[string][]engine.SceneItem
	inputs     map[string]map[string]any
	calls      []Call
	failures   map[failKey]error
}

// New returns a connected engine with no scenes and studio mode off.
func New() *Engine {
	return &Engine{
		connected: true,
		items:     make(map[string][]engine.SceneItem),
		inputs:    make(map[string]map[string]any),
		failures:  make(map[failKey]error),
	}
}

// AddScene appends a scene with the given items.
func (e *Engine) AddScene(name string, items ...engine.SceneItem) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.items[name]; !ok {
		e.sceneOrder = append(e.sceneOrder, name)
	}
	e.items[name] = slices.Clone(items)
	for _, it := range items {
		if _, ok := e.inputs[it.SourceName]; !ok {
			e.inputs[it.SourceName] = map[string]any{}
		}
	}
	if e.program == "" {
		e.program = name
	}
	return e
}

// SetInput replaces the settings of an input.
func (e *Engine) SetInput(name string, settings map[string]any) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs[name] = maps.Clone(settings)
	return e
}

// SetProgram sets the program scene without recording a call.
func (e *Engine) SetProgram(scene string) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.program = scene
	return e
}

// EnableStudioMode turns on preview support with the given preview scene.
func (e *Engine) EnableStudioMode(preview string) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.studioMode = true
	e.preview = preview
	return e
}

// SetConnected flips the engine link state.
func (e *Engine) SetConnected(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = v
}

// Fail makes op fail with err. An empty target matches every target.
func (e *Engine) Fail(op, target string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[failKey{op, target}] = err
}

// ClearFailures removes every injected failure.
func (e *Engine) ClearFailures() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.failures)
}

// Calls returns the recorded mutating calls in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// CallsFor returns the recorded calls of one operation.
func (e *Engine) CallsFor(op string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets recorded calls.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

// Program returns the current program scene.
func (e *Engine) Program() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.program
}

// Preview returns the current preview scene.
func (e *Engine) Preview() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.preview
}

// Item returns a scene item by id.
func (e *Engine) Item(scene string, id int64) (engine.SceneItem, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range e.items[scene] {
		if it.ID == id {
			return it, true
		}
	}
	return engine.SceneItem{}, false
}

// Input returns a copy of an input's settings.
func (e *Engine) Input(name string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.inputs[name])
}

// check must be called with mu held.
func (e *Engine) check(op, target string) error {
	if !e.connected {
		return engine.ErrNotConnected
	}
	if err, ok := e.failures[failKey{op, target}]; ok {
		return err
	}
	if err, ok := e.failures[failKey{op, ""}]; ok {
		return err
	}
	return nil
}

func (e *Engine) CurrentProgramScene(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpCurrentProgramScene, ""); err != nil {
		return "", err
	}
	return e.program, nil
}

func (e *Engine) CurrentPreviewScene(ctx context.Context) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpCurrentPreviewScene, ""); err != nil {
		return "", false, err
	}
	if !e.studioMode {
		return "", false, nil
	}
	return e.preview, true, nil
}

func (e *Engine) SetCurrentProgramScene(ctx context.Context, scene string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpSetCurrentProgramScene, scene); err != nil {
		return err
	}
	if _, ok := e.items[scene]; !ok {
		return fmt.Errorf("no source was found by the name of %q", scene)
	}
	e.calls = append(e.calls, Call{Op: OpSetCurrentProgramScene, Target: scene})
	e.program = scene
	return nil
}

func (e *Engine) SetCurrentPreviewScene(ctx context.Context, scene string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpSetCurrentPreviewScene, scene); err != nil {
		return err
	}
	if !e.studioMode {
		return engine.ErrUnsupported
	}
	if _, ok := e.items[scene]; !ok {
		return fmt.Errorf("no source was found by the name of %q", scene)
	}
	e.calls = append(e.calls, Call{Op: OpSetCurrentPreviewScene, Target: scene})
	e.preview = scene
	return nil
}

func (e *Engine) ListScenes(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpListScenes, ""); err != nil {
		return nil, err
	}
	return slices.Clone(e.sceneOrder), nil
}

func (e *Engine) ListSceneItems(ctx context.Context, scene string) ([]engine.SceneItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpListSceneItems, scene); err != nil {
		return nil, err
	}
	items, ok := e.items[scene]
	if !ok {
		return nil, fmt.Errorf("no source was found by the name of %q", scene)
	}
	return slices.Clone(items), nil
}

func (e *Engine) SetSceneItemTransform(ctx context.Context, scene string, itemID int64, t engine.Transform) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpSetSceneItemTransform, scene); err != nil {
		return err
	}
	items, ok := e.items[scene]
	if !ok {
		return fmt.Errorf("no source was found by the name of %q", scene)
	}
	idx := slices.IndexFunc(items, func(it engine.SceneItem) bool { return it.ID == itemID })
	if idx < 0 {
		return fmt.Errorf("no scene items were found in scene %q with the id %d", scene, itemID)
	}
	e.calls = append(e.calls, Call{Op: OpSetSceneItemTransform, Target: scene, ItemID: itemID, Transform: t})
	items[idx].Transform = t
	return nil
}

func (e *Engine) InputSettings(ctx context.Context, input string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpInputSettings, input); err != nil {
		return nil, err
	}
	settings, ok := e.inputs[input]
	if !ok {
		return nil, fmt.Errorf("no source was found by the name of %q", input)
	}
	return maps.Clone(settings), nil
}

func (e *Engine) SetInputSettings(ctx context.Context, input string, settings map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(OpSetInputSettings, input); err != nil {
		return err
	}
	current, ok := e.inputs[input]
	if !ok {
		return fmt.Errorf("no source was found by the name of %q", input)
	}
	e.calls = append(e.calls, Call{Op: OpSetInputSettings, Target: input, Settings: maps.Clone(settings)})
	maps.Copy(current, settings)
	return nil
}

func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

var _ engine.Controller = (*Engine)(nil)
