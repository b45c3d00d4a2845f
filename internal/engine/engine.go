// Package engine describes the scene-composition engine as seen by the sync
// reconcilers: a set of control operations and a feed of native events.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by control operations while the engine link is down.
	ErrNotConnected = errors.New("engine: not connected")
	// ErrUnsupported is returned when the engine cannot perform an operation in its
	// current mode, e.g. preview operations while studio mode is off.
	ErrUnsupported = errors.New("engine: operation not supported")
)

// Transform is the placement of a scene item. Width and Height are derived by
// the engine and are ignored by SetSceneItemTransform.
type Transform struct {
	PositionX float64
	PositionY float64
	Rotation  float64
	ScaleX    float64
	ScaleY    float64
	Width     float64
	Height    float64
}

// SceneItem is one item of a scene, in engine order.
type SceneItem struct {
	ID         int64
	SourceName string
	// SourceType is the input kind, e.g. "image_source".
	SourceType string
	Enabled    bool
	Transform  Transform
}

// ImageSourceKind is the input kind of file-backed image sources.
const ImageSourceKind = "image_source"

// IsImage reports whether the item is backed by an image file.
func (i SceneItem) IsImage() bool {
	return i.SourceType == ImageSourceKind
}

// Controller is the control surface of the engine.
type Controller interface {
	CurrentProgramScene(ctx context.Context) (string, error)
	// CurrentPreviewScene returns ok=false when the engine has no preview scene.
	CurrentPreviewScene(ctx context.Context) (name string, ok bool, err error)
	SetCurrentProgramScene(ctx context.Context, scene string) error
	SetCurrentPreviewScene(ctx context.Context, scene string) error
	ListScenes(ctx context.Context) ([]string, error)
	ListSceneItems(ctx context.Context, scene string) ([]SceneItem, error)
	SetSceneItemTransform(ctx context.Context, scene string, itemID int64, t Transform) error
	InputSettings(ctx context.Context, input string) (map[string]any, error)
	// SetInputSettings overlays settings onto the input's current settings.
	SetInputSettings(ctx context.Context, input string, settings map[string]any) error
	Connected() bool
}

// EventKind classifies native engine events.
type EventKind int

const (
	EventOther EventKind = iota
	EventProgramSceneChanged
	EventPreviewSceneChanged
	EventItemTransformChanged
	EventInputCreated
	EventInputRemoved
	EventInputSettingsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventProgramSceneChanged:
		return "ProgramSceneChanged"
	case EventPreviewSceneChanged:
		return "PreviewSceneChanged"
	case EventItemTransformChanged:
		return "ItemTransformChanged"
	case EventInputCreated:
		return "InputCreated"
	case EventInputRemoved:
		return "InputRemoved"
	case EventInputSettingsChanged:
		return "InputSettingsChanged"
	default:
		return "Other"
	}
}

// Event is a native engine notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Name is the raw engine event name, kept for logging.
	Name string

	SceneName   string
	SceneItemID int64
	Transform   Transform

	InputName     string
	InputKind     string
	InputSettings map[string]any
}

// FileSetting returns the "file" input setting when present and non-empty.
func (e Event) FileSetting() (string, bool) {
	return StringSetting(e.InputSettings, "file")
}

// StringSetting reads a string-valued setting.
func StringSetting(settings map[string]any, key string) (string, bool) {
	v, ok := settings[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
