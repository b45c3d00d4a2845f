package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Transform is a scene item's placement.
type Transform struct {
	PositionX float64 `json:"position_x"`
	PositionY float64 `json:"position_y"`
	Rotation  float64 `json:"rotation"`
	ScaleX    float64 `json:"scale_x"`
	ScaleY    float64 `json:"scale_y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

// SceneChangePayload switches the program or preview scene.
type SceneChangePayload struct {
	SceneName string `json:"scene_name"`
}

func (SceneChangePayload) Kind() MessageKind { return KindSceneChange }

func (p SceneChangePayload) validate() error {
	if p.SceneName == "" {
		return errors.New("scene_name is required")
	}
	return nil
}

// TransformUpdatePayload carries the complete new transform of one scene item.
type TransformUpdatePayload struct {
	SceneName   string    `json:"scene_name"`
	SceneItemID int64     `json:"scene_item_id"`
	Transform   Transform `json:"transform"`
}

func (TransformUpdatePayload) Kind() MessageKind { return KindTransformUpdate }

func (p TransformUpdatePayload) validate() error {
	if p.SceneName == "" {
		return errors.New("scene_name is required")
	}
	return nil
}

// requireFields rejects frames that omit the item id or any placement field.
// A missing transform would otherwise decode as zero scale.
func (TransformUpdatePayload) requireFields(fields map[string]json.RawMessage) error {
	if err := requireKeys(fields, "scene_name", "scene_item_id", "transform"); err != nil {
		return err
	}
	var tr map[string]json.RawMessage
	if err := json.Unmarshal(fields["transform"], &tr); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	if err := requireKeys(tr, "position_x", "position_y", "rotation", "scale_x", "scale_y"); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}

// ImageUpdatePayload carries the bytes of an image source's file. File is the
// original path on the master; only its base name is used by slaves.
type ImageUpdatePayload struct {
	SceneName  string   `json:"scene_name"`
	SourceName string   `json:"source_name"`
	File       string   `json:"file"`
	ImageData  []byte   `json:"image_data"`
	Width      *float64 `json:"width,omitempty"`
	Height     *float64 `json:"height,omitempty"`
}

func (ImageUpdatePayload) Kind() MessageKind { return KindImageUpdate }

func (p ImageUpdatePayload) validate() error {
	if p.SourceName == "" {
		return errors.New("source_name is required")
	}
	if p.File == "" {
		return errors.New("file is required")
	}
	if len(p.ImageData) == 0 {
		return errors.New("image_data is required")
	}
	return nil
}

func (ImageUpdatePayload) requireFields(fields map[string]json.RawMessage) error {
	return requireKeys(fields, "source_name", "file", "image_data")
}

// StateSyncPayload is a full snapshot of the master.
type StateSyncPayload struct {
	CurrentProgramScene string      `json:"current_program_scene"`
	CurrentPreviewScene *string     `json:"current_preview_scene"`
	Scenes              []SceneInfo `json:"scenes"`
}

func (StateSyncPayload) Kind() MessageKind { return KindStateSync }

func (p StateSyncPayload) validate() error {
	if p.CurrentProgramScene == "" {
		return errors.New("current_program_scene is required")
	}
	return nil
}

// SceneInfo lists a scene's items in engine order.
type SceneInfo struct {
	SceneName string          `json:"scene_name"`
	Items     []SceneItemInfo `json:"items"`
}

// SceneItemInfo describes one item of a scene. ImageData is present only for
// image sources whose file could be read.
type SceneItemInfo struct {
	ItemID     int64     `json:"item_id"`
	SourceName string    `json:"source_name"`
	SourceType string    `json:"source_type"`
	Transform  Transform `json:"transform"`
	ImagePath  *string   `json:"image_path,omitempty"`
	ImageData  []byte    `json:"image_data,omitempty"`
}

// HeartbeatPayload is always the empty object.
type HeartbeatPayload struct{}

func (HeartbeatPayload) Kind() MessageKind { return KindHeartbeat }

// SourceUpdatePayload is reserved. Its body is kept verbatim so that it can be
// logged; no component applies it.
type SourceUpdatePayload struct {
	Data json.RawMessage
}

func (SourceUpdatePayload) Kind() MessageKind { return KindSourceUpdate }

func (p SourceUpdatePayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("{}"), nil
	}
	return p.Data, nil
}

// requireKeys fails on the first key that is absent or null.
func requireKeys(fields map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || string(v) == "null" {
			return fmt.Errorf("%s is required", k)
		}
	}
	return nil
}
