package obsws

import (
	"context"
	"errors"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
)

var _ engine.Controller = (*Client)(nil)

func (c *Client) CurrentProgramScene(ctx context.Context) (string, error) {
	var resp struct {
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := c.Request(ctx, "GetCurrentProgramScene", nil, &resp); err != nil {
		return "", err
	}
	return resp.CurrentProgramSceneName, nil
}

// CurrentPreviewScene reports ok=false when studio mode is off.
func (c *Client) CurrentPreviewScene(ctx context.Context) (string, bool, error) {
	var resp struct {
		CurrentPreviewSceneName string `json:"currentPreviewSceneName"`
	}
	if err := c.Request(ctx, "GetCurrentPreviewScene", nil, &resp); err != nil {
		if errors.Is(err, engine.ErrUnsupported) {
			return "", false, nil
		}
		return "", false, err
	}
	return resp.CurrentPreviewSceneName, resp.CurrentPreviewSceneName != "", nil
}

func (c *Client) SetCurrentProgramScene(ctx context.Context, scene string) error {
	return c.Request(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": scene}, nil)
}

func (c *Client) SetCurrentPreviewScene(ctx context.Context, scene string) error {
	return c.Request(ctx, "SetCurrentPreviewScene", map[string]any{"sceneName": scene}, nil)
}

// ListScenes returns scene names in engine order. obs reports scenes bottom-up
// by sceneIndex; the list is returned as received.
func (c *Client) ListScenes(ctx context.Context) ([]string, error) {
	var resp struct {
		Scenes []struct {
			SceneName  string `json:"sceneName"`
			SceneIndex int    `json:"sceneIndex"`
		} `json:"scenes"`
	}
	if err := c.Request(ctx, "GetSceneList", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Scenes))
	for _, s := range resp.Scenes {
		names = append(names, s.SceneName)
	}
	return names, nil
}

func (c *Client) ListSceneItems(ctx context.Context, scene string) ([]engine.SceneItem, error) {
	var resp struct {
		SceneItems []struct {
			SceneItemID        int64         `json:"sceneItemId"`
			SourceName         string        `json:"sourceName"`
			InputKind          *string       `json:"inputKind"`
			SourceType         string        `json:"sourceType"`
			SceneItemEnabled   bool          `json:"sceneItemEnabled"`
			SceneItemTransform wireTransform `json:"sceneItemTransform"`
		} `json:"sceneItems"`
	}
	if err := c.Request(ctx, "GetSceneItemList", map[string]any{"sceneName": scene}, &resp); err != nil {
		return nil, err
	}
	items := make([]engine.SceneItem, 0, len(resp.SceneItems))
	for _, it := range resp.SceneItems {
		kind := it.SourceType
		if it.InputKind != nil {
			kind = *it.InputKind
		}
		items = append(items, engine.SceneItem{
			ID:         it.SceneItemID,
			SourceName: it.SourceName,
			SourceType: kind,
			Enabled:    it.SceneItemEnabled,
			Transform:  it.SceneItemTransform.toEngine(),
		})
	}
	return items, nil
}

func (c *Client) SetSceneItemTransform(ctx context.Context, scene string, itemID int64, t engine.Transform) error {
	return c.Request(ctx, "SetSceneItemTransform", map[string]any{
		"sceneName":          scene,
		"sceneItemId":        itemID,
		"sceneItemTransform": fromEngine(t),
	}, nil)
}

func (c *Client) InputSettings(ctx context.Context, input string) (map[string]any, error) {
	var resp struct {
		InputSettings map[string]any `json:"inputSettings"`
		InputKind     string         `json:"inputKind"`
	}
	if err := c.Request(ctx, "GetInputSettings", map[string]any{"inputName": input}, &resp); err != nil {
		return nil, err
	}
	if resp.InputSettings == nil {
		resp.InputSettings = map[string]any{}
	}
	return resp.InputSettings, nil
}

func (c *Client) SetInputSettings(ctx context.Context, input string, settings map[string]any) error {
	return c.Request(ctx, "SetInputSettings", map[string]any{
		"inputName":     input,
		"inputSettings": settings,
		"overlay":       true,
	}, nil)
}
