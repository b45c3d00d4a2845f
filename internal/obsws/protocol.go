package obsws

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
)

// OpCode is an obs-websocket v5 message opcode.
type OpCode int

const (
	OpHello           OpCode = 0
	OpIdentify        OpCode = 1
	OpIdentified      OpCode = 2
	OpReidentify      OpCode = 3
	OpEvent           OpCode = 5
	OpRequest         OpCode = 6
	OpRequestResponse OpCode = 7
)

// RPCVersion is the obs-websocket RPC version this client speaks.
const RPCVersion = 1

// Event subscription bits.
const (
	SubScenes                    = 1 << 2
	SubInputs                    = 1 << 3
	SubSceneItems                = 1 << 7
	SubSceneItemTransformChanged = 1 << 19

	DefaultSubscriptions = SubScenes | SubInputs | SubSceneItems | SubSceneItemTransformChanged
)

// Request status codes the adapter interprets.
const (
	StatusSuccess             = 100
	StatusStudioModeNotActive = 506
)

// message is the outer frame: {"op": N, "d": {...}}.
type message struct {
	Op OpCode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type identifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identifiedData struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestResponseData struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

type eventData struct {
	EventType   string          `json:"eventType"`
	EventIntent int             `json:"eventIntent"`
	EventData   json.RawMessage `json:"eventData,omitempty"`
}

// authResponse computes base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// RequestError is a request the engine answered with a failure status.
type RequestError struct {
	Type    string
	Code    int
	Comment string
}

func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("obs request %s failed with code %d", e.Type, e.Code)
	}
	return fmt.Sprintf("obs request %s failed with code %d: %s", e.Type, e.Code, e.Comment)
}

// Unwrap maps engine-mode failures onto engine.ErrUnsupported.
func (e *RequestError) Unwrap() error {
	if e.Code == StatusStudioModeNotActive {
		return engine.ErrUnsupported
	}
	return nil
}

// wireTransform mirrors the sceneItemTransform object. Width and height are
// reported by the engine but never sent back.
type wireTransform struct {
	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
	Rotation  float64 `json:"rotation"`
	ScaleX    float64 `json:"scaleX"`
	ScaleY    float64 `json:"scaleY"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

func (w wireTransform) toEngine() engine.Transform {
	return engine.Transform{
		PositionX: w.PositionX,
		PositionY: w.PositionY,
		Rotation:  w.Rotation,
		ScaleX:    w.ScaleX,
		ScaleY:    w.ScaleY,
		Width:     w.Width,
		Height:    w.Height,
	}
}

type settableTransform struct {
	PositionX float64 `json:"positionX"`
	PositionY float64 `json:"positionY"`
	Rotation  float64 `json:"rotation"`
	ScaleX    float64 `json:"scaleX"`
	ScaleY    float64 `json:"scaleY"`
}

func fromEngine(t engine.Transform) settableTransform {
	return settableTransform{
		PositionX: t.PositionX,
		PositionY: t.PositionY,
		Rotation:  t.Rotation,
		ScaleX:    t.ScaleX,
		ScaleY:    t.ScaleY,
	}
}

// translateEvent converts an obs event into the engine's native event.
func translateEvent(ev eventData) (engine.Event, error) {
	out := engine.Event{Kind: engine.EventOther, Name: ev.EventType}
	var fields struct {
		SceneName          string         `json:"sceneName"`
		SceneItemID        int64          `json:"sceneItemId"`
		SceneItemTransform wireTransform  `json:"sceneItemTransform"`
		InputName          string         `json:"inputName"`
		InputKind          string         `json:"inputKind"`
		InputSettings      map[string]any `json:"inputSettings"`
	}

	switch ev.EventType {
	case "CurrentProgramSceneChanged":
		out.Kind = engine.EventProgramSceneChanged
	case "CurrentPreviewSceneChanged":
		out.Kind = engine.EventPreviewSceneChanged
	case "SceneItemTransformChanged":
		out.Kind = engine.EventItemTransformChanged
	case "InputCreated":
		out.Kind = engine.EventInputCreated
	case "InputRemoved":
		out.Kind = engine.EventInputRemoved
	case "InputSettingsChanged":
		out.Kind = engine.EventInputSettingsChanged
	default:
		return out, nil
	}

	if len(ev.EventData) > 0 {
		if err := json.Unmarshal(ev.EventData, &fields); err != nil {
			return out, fmt.Errorf("decode %s event: %w", ev.EventType, err)
		}
	}
	out.SceneName = fields.SceneName
	out.SceneItemID = fields.SceneItemID
	out.Transform = fields.SceneItemTransform.toEngine()
	out.InputName = fields.InputName
	out.InputKind = fields.InputKind
	out.InputSettings = fields.InputSettings
	return out, nil
}
