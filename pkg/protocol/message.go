// Package protocol defines the master/slave synchronization wire format.
//
// Every frame on the transport is a JSON-encoded SyncMessage. The payload is a
// tagged union keyed by the envelope's "type" field; decoding rejects payloads
// whose shape does not match the declared kind.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageKind discriminates the payload schema of a SyncMessage.
type MessageKind string

const (
	KindSourceUpdate    MessageKind = "source_update"
	KindTransformUpdate MessageKind = "transform_update"
	KindSceneChange     MessageKind = "scene_change"
	KindImageUpdate     MessageKind = "image_update"
	KindHeartbeat       MessageKind = "heartbeat"
	KindStateSync       MessageKind = "state_sync"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindSourceUpdate, KindTransformUpdate, KindSceneChange,
		KindImageUpdate, KindHeartbeat, KindStateSync:
		return true
	}
	return false
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (MessageKind, error) {
	k := MessageKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// TargetType is the sync-target class a message belongs to.
type TargetType string

const (
	TargetSource  TargetType = "source"
	TargetPreview TargetType = "preview"
	TargetProgram TargetType = "program"
)

// Valid reports whether t is a known target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetSource, TargetPreview, TargetProgram:
		return true
	}
	return false
}

// ParseTarget parses a target name, case-insensitively.
func ParseTarget(s string) (TargetType, error) {
	t := TargetType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTarget, s)
	}
	return t, nil
}

// AllTargets returns every target type.
func AllTargets() []TargetType {
	return []TargetType{TargetSource, TargetPreview, TargetProgram}
}

// DefaultTargets returns the targets a master propagates unless reconfigured.
func DefaultTargets() []TargetType {
	return []TargetType{TargetProgram, TargetSource}
}

// Payload is implemented by every typed payload.
type Payload interface {
	Kind() MessageKind
}

// SyncMessage is the wire envelope.
type SyncMessage struct {
	Kind MessageKind `json:"type"`
	// Timestamp is producer wall-clock milliseconds since epoch. Diagnostic only;
	// transport order is authoritative.
	Timestamp  int64      `json:"timestamp"`
	TargetType TargetType `json:"target_type"`
	Payload    Payload    `json:"payload"`
}

// New builds a message stamped with the current time.
func New(kind MessageKind, target TargetType, payload Payload) SyncMessage {
	return SyncMessage{
		Kind:       kind,
		Timestamp:  time.Now().UnixMilli(),
		TargetType: target,
		Payload:    payload,
	}
}

// Heartbeat builds a liveness message. Heartbeats have no real target; program
// is used by convention.
func Heartbeat() SyncMessage {
	return New(KindHeartbeat, TargetProgram, HeartbeatPayload{})
}

// Validate checks that the envelope is internally consistent.
func (m SyncMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if !m.TargetType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, m.TargetType)
	}
	if m.Payload == nil {
		return fmt.Errorf("%w: %s message without payload", ErrPayloadMismatch, m.Kind)
	}
	if m.Payload.Kind() != m.Kind {
		return fmt.Errorf("%w: %s message carries %s payload", ErrPayloadMismatch, m.Kind, m.Payload.Kind())
	}
	if v, ok := m.Payload.(validator); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadMismatch, err)
		}
	}
	return nil
}

// Encode validates and serializes a message.
func Encode(m SyncMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a frame into a message with a strongly typed payload.
func Decode(data []byte) (SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SyncMessage{}, err
	}
	return m, nil
}

type envelope struct {
	Kind       MessageKind     `json:"type"`
	Timestamp  int64           `json:"timestamp"`
	TargetType TargetType      `json:"target_type"`
	Payload    json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the payload according to the declared kind.
func (m *SyncMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if !env.TargetType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTarget, env.TargetType)
	}
	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*m = SyncMessage{
		Kind:       env.Kind,
		Timestamp:  env.Timestamp,
		TargetType: env.TargetType,
		Payload:    payload,
	}
	return nil
}

func decodePayload(kind MessageKind, data json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: %s message without payload", ErrPayloadMismatch, kind)
	}

	switch kind {
	case KindSceneChange:
		return decodeStrict[SceneChangePayload](kind, trimmed)
	case KindTransformUpdate:
		return decodeStrict[TransformUpdatePayload](kind, trimmed)
	case KindImageUpdate:
		return decodeStrict[ImageUpdatePayload](kind, trimmed)
	case KindStateSync:
		return decodeStrict[StateSyncPayload](kind, trimmed)
	case KindHeartbeat:
		return decodeStrict[HeartbeatPayload](kind, trimmed)
	case KindSourceUpdate:
		if trimmed[0] != '{' {
			return nil, fmt.Errorf("%w: source_update payload is not an object", ErrPayloadMismatch)
		}
		return SourceUpdatePayload{Data: append(json.RawMessage(nil), trimmed...)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

type validator interface {
	validate() error
}

// fieldChecker is implemented by payloads whose zero values are meaningful,
// so presence has to be checked on the raw object.
type fieldChecker interface {
	requireFields(fields map[string]json.RawMessage) error
}

func decodeStrict[T Payload](kind MessageKind, data []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrPayloadMismatch, kind, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: %s payload has trailing data", ErrPayloadMismatch, kind)
	}
	if fc, ok := any(p).(fieldChecker); ok {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrPayloadMismatch, kind, err)
		}
		if err := fc.requireFields(fields); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrPayloadMismatch, kind, err)
		}
	}
	if v, ok := any(p).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrPayloadMismatch, kind, err)
		}
	}
	return p, nil
}
