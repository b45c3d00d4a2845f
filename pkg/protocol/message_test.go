package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	msg := New(KindSceneChange, TargetProgram, SceneChangePayload{SceneName: "Intro"})
	after := time.Now().UnixMilli()

	assert.Equal(t, KindSceneChange, msg.Kind)
	assert.Equal(t, TargetProgram, msg.TargetType)
	assert.GreaterOrEqual(t, msg.Timestamp, before)
	assert.LessOrEqual(t, msg.Timestamp, after)
}

func TestHeartbeat(t *testing.T) {
	msg := Heartbeat()
	assert.Equal(t, KindHeartbeat, msg.Kind)
	assert.Equal(t, TargetProgram, msg.TargetType)

	data, err := Encode(msg)
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, `{}`, string(wire["payload"]))
	assert.JSONEq(t, `"heartbeat"`, string(wire["type"]))
}

func TestEncodeWireFormat(t *testing.T) {
	msg := SyncMessage{
		Kind:       KindSceneChange,
		Timestamp:  1700000000000,
		TargetType: TargetPreview,
		Payload:    SceneChangePayload{SceneName: "Intro"},
	}
	data, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "scene_change",
		"timestamp": 1700000000000,
		"target_type": "preview",
		"payload": {"scene_name": "Intro"}
	}`, string(data))
}

func TestEncodeRejectsMismatchedPayload(t *testing.T) {
	msg := New(KindSceneChange, TargetProgram, HeartbeatPayload{})
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrPayloadMismatch)

	msg = SyncMessage{Kind: KindHeartbeat, TargetType: TargetProgram}
	_, err = Encode(msg)
	assert.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestDecodeTypedPayloads(t *testing.T) {
	data := []byte(`{"type":"transform_update","timestamp":42,"target_type":"source",
		"payload":{"scene_name":"Main","scene_item_id":9007199254740993,
		"transform":{"position_x":1.5,"position_y":2,"rotation":90,"scale_x":1,"scale_y":1,"width":1920,"height":1080}}}`)

	msg, err := Decode(data)
	require.NoError(t, err)

	p, ok := msg.Payload.(TransformUpdatePayload)
	require.True(t, ok, "payload type %T", msg.Payload)
	assert.Equal(t, "Main", p.SceneName)
	// Above 2^53: would be corrupted if decoded through float64.
	assert.Equal(t, int64(9007199254740993), p.SceneItemID)
	assert.Equal(t, 1920.0, p.Transform.Width)
}

func TestDecodeImageBytes(t *testing.T) {
	msg := New(KindImageUpdate, TargetSource, ImageUpdatePayload{
		SceneName:  "Main",
		SourceName: "Logo",
		File:       "/tmp/logo.png",
		ImageData:  []byte{0x00, 0xff, 0x10, 0x80},
	})
	data, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestDecodeRejectsProtocolViolations(t *testing.T) {
	cases := map[string]struct {
		frame string
		want  error
	}{
		"unknown kind": {
			frame: `{"type":"teleport","timestamp":1,"target_type":"program","payload":{}}`,
			want:  ErrUnknownKind,
		},
		"unknown target": {
			frame: `{"type":"heartbeat","timestamp":1,"target_type":"studio","payload":{}}`,
			want:  ErrUnknownTarget,
		},
		"payload of another kind": {
			frame: `{"type":"scene_change","timestamp":1,"target_type":"program","payload":{"scene_name":"A","scene_item_id":3}}`,
			want:  ErrPayloadMismatch,
		},
		"missing required field": {
			frame: `{"type":"scene_change","timestamp":1,"target_type":"program","payload":{}}`,
			want:  ErrPayloadMismatch,
		},
		"missing payload": {
			frame: `{"type":"state_sync","timestamp":1,"target_type":"program"}`,
			want:  ErrPayloadMismatch,
		},
		"wrong field type": {
			frame: `{"type":"transform_update","timestamp":1,"target_type":"source","payload":{"scene_name":"A","scene_item_id":"x"}}`,
			want:  ErrPayloadMismatch,
		},
		"transform update without transform": {
			frame: `{"type":"transform_update","timestamp":1,"target_type":"source","payload":{"scene_name":"S","scene_item_id":7}}`,
			want:  ErrPayloadMismatch,
		},
		"transform update with partial transform": {
			frame: `{"type":"transform_update","timestamp":1,"target_type":"source","payload":{"scene_name":"S","scene_item_id":7,"transform":{"position_x":1}}}`,
			want:  ErrPayloadMismatch,
		},
		"transform update without item id": {
			frame: `{"type":"transform_update","timestamp":1,"target_type":"source","payload":{"scene_name":"S","transform":{"position_x":1,"position_y":2,"rotation":0,"scale_x":1,"scale_y":1}}}`,
			want:  ErrPayloadMismatch,
		},
		"image update without image data": {
			frame: `{"type":"image_update","timestamp":1,"target_type":"source","payload":{"source_name":"Logo","file":"logo.png"}}`,
			want:  ErrPayloadMismatch,
		},
		"image update with empty image data": {
			frame: `{"type":"image_update","timestamp":1,"target_type":"source","payload":{"source_name":"Logo","file":"logo.png","image_data":""}}`,
			want:  ErrPayloadMismatch,
		},
		"image update without file": {
			frame: `{"type":"image_update","timestamp":1,"target_type":"source","payload":{"source_name":"Logo","image_data":"AQI="}}`,
			want:  ErrPayloadMismatch,
		},
		"heartbeat with fields": {
			frame: `{"type":"heartbeat","timestamp":1,"target_type":"program","payload":{"beat":1}}`,
			want:  ErrPayloadMismatch,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.frame))
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestDecodeMalformedJSONIsNotProtocolError(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.False(t, IsProtocolError(err))
}

func TestSourceUpdateKeptVerbatim(t *testing.T) {
	frame := `{"type":"source_update","timestamp":5,"target_type":"source","payload":{"source_name":"Cam","volume":3}}`
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)

	p, ok := msg.Payload.(SourceUpdatePayload)
	require.True(t, ok)
	assert.JSONEq(t, `{"source_name":"Cam","volume":3}`, string(p.Data))

	out, err := Encode(msg)
	require.NoError(t, err)
	assert.JSONEq(t, frame, string(out))
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget(" Program ")
	require.NoError(t, err)
	assert.Equal(t, TargetProgram, target)

	_, err = ParseTarget("studio")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("STATE_SYNC")
	require.NoError(t, err)
	assert.Equal(t, KindStateSync, kind)

	_, err = ParseKind("nope")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestDefaultTargets(t *testing.T) {
	assert.ElementsMatch(t, []TargetType{TargetProgram, TargetSource}, DefaultTargets())
	assert.Len(t, AllTargets(), 3)
}
