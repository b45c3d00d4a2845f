package master

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/internal/engine/enginetest"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

func newTestReconciler(eng engine.Controller, opts ...Option) *Reconciler {
	return NewReconciler(eng, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
}

func writeImage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDefaultTargets(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	assert.Equal(t, []protocol.TargetType{protocol.TargetProgram, protocol.TargetSource}, r.ActiveTargets())
}

func TestSetActiveTargetsReplacesWholesale(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	r.SetActiveTargets([]protocol.TargetType{protocol.TargetPreview})
	assert.Equal(t, []protocol.TargetType{protocol.TargetPreview}, r.ActiveTargets())

	r.SetActiveTargets(nil)
	assert.Empty(t, r.ActiveTargets())
}

func TestTranslateProgramScene(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	msg, ok := r.Translate(context.Background(), engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "Intro"})
	require.True(t, ok)
	assert.Equal(t, protocol.KindSceneChange, msg.Kind)
	assert.Equal(t, protocol.TargetProgram, msg.TargetType)
	assert.Equal(t, protocol.SceneChangePayload{SceneName: "Intro"}, msg.Payload)
}

func TestTranslatePreviewSceneNeedsPreviewTarget(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	ev := engine.Event{Kind: engine.EventPreviewSceneChanged, SceneName: "Next"}

	_, ok := r.Translate(context.Background(), ev)
	assert.False(t, ok)

	r.SetActiveTargets(protocol.AllTargets())
	msg, ok := r.Translate(context.Background(), ev)
	require.True(t, ok)
	assert.Equal(t, protocol.TargetPreview, msg.TargetType)
	assert.Equal(t, protocol.SceneChangePayload{SceneName: "Next"}, msg.Payload)
}

func TestTranslateTransformCarriesValues(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	tr := engine.Transform{PositionX: 10, PositionY: 20, Rotation: 45, ScaleX: 0.5, ScaleY: 2, Width: 640, Height: 360}
	msg, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventItemTransformChanged, SceneName: "Main", SceneItemID: 7, Transform: tr,
	})
	require.True(t, ok)
	assert.Equal(t, protocol.TargetSource, msg.TargetType)
	assert.Equal(t, protocol.TransformUpdatePayload{
		SceneName:   "Main",
		SceneItemID: 7,
		Transform:   protocol.Transform{PositionX: 10, PositionY: 20, Rotation: 45, ScaleX: 0.5, ScaleY: 2, Width: 640, Height: 360},
	}, msg.Payload)
}

func TestTranslateImageCarriesBytes(t *testing.T) {
	path := writeImage(t, "logo.png", []byte{0x89, 'P', 'N', 'G'})
	var observed []string
	r := newTestReconciler(enginetest.New(), WithImageObserver(func(input, p string) {
		observed = append(observed, input+"="+p)
	}))

	msg, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventInputSettingsChanged, InputName: "Logo", InputSettings: map[string]any{"file": path},
	})
	require.True(t, ok)
	assert.Equal(t, protocol.KindImageUpdate, msg.Kind)
	p := msg.Payload.(protocol.ImageUpdatePayload)
	assert.Equal(t, "Logo", p.SourceName)
	assert.Empty(t, p.SceneName, "input events carry no scene")
	assert.Equal(t, path, p.File)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, p.ImageData)
	assert.Equal(t, []string{"Logo=" + path}, observed)
}

func TestTranslateDropsNonImageSettings(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	_, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventInputSettingsChanged, InputName: "Text", InputSettings: map[string]any{"text": "hello"},
	})
	assert.False(t, ok)
}

func TestTranslateDropsUnreadableImage(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	_, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventInputSettingsChanged, InputName: "Logo",
		InputSettings: map[string]any{"file": filepath.Join(t.TempDir(), "missing.png")},
	})
	assert.False(t, ok)
}

func TestTranslateDropsEmptyImage(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	_, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventInputSettingsChanged, InputName: "Logo",
		InputSettings: map[string]any{"file": writeImage(t, "empty.png", nil)},
	})
	assert.False(t, ok)
}

func TestTranslateDropsUnsyncedEvents(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	r.SetActiveTargets(protocol.AllTargets())
	for _, ev := range []engine.Event{
		{Kind: engine.EventInputCreated, InputName: "Cam"},
		{Kind: engine.EventInputRemoved, InputName: "Cam"},
		{Kind: engine.EventOther, Name: "StudioModeStateChanged"},
	} {
		_, ok := r.Translate(context.Background(), ev)
		assert.False(t, ok, ev.Kind.String())
	}
}

func TestTranslateDropsEmptySceneName(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	_, ok := r.Translate(context.Background(), engine.Event{Kind: engine.EventProgramSceneChanged})
	assert.False(t, ok)
}

func TestFilterRunsBeforePayloadWork(t *testing.T) {
	called := false
	path := writeImage(t, "a.png", []byte{1})
	r := newTestReconciler(enginetest.New(), WithImageObserver(func(string, string) { called = true }))
	r.SetActiveTargets([]protocol.TargetType{protocol.TargetProgram})

	_, ok := r.Translate(context.Background(), engine.Event{
		Kind: engine.EventInputSettingsChanged, InputName: "Logo", InputSettings: map[string]any{"file": path},
	})
	assert.False(t, ok)
	assert.False(t, called)
	_, filtered := r.Stats()
	assert.EqualValues(t, 1, filtered)
}

// Scenario: only preview is active and the program scene changes.
func TestPreviewOnlyIgnoresProgramChange(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	r.SetActiveTargets([]protocol.TargetType{protocol.TargetPreview})

	events := make(chan engine.Event, 1)
	events <- engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "Main"}
	close(events)
	require.NoError(t, r.Run(context.Background(), events))

	assert.Len(t, r.Messages(), 0)
}

func TestRunPublishesInOrder(t *testing.T) {
	r := newTestReconciler(enginetest.New())
	events := make(chan engine.Event, 3)
	events <- engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "A"}
	events <- engine.Event{Kind: engine.EventInputCreated, InputName: "x"}
	events <- engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "B"}
	close(events)
	require.NoError(t, r.Run(context.Background(), events))

	require.Len(t, r.Messages(), 2)
	assert.Equal(t, "A", (<-r.Messages()).Payload.(protocol.SceneChangePayload).SceneName)
	assert.Equal(t, "B", (<-r.Messages()).Payload.(protocol.SceneChangePayload).SceneName)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newTestReconciler(enginetest.New(), WithBuffer(1))
	events := make(chan engine.Event, 2)
	events <- engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "A"}
	events <- engine.Event{Kind: engine.EventProgramSceneChanged, SceneName: "B"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, events) }()

	time.Sleep(50 * time.Millisecond) // second publish is blocked on the full stream
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSendHeartbeatNeverBlocks(t *testing.T) {
	r := newTestReconciler(enginetest.New(), WithBuffer(1))
	require.NoError(t, r.SendHeartbeat())
	assert.ErrorIs(t, r.SendHeartbeat(), ErrOutboundFull)

	msg := <-r.Messages()
	assert.Equal(t, protocol.KindHeartbeat, msg.Kind)
	assert.Equal(t, protocol.TargetProgram, msg.TargetType)
}

func TestBuildInitialState(t *testing.T) {
	logo := writeImage(t, "logo.png", []byte{1, 2, 3})
	missing := filepath.Join(t.TempDir(), "gone.png")

	eng := enginetest.New().
		AddScene("Main",
			engine.SceneItem{ID: 1, SourceName: "Cam", SourceType: "dshow_input", Transform: engine.Transform{ScaleX: 1, ScaleY: 1}},
			engine.SceneItem{ID: 2, SourceName: "Logo", SourceType: engine.ImageSourceKind, Transform: engine.Transform{PositionX: 5}},
			engine.SceneItem{ID: 3, SourceName: "Broken", SourceType: engine.ImageSourceKind},
		).
		AddScene("Intro", engine.SceneItem{ID: 1, SourceName: "Logo", SourceType: engine.ImageSourceKind}).
		SetInput("Logo", map[string]any{"file": logo}).
		SetInput("Broken", map[string]any{"file": missing}).
		SetProgram("Intro")

	var observed []string
	r := newTestReconciler(eng, WithImageObserver(func(input, _ string) { observed = append(observed, input) }))
	msg, err := r.BuildInitialState(context.Background())
	require.NoError(t, err)

	assert.Equal(t, protocol.KindStateSync, msg.Kind)
	p := msg.Payload.(protocol.StateSyncPayload)
	assert.Equal(t, "Intro", p.CurrentProgramScene)
	assert.Nil(t, p.CurrentPreviewScene, "studio mode is off")
	require.Len(t, p.Scenes, 2)
	assert.Equal(t, "Main", p.Scenes[0].SceneName)

	items := p.Scenes[0].Items
	require.Len(t, items, 3)
	assert.Nil(t, items[0].ImageData)
	assert.Equal(t, 5.0, items[1].Transform.PositionX)
	require.NotNil(t, items[1].ImagePath)
	assert.Equal(t, logo, *items[1].ImagePath)
	assert.Equal(t, []byte{1, 2, 3}, items[1].ImageData)
	// Unreadable image: item kept, image skipped.
	assert.Equal(t, "Broken", items[2].SourceName)
	assert.Nil(t, items[2].ImagePath)
	assert.Nil(t, items[2].ImageData)

	assert.Equal(t, []byte{1, 2, 3}, p.Scenes[1].Items[0].ImageData)
	assert.Equal(t, []string{"Logo", "Logo"}, observed)
}

func TestBuildInitialStateWithPreview(t *testing.T) {
	eng := enginetest.New().AddScene("A").AddScene("B").EnableStudioMode("B")
	r := newTestReconciler(eng)
	msg, err := r.BuildInitialState(context.Background())
	require.NoError(t, err)
	p := msg.Payload.(protocol.StateSyncPayload)
	require.NotNil(t, p.CurrentPreviewScene)
	assert.Equal(t, "B", *p.CurrentPreviewScene)
}

func TestBuildInitialStateProgramFailureIsFatal(t *testing.T) {
	eng := enginetest.New().AddScene("A")
	boom := errors.New("boom")
	eng.Fail(enginetest.OpCurrentProgramScene, "", boom)

	_, err := newTestReconciler(eng).BuildInitialState(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestBuildInitialStatePreviewFailureIsTolerated(t *testing.T) {
	eng := enginetest.New().AddScene("A")
	eng.Fail(enginetest.OpCurrentPreviewScene, "", errors.New("flaky"))

	msg, err := newTestReconciler(eng).BuildInitialState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg.Payload.(protocol.StateSyncPayload).CurrentPreviewScene)
}

func TestBuildInitialStateDisconnected(t *testing.T) {
	eng := enginetest.New().AddScene("A")
	eng.SetConnected(false)
	_, err := newTestReconciler(eng).BuildInitialState(context.Background())
	assert.ErrorIs(t, err, engine.ErrNotConnected)
}

func TestSendInitialState(t *testing.T) {
	r := newTestReconciler(enginetest.New().AddScene("A"))
	require.NoError(t, r.SendInitialState(context.Background()))
	msg := <-r.Messages()
	assert.Equal(t, protocol.KindStateSync, msg.Kind)
	_, err := protocol.Encode(msg)
	assert.NoError(t, err)
}

func TestReadImageFile(t *testing.T) {
	path := writeImage(t, "x.png", []byte("data"))
	data, err := ReadImageFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	_, err = ReadImageFile(filepath.Join(t.TempDir(), "nope.png"))
	assert.ErrorIs(t, err, ErrImageNotFound)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
