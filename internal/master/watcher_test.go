package master

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

func TestImageWatcherTrack(t *testing.T) {
	iw, err := NewImageWatcher(10 * time.Millisecond)
	require.NoError(t, err)
	defer iw.Close()
	dir := t.TempDir()

	iw.Track("A", filepath.Join(dir, "a.png"))
	iw.Track("B", filepath.Join(dir, "a.png"))
	assert.Equal(t, 2, iw.Tracked())
	assert.ElementsMatch(t, []string{"A", "B"}, iw.inputsFor(filepath.Join(dir, "a.png")))

	iw.Track("A", filepath.Join(dir, "b.png"))
	assert.Equal(t, []string{"B"}, iw.inputsFor(filepath.Join(dir, "a.png")))

	iw.Untrack("A")
	iw.Untrack("B")
	assert.Equal(t, 0, iw.Tracked())
	assert.Empty(t, iw.dirs)
}

func TestImageWatcherReannouncesChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))
	other := filepath.Join(dir, "untracked.png")

	iw, err := NewImageWatcher(20 * time.Millisecond)
	require.NoError(t, err)
	iw.log = zap.NewNop()
	iw.Track("Logo", path)

	got := make(chan engine.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iw.Run(ctx, func(_ context.Context, ev engine.Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, os.WriteFile(other, []byte{9}, 0o644))
	require.NoError(t, os.WriteFile(path, []byte{2}, 0o644))
	require.NoError(t, os.WriteFile(path, []byte{3}, 0o644))

	select {
	case ev := <-got:
		assert.Equal(t, engine.EventInputSettingsChanged, ev.Kind)
		assert.Equal(t, "Logo", ev.InputName)
		file, ok := ev.FileSetting()
		require.True(t, ok)
		assert.Equal(t, path, file)
	case <-time.After(3 * time.Second):
		t.Fatal("no event for changed image")
	}

	// Both writes fall into one debounce window.
	select {
	case ev := <-got:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherFeedsReconciler(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logo.png")
	require.NoError(t, os.WriteFile(path, []byte{1}, 0o644))

	iw, err := NewImageWatcher(20 * time.Millisecond)
	require.NoError(t, err)
	r := newTestReconciler(nil, WithImageObserver(iw.Track))
	iw.Track("Logo", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go iw.Run(ctx, r.Handle)

	require.NoError(t, os.WriteFile(path, []byte{4, 5}, 0o644))

	select {
	case msg := <-r.Messages():
		require.Equal(t, protocol.KindImageUpdate, msg.Kind)
		p := msg.Payload.(protocol.ImageUpdatePayload)
		assert.Equal(t, []byte{4, 5}, p.ImageData)
	case <-time.After(3 * time.Second):
		t.Fatal("no image_update")
	}
}

func TestInputRemovedReleasesImage(t *testing.T) {
	iw, err := NewImageWatcher(0)
	require.NoError(t, err)
	defer iw.Close()
	r := newTestReconciler(nil, WithImageObserver(iw.Track), WithImageRelease(iw.Untrack))
	iw.Track("Logo", filepath.Join(t.TempDir(), "logo.png"))
	require.Equal(t, 1, iw.Tracked())

	_, ok := r.Translate(context.Background(), engine.Event{Kind: engine.EventInputRemoved, InputName: "Logo"})
	assert.False(t, ok)
	assert.Equal(t, 0, iw.Tracked())
}
