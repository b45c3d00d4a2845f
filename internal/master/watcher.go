package master

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/internal/engine"
	"github.com/FlowingSPDG/obs-sync/pkg/logger"
)

// ImageWatcher re-announces image sources whose backing file changes on disk
// without the engine noticing, e.g. a graphics tool overwriting a PNG.
//
// Directories are watched rather than files so that editors which replace a
// file by rename keep being observed.
type ImageWatcher struct {
	w        *fsnotify.Watcher
	log      *zap.Logger
	debounce time.Duration

	mu      sync.Mutex
	inputs  map[string]map[string]struct{} // file -> inputs
	byInput map[string]string              // input -> file
	dirs    map[string]int
}

// NewImageWatcher creates a watcher. debounce coalesces bursts of writes.
func NewImageWatcher(debounce time.Duration) (*ImageWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create image watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &ImageWatcher{
		w:        w,
		log:      logger.Named("image-watcher"),
		debounce: debounce,
		inputs:   make(map[string]map[string]struct{}),
		byInput:  make(map[string]string),
		dirs:     make(map[string]int),
	}, nil
}

// Track associates input with path, replacing any previous file of input.
func (iw *ImageWatcher) Track(input, path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	iw.mu.Lock()
	defer iw.mu.Unlock()

	if old, ok := iw.byInput[input]; ok {
		if old == abs {
			return
		}
		iw.untrackLocked(input, old)
	}

	dir := filepath.Dir(abs)
	if iw.dirs[dir] == 0 {
		if err := iw.w.Add(dir); err != nil {
			iw.log.Warn("cannot watch image directory", zap.String("dir", dir), zap.Error(err))
			return
		}
	}
	iw.dirs[dir]++
	if iw.inputs[abs] == nil {
		iw.inputs[abs] = make(map[string]struct{})
	}
	iw.inputs[abs][input] = struct{}{}
	iw.byInput[input] = abs
	iw.log.Debug("tracking image", zap.String("input", input), zap.String("file", abs))
}

// Untrack stops watching the file of input.
func (iw *ImageWatcher) Untrack(input string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if old, ok := iw.byInput[input]; ok {
		iw.untrackLocked(input, old)
	}
}

func (iw *ImageWatcher) untrackLocked(input, file string) {
	delete(iw.byInput, input)
	if set := iw.inputs[file]; set != nil {
		delete(set, input)
		if len(set) == 0 {
			delete(iw.inputs, file)
		}
	}
	dir := filepath.Dir(file)
	if iw.dirs[dir]--; iw.dirs[dir] <= 0 {
		delete(iw.dirs, dir)
		_ = iw.w.Remove(dir)
	}
}

// Tracked returns the number of tracked inputs.
func (iw *ImageWatcher) Tracked() int {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return len(iw.byInput)
}

func (iw *ImageWatcher) inputsFor(file string) []string {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	out := make([]string, 0, len(iw.inputs[file]))
	for in := range iw.inputs[file] {
		out = append(out, in)
	}
	return out
}

// Close releases the underlying watcher. Run closes it on return.
func (iw *ImageWatcher) Close() error {
	return iw.w.Close()
}

// Run delivers a synthetic InputSettingsChanged event to handle for every
// input whose file settled after a change. It closes the watcher on return.
func (iw *ImageWatcher) Run(ctx context.Context, handle func(context.Context, engine.Event) error) error {
	defer iw.w.Close()

	timer := time.NewTimer(0)
	<-timer.C
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-iw.w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Clean(ev.Name)
			if len(iw.inputsFor(name)) == 0 {
				continue
			}
			pending[name] = struct{}{}
			timer.Reset(iw.debounce)

		case err, ok := <-iw.w.Errors:
			if !ok {
				return nil
			}
			iw.log.Warn("image watcher error", zap.Error(err))

		case <-timer.C:
			for file := range pending {
				for _, input := range iw.inputsFor(file) {
					ev := engine.Event{
						Kind:          engine.EventInputSettingsChanged,
						Name:          "ImageFileChanged",
						InputName:     input,
						InputKind:     engine.ImageSourceKind,
						InputSettings: map[string]any{"file": file},
					}
					if err := handle(ctx, ev); err != nil {
						return nil
					}
				}
			}
			clear(pending)
		}
	}
}
