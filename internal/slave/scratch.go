package slave

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const scratchSubdir = "obs-sync"

// ErrBadImageName is returned when an image path has no usable base name.
var ErrBadImageName = errors.New("slave: image path has no file name")

// Scratch materializes images received from the master under
// <base>/obs-sync, keyed by the base name of the master-side path.
type Scratch struct {
	dir string
}

// NewScratch returns a scratch area rooted at base, or the OS temp directory
// when base is empty.
func NewScratch(base string) *Scratch {
	if base == "" {
		base = os.TempDir()
	}
	return &Scratch{dir: filepath.Join(base, scratchSubdir)}
}

// Dir returns the directory images are written to.
func (s *Scratch) Dir() string { return s.dir }

// Path returns where an image from the given master path is stored.
func (s *Scratch) Path(masterPath string) (string, error) {
	name := baseName(masterPath)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadImageName, masterPath)
	}
	return filepath.Join(s.dir, name), nil
}

// Write stores data for masterPath and returns the absolute local path. The
// file is replaced atomically; identical content is left untouched.
func (s *Scratch) Write(masterPath string, data []byte) (string, error) {
	path, err := s.Path(masterPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return filepath.Abs(path)
	}

	tmp, err := os.CreateTemp(s.dir, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return filepath.Abs(path)
}

// baseName accepts both slash styles since the master may run on another OS.
func baseName(p string) string {
	p = strings.TrimRight(p, `/\`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}
