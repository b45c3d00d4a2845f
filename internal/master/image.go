package master

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrImageNotFound is returned by ReadImageFile for a missing file.
var ErrImageNotFound = fmt.Errorf("master: image not found: %w", fs.ErrNotExist)

// ReadImageFile reads an image source's backing file.
func ReadImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrImageNotFound, path)
		}
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return data, nil
}
