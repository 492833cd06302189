package sink

import (
	"errors"
	"path/filepath"

	"github.com/spf13/afero"
)

var errFinalized = errors.New("sink already finalized")

// createFile opens path for writing, creating parent directories.
func createFile(t Target) (afero.File, error) {
	if t.Fs == nil {
		return nil, errors.New("no filesystem")
	}
	if t.Path == "" {
		return nil, errors.New("empty output path")
	}
	if dir := filepath.Dir(t.Path); dir != "." {
		if err := t.Fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return t.Fs.Create(t.Path)
}
