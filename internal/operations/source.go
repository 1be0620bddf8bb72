package operations

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalSource opens import files below BaseDir.
type LocalSource struct {
	BaseDir string
}

func NewLocalSource(baseDir string) *LocalSource {
	if baseDir == "" {
		baseDir = "."
	}
	return &LocalSource{BaseDir: baseDir}
}

func (s *LocalSource) Open(_ context.Context, sourcePath string) (io.ReadCloser, error) {
	path := filepath.Join(s.BaseDir, filepath.Clean("/"+sourcePath))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", sourcePath, err)
	}
	return f, nil
}
