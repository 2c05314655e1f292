package physical

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// LocalStore reads copies from the local filesystem.
type LocalStore struct{}

// NewLocalStore returns a store reading absolute paths on this host.
func NewLocalStore() *LocalStore { return &LocalStore{} }

func (s *LocalStore) Stat(ctx context.Context, physicalPath string) (Info, error) {
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(physicalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, fmt.Errorf("%s: %w", physicalPath, ErrNotFound)
		}
		return Info{}, fmt.Errorf("failed to stat %s: %w", physicalPath, err)
	}
	if fi.IsDir() {
		return Info{}, fmt.Errorf("%s is a directory", physicalPath)
	}
	return Info{Size: fi.Size()}, nil
}

func (s *LocalStore) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(physicalPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", physicalPath, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", physicalPath, err)
	}
	return f, nil
}
