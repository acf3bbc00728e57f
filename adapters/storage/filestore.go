package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

// Store persists the latest payload of a device.
type Store interface {
	Write(ctx context.Context, deviceID string, data []byte) (string, error)
}

type FileStoreOption func(*FileStore)

// WithAtomicWrites makes Write go through a temp file and a rename, so a crash
// mid-write never leaves a truncated artifact behind.
func WithAtomicWrites() FileStoreOption {
	return func(f *FileStore) {
		f.atomic = true
	}
}

// FileStore keeps one file per device id under dir. Each write replaces the
// previous content.
type FileStore struct {
	dir    string
	atomic bool
}

// NewFileStore creates dir and its parents if needed. An existing dir is fine.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	f := &FileStore{dir: dir}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) Path(deviceID string) string {
	return filepath.Join(f.dir, deviceID)
}

func (f *FileStore) Write(_ context.Context, deviceID string, data []byte) (string, error) {
	path := f.Path(deviceID)

	if !f.atomic {
		if err := os.WriteFile(path, data, filePerm); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, nil
	}

	if err := f.writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

func (f *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// the temp file is gone after a successful rename
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, filePerm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
