package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxrelay/voxrelay/internal/pkg/security"
)

// LocalStore writes objects below a base directory.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a local disk store.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// path resolves key inside the base directory, refusing keys that escape it.
func (s *LocalStore) path(key string) (string, error) {
	if err := security.ValidateKey(key); err != nil {
		return "", fmt.Errorf("invalid blob key: %w", err)
	}
	return filepath.Join(s.basePath, filepath.Clean(filepath.FromSlash(key))), nil
}

// Put writes data to a temp file and renames it into place.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, _ ...PutOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("close blob: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Exists checks if an object exists.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	filePath, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

// Close releases resources.
func (s *LocalStore) Close() error {
	return nil
}
