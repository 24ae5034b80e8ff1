package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists candidate image blobs and returns the key the character
// record references.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// LocalStore writes images under a base directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates a disk-backed image store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Put writes the image and returns its storage key.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(s.dir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create image subdir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", key, err)
	}
	return key, nil
}
