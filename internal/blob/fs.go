// Package blob implements content-addressed storage for fetched feed bodies.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps one file per content hash under a base directory, sharded by
// the first two hash characters to keep directories small.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed and verifies it is writable.
func NewFSStore(baseDir string) (*FSStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("clean up test file: %w", err)
	}

	return &FSStore{baseDir: baseDir}, nil
}

// Put writes data under its content hash. Writing the same hash twice is a
// no-op, which is what makes the store idempotent across runs.
func (s *FSStore) Put(_ context.Context, hash string, data []byte) error {
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize blob: %w", err)
	}
	return nil
}

// Get returns the stored body for hash.
func (s *FSStore) Get(_ context.Context, hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Has reports whether a body with the given hash is already stored.
func (s *FSStore) Has(_ context.Context, hash string) (bool, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", hash, err)
	}
	return true, nil
}

func (s *FSStore) pathFor(hash string) (string, error) {
	if len(hash) < 3 {
		return "", fmt.Errorf("content hash %q is too short", hash)
	}
	for _, r := range hash {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("content hash %q is not lowercase hex", hash)
		}
	}
	return filepath.Join(s.baseDir, hash[:2], hash), nil
}
