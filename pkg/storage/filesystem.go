package storage

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

// FilesystemStore is an ObjectStore backed by a local directory tree.
// Writes go to a temporary file followed by an atomic rename, so readers
// never observe a partially written object.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates a filesystem store rooted at root, creating the
// directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to create storage root")
	}
	return &FilesystemStore{root: root}, nil
}

func (f *FilesystemStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Put writes data under key via temp file + rename.
func (f *FilesystemStore) Put(_ context.Context, key string, data []byte) error {
	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to create object directory")
	}

	tmp := target + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to write object")
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to publish object")
	}
	return nil
}

// Get reads the object under key.
func (f *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key)) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.ErrorTypeNotFound, "object %q not found", key)
		}
		return nil, errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to read object")
	}
	return data, nil
}

// List walks the tree under prefix and returns matching keys sorted.
func (f *FilesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to list objects")
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key is stored.
func (f *FilesystemStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to stat object")
	}
	return true, nil
}

// Delete removes the object under key.
func (f *FilesystemStore) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeStorageUnavailable, "failed to delete object")
	}
	return nil
}
