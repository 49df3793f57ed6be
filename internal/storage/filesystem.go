package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemStorage implements ObjectStore over a local directory.
// Object keys map to slash-separated paths below baseDir.
type FilesystemStorage struct {
	baseDir string
}

// NewFilesystemStorage creates a new filesystem object store
func NewFilesystemStorage(baseDir string) (*FilesystemStorage, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	return &FilesystemStorage{
		baseDir: abs,
	}, nil
}

// BaseDir returns the root directory of the store
func (fs *FilesystemStorage) BaseDir() string {
	return fs.baseDir
}

func (fs *FilesystemStorage) path(op, key string) (string, error) {
	if key == "" {
		return "", newError(NotFound, op, key, errors.New("empty key"))
	}
	path := filepath.Join(fs.baseDir, filepath.FromSlash(key))

	// Security: prevent directory traversal
	if path != fs.baseDir && !strings.HasPrefix(path, fs.baseDir+string(filepath.Separator)) {
		return "", newError(PermissionDenied, op, key, errors.New("invalid key: path traversal detected"))
	}
	return path, nil
}

// List returns every regular file below prefix, sorted by key
func (fs *FilesystemStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(fs.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(fs.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, classifyFSError("list", prefix, err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Head returns metadata for the file at the given key
func (fs *FilesystemStorage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	path, err := fs.path("head", key)
	if err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, classifyFSError("head", key, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, newError(NotFound, "head", key, errors.New("key is a directory"))
	}

	return ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime().UTC(),
	}, nil
}

// Get returns the content of the file at the given key
func (fs *FilesystemStorage) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	info, err := fs.Head(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	path, _ := fs.path("get", key)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ObjectInfo{}, classifyFSError("get", key, err)
	}
	return data, info, nil
}

// Put writes data to the file at the given key, creating parent directories
func (fs *FilesystemStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := fs.path("put", key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return classifyFSError("put", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return classifyFSError("put", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return classifyFSError("put", key, err)
	}
	return nil
}

// Remove deletes the file at the given key. Missing files are ignored.
func (fs *FilesystemStorage) Remove(ctx context.Context, key string) error {
	path, err := fs.path("remove", key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyFSError("remove", key, err)
	}
	return nil
}

func classifyFSError(op, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(NotFound, op, key, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(PermissionDenied, op, key, err)
	default:
		return newError(Transient, op, key, err)
	}
}
