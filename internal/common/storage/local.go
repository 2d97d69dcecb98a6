package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	appErr "judgeflow/pkg/errors"
)

// LocalStorage implements ObjectStorage on a directory. It backs single-node
// deployments and tests.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root failed: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root failed: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

// CleanKey normalizes an object key and rejects keys that leave the root.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if strings.HasPrefix(key, "/") {
		key = strings.TrimLeft(key, "/")
	}
	if key == "" {
		return "", appErr.ValidationError("path", "empty")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", appErr.ValidationError("path", "escapes storage root")
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", appErr.ValidationError("path", "escapes storage root")
	}
	return cleaned, nil
}

func (s *LocalStorage) resolve(objectKey string) (string, error) {
	key, err := CleanKey(objectKey)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", appErr.ValidationError("path", "escapes storage root")
	}
	return full, nil
}

func (s *LocalStorage) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ObjectStat, error) {
	full, err := s.resolve(objectKey)
	if err != nil {
		return nil, ObjectStat{}, err
	}
	stat, err := s.stat(full, objectKey)
	if err != nil {
		return nil, ObjectStat{}, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, ObjectStat{}, s.wrapErr(err, objectKey)
	}
	return f, stat, nil
}

func (s *LocalStorage) PutObject(ctx context.Context, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if reader == nil {
		return fmt.Errorf("reader is required")
	}
	full, err := s.resolve(objectKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return appErr.Wrap(err, appErr.StorageError)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return appErr.Wrap(err, appErr.StorageError)
	}
	defer os.Remove(tmp.Name())

	src := reader
	if sizeBytes >= 0 {
		src = io.LimitReader(reader, sizeBytes)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return appErr.Wrap(err, appErr.StorageError)
	}
	if err := tmp.Close(); err != nil {
		return appErr.Wrap(err, appErr.StorageError)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return appErr.Wrap(err, appErr.StorageError)
	}
	return nil
}

func (s *LocalStorage) StatObject(ctx context.Context, objectKey string) (ObjectStat, error) {
	full, err := s.resolve(objectKey)
	if err != nil {
		return ObjectStat{}, err
	}
	return s.stat(full, objectKey)
}

func (s *LocalStorage) stat(full, objectKey string) (ObjectStat, error) {
	info, err := os.Stat(full)
	if err != nil {
		return ObjectStat{}, s.wrapErr(err, objectKey)
	}
	if info.IsDir() {
		return ObjectStat{}, appErr.New(appErr.ObjectNotFound).WithDetail("key", objectKey)
	}
	return ObjectStat{
		SizeBytes:   info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(full)),
	}, nil
}

func (s *LocalStorage) wrapErr(err error, objectKey string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return appErr.New(appErr.ObjectNotFound).WithDetail("key", objectKey)
	}
	return appErr.Wrap(err, appErr.StorageError)
}

var _ ObjectStorage = (*LocalStorage)(nil)
