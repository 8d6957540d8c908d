package mindb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/elastic-io/mindb"

	"crater/pkg/storage"
)

func init() {
	storage.Register(storage.MinDB, NewMinDBStorage)
}

const bucket = "crater"

const listPageSize = 1000

// MinDBStorage keeps artifacts in a mindb object bucket. Object puts are
// atomic in mindb, so Store and Rename satisfy the Storage contract
// without a temp-file dance.
type MinDBStorage struct {
	db     *mindb.DB
	bucket string
}

func NewMinDBStorage(dbPath string) (storage.Storage, error) {
	db, err := mindb.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open mindb at %s: %w", dbPath, err)
	}

	exists, err := db.BucketExists(bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := db.CreateBucket(bucket); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinDBStorage{
		db:     db,
		bucket: bucket,
	}, nil
}

func (m *MinDBStorage) Store(ctx context.Context, path string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	objectData := &mindb.ObjectData{
		Key:         m.normalizePath(path),
		Data:        data,
		Size:        int64(len(data)),
		ContentType: "application/octet-stream",
		Metadata: map[string]string{
			"upload-time": time.Now().UTC().Format(time.RFC3339),
		},
		LastModified: time.Now(),
	}

	if err := m.db.PutObject(m.bucket, objectData); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (m *MinDBStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	objectData, err := m.db.GetObject(m.bucket, m.normalizePath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotExist, path)
	}
	return io.NopCloser(bytes.NewReader(objectData.Data)), nil
}

func (m *MinDBStorage) Delete(ctx context.Context, path string) error {
	normalizedPath := m.normalizePath(path)

	if strings.HasSuffix(normalizedPath, "/") || m.isDirectory(normalizedPath) {
		return m.deleteDirectory(normalizedPath)
	}

	if err := m.db.DeleteObject(m.bucket, normalizedPath); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (m *MinDBStorage) Rename(ctx context.Context, oldPath, newPath string) error {
	oldKey := m.normalizePath(oldPath)

	objectData, err := m.db.GetObject(m.bucket, oldKey)
	if err != nil {
		return fmt.Errorf("%w: %s", storage.ErrNotExist, oldPath)
	}

	objectData.Key = m.normalizePath(newPath)
	objectData.LastModified = time.Now()
	if err := m.db.PutObject(m.bucket, objectData); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}

	if err := m.db.DeleteObject(m.bucket, oldKey); err != nil {
		return fmt.Errorf("failed to delete source object: %w", err)
	}
	return nil
}

func (m *MinDBStorage) ListWithOptions(ctx context.Context, prefix string, opts storage.ListOptions) ([]storage.FileInfo, error) {
	var result []storage.FileInfo
	var marker string

	normalizedPrefix := m.normalizePath(prefix)
	if normalizedPrefix != "" && !strings.HasSuffix(normalizedPrefix, "/") {
		normalizedPrefix += "/"
	}

	seen := make(map[string]bool)
	directories := make(map[string]storage.FileInfo)

	for {
		objects, _, err := m.db.ListObjects(m.bucket, normalizedPrefix, marker, "", listPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range objects {
			objKey := obj.Key
			if seen[objKey] {
				continue
			}
			seen[objKey] = true

			if normalizedPrefix != "" && !strings.HasPrefix(objKey, normalizedPrefix) {
				continue
			}

			relativePath := strings.TrimPrefix(objKey, normalizedPrefix)
			if relativePath == "" {
				continue
			}

			// zero-size keys ending in "/" are directory placeholders
			if strings.HasSuffix(objKey, "/") && obj.Size == 0 {
				if opts.IncludeDirs {
					dirName := strings.TrimSuffix(relativePath, "/")
					if dirName != "" && withinDepth(relativePath, opts.MaxDepth) {
						directories[dirName] = storage.FileInfo{
							Name:    dirName,
							IsDir:   true,
							ModTime: obj.LastModified,
						}
					}
				}
				continue
			}

			// materialize parent directories implied by nested keys.
			// This must happen before the file's own depth check: a
			// depth-0 listing of "main" has to surface "linux-64" even
			// though the only physical keys are the files below it.
			if opts.IncludeDirs {
				parts := strings.Split(relativePath, "/")
				for i := 1; i < len(parts); i++ {
					dirPath := strings.Join(parts[:i], "/")
					if _, ok := directories[dirPath]; !ok && withinDepth(dirPath, opts.MaxDepth) {
						directories[dirPath] = storage.FileInfo{
							Name:    dirPath,
							IsDir:   true,
							ModTime: obj.LastModified,
						}
					}
				}
			}

			if !withinDepth(relativePath, opts.MaxDepth) {
				continue
			}
			if len(opts.Extensions) > 0 && !matchesExtension(objKey, opts.Extensions) {
				continue
			}

			result = append(result, storage.FileInfo{
				Name:    relativePath,
				Size:    obj.Size,
				ModTime: obj.LastModified,
			})
		}

		if len(objects) < listPageSize {
			break
		}
		marker = objects[len(objects)-1].Key
	}

	for _, dir := range directories {
		result = append(result, dir)
	}
	return result, nil
}

func (m *MinDBStorage) CreateDir(ctx context.Context, path string) error {
	dirPath := m.normalizePath(path)
	if !strings.HasSuffix(dirPath, "/") {
		dirPath += "/"
	}

	objectData := &mindb.ObjectData{
		Key:         dirPath,
		Data:        []byte{},
		Size:        0,
		ContentType: "application/x-directory",
		Metadata: map[string]string{
			"is-directory": "true",
			"create-time":  time.Now().UTC().Format(time.RFC3339),
		},
		LastModified: time.Now(),
	}

	if err := m.db.PutObject(m.bucket, objectData); err != nil {
		return fmt.Errorf("failed to create directory object: %w", err)
	}
	return nil
}

func (m *MinDBStorage) GetPath(path string) string {
	return fmt.Sprintf("mindb://%s/%s", m.bucket, m.normalizePath(path))
}

func (m *MinDBStorage) Exists(ctx context.Context, path string) (bool, error) {
	normalizedPath := m.normalizePath(path)

	if _, err := m.db.GetObject(m.bucket, normalizedPath); err == nil {
		return true, nil
	}
	if !strings.HasSuffix(normalizedPath, "/") {
		if _, err := m.db.GetObject(m.bucket, normalizedPath+"/"); err == nil {
			return true, nil
		}
	}

	objects, _, err := m.db.ListObjects(m.bucket, normalizedPath, "", "", 1)
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return len(objects) > 0, nil
}

func (m *MinDBStorage) Close() error {
	return m.db.Close()
}

func (m *MinDBStorage) normalizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	return filepath.ToSlash(path)
}

func (m *MinDBStorage) isDirectory(path string) bool {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	objects, _, err := m.db.ListObjects(m.bucket, path, "", "", 1)
	if err != nil {
		return false
	}
	return len(objects) > 0
}

func (m *MinDBStorage) deleteDirectory(dirPath string) error {
	if !strings.HasSuffix(dirPath, "/") {
		dirPath += "/"
	}

	var marker string
	for {
		objects, _, err := m.db.ListObjects(m.bucket, dirPath, marker, "", listPageSize)
		if err != nil {
			return fmt.Errorf("failed to list directory objects: %w", err)
		}

		for _, obj := range objects {
			if err := m.db.DeleteObject(m.bucket, obj.Key); err != nil {
				return fmt.Errorf("failed to delete object %s: %w", obj.Key, err)
			}
		}

		if len(objects) < listPageSize {
			break
		}
		marker = objects[len(objects)-1].Key
	}

	_ = m.db.DeleteObject(m.bucket, dirPath)
	return nil
}

func matchesExtension(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func withinDepth(relativePath string, maxDepth int) bool {
	if maxDepth < 0 {
		return true
	}
	return strings.Count(strings.Trim(relativePath, "/"), "/") <= maxDepth
}
