package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"crater/internal/log"
	"crater/pkg/storage"
)

func init() {
	storage.Register(storage.Local, NewLocalStorage)
}

type LocalStorage struct {
	basePath string
}

func NewLocalStorage(basePath string) (storage.Storage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Store writes to a hidden temp file in the target directory, fsyncs it,
// and renames it over the destination. The rename keeps concurrent readers
// on either the old or the new content; the directory fsync makes the new
// entry survive a crash.
func (l *LocalStorage) Store(ctx context.Context, path string, reader io.Reader) error {
	fullPath := filepath.Join(l.basePath, path)
	dir := filepath.Dir(fullPath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = io.Copy(tmp, reader); err != nil {
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

	if err = os.Rename(tmpName, fullPath); err != nil {
		return err
	}
	return syncDir(dir)
}

func (l *LocalStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath := filepath.Join(l.basePath, path)

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			// resolve symlinked storage roots before giving up
			if realPath, evalErr := filepath.EvalSymlinks(fullPath); evalErr == nil {
				return os.Open(realPath)
			}
			return nil, fmt.Errorf("%w: %s", storage.ErrNotExist, path)
		}
		return nil, err
	}
	return file, nil
}

func (l *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath := filepath.Join(l.basePath, path)
	return os.RemoveAll(fullPath)
}

func (l *LocalStorage) Rename(ctx context.Context, oldPath, newPath string) error {
	oldFull := filepath.Join(l.basePath, oldPath)
	newFull := filepath.Join(l.basePath, newPath)

	if err := os.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
		return err
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotExist, oldPath)
		}
		return err
	}
	return syncDir(filepath.Dir(newFull))
}

func (l *LocalStorage) ListWithOptions(ctx context.Context, prefix string, opts storage.ListOptions) ([]storage.FileInfo, error) {
	fullPath := filepath.Join(l.basePath, prefix)

	// an absent prefix is an empty listing, not an error
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return []storage.FileInfo{}, nil
	}

	var files []storage.FileInfo
	err := filepath.WalkDir(fullPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Logger.Debugf("skipping unreadable entry %s: %v", path, err)
			return nil
		}
		if path == fullPath {
			return nil
		}

		relPath, err := filepath.Rel(fullPath, path)
		if err != nil {
			return nil
		}

		if opts.MaxDepth >= 0 {
			depth := strings.Count(relPath, string(filepath.Separator))
			if depth > opts.MaxDepth {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			log.Logger.Debugf("stat failed for %s: %v", path, err)
			return nil
		}

		if d.IsDir() {
			if opts.IncludeDirs {
				files = append(files, storage.FileInfo{
					Name:    relPath,
					Size:    info.Size(),
					IsDir:   true,
					ModTime: info.ModTime(),
				})
			}
			return nil
		}

		if len(opts.Extensions) > 0 && !matchesExtension(d.Name(), opts.Extensions) {
			return nil
		}

		files = append(files, storage.FileInfo{
			Name:    relPath,
			Size:    info.Size(),
			IsDir:   false,
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (l *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	fullPath := filepath.Join(l.basePath, path)

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *LocalStorage) CreateDir(ctx context.Context, path string) error {
	fullPath := filepath.Join(l.basePath, path)
	return os.MkdirAll(fullPath, 0755)
}

func (l *LocalStorage) GetPath(path string) string {
	return filepath.Join(l.basePath, path)
}

// matchesExtension uses suffix matching rather than filepath.Ext because
// conda package names carry compound extensions (".tar.bz2").
func matchesExtension(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
