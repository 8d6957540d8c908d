package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned by Get and Rename when the source path is
// absent. Backends wrap their native miss in it so callers can use
// errors.Is regardless of backend.
var ErrNotExist = errors.New("storage: path does not exist")

type Storage interface {
	// Store writes the full content durably before returning. The write
	// is atomic: a concurrent Get on the same path sees either the
	// previous content or the new content, never a partial file.
	Store(ctx context.Context, path string, reader io.Reader) error

	Get(ctx context.Context, path string) (io.ReadCloser, error)

	Delete(ctx context.Context, path string) error

	// Rename atomically replaces newPath with the content at oldPath.
	// A crash mid-rename leaves either the old or the new content at
	// newPath, never a truncated mix.
	Rename(ctx context.Context, oldPath, newPath string) error

	ListWithOptions(ctx context.Context, prefix string, opts ListOptions) ([]FileInfo, error)

	CreateDir(ctx context.Context, path string) error

	GetPath(path string) string

	Exists(ctx context.Context, path string) (bool, error)
}

type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

type ListOptions struct {
	MaxDepth    int // -1 means unlimited depth
	IncludeDirs bool
	Extensions  []string // filename suffix filter, e.g. ".tar.bz2"
}
