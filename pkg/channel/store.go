package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/opencontainers/go-digest"

	"crater/pkg/storage"
)

// IndexFilename is the durable index document name inside a partition
// directory, as conda clients request it.
const IndexFilename = "repodata.json"

// ChannelMetaFilename holds per-channel metadata at the channel root.
const ChannelMetaFilename = "channeldata.json"

var packageExtensions = []string{".tar.bz2", ".conda"}

// ContentStore is the content-addressable artifact store for all
// channels. Artifacts live at <channel>/<subdir>/<filename>, so listing a
// partition directory enumerates exactly the artifacts an index rebuild
// has to re-derive.
type ContentStore struct {
	backend storage.Storage
}

func NewContentStore(backend storage.Storage) *ContentStore {
	return &ContentStore{backend: backend}
}

func (s *ContentStore) artifactPath(channel, subdir, filename string) string {
	return path.Join(channel, subdir, filename)
}

func (s *ContentStore) indexPath(channel, subdir string) string {
	return path.Join(channel, subdir, IndexFilename)
}

// Put stores artifact bytes durably. Calling it twice with identical
// bytes is a no-op; an existing artifact with a different content hash is
// rejected, protecting the hash-to-filename identity the index relies on.
func (s *ContentStore) Put(ctx context.Context, channel, subdir, filename string, raw []byte, sha256 string) error {
	p := s.artifactPath(channel, subdir, filename)

	exists, err := s.backend.Exists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		existing, err := s.readAll(ctx, p)
		if err != nil {
			return err
		}
		if digest.SHA256.FromBytes(existing).Encoded() == sha256 {
			return nil
		}
		return fmt.Errorf("%w: %s/%s/%s", ErrHashConflict, channel, subdir, filename)
	}

	return s.backend.Store(ctx, p, bytes.NewReader(raw))
}

func (s *ContentStore) Get(ctx context.Context, channel, subdir, filename string) (io.ReadCloser, error) {
	rc, err := s.backend.Get(ctx, s.artifactPath(channel, subdir, filename))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, channel, subdir, filename)
		}
		return nil, err
	}
	return rc, nil
}

func (s *ContentStore) Delete(ctx context.Context, channel, subdir, filename string) error {
	return s.backend.Delete(ctx, s.artifactPath(channel, subdir, filename))
}

// ListArtifacts enumerates the package files physically present in a
// partition directory. Index documents and temp files are excluded by the
// extension filter.
func (s *ContentStore) ListArtifacts(ctx context.Context, channel, subdir string) ([]storage.FileInfo, error) {
	return s.backend.ListWithOptions(ctx, path.Join(channel, subdir), storage.ListOptions{
		MaxDepth:   0,
		Extensions: packageExtensions,
	})
}

// PartitionExists reports whether a partition has any durable trace: an
// index document or at least one artifact file.
func (s *ContentStore) PartitionExists(ctx context.Context, channel, subdir string) (bool, error) {
	exists, err := s.backend.Exists(ctx, s.indexPath(channel, subdir))
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	files, err := s.ListArtifacts(ctx, channel, subdir)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// ListSubdirs enumerates the platform subdirectories of a channel.
func (s *ContentStore) ListSubdirs(ctx context.Context, channel string) ([]string, error) {
	entries, err := s.backend.ListWithOptions(ctx, channel, storage.ListOptions{
		MaxDepth:    0,
		IncludeDirs: true,
	})
	if err != nil {
		return nil, err
	}

	var subdirs []string
	for _, e := range entries {
		if e.IsDir {
			subdirs = append(subdirs, e.Name)
		}
	}
	return subdirs, nil
}

// PublishIndex atomically replaces the partition's durable index document
// with the given snapshot: the document is written in full to a staging
// name, then swapped into place with the backend's atomic Rename. A crash
// mid-publish leaves either the old or the new document, never a
// truncated mix; a leftover staging file is overwritten by the next
// publish and invisible to artifact listings.
func (s *ContentStore) PublishIndex(ctx context.Context, channel, subdir string, doc *Doc) error {
	data, err := doc.Marshal()
	if err != nil {
		return err
	}

	final := s.indexPath(channel, subdir)
	staging := final + ".staging"
	if err := s.backend.Store(ctx, staging, bytes.NewReader(data)); err != nil {
		return err
	}
	return s.backend.Rename(ctx, staging, final)
}

// LoadIndex reads the current durable index document. A missing document
// returns ErrNotFound; a document that fails to decode returns the decode
// error so the caller can fall back to a rebuild.
func (s *ContentStore) LoadIndex(ctx context.Context, channel, subdir string) (*Doc, error) {
	data, err := s.readAll(ctx, s.indexPath(channel, subdir))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, channel, subdir, IndexFilename)
		}
		return nil, err
	}
	return UnmarshalDoc(data)
}

// ChannelMeta is the channeldata.json persisted at a channel root.
// Visibility is recorded for the serving layer; enforcing it is the
// caller's job.
type ChannelMeta struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Private     bool      `json:"private"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *ContentStore) PutChannelMeta(ctx context.Context, meta *ChannelMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	// make the channel directory durable in its own right; object-store
	// backends need the placeholder for the channel to show up in
	// listings before the first package arrives
	if err := s.backend.CreateDir(ctx, meta.Name); err != nil {
		return err
	}
	return s.backend.Store(ctx, path.Join(meta.Name, ChannelMetaFilename), bytes.NewReader(data))
}

func (s *ContentStore) GetChannelMeta(ctx context.Context, channel string) (*ChannelMeta, error) {
	data, err := s.readAll(ctx, path.Join(channel, ChannelMetaFilename))
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channel)
		}
		return nil, err
	}

	var meta ChannelMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ListChannels enumerates top-level directories carrying a channel meta
// file.
func (s *ContentStore) ListChannels(ctx context.Context) ([]*ChannelMeta, error) {
	entries, err := s.backend.ListWithOptions(ctx, "", storage.ListOptions{
		MaxDepth:    0,
		IncludeDirs: true,
	})
	if err != nil {
		return nil, err
	}

	var channels []*ChannelMeta
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		meta, err := s.GetChannelMeta(ctx, e.Name)
		if err != nil {
			continue
		}
		channels = append(channels, meta)
	}
	return channels, nil
}

func (s *ContentStore) readAll(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.backend.Get(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
