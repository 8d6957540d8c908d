package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"crater/internal/log"
	"crater/pkg/archive"
	"crater/pkg/storage"
)

// Engine is the channel index engine: it ingests validated package
// artifacts, stores their bytes, and keeps one authoritative repodata
// index per (channel, subdir) partition. The partition registry is
// explicit engine state, populated lazily; callers inject the byte-store
// backend, nothing here is a package singleton.
type Engine struct {
	store *ContentStore

	mu         sync.Mutex
	partitions map[string]*partition
}

func NewEngine(backend storage.Storage) *Engine {
	return &Engine{
		store:      NewContentStore(backend),
		partitions: make(map[string]*partition),
	}
}

func partitionKey(channel, subdir string) string {
	return channel + "/" + subdir
}

// partition returns the handle for (channel, subdir), creating it on
// first use. Creation is cheap; the index itself loads lazily under the
// partition's own lock.
func (e *Engine) partition(channel, subdir string) *partition {
	key := partitionKey(channel, subdir)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.partitions[key]
	if !ok {
		p = newPartition(channel, subdir)
		e.partitions[key] = p
	}
	return p
}

func (e *Engine) lookupPartition(channel, subdir string) (*partition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.partitions[partitionKey(channel, subdir)]
	return p, ok
}

// Ingest is the single write entry point: validate the raw archive,
// store its bytes durably, merge the record into the partition index and
// publish the new document, all under the partition's exclusive lock.
// Uploader identity is opaque here; permission checks happen before this
// call. Re-ingesting byte-identical content is idempotent and returns the
// already-published record without advancing the revision.
func (e *Engine) Ingest(ctx context.Context, channelName, platform string, raw []byte, uploader string) (*archive.Record, error) {
	format, err := archive.DetectContent(raw)
	if err != nil {
		return nil, err
	}

	rec, err := archive.Parse(raw, format)
	if err != nil {
		return nil, err
	}
	if platform != "" && rec.Subdir != platform {
		return nil, fmt.Errorf("%w: package targets %s, upload targets %s",
			ErrSubdirMismatch, rec.Subdir, platform)
	}

	p := e.partition(channelName, rec.Subdir)

	var published *archive.Record
	err = p.mutate(ctx, e.store, func(ix *Index) (bool, error) {
		if existing, ok := ix.Get(rec.Filename); ok && existing.SHA256 == rec.SHA256 {
			published = existing
			return false, nil
		}

		// bytes first: the index must never reference artifacts that
		// are not durably stored
		if err := e.store.Put(ctx, channelName, rec.Subdir, rec.Filename, raw, rec.SHA256); err != nil {
			return false, err
		}

		changed, err := ix.Add(rec)
		if err != nil {
			return false, err
		}
		published = rec
		return changed, nil
	}, nil)
	if err != nil {
		return nil, err
	}

	log.Logger.Infof("ingested %s into %s/%s (sha256 %s, uploader %s)",
		published.Filename, channelName, published.Subdir, published.SHA256, uploader)
	return published, nil
}

// CurrentIndex returns the latest published snapshot for a partition.
// Reads never contend with writers: after the lazy first load they follow
// an atomic pointer swap.
func (e *Engine) CurrentIndex(ctx context.Context, channelName, platform string) (*Doc, error) {
	p, ok := e.lookupPartition(channelName, platform)
	if !ok {
		exists, err := e.store.PartitionExists(ctx, channelName, platform)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, channelName, platform)
		}
		p = e.partition(channelName, platform)
	}
	return p.currentDoc(ctx, e.store)
}

// FetchArtifact streams stored artifact bytes.
func (e *Engine) FetchArtifact(ctx context.Context, channelName, platform, filename string) (io.ReadCloser, error) {
	return e.store.Get(ctx, channelName, platform, filename)
}

// RemoveArtifact deletes a record from the partition index, publishes the
// shrunken document, and garbage-collects the stored bytes once no
// remaining record references their hash. The byte deletion happens while
// the partition lock is still held, so a concurrent re-upload cannot slip
// between publish and collection.
func (e *Engine) RemoveArtifact(ctx context.Context, channelName, platform, filename, remover string) error {
	p, ok := e.lookupPartition(channelName, platform)
	if !ok {
		exists, err := e.store.PartitionExists(ctx, channelName, platform)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, channelName, platform)
		}
		p = e.partition(channelName, platform)
	}

	var removed *archive.Record
	err := p.mutate(ctx, e.store, func(ix *Index) (bool, error) {
		rec, ok := ix.Get(filename)
		if !ok {
			return false, fmt.Errorf("%w: %s/%s/%s", ErrNotFound, channelName, platform, filename)
		}
		removed = rec
		if err := ix.Remove(filename); err != nil {
			return false, err
		}
		return true, nil
	}, func(ix *Index) error {
		if ix.References(removed.SHA256) {
			return nil
		}
		if err := e.store.Delete(ctx, channelName, platform, filename); err != nil {
			// the index is already consistent; orphaned bytes are
			// reclaimable on the next remove or by an operator sweep
			log.Logger.Warnf("failed to collect bytes for %s/%s/%s: %v",
				channelName, platform, filename, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Logger.Infof("removed %s from %s/%s (remover %s)", filename, channelName, platform, remover)
	return nil
}

// Reload clears a partition's recovery-failed state and retries the load.
// Operator remediation hook; succeeds only if the reconstruction does.
func (e *Engine) Reload(ctx context.Context, channelName, platform string) error {
	p := e.partition(channelName, platform)
	p.reset()
	_, err := p.currentDoc(ctx, e.store)
	return err
}

// CreateChannel persists channel metadata. Channel names are immutable
// once created.
func (e *Engine) CreateChannel(ctx context.Context, name, description string, private bool) (*ChannelMeta, error) {
	if _, err := e.store.GetChannelMeta(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, name)
	}

	meta := &ChannelMeta{
		Name:        name,
		Description: description,
		Private:     private,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.PutChannelMeta(ctx, meta); err != nil {
		return nil, err
	}

	log.Logger.Infof("created channel %s (private=%v)", name, private)
	return meta, nil
}

func (e *Engine) GetChannel(ctx context.Context, name string) (*ChannelMeta, error) {
	return e.store.GetChannelMeta(ctx, name)
}

func (e *Engine) ListChannels(ctx context.Context) ([]*ChannelMeta, error) {
	channels, err := e.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels, nil
}

// ListPackages aggregates the published records of every partition in a
// channel, sorted by subdir then filename.
func (e *Engine) ListPackages(ctx context.Context, channelName string) ([]*archive.Record, error) {
	if _, err := e.store.GetChannelMeta(ctx, channelName); err != nil {
		return nil, err
	}

	subdirs, err := e.store.ListSubdirs(ctx, channelName)
	if err != nil {
		return nil, err
	}

	var records []*archive.Record
	for _, subdir := range subdirs {
		doc, err := e.CurrentIndex(ctx, channelName, subdir)
		if err != nil {
			if errors.Is(err, ErrRecoveryFailed) {
				return nil, err
			}
			// empty platform directories are not partitions yet
			continue
		}
		// published records are shared with the live index; hand out
		// copies so callers never write through the shared pointers
		for name, rec := range doc.Packages {
			cp := *rec
			cp.Filename = name
			records = append(records, &cp)
		}
		for name, rec := range doc.CondaPackages {
			cp := *rec
			cp.Filename = name
			records = append(records, &cp)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Subdir != records[j].Subdir {
			return records[i].Subdir < records[j].Subdir
		}
		return records[i].Filename < records[j].Filename
	})
	return records, nil
}
