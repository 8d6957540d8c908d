package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"crater/internal/log"
	"crater/pkg/archive"
)

type partitionState int

const (
	stateNew partitionState = iota
	stateIdle
	stateRecoveryFailed
)

// partition owns the authoritative in-memory index for one
// (channel, subdir) pair. The mutex serializes loading and mutations, so
// at most one mutation is in flight per partition. Readers never take it;
// they follow the published pointer, which is swapped only after a
// successful durable publish.
type partition struct {
	channel string
	subdir  string

	mu    sync.Mutex
	state partitionState
	idx   *Index

	published atomic.Pointer[Doc]
}

func newPartition(channel, subdir string) *partition {
	return &partition{
		channel: channel,
		subdir:  subdir,
		state:   stateNew,
	}
}

// currentDoc returns the latest published snapshot, loading the partition
// on first access.
func (p *partition) currentDoc(ctx context.Context, store *ContentStore) (*Doc, error) {
	if doc := p.published.Load(); doc != nil {
		return doc, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(ctx, store); err != nil {
		return nil, err
	}
	return p.published.Load(), nil
}

// mutate runs one validate-apply-publish cycle under the partition lock.
// The mutation is applied to a clone of the index and committed only
// after the durable publish succeeds, so any failure leaves the partition
// at its pre-mutation revision. Once the lock is held the cycle runs to
// completion regardless of caller cancellation: partial mutations must
// never become durable, and acknowledged ones must be.
func (p *partition) mutate(ctx context.Context, store *ContentStore, fn func(*Index) (bool, error), after func(*Index) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLoaded(ctx, store); err != nil {
		return err
	}

	clone := p.idx.Clone()
	changed, err := fn(clone)
	if err != nil {
		return err
	}

	if changed {
		doc := clone.Doc()
		if err := store.PublishIndex(ctx, p.channel, p.subdir, doc); err != nil {
			return fmt.Errorf("publish failed for %s/%s: %w", p.channel, p.subdir, err)
		}
		p.idx = clone
		p.published.Store(doc)
	}

	if after != nil {
		return after(p.idx)
	}
	return nil
}

// ensureLoaded brings the index into memory: fast path from the durable
// document, rebuild from artifact files when the document is missing or
// corrupt. A failed rebuild is sticky until reset explicitly.
func (p *partition) ensureLoaded(ctx context.Context, store *ContentStore) error {
	switch p.state {
	case stateIdle:
		return nil
	case stateRecoveryFailed:
		return fmt.Errorf("%w: %s/%s", ErrRecoveryFailed, p.channel, p.subdir)
	}

	doc, err := store.LoadIndex(ctx, p.channel, p.subdir)
	if err == nil {
		p.idx = doc.Index()
		p.published.Store(doc)
		p.state = stateIdle
		return nil
	}

	log.Logger.Warnf("index document unusable for %s/%s, rebuilding from artifacts: %v",
		p.channel, p.subdir, err)

	idx, rerr := p.rebuild(ctx, store)
	if rerr != nil {
		p.state = stateRecoveryFailed
		return fmt.Errorf("%w: %s/%s: %v", ErrRecoveryFailed, p.channel, p.subdir, rerr)
	}

	rebuilt := idx.Doc()
	if err := store.PublishIndex(ctx, p.channel, p.subdir, rebuilt); err != nil {
		p.state = stateRecoveryFailed
		return fmt.Errorf("%w: %s/%s: %v", ErrRecoveryFailed, p.channel, p.subdir, err)
	}

	p.idx = idx
	p.published.Store(rebuilt)
	p.state = stateIdle
	log.Logger.Infof("rebuilt index for %s/%s: %d packages", p.channel, p.subdir, idx.Count())
	return nil
}

// rebuild re-derives the index by parsing every artifact physically
// present in the partition directory. Recovery only; never part of the
// steady-state write path.
func (p *partition) rebuild(ctx context.Context, store *ContentStore) (*Index, error) {
	files, err := store.ListArtifacts(ctx, p.channel, p.subdir)
	if err != nil {
		return nil, err
	}

	idx := NewIndex(p.subdir)
	for _, f := range files {
		rc, err := store.Get(ctx, p.channel, p.subdir, f.Name)
		if err != nil {
			return nil, err
		}
		raw, err := readAndClose(rc)
		if err != nil {
			return nil, err
		}

		rec, err := archive.ParseFile(f.Name, raw)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", f.Name, err)
		}
		if _, err := idx.Add(rec); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// reset clears a recovery-failed state so the next access retries the
// load. Called with operator intent via Engine.Reload.
func (p *partition) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = stateNew
	p.idx = nil
	p.published.Store(nil)
}

func readAndClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
