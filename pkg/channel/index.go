package channel

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"crater/pkg/archive"
)

// RepodataVersion is the schema version of the wire index document,
// matching what conda clients expect.
const RepodataVersion = 1

// Index is the authoritative in-memory state of one (channel, subdir)
// partition: two filename-to-record maps split by package format, a
// revision counter that increments once per successful mutation, and the
// last-modified timestamp. It is not safe for concurrent use; the
// partition coordinator owns it exclusively.
type Index struct {
	Subdir        string
	Revision      uint64
	LastModified  time.Time
	Packages      map[string]*archive.Record // .tar.bz2 entries
	CondaPackages map[string]*archive.Record // .conda entries
}

func NewIndex(subdir string) *Index {
	return &Index{
		Subdir:        subdir,
		Packages:      make(map[string]*archive.Record),
		CondaPackages: make(map[string]*archive.Record),
	}
}

func (ix *Index) bucketFor(filename string) map[string]*archive.Record {
	if strings.HasSuffix(filename, ".conda") {
		return ix.CondaPackages
	}
	return ix.Packages
}

func (ix *Index) Get(filename string) (*archive.Record, bool) {
	rec, ok := ix.bucketFor(filename)[filename]
	return rec, ok
}

func (ix *Index) Count() int {
	return len(ix.Packages) + len(ix.CondaPackages)
}

// Add inserts a record under its canonical filename. A record that is
// already present with the same content hash is a no-op and leaves the
// revision untouched; a different hash under the same filename is a
// conflict, because filenames are content-stable identities.
func (ix *Index) Add(rec *archive.Record) (bool, error) {
	bucket := ix.bucketFor(rec.Filename)

	if existing, ok := bucket[rec.Filename]; ok {
		if existing.SHA256 == rec.SHA256 {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrFilenameConflict, rec.Filename)
	}

	bucket[rec.Filename] = rec
	ix.Revision++
	ix.LastModified = time.Now().UTC()
	return true, nil
}

// Remove deletes the record for filename, incrementing the revision.
func (ix *Index) Remove(filename string) error {
	bucket := ix.bucketFor(filename)
	if _, ok := bucket[filename]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	delete(bucket, filename)
	ix.Revision++
	ix.LastModified = time.Now().UTC()
	return nil
}

// References reports whether any record in the index carries the given
// content hash. Used to gate garbage collection of stored bytes.
func (ix *Index) References(sha256 string) bool {
	for _, rec := range ix.Packages {
		if rec.SHA256 == sha256 {
			return true
		}
	}
	for _, rec := range ix.CondaPackages {
		if rec.SHA256 == sha256 {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the index. Records are immutable
// once published, so the copy shares record pointers but not maps.
func (ix *Index) Clone() *Index {
	clone := &Index{
		Subdir:        ix.Subdir,
		Revision:      ix.Revision,
		LastModified:  ix.LastModified,
		Packages:      make(map[string]*archive.Record, len(ix.Packages)),
		CondaPackages: make(map[string]*archive.Record, len(ix.CondaPackages)),
	}
	for k, v := range ix.Packages {
		clone.Packages[k] = v
	}
	for k, v := range ix.CondaPackages {
		clone.CondaPackages[k] = v
	}
	return clone
}

// DocInfo is the info block of the wire document.
type DocInfo struct {
	Subdir string `json:"subdir"`
}

// Doc is the serialized snapshot of a partition index, the repodata.json
// conda clients consume. Exactly one current Doc exists per partition;
// prior revisions are not retained.
type Doc struct {
	Info            DocInfo                    `json:"info"`
	RepodataVersion int                        `json:"repodata_version"`
	Revision        uint64                     `json:"revision"`
	LastModified    int64                      `json:"last_modified"`
	Packages        map[string]*archive.Record `json:"packages"`
	CondaPackages   map[string]*archive.Record `json:"packages.conda"`
}

// Doc projects the index into its wire form. The maps are fresh copies so
// the snapshot stays stable while the index keeps mutating.
func (ix *Index) Doc() *Doc {
	doc := &Doc{
		Info:            DocInfo{Subdir: ix.Subdir},
		RepodataVersion: RepodataVersion,
		Revision:        ix.Revision,
		LastModified:    ix.LastModified.UnixMilli(),
		Packages:        make(map[string]*archive.Record, len(ix.Packages)),
		CondaPackages:   make(map[string]*archive.Record, len(ix.CondaPackages)),
	}
	for k, v := range ix.Packages {
		doc.Packages[k] = v
	}
	for k, v := range ix.CondaPackages {
		doc.CondaPackages[k] = v
	}
	return doc
}

// Index rebuilds the in-memory index from a deserialized document,
// restoring the internal filename field the wire form keeps as map keys.
func (d *Doc) Index() *Index {
	ix := NewIndex(d.Info.Subdir)
	ix.Revision = d.Revision
	ix.LastModified = time.UnixMilli(d.LastModified).UTC()
	for k, v := range d.Packages {
		v.Filename = k
		ix.Packages[k] = v
	}
	for k, v := range d.CondaPackages {
		v.Filename = k
		ix.CondaPackages[k] = v
	}
	return ix
}

func (d *Doc) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func UnmarshalDoc(data []byte) (*Doc, error) {
	var doc Doc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Packages == nil {
		doc.Packages = make(map[string]*archive.Record)
	}
	if doc.CondaPackages == nil {
		doc.CondaPackages = make(map[string]*archive.Record)
	}
	return &doc, nil
}
