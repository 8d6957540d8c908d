package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"crater/pkg/archive"
	"crater/pkg/archive/archivetest"
	_ "crater/pkg/archive/condapkg"
	_ "crater/pkg/archive/tarbz2"
	"crater/pkg/storage"
	"crater/pkg/storage/local"
)

func setupEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	return NewEngine(backend), dir
}

func TestIngestAndCurrentIndex(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	rec, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.Filename != "numpy-1.26.0-0.tar.bz2" {
		t.Errorf("Filename = %q", rec.Filename)
	}

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d, want 1", doc.Revision)
	}
	got, ok := doc.Packages["numpy-1.26.0-0.tar.bz2"]
	if !ok {
		t.Fatal("ingested package missing from document")
	}
	if got.SHA256 != rec.SHA256 {
		t.Errorf("SHA256 = %q, want %q", got.SHA256, rec.SHA256)
	}
}

func TestIngestCondaFormat(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.Conda(archivetest.Meta("scipy", "1.11.4", "noarch"))
	rec, err := engine.Ingest(ctx, "main", "", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if rec.Filename != "scipy-1.11.4-0.conda" {
		t.Errorf("Filename = %q", rec.Filename)
	}

	doc, err := engine.CurrentIndex(ctx, "main", "noarch")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if _, ok := doc.CondaPackages["scipy-1.11.4-0.conda"]; !ok {
		t.Error("conda package should land in the packages.conda map")
	}
	if len(doc.Packages) != 0 {
		t.Errorf("packages map should be empty, has %d entries", len(doc.Packages))
	}
}

func TestIngestIdempotent(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	first, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	second, err := engine.Ingest(ctx, "main", "linux-64", raw, "bob")
	if err != nil {
		t.Fatalf("Re-ingest of identical bytes failed: %v", err)
	}
	if second.Timestamp != first.Timestamp {
		t.Error("re-ingest should return the originally published record")
	}

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after idempotent re-ingest, want 1", doc.Revision)
	}
}

func TestIngestConflict(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	meta := archivetest.Meta("numpy", "1.26.0", "linux-64")
	raw := archivetest.TarBz2(meta)
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// same name-version-build, different content
	meta.Depends = []string{"openblas"}
	conflicting := archivetest.TarBz2(meta)
	if bytes.Equal(raw, conflicting) {
		t.Fatal("fixtures should differ")
	}

	_, err := engine.Ingest(ctx, "main", "linux-64", conflicting, "mallory")
	if err == nil {
		t.Fatal("conflicting ingest should fail")
	}
	if !errors.Is(err, ErrHashConflict) && !errors.Is(err, ErrFilenameConflict) {
		t.Errorf("conflicting ingest = %v, want a conflict error", err)
	}

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after rejected ingest, want 1", doc.Revision)
	}
}

func TestIngestSubdirMismatch(t *testing.T) {
	engine, _ := setupEngine(t)

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	_, err := engine.Ingest(context.Background(), "main", "noarch", raw, "alice")
	if !errors.Is(err, ErrSubdirMismatch) {
		t.Errorf("Ingest with wrong target platform = %v, want ErrSubdirMismatch", err)
	}
}

func TestIngestRejectsGarbage(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.Ingest(context.Background(), "main", "", []byte("not a package"), "alice")
	if !errors.Is(err, archive.ErrUnsupportedFormat) {
		t.Errorf("Ingest of garbage = %v, want ErrUnsupportedFormat", err)
	}
}

func TestConcurrentIngest(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := archivetest.TarBz2(archivetest.Meta(fmt.Sprintf("pkg%d", i), "1.0.0", "linux-64"))
			_, errs[i] = engine.Ingest(ctx, "main", "linux-64", raw, "alice")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if len(doc.Packages) != n {
		t.Errorf("package count = %d, want %d", len(doc.Packages), n)
	}
	if doc.Revision != n {
		t.Errorf("Revision = %d, want %d", doc.Revision, n)
	}
}

func TestRemoveArtifact(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	rec, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	artifactFile := filepath.Join(dir, "main", "linux-64", rec.Filename)
	if _, err := os.Stat(artifactFile); err != nil {
		t.Fatalf("artifact bytes not stored: %v", err)
	}

	if err := engine.RemoveArtifact(ctx, "main", "linux-64", rec.Filename, "alice"); err != nil {
		t.Fatalf("RemoveArtifact failed: %v", err)
	}

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 2 {
		t.Errorf("Revision = %d after remove, want 2", doc.Revision)
	}
	if len(doc.Packages) != 0 {
		t.Errorf("package count = %d after remove, want 0", len(doc.Packages))
	}

	// bytes are collected once nothing references them
	if _, err := os.Stat(artifactFile); !os.IsNotExist(err) {
		t.Errorf("artifact bytes should be deleted, stat err = %v", err)
	}

	if err := engine.RemoveArtifact(ctx, "main", "linux-64", rec.Filename, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

func TestFetchArtifact(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	rec, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	rc, err := engine.FetchArtifact(ctx, "main", "linux-64", rec.Filename)
	if err != nil {
		t.Fatalf("FetchArtifact failed: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Failed to read artifact: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("fetched bytes differ from ingested bytes")
	}

	if _, err := engine.FetchArtifact(ctx, "main", "linux-64", "absent-1.0-0.tar.bz2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchArtifact of absent file = %v, want ErrNotFound", err)
	}
}

func TestCurrentIndexUnknownPartition(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.CurrentIndex(context.Background(), "main", "linux-64")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CurrentIndex on empty partition = %v, want ErrNotFound", err)
	}
}

func TestLoadFromPublishedDocument(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// a fresh engine over the same storage must see the published state
	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	restarted := NewEngine(backend)

	doc, err := restarted.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex after restart failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after restart, want 1", doc.Revision)
	}
	if _, ok := doc.Packages["numpy-1.26.0-0.tar.bz2"]; !ok {
		t.Error("package missing after restart")
	}
}

func TestRebuildFromArtifacts(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	for _, name := range []string{"numpy", "scipy"} {
		raw := archivetest.TarBz2(archivetest.Meta(name, "1.0.0", "linux-64"))
		if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	// corrupt the durable document; the rebuilt index is derived from the
	// artifact files alone
	indexFile := filepath.Join(dir, "main", "linux-64", IndexFilename)
	if err := os.WriteFile(indexFile, []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("Failed to corrupt index: %v", err)
	}

	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	restarted := NewEngine(backend)

	doc, err := restarted.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex after corruption failed: %v", err)
	}
	if len(doc.Packages) != 2 {
		t.Errorf("rebuilt package count = %d, want 2", len(doc.Packages))
	}
	if doc.Revision != 2 {
		t.Errorf("rebuilt Revision = %d, want artifact count 2", doc.Revision)
	}

	// the rebuild republishes a valid document
	data, err := os.ReadFile(indexFile)
	if err != nil {
		t.Fatalf("Failed to read republished index: %v", err)
	}
	if _, err := UnmarshalDoc(data); err != nil {
		t.Errorf("republished index does not parse: %v", err)
	}
}

func TestRecoveryFailedSticky(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// corrupt both the document and one artifact so the rebuild fails too
	partDir := filepath.Join(dir, "main", "linux-64")
	if err := os.WriteFile(filepath.Join(partDir, IndexFilename), []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("Failed to corrupt index: %v", err)
	}
	badArtifact := filepath.Join(partDir, "bad-1.0-0.tar.bz2")
	if err := os.WriteFile(badArtifact, []byte("BZh not really bzip2"), 0644); err != nil {
		t.Fatalf("Failed to write bad artifact: %v", err)
	}

	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	restarted := NewEngine(backend)

	if _, err := restarted.CurrentIndex(ctx, "main", "linux-64"); !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("CurrentIndex = %v, want ErrRecoveryFailed", err)
	}

	// the failure is sticky: mutations are refused without retrying
	if _, err := restarted.Ingest(ctx, "main", "linux-64", raw, "alice"); !errors.Is(err, ErrRecoveryFailed) {
		t.Errorf("Ingest on failed partition = %v, want ErrRecoveryFailed", err)
	}

	// operator removes the bad artifact and reloads
	if err := os.Remove(badArtifact); err != nil {
		t.Fatalf("Failed to remove bad artifact: %v", err)
	}
	if err := restarted.Reload(ctx, "main", "linux-64"); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	doc, err := restarted.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex after reload failed: %v", err)
	}
	if len(doc.Packages) != 1 {
		t.Errorf("package count after reload = %d, want 1", len(doc.Packages))
	}
}

func TestStrayTempFileIgnored(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// a crash between temp write and rename leaves a stray file behind;
	// it must affect neither loading nor rebuilding
	stray := filepath.Join(dir, "main", "linux-64", ".repodata.json.tmp-123")
	if err := os.WriteFile(stray, []byte("partial"), 0644); err != nil {
		t.Fatalf("Failed to write stray file: %v", err)
	}

	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	restarted := NewEngine(backend)

	doc, err := restarted.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if len(doc.Packages) != 1 {
		t.Errorf("package count = %d, want 1", len(doc.Packages))
	}
}

func TestChannels(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	meta, err := engine.CreateChannel(ctx, "main", "default channel", false)
	if err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	if meta.Name != "main" || meta.Private {
		t.Errorf("unexpected channel meta: %+v", meta)
	}

	if _, err := engine.CreateChannel(ctx, "main", "again", false); !errors.Is(err, ErrChannelExists) {
		t.Errorf("duplicate CreateChannel = %v, want ErrChannelExists", err)
	}

	if _, err := engine.CreateChannel(ctx, "internal", "private bits", true); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	got, err := engine.GetChannel(ctx, "internal")
	if err != nil {
		t.Fatalf("GetChannel failed: %v", err)
	}
	if !got.Private {
		t.Error("private flag lost")
	}

	channels, err := engine.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("channel count = %d, want 2", len(channels))
	}
	if channels[0].Name != "internal" || channels[1].Name != "main" {
		t.Errorf("channels not sorted by name: %s, %s", channels[0].Name, channels[1].Name)
	}
}

func TestListPackages(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.CreateChannel(ctx, "main", "", false); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}

	uploads := []struct {
		name, subdir string
	}{
		{"scipy", "linux-64"},
		{"numpy", "linux-64"},
		{"pytest", "noarch"},
	}
	for _, u := range uploads {
		raw := archivetest.TarBz2(archivetest.Meta(u.name, "1.0.0", u.subdir))
		if _, err := engine.Ingest(ctx, "main", "", raw, "alice"); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	records, err := engine.ListPackages(ctx, "main")
	if err != nil {
		t.Fatalf("ListPackages failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("record count = %d, want 3", len(records))
	}

	// sorted by subdir, then filename
	want := []string{"numpy-1.0.0-0.tar.bz2", "scipy-1.0.0-0.tar.bz2", "pytest-1.0.0-0.tar.bz2"}
	for i, rec := range records {
		if rec.Filename != want[i] {
			t.Errorf("records[%d] = %q, want %q", i, rec.Filename, want[i])
		}
	}

	if _, err := engine.ListPackages(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListPackages on unknown channel = %v, want ErrNotFound", err)
	}
}

func TestListPackagesReturnsCopies(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.CreateChannel(ctx, "main", "", false); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	records, err := engine.ListPackages(ctx, "main")
	if err != nil {
		t.Fatalf("ListPackages failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record count = %d, want 1", len(records))
	}

	// scribbling on a listed record must not reach the published index
	records[0].Filename = "clobbered"
	records[0].SHA256 = "clobbered"

	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	rec, ok := doc.Packages["numpy-1.26.0-0.tar.bz2"]
	if !ok {
		t.Fatal("published record missing")
	}
	if rec.SHA256 == "clobbered" {
		t.Error("mutating a listed record leaked into the published index")
	}

	// concurrent listings share the published doc; copies keep them
	// race-free
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := engine.ListPackages(ctx, "main")
			if err == nil && len(recs) == 1 {
				recs[0].Filename = "scratch"
			}
		}()
	}
	wg.Wait()
}

func TestListPackagesSurfacesRecoveryFailure(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	if _, err := engine.CreateChannel(ctx, "main", "", false); err != nil {
		t.Fatalf("CreateChannel failed: %v", err)
	}
	for _, subdir := range []string{"linux-64", "noarch"} {
		raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.0.0", subdir))
		if _, err := engine.Ingest(ctx, "main", "", raw, "alice"); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
	}

	// break one partition beyond rebuild
	partDir := filepath.Join(dir, "main", "noarch")
	if err := os.WriteFile(filepath.Join(partDir, IndexFilename), []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("Failed to corrupt index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(partDir, "bad-1.0-0.tar.bz2"), []byte("BZh junk"), 0644); err != nil {
		t.Fatalf("Failed to write bad artifact: %v", err)
	}

	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	restarted := NewEngine(backend)

	if _, err := restarted.ListPackages(ctx, "main"); !errors.Is(err, ErrRecoveryFailed) {
		t.Errorf("ListPackages over a broken partition = %v, want ErrRecoveryFailed", err)
	}
}

func TestPublishLeavesNoStaging(t *testing.T) {
	engine, dir := setupEngine(t)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "main", "linux-64"))
	if err != nil {
		t.Fatalf("Failed to read partition dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".staging") {
			t.Errorf("staging file left behind: %s", e.Name())
		}
	}
}

// failingStorage wraps a backend and fails writes touching matching
// paths once armed. Publishing writes a staging file and renames it, so
// both steps are covered.
type failingStorage struct {
	storage.Storage
	fail   bool
	suffix string
}

func (f *failingStorage) match(path string) bool {
	return f.suffix == "" || strings.HasPrefix(filepath.Base(path), f.suffix)
}

func (f *failingStorage) Store(ctx context.Context, path string, reader io.Reader) error {
	if f.fail && f.match(path) {
		return fmt.Errorf("injected store failure for %s", path)
	}
	return f.Storage.Store(ctx, path, reader)
}

func (f *failingStorage) Rename(ctx context.Context, oldPath, newPath string) error {
	if f.fail && f.match(newPath) {
		return fmt.Errorf("injected rename failure for %s", newPath)
	}
	return f.Storage.Rename(ctx, oldPath, newPath)
}

func TestPublishFailureLeavesIndexUnchanged(t *testing.T) {
	dir := t.TempDir()
	backend, err := local.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage backend: %v", err)
	}
	fs := &failingStorage{Storage: backend, suffix: IndexFilename}
	engine := NewEngine(fs)
	ctx := context.Background()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	fs.fail = true
	second := archivetest.TarBz2(archivetest.Meta("scipy", "1.11.4", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", second, "alice"); err == nil {
		t.Fatal("Ingest should fail when the publish fails")
	}

	// the partition still serves the pre-mutation snapshot
	doc, err := engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after failed publish, want 1", doc.Revision)
	}
	if len(doc.Packages) != 1 {
		t.Errorf("package count = %d after failed publish, want 1", len(doc.Packages))
	}

	// and recovers once the backend does
	fs.fail = false
	if _, err := engine.Ingest(ctx, "main", "linux-64", second, "alice"); err != nil {
		t.Fatalf("Ingest after recovery failed: %v", err)
	}
	doc, err = engine.CurrentIndex(ctx, "main", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 2 || len(doc.Packages) != 2 {
		t.Errorf("Revision/count = %d/%d after recovery, want 2/2", doc.Revision, len(doc.Packages))
	}
}

func TestPartitionLifecycle(t *testing.T) {
	engine, _ := setupEngine(t)
	ctx := context.Background()

	meta := archivetest.Meta("foo", "1.0", "linux-64")
	raw := archivetest.TarBz2(meta)

	rec, err := engine.Ingest(ctx, "c", "linux-64", raw, "alice")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	doc, err := engine.CurrentIndex(ctx, "c", "linux-64")
	if err != nil {
		t.Fatalf("CurrentIndex failed: %v", err)
	}
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after upload, want 1", doc.Revision)
	}
	if got := doc.Packages[rec.Filename]; got == nil || got.SHA256 != rec.SHA256 {
		t.Error("uploaded record missing or hash mismatch")
	}

	if _, err := engine.Ingest(ctx, "c", "linux-64", raw, "alice"); err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}
	doc, _ = engine.CurrentIndex(ctx, "c", "linux-64")
	if doc.Revision != 1 {
		t.Errorf("Revision = %d after identical re-upload, want 1", doc.Revision)
	}

	meta.Depends = []string{"bar"}
	if _, err := engine.Ingest(ctx, "c", "linux-64", archivetest.TarBz2(meta), "alice"); err == nil {
		t.Fatal("upload of different bytes under the same filename should fail")
	}

	if err := engine.RemoveArtifact(ctx, "c", "linux-64", rec.Filename, "alice"); err != nil {
		t.Fatalf("RemoveArtifact failed: %v", err)
	}
	doc, _ = engine.CurrentIndex(ctx, "c", "linux-64")
	if doc.Revision != 2 {
		t.Errorf("Revision = %d after remove, want 2", doc.Revision)
	}
	if len(doc.Packages) != 0 {
		t.Error("record still present after remove")
	}
}

func TestCanceledContextRefused(t *testing.T) {
	engine, _ := setupEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := archivetest.TarBz2(archivetest.Meta("numpy", "1.26.0", "linux-64"))
	if _, err := engine.Ingest(ctx, "main", "linux-64", raw, "alice"); !errors.Is(err, context.Canceled) {
		t.Errorf("Ingest with canceled context = %v, want context.Canceled", err)
	}
}
