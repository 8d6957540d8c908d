package archive

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrMalformedArchive means the container could not be opened or
	// decompressed at all.
	ErrMalformedArchive = errors.New("archive: malformed archive")

	// ErrMissingMetadata means the container opened but info/index.json
	// is absent or does not decode to the expected schema.
	ErrMissingMetadata = errors.New("archive: missing or invalid metadata")

	// ErrSizeMismatch means the size declared in the metadata differs
	// from the actual byte length of the upload.
	ErrSizeMismatch = errors.New("archive: declared size does not match content")

	// ErrUnsupportedFormat means the filename does not carry a known
	// package extension.
	ErrUnsupportedFormat = errors.New("archive: unsupported package format")
)

type Format string

const (
	TarBz2 Format = "tar.bz2"
	Conda  Format = "conda"
)

// Parser extracts the embedded metadata record from one container format.
// Implementations register themselves from init(), the same way storage
// backends do.
type Parser interface {
	// Extension returns the canonical filename extension, leading dot
	// included (".tar.bz2", ".conda").
	Extension() string

	// ExtractMetadata locates and decodes info/index.json in the raw
	// archive bytes. It returns ErrMalformedArchive or
	// ErrMissingMetadata; it does not validate field contents.
	ExtractMetadata(raw []byte) (*Metadata, error)
}

var factory = make(map[Format]func() Parser)

func Register(f Format, fn func() Parser) {
	if _, ok := factory[f]; ok {
		return
	}
	factory[f] = fn
}

// DetectFormat maps a filename onto the closed set of supported formats.
func DetectFormat(filename string) (Format, error) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.bz2"):
		return TarBz2, nil
	case strings.HasSuffix(lower, ".conda"):
		return Conda, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

// DetectContent sniffs the container format from leading magic bytes:
// "BZh" for bzip2 tarballs, a zip local-file header for ".conda".
func DetectContent(raw []byte) (Format, error) {
	switch {
	case len(raw) >= 3 && raw[0] == 'B' && raw[1] == 'Z' && raw[2] == 'h':
		return TarBz2, nil
	case len(raw) >= 4 && raw[0] == 'P' && raw[1] == 'K' && raw[2] == 0x03 && raw[3] == 0x04:
		return Conda, nil
	default:
		return "", fmt.Errorf("%w: unrecognized magic bytes", ErrUnsupportedFormat)
	}
}

func newParser(f Format) (Parser, error) {
	fn, ok := factory[f]
	if !ok {
		return nil, fmt.Errorf("%w: no parser registered for %q", ErrUnsupportedFormat, f)
	}
	return fn(), nil
}

// Metadata is the decoded info/index.json entry of a conda package.
type Metadata struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Depends     []string `json:"depends"`
	Subdir      string   `json:"subdir"`
	Size        int64    `json:"size"`
}

// DecodeMetadata unmarshals an info/index.json payload. Parsers call it
// once they have located the entry in their container format.
func DecodeMetadata(data []byte) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}
	return &meta, nil
}

// Record is one package file's canonical metadata as published in
// repodata.json. It is immutable once added to a partition index; the
// filename is the map key on the wire and is kept here for internal use.
type Record struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber int      `json:"build_number"`
	Depends     []string `json:"depends"`
	Subdir      string   `json:"subdir"`
	Size        int64    `json:"size"`
	MD5         string   `json:"md5"`
	SHA256      string   `json:"sha256"`
	Timestamp   int64    `json:"timestamp"`

	Filename string `json:"-"`
}

// Parse validates raw package bytes in the given format and produces the
// canonical record. It is a pure function of its input: container
// integrity, metadata schema, declared size, and content hashes are all
// checked here and nowhere else.
func Parse(raw []byte, format Format) (*Record, error) {
	parser, err := newParser(format)
	if err != nil {
		return nil, err
	}

	meta, err := parser.ExtractMetadata(raw)
	if err != nil {
		return nil, err
	}

	if meta.Name == "" || meta.Version == "" || meta.Build == "" || meta.Subdir == "" {
		return nil, fmt.Errorf("%w: name, version, build and subdir are required", ErrMissingMetadata)
	}
	if meta.BuildNumber < 0 {
		return nil, fmt.Errorf("%w: negative build_number", ErrMissingMetadata)
	}
	if meta.Size != 0 && meta.Size != int64(len(raw)) {
		return nil, fmt.Errorf("%w: declared %d, actual %d", ErrSizeMismatch, meta.Size, len(raw))
	}

	md5sum := md5.Sum(raw)

	rec := &Record{
		Name:        meta.Name,
		Version:     meta.Version,
		Build:       meta.Build,
		BuildNumber: meta.BuildNumber,
		Depends:     meta.Depends,
		Subdir:      meta.Subdir,
		Size:        int64(len(raw)),
		MD5:         hex.EncodeToString(md5sum[:]),
		SHA256:      digest.SHA256.FromBytes(raw).Encoded(),
		Timestamp:   time.Now().UnixMilli(),
		Filename:    Filename(meta.Name, meta.Version, meta.Build, parser.Extension()),
	}
	if rec.Depends == nil {
		rec.Depends = []string{}
	}
	return rec, nil
}

// ParseFile detects the format from the filename and parses the bytes.
func ParseFile(filename string, raw []byte) (*Record, error) {
	format, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	return Parse(raw, format)
}

// Filename derives the canonical package filename. Conda filenames are
// name-version-build plus the format extension; the build string embeds
// the build number, which is still recorded as its own metadata field.
// The derivation must stay byte-for-byte reproducible: it is what makes
// re-uploads of identical content idempotent and conflicting re-uploads
// detectable.
func Filename(name, version, build, extension string) string {
	return fmt.Sprintf("%s-%s-%s%s", name, version, build, extension)
}
