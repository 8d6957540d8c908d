package tarbz2

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"path"

	"crater/pkg/archive"
)

func init() {
	archive.Register(archive.TarBz2, NewParser)
}

const metadataEntry = "info/index.json"

// Parser handles the classic conda package format: a bzip2-compressed
// tarball carrying info/index.json next to the payload.
type Parser struct{}

func NewParser() archive.Parser {
	return &Parser{}
}

func (p *Parser) Extension() string {
	return ".tar.bz2"
}

func (p *Parser) ExtractMetadata(raw []byte) (*archive.Metadata, error) {
	tr := tar.NewReader(bzip2.NewReader(bytes.NewReader(raw)))

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// a tar or bzip2 stream error means the container itself
			// is broken, not just the metadata
			return nil, fmt.Errorf("%w: %v", archive.ErrMalformedArchive, err)
		}

		if path.Clean(hdr.Name) != metadataEntry {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", archive.ErrMalformedArchive, err)
		}

		return archive.DecodeMetadata(data)
	}

	return nil, fmt.Errorf("%w: no %s entry", archive.ErrMissingMetadata, metadataEntry)
}
