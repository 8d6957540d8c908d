package condapkg

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"

	"crater/pkg/archive"
)

func init() {
	archive.Register(archive.Conda, NewParser)
}

const metadataEntry = "info/index.json"

// Parser handles the v2 ".conda" format: an uncompressed zip holding
// zstd-compressed inner tarballs, info-<pkg>.tar.zst carrying the
// metadata and pkg-<pkg>.tar.zst the payload.
type Parser struct{}

func NewParser() archive.Parser {
	return &Parser{}
}

func (p *Parser) Extension() string {
	return ".conda"
}

func (p *Parser) ExtractMetadata(raw []byte) (*archive.Metadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", archive.ErrMalformedArchive, err)
	}

	var infoEntry *zip.File
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if strings.HasPrefix(name, "info-") && strings.HasSuffix(name, ".tar.zst") {
			infoEntry = f
			break
		}
	}
	if infoEntry == nil {
		return nil, fmt.Errorf("%w: no info-*.tar.zst member", archive.ErrMissingMetadata)
	}

	rc, err := infoEntry.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", archive.ErrMalformedArchive, err)
	}
	defer rc.Close()

	zstdReader, err := zstd.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", archive.ErrMalformedArchive, err)
	}
	defer zstdReader.Close()

	tr := tar.NewReader(zstdReader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
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
