// Package archivetest builds small conda package archives in memory.
// It exists for tests; production code never constructs packages.
package archivetest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"

	"crater/pkg/archive"
)

// TarBz2 builds a .tar.bz2 package whose info/index.json holds meta.
func TarBz2(meta *archive.Metadata) []byte {
	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		panic(err)
	}
	if _, err := bw.Write(tarball(meta)); err != nil {
		panic(err)
	}
	if err := bw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Conda builds a .conda package: a zip container holding an
// info-<name>-<version>-<build>.tar.zst member with info/index.json inside.
func Conda(meta *archive.Metadata) []byte {
	var inner bytes.Buffer
	zw, err := zstd.NewWriter(&inner)
	if err != nil {
		panic(err)
	}
	if _, err := zw.Write(tarball(meta)); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	z := zip.NewWriter(&buf)
	member := fmt.Sprintf("info-%s-%s-%s.tar.zst", meta.Name, meta.Version, meta.Build)
	w, err := z.Create(member)
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(inner.Bytes()); err != nil {
		panic(err)
	}
	if err := z.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Meta returns a minimal valid metadata record for tests to tweak.
func Meta(name, version, subdir string) *archive.Metadata {
	return &archive.Metadata{
		Name:    name,
		Version: version,
		Build:   "0",
		Depends: []string{"python >=3.9"},
		Subdir:  subdir,
	}
}

func tarball(meta *archive.Metadata) []byte {
	data, err := json.Marshal(meta)
	if err != nil {
		panic(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "info/index.json",
		Mode: 0644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
