package utils

import (
	"encoding/json"
	"io"
	"regexp"
	"strings"

	"github.com/mailru/easyjson"
)

var nameSegment = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidChannelName accepts letters, digits, hyphens and underscores.
// Channel names are single path segments; they become directory names in
// the content store, so anything resembling path traversal is rejected.
func IsValidChannelName(name string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	return nameSegment.MatchString(name)
}

// IsValidSubdir accepts conda platform identifiers like "linux-64",
// "osx-arm64" and "noarch".
func IsValidSubdir(subdir string) bool {
	if len(subdir) == 0 || len(subdir) > 32 {
		return false
	}
	return nameSegment.MatchString(subdir)
}

// IsValidFilename rejects path separators and dotfiles so a client cannot
// address the index document or temp files as artifacts.
func IsValidFilename(name string) bool {
	if len(name) == 0 || len(name) > 256 {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return false
	}
	return true
}

// WriteTo serializes v to w, through the easyjson fast path when a
// generated marshaler is linked in, encoding/json otherwise.
func WriteTo(v interface{}, w io.Writer) (int64, error) {
	if m, ok := v.(easyjson.Marshaler); ok {
		n, err := easyjson.MarshalToWriter(m, w)
		return int64(n), err
	}

	b, err := json.Marshal(v)
	if err != nil {
		return -1, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// GetContentType maps repository file names onto serving content types.
func GetContentType(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return "application/json"
	case strings.HasSuffix(lower, ".tar.bz2"):
		return "application/x-tar"
	case strings.HasSuffix(lower, ".conda"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
