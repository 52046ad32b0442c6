package remote

import (
	"errors"
	"strings"
)

// ErrInvalidPath is returned for empty paths or paths with empty segments.
var ErrInvalidPath = errors.New("remote: invalid path")

// Join builds a slash-delimited path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split validates path and returns its segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, ErrInvalidPath
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return nil, ErrInvalidPath
		}
	}
	return segments, nil
}

// IsPrefix reports whether prefix addresses path itself or one of its
// ancestors ("messages/a" is a prefix of "messages/a/b" but not of
// "messages/ab").
func IsPrefix(prefix, path string) bool {
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}
