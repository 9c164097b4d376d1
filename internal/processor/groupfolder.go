package processor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathMismatch is returned for files outside the group folder layout
var ErrPathMismatch = errors.New("path is not inside a group folder")

const filesSegment = "files"

// GroupPath locates a file inside a group folder:
// <...>/<marker>/<group id>/[files/]<relative path>
type GroupPath struct {
	GroupID      string
	RelativePath string
}

// ParseGroupPath splits path at the leftmost marker segment that is followed by
// an all-digit segment. A literal "files" segment directly after the group id
// is dropped when more segments follow it.
func ParseGroupPath(path, marker string) (GroupPath, error) {
	segments := strings.Split(filepath.ToSlash(path), "/")

	for i, seg := range segments {
		if seg != marker || i+2 >= len(segments) || !isDigits(segments[i+1]) {
			continue
		}

		rest := segments[i+2:]
		if len(rest) > 1 && rest[0] == filesSegment {
			rest = rest[1:]
		}
		rel := strings.Join(rest, "/")
		if rel == "" {
			continue
		}

		return GroupPath{GroupID: segments[i+1], RelativePath: rel}, nil
	}

	return GroupPath{}, fmt.Errorf("%w: %s (marker %q)", ErrPathMismatch, path, marker)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
